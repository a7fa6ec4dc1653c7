package svcgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pkt.systems/svcgroup/internal/atomicgroup"
	"pkt.systems/svcgroup/internal/envelope"
	"pkt.systems/svcgroup/replica"
)

// errZeroSequence reports a channel that accepted a replicate without
// assigning a sequence number.
var errZeroSequence = errors.New("svcgroup: replicate assigned sequence number 0")

// CreateGroup assigns a new atomic group id. Nothing is replicated until a
// member replicates into the group.
func (c *Coordinator) CreateGroup() (int64, error) {
	if c.faulted.Load() {
		return replica.InvalidAtomicGroupID, replica.ErrFaulted
	}
	id := c.table.NextID()
	c.logger.Trace("group.atomic.id.assigned", "group_id", id)
	return id, nil
}

// ReplicateGroupOperation replicates data into groupID on behalf of member.
func (c *Coordinator) ReplicateGroupOperation(ctx context.Context, memberID uuid.UUID, groupID int64, data [][]byte) (int64, *replica.Future[int64], error) {
	return c.ReplicateGroup(ctx, replica.KindAtomicGroupOperation, groupID, memberID, data)
}

// CommitGroup replicates the commit of groupID on behalf of member. The
// future completes once every participant applied the commit.
func (c *Coordinator) CommitGroup(ctx context.Context, memberID uuid.UUID, groupID int64) (int64, *replica.Future[int64], error) {
	return c.ReplicateGroup(ctx, replica.KindCommitAtomicGroup, groupID, memberID, nil)
}

// RollbackGroup replicates the rollback of groupID on behalf of member.
func (c *Coordinator) RollbackGroup(ctx context.Context, memberID uuid.UUID, groupID int64) (int64, *replica.Future[int64], error) {
	return c.ReplicateGroup(ctx, replica.KindRollbackAtomicGroup, groupID, memberID, nil)
}

// Replicate replicates a normal operation of member.
func (c *Coordinator) Replicate(ctx context.Context, memberID uuid.UUID, data [][]byte) (int64, *replica.Future[int64], error) {
	return c.ReplicateNormal(ctx, memberID, data)
}

// ReplicateNormal implements member.Host.
func (c *Coordinator) ReplicateNormal(ctx context.Context, memberID uuid.UUID, data [][]byte) (int64, *replica.Future[int64], error) {
	if _, err := c.memberByID(memberID); err != nil {
		return 0, nil, err
	}
	ch, err := c.writable()
	if err != nil {
		return 0, nil, err
	}
	return ch.Replicate(ctx, envelope.Wrap(envelope.ForMember(memberID), data))
}

func (c *Coordinator) writable() (replica.Channel, error) {
	if c.faulted.Load() {
		return nil, replica.ErrFaulted
	}
	ch, err := c.channelHandle()
	if err != nil {
		return nil, err
	}
	if err := ch.WriteStatus().Err(); err != nil {
		return nil, err
	}
	return ch, nil
}

// ReplicateGroup implements member.Host. The first operation of a member in
// a group is replicated as a create.
func (c *Coordinator) ReplicateGroup(ctx context.Context, kind replica.OperationKind, groupID int64, memberID uuid.UUID, data [][]byte) (int64, *replica.Future[int64], error) {
	a, err := c.memberByID(memberID)
	if err != nil {
		return 0, nil, err
	}
	ch, err := c.writable()
	if err != nil {
		return 0, nil, err
	}
	start := c.clock.Now()
	promoted, err := c.table.Begin(kind, groupID, memberID)
	if err != nil {
		c.logger.Debug("group.atomic.refresh.rejected",
			"group_id", groupID,
			"member", a.Name(),
			"kind", kind.String(),
			"error", err,
		)
		return 0, nil, err
	}
	var applied *replica.Future[struct{}]
	if kind.IsTermination() {
		applied = c.awaitDecision(groupID)
	}
	env := envelope.Envelope{Kind: promoted, GroupID: groupID, Member: memberID}
	terminating := kind.IsTermination()
	if terminating {
		c.order.replicateMu.Lock()
	}
	seq, replicated, err := ch.Replicate(ctx, envelope.Wrap(env, data))
	if err == nil && seq == 0 {
		err = errZeroSequence
	}
	if terminating {
		if err == nil {
			c.order.register(seq, groupID)
		}
		c.order.replicateMu.Unlock()
	}
	if err != nil {
		c.fixup(ctx, groupID, memberID, promoted, replica.InvalidSequenceNumber, err)
		c.metrics.recordReplicate(ctx, promoted, c.clock.Now().Sub(start), err)
		return 0, nil, err
	}
	if promoted == replica.KindCreateAtomicGroup {
		c.table.SetSequenceNumber(groupID, memberID, seq)
	}
	c.logger.Trace("group.atomic.replicating", "group_id", groupID, "member", a.Name(), "kind", promoted.String(), "seq", seq)

	result := replica.NewFuture[int64]()
	fanoutCtx := context.WithoutCancel(ctx)
	replicated.OnComplete(func() {
		got, rerr := replicated.Result()
		if rerr != nil {
			c.fixup(fanoutCtx, groupID, memberID, promoted, seq, rerr)
			c.metrics.recordReplicate(fanoutCtx, promoted, c.clock.Now().Sub(start), rerr)
			result.Complete(0, rerr)
			return
		}
		c.metrics.recordReplicate(fanoutCtx, promoted, c.clock.Now().Sub(start), nil)
		d := c.table.Complete(promoted, groupID, memberID, seq)
		switch {
		case d != nil:
			c.release(fanoutCtx, d)
		case terminating:
			if _, open := c.table.Get(groupID); !open {
				// Rolled back locally while the termination replicated.
				c.order.drop(seq, c.dispatcher(fanoutCtx))
			}
		}
		if applied == nil {
			result.Complete(got, nil)
			return
		}
		applied.OnComplete(func() {
			_, ferr := applied.Result()
			result.Complete(got, ferr)
		})
	})
	return seq, result, nil
}

// fixup reverts the table after a failed replicate. seq is the sequence
// number the failed operation was assigned, if any. A termination that was
// only waiting on this operation is released now.
func (c *Coordinator) fixup(ctx context.Context, groupID int64, memberID uuid.UUID, kind replica.OperationKind, seq int64, cause error) {
	c.logger.Warn("group.atomic.replicate.failed", "group_id", groupID, "member_id", memberID.String(), "kind", kind.String(), "error", cause)
	ctx = context.WithoutCancel(ctx)
	if kind.IsTermination() {
		c.dropDecisionWaiter(groupID, cause)
	}
	d := c.table.Fixup(groupID, memberID, kind)
	if kind.IsTermination() && seq != replica.InvalidSequenceNumber {
		c.order.drop(seq, c.dispatcher(ctx))
	}
	if d != nil {
		c.release(ctx, d)
	}
}

// release hands a ready decision to the sequence number ordering.
func (c *Coordinator) release(ctx context.Context, d *atomicgroup.Decision) {
	c.order.ready(d, c.dispatcher(ctx))
}

func (c *Coordinator) dispatcher(ctx context.Context) func(*atomicgroup.Decision) {
	ctx = context.WithoutCancel(ctx)
	return func(d *atomicgroup.Decision) { c.applyDecision(ctx, d) }
}

func (c *Coordinator) awaitDecision(groupID int64) *replica.Future[struct{}] {
	c.decisionMu.Lock()
	defer c.decisionMu.Unlock()
	f, ok := c.decisions[groupID]
	if !ok || f.Ready() {
		f = replica.NewFuture[struct{}]()
		c.decisions[groupID] = f
	}
	return f
}

func (c *Coordinator) dropDecisionWaiter(groupID int64, cause error) {
	c.decisionMu.Lock()
	f, ok := c.decisions[groupID]
	delete(c.decisions, groupID)
	c.decisionMu.Unlock()
	if ok {
		f.Complete(struct{}{}, cause)
	}
}

// applyDecision queues a replicated commit or rollback on every participant
// and returns. Decisions are queued in sequence number order, so each member
// applies them in that order while members proceed concurrently. The group
// is removed once every participant applied it.
func (c *Coordinator) applyDecision(ctx context.Context, d *atomicgroup.Decision) {
	start := c.clock.Now()
	failures := make([]*MemberError, len(d.Participants))
	var wg sync.WaitGroup
	for i, id := range d.Participants {
		a, ok := c.byID[id]
		if !ok {
			failures[i] = &MemberError{Member: id.String(), MemberID: id, Op: d.Verb(), Err: fmt.Errorf("unknown member")}
			continue
		}
		wg.Add(1)
		a.Apply(ctx, d.Commit, d.GroupID, d.SequenceNumber, func(err error) {
			defer wg.Done()
			if err != nil {
				failures[i] = &MemberError{Member: a.Name(), MemberID: id, Op: d.Verb(), Err: err}
				c.ReportMemberFault(id, replica.FaultTransient, err)
			}
		})
	}
	go func() {
		wg.Wait()
		c.finishDecision(ctx, d, failures, start)
	}()
}

func (c *Coordinator) finishDecision(ctx context.Context, d *atomicgroup.Decision, failures []*MemberError, start time.Time) {
	c.table.Finish(d.GroupID)

	var ferr error
	var failed []*MemberError
	for _, f := range failures {
		if f != nil {
			failed = append(failed, f)
		}
	}
	if len(failed) > 0 {
		ferr = &FanoutError{GroupID: d.GroupID, Commit: d.Commit, Failures: failed}
		c.logger.Warn("group.atomic.fanout.failed", "group_id", d.GroupID, "verb", d.Verb(), "failed", len(failed), "error", ferr)
	} else {
		c.logger.Debug("group.atomic.terminated", "group_id", d.GroupID, "verb", d.Verb(), "seq", d.SequenceNumber, "participants", len(d.Participants))
	}
	c.metrics.recordFanout(ctx, d.Verb(), len(d.Participants), c.clock.Now().Sub(start), ferr)

	c.decisionMu.Lock()
	f, ok := c.decisions[d.GroupID]
	delete(c.decisions, d.GroupID)
	c.decisionMu.Unlock()
	if ok {
		f.Complete(struct{}{}, ferr)
	}
}

// rollbackAll rolls back every group created at or before boundary without
// replicating anything. Each member applies its rollbacks in group order.
func (c *Coordinator) rollbackAll(ctx context.Context, boundary int64, reason string) error {
	rollbacks := c.table.TakeForRollback(boundary)
	if len(rollbacks) == 0 {
		return nil
	}
	perMember := make(map[uuid.UUID][]int64)
	taken := make(map[int64]struct{}, len(rollbacks))
	for _, rb := range rollbacks {
		taken[rb.GroupID] = struct{}{}
		for _, id := range rb.Participants {
			perMember[id] = append(perMember[id], rb.GroupID)
		}
		c.dropDecisionWaiter(rb.GroupID, replica.ErrNotPrimary)
	}
	c.order.forget(taken, c.dispatcher(ctx))
	errs := make([]error, len(c.adapters))
	var g errgroup.Group
	for i, a := range c.adapters {
		groups := perMember[a.ID()]
		if len(groups) == 0 {
			continue
		}
		g.Go(func() error {
			for _, groupID := range groups {
				if err := a.Rollback(ctx, groupID, replica.InvalidSequenceNumber); err != nil {
					errs[i] = &MemberError{Member: a.Name(), MemberID: a.ID(), Op: "rollback", Err: err}
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	c.metrics.recordRollbackAll(ctx, reason, len(rollbacks))
	c.logger.Info("group.atomic.rolled_back", "groups", len(rollbacks), "reason", reason, "boundary", boundary)
	return errors.Join(errs...)
}
