package svcgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/svcgroup/internal/composite"
	"pkt.systems/svcgroup/internal/correlation"
	"pkt.systems/svcgroup/internal/demux"
	"pkt.systems/svcgroup/internal/member"
	"pkt.systems/svcgroup/internal/svcfields"
	"pkt.systems/svcgroup/replica"
)

// ErrNotOpen is returned by lifecycle calls made before Open.
var ErrNotOpen = errors.New("svcgroup: not open")

// begin tags ctx with an operation id and a logger and starts a span for a
// lifecycle call. finish ends the span.
func (c *Coordinator) begin(ctx context.Context, op string) (context.Context, pslog.Logger, func(error)) {
	ctx, opID := correlation.Ensure(ctx)
	logger := c.logger.With("op", op, "op_id", opID)
	ctx = pslog.ContextWithLogger(ctx, logger)
	ctx, span := c.tracer.Start(ctx, "svcgroup.lifecycle."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("svcgroup.partition_id", c.id.String()),
		attribute.String("svcgroup.op_id", opID),
	)
	start := c.clock.Now()
	return ctx, logger, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "lifecycle_error")
			logger.Warn("group.lifecycle."+op+".failed", "error", err, "elapsed", c.clock.Now().Sub(start))
		} else {
			span.SetStatus(codes.Ok, "")
			logger.Debug("group.lifecycle."+op+".done", "elapsed", c.clock.Now().Sub(start))
		}
		span.End()
	}
}

// Open opens every member against ch. With persisted state the members are
// then brought back to the lowest progress any of them reports. On failure
// the members that opened are closed again and the first error is returned
// unchanged.
func (c *Coordinator) Open(ctx context.Context, mode replica.OpenMode, ch replica.Channel) (err error) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	ctx, logger, finish := c.begin(ctx, "open")
	defer func() { finish(err) }()

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return replica.ErrClosed
	case c.opened:
		c.mu.Unlock()
		return fmt.Errorf("svcgroup: already open")
	}
	c.channel = ch
	c.mu.Unlock()

	opens := make([]composite.Job, len(c.adapters))
	for i, a := range c.adapters {
		opens[i] = composite.Step(a.Name(), func(ctx context.Context) error {
			return a.Open(ctx, mode)
		}).WithRollback(func(ctx context.Context) error {
			closeOrAbort(ctx, logger, a)
			return nil
		})
	}
	root := composite.Parallel("open", opens...)
	if c.cfg.HasPersistedState {
		root = composite.Sequence("open", root, composite.Step("undo_progress", c.undoProgress))
	}
	if err := composite.Execute(ctx, root); err != nil {
		c.mu.Lock()
		c.channel = nil
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	c.opened = true
	c.mu.Unlock()
	logger.Info("group.lifecycle.opened", "mode", mode.String(), "members", len(c.adapters))
	return nil
}

func closeOrAbort(ctx context.Context, logger pslog.Logger, a *member.Adapter) {
	if err := a.Close(ctx); err != nil {
		logger.Warn("group.member.close.failed", "member", a.Name(), "error", err)
		a.Abort()
	}
}

// undoProgress reverts every member to the lowest last committed sequence
// number reported. Members reporting nothing yet are left out; with fewer
// than two reports there is nothing to align.
func (c *Coordinator) undoProgress(ctx context.Context) error {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = c.logger
	}
	var seqs []int64
	for _, a := range c.adapters {
		seq, err := a.LastCommitted()
		if err != nil {
			return &MemberError{Member: a.Name(), MemberID: a.ID(), Op: "last_committed", Err: err}
		}
		if seq == replica.InvalidSequenceNumber || seq == 0 {
			continue
		}
		seqs = append(seqs, seq)
	}
	if len(seqs) < 2 {
		return nil
	}
	low := seqs[0]
	for _, s := range seqs[1:] {
		low = min(low, s)
	}
	logger.Info("group.lifecycle.undo_progress", "to", low, "reported", len(seqs))
	undos := make([]composite.Job, len(c.adapters))
	for i, a := range c.adapters {
		undos[i] = composite.Step(a.Name(), func(ctx context.Context) error {
			if err := a.UndoProgress(ctx, low); err != nil {
				return &MemberError{Member: a.Name(), MemberID: a.ID(), Op: "undo_progress", Err: err}
			}
			return nil
		})
	}
	return composite.Execute(ctx, composite.Parallel("undo_progress", undos...))
}

// ChangeRole moves the replica and every member to role and returns the
// composite endpoint. When a member fails the members that changed are moved
// back and the returned *ChangeRoleError names the role the replica kept.
func (c *Coordinator) ChangeRole(ctx context.Context, role replica.Role) (endpoint string, err error) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	ctx, logger, finish := c.begin(ctx, "change_role")
	defer func() { finish(err) }()

	c.mu.Lock()
	cur, opened, closed, ch := c.role, c.opened, c.closed, c.channel
	c.mu.Unlock()
	switch {
	case closed:
		return "", replica.ErrClosed
	case !opened:
		return "", ErrNotOpen
	case c.faulted.Load() && role != replica.RoleNone:
		return "", replica.ErrFaulted
	}
	logger = logger.With("from", cur.String(), "to", role.String())
	logger.Info("group.lifecycle.change_role.begin")

	if cur == replica.RolePrimary && role != replica.RolePrimary {
		if err := c.table.Drain(ctx); err != nil {
			return "", &ChangeRoleError{Requested: role, Retained: cur, Err: err}
		}
		c.table.Deactivate()
		if err := c.rollbackAll(ctx, replica.MaxSequenceNumber, "demotion"); err != nil {
			logger.Warn("group.lifecycle.rollback_all.failed", "error", err)
		}
	}
	if role == replica.RolePrimary && cur != replica.RolePrimary {
		c.table.UpdateLastCommitted(replica.InvalidSequenceNumber)
	}

	c.mu.Lock()
	hadStreams := c.streamsStarted
	c.mu.Unlock()
	if role.IsSecondary() {
		if err := c.startStreams(ch, cur, logger); err != nil {
			return "", &ChangeRoleError{Requested: role, Retained: cur, Err: err}
		}
	}
	if cur.IsSecondary() {
		if err := c.updateStreams(ctx, false, role); err != nil {
			return "", &ChangeRoleError{Requested: role, Retained: cur, Err: err}
		}
	}
	if cur == replica.RoleActiveSecondary && role == replica.RoleNone {
		if err := c.rollbackAll(ctx, replica.MaxSequenceNumber, "secondary_close"); err != nil {
			logger.Warn("group.lifecycle.rollback_all.failed", "error", err)
		}
	}

	endpoints := make([]string, len(c.adapters))
	names := make([]string, len(c.adapters))
	var revertFailed atomic.Bool
	jobs := make([]composite.Job, len(c.adapters))
	for i, a := range c.adapters {
		names[i] = a.Name()
		jobs[i] = composite.Step(a.Name(), func(ctx context.Context) error {
			ep, err := a.ChangeRole(ctx, role)
			if err != nil {
				return &MemberError{Member: a.Name(), MemberID: a.ID(), Op: "change_role", Err: err}
			}
			endpoints[i] = ep
			return nil
		}).WithRollback(func(ctx context.Context) error {
			if _, err := a.ChangeRole(ctx, cur); err != nil {
				revertFailed.Store(true)
				return &MemberError{Member: a.Name(), MemberID: a.ID(), Op: "change_role", Err: err}
			}
			return nil
		})
	}
	if err := composite.Execute(ctx, composite.Parallel("change_role", jobs...)); err != nil {
		retained := cur
		if revertFailed.Load() {
			retained = replica.RoleUnknown
		}
		if !hadStreams {
			c.stopStreams()
		}
		if cur == replica.RolePrimary {
			c.table.Activate()
		}
		return "", &ChangeRoleError{Requested: role, Retained: retained, Err: err}
	}

	if role == replica.RolePrimary {
		c.table.Activate()
	}
	if role == replica.RolePrimary || role == replica.RoleNone {
		c.stopStreams()
	}
	c.mu.Lock()
	c.role = role
	c.mu.Unlock()
	endpoint = compositeEndpoint(names, endpoints)
	logger.Info("group.lifecycle.role.changed", "endpoint", endpoint)
	return endpoint, nil
}

// startStreams creates the member queues and the pumps on the first move
// into a secondary role. A demoted primary gets no copy.
func (c *Coordinator) startStreams(ch replica.Channel, cur replica.Role, logger pslog.Logger) error {
	c.mu.Lock()
	started := c.streamsStarted
	c.mu.Unlock()
	if started {
		return nil
	}
	if ch == nil {
		return replica.ErrClosed
	}
	wasPrimary := cur == replica.RolePrimary
	var copyStream replica.OperationStream
	if !wasPrimary {
		s, err := ch.CopyStream()
		if err != nil {
			return fmt.Errorf("copy stream: %w", err)
		}
		copyStream = s
	}
	replStream, err := ch.ReplicationStream()
	if err != nil {
		return fmt.Errorf("replication stream: %w", err)
	}
	for _, a := range c.adapters {
		a.StartOperationStreams(wasPrimary)
	}
	d := demux.New(demux.Config{
		Coordinator: c.id,
		Members:     c.adapters,
		Table:       c.table,
		Logger:      svcfields.WithSubsystem(c.logger, "group.demux"),
		OnFault:     c.fault,
	})
	c.mu.Lock()
	c.demux = d
	c.streamsStarted = true
	c.mu.Unlock()
	d.Start(copyStream, replStream)
	logger.Debug("group.lifecycle.streams.started", "copy", copyStream != nil)
	return nil
}

func (c *Coordinator) updateStreams(ctx context.Context, isClosing bool, role replica.Role) error {
	c.mu.Lock()
	started := c.streamsStarted
	c.mu.Unlock()
	if !started {
		return nil
	}
	jobs := make([]composite.Job, len(c.adapters))
	for i, a := range c.adapters {
		jobs[i] = composite.Step(a.Name(), func(ctx context.Context) error {
			if err := a.UpdateOperationStreams(ctx, isClosing, role); err != nil {
				return &MemberError{Member: a.Name(), MemberID: a.ID(), Op: "update_streams", Err: err}
			}
			return nil
		})
	}
	return composite.Execute(ctx, composite.Parallel("update_streams", jobs...))
}

func (c *Coordinator) stopStreams() {
	c.mu.Lock()
	d := c.demux
	c.demux = nil
	started := c.streamsStarted
	c.streamsStarted = false
	c.mu.Unlock()
	if d != nil {
		d.Stop()
	}
	if started {
		for _, a := range c.adapters {
			a.ClearOperationStreams()
		}
	}
}

// Close drains in-flight group replicates, rolls back the open groups, waits
// for the members to consume their queues and closes every member. A member
// that fails to close is aborted.
func (c *Coordinator) Close(ctx context.Context) (err error) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	opened := c.opened
	c.mu.Unlock()
	if !opened {
		c.markClosed()
		return nil
	}
	ctx, logger, finish := c.begin(ctx, "close")
	defer func() { finish(err) }()

	if err := c.table.Drain(ctx); err != nil {
		return err
	}
	c.table.Deactivate()
	var errs []error
	if err := c.rollbackAll(ctx, replica.MaxSequenceNumber, "close"); err != nil {
		errs = append(errs, err)
	}
	if err := c.updateStreams(ctx, true, replica.RoleNone); err != nil {
		errs = append(errs, err)
	}
	c.stopStreams()

	closes := make([]composite.Job, len(c.adapters))
	for i, a := range c.adapters {
		closes[i] = composite.Step(a.Name(), func(ctx context.Context) error {
			if err := a.Close(ctx); err != nil {
				a.Abort()
				return &MemberError{Member: a.Name(), MemberID: a.ID(), Op: "close", Err: err}
			}
			return nil
		})
	}
	if err := composite.Execute(ctx, composite.Parallel("close", closes...)); err != nil {
		errs = append(errs, err)
	}
	c.markClosed()
	c.dispatchers.Wait()
	logger.Info("group.lifecycle.closed")
	return errors.Join(errs...)
}

func (c *Coordinator) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.channel = nil
	c.mu.Unlock()
	c.bgCancel()
}

// Abort tears the replica down. Waiting for in-flight replicates and local
// rollbacks is bounded by Config.AbortDrainTimeout.
func (c *Coordinator) Abort() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.faulted.Store(true)
	ctx, logger, finish := c.begin(context.Background(), "abort")
	defer finish(nil)

	drainCtx, cancel := context.WithTimeout(ctx, c.cfg.AbortDrainTimeout)
	defer cancel()
	if err := c.table.Drain(drainCtx); err != nil {
		logger.Warn("group.lifecycle.abort.drain_timeout", "error", err)
	}
	c.table.Deactivate()
	if err := c.rollbackAll(ctx, replica.MaxSequenceNumber, "abort"); err != nil {
		logger.Warn("group.lifecycle.rollback_all.failed", "error", err)
	}
	c.mu.Lock()
	d := c.demux
	c.mu.Unlock()
	if d != nil {
		d.Stop()
	}
	var wg sync.WaitGroup
	for _, a := range c.adapters {
		a.TerminateStreams(replica.ErrAborted, true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Abort()
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(c.cfg.AbortDrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger.Warn("group.lifecycle.abort.members_pending")
	}
	c.stopStreams()
	if n := c.table.Clear(); n > 0 {
		logger.Debug("group.lifecycle.abort.cleared", "groups", n)
	}
	c.markClosed()
	logger.Info("group.lifecycle.aborted")
}

// OnDataLoss tells every member about data loss and realigns their progress
// when state is persisted. It reports whether any member changed its state.
func (c *Coordinator) OnDataLoss(ctx context.Context) (changed bool, err error) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	ctx, logger, finish := c.begin(ctx, "data_loss")
	defer func() { finish(err) }()

	var anyChanged atomic.Bool
	jobs := make([]composite.Job, len(c.adapters))
	for i, a := range c.adapters {
		jobs[i] = composite.Step(a.Name(), func(ctx context.Context) error {
			ch, err := a.OnDataLoss(ctx)
			if err != nil {
				return &MemberError{Member: a.Name(), MemberID: a.ID(), Op: "data_loss", Err: err}
			}
			if ch {
				anyChanged.Store(true)
			}
			return nil
		})
	}
	root := composite.Parallel("data_loss", jobs...)
	if c.cfg.HasPersistedState {
		root = composite.Sequence("data_loss", root, composite.Step("undo_progress", c.undoProgress))
	}
	if err := composite.Execute(ctx, root); err != nil {
		return false, err
	}
	logger.Info("group.lifecycle.data_loss", "changed", anyChanged.Load())
	return anyChanged.Load(), nil
}

// UpdateEpoch moves the replica to epoch. Groups that cannot survive the
// move are discarded, the rest created at or before previousEpochLast are
// rolled back locally when the epoch advanced.
func (c *Coordinator) UpdateEpoch(ctx context.Context, epoch replica.Epoch, previousEpochLast int64) (err error) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	ctx, logger, finish := c.begin(ctx, "update_epoch")
	defer func() { finish(err) }()
	logger = logger.With("epoch", epoch.String(), "previous_epoch_last", previousEpochLast)

	if err := c.table.Drain(ctx); err != nil {
		return err
	}
	drains := make([]composite.Job, len(c.adapters))
	for i, a := range c.adapters {
		drains[i] = composite.Step(a.Name(), func(ctx context.Context) error {
			if err := a.DrainUpdateEpoch(ctx); err != nil {
				return &MemberError{Member: a.Name(), MemberID: a.ID(), Op: "drain_update_epoch", Err: err}
			}
			return nil
		})
	}
	if err := composite.Execute(ctx, composite.Parallel("drain_update_epoch", drains...)); err != nil {
		return err
	}

	advanced := c.table.Epoch().Less(epoch)
	c.table.DiscardOnEpoch(epoch, previousEpochLast)
	if advanced {
		if err := c.rollbackAll(ctx, previousEpochLast, "epoch"); err != nil {
			return err
		}
	}

	updates := make([]composite.Job, len(c.adapters))
	for i, a := range c.adapters {
		updates[i] = composite.Step(a.Name(), func(ctx context.Context) error {
			if err := a.UpdateEpoch(ctx, epoch, previousEpochLast); err != nil {
				return &MemberError{Member: a.Name(), MemberID: a.ID(), Op: "update_epoch", Err: err}
			}
			return nil
		})
	}
	if err := composite.Execute(ctx, composite.Parallel("update_epoch", updates...)); err != nil {
		return err
	}
	c.table.SetEpoch(epoch)
	logger.Info("group.lifecycle.epoch.updated", "advanced", advanced)
	return nil
}

// LastCommittedSequenceNumber returns the highest last committed sequence
// number any member reports.
func (c *Coordinator) LastCommittedSequenceNumber() (int64, error) {
	last := replica.InvalidSequenceNumber
	for _, a := range c.adapters {
		seq, err := a.LastCommitted()
		if err != nil {
			return replica.InvalidSequenceNumber, &MemberError{Member: a.Name(), MemberID: a.ID(), Op: "last_committed", Err: err}
		}
		last = max(last, seq)
	}
	return last, nil
}
