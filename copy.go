package svcgroup

import (
	"context"

	"pkt.systems/svcgroup/internal/atomicgroup"
	"pkt.systems/svcgroup/internal/copystate"
	"pkt.systems/svcgroup/internal/svcfields"
	"pkt.systems/svcgroup/replica"
)

// GetCopyContext returns the members' copy contexts as one stream. It
// returns nil when no member has a context to send.
func (c *Coordinator) GetCopyContext() (replica.OperationDataStream, error) {
	sources := make([]copystate.Source, len(c.adapters))
	anyContext := false
	for i, a := range c.adapters {
		s, has, err := a.CopyContext()
		if err != nil {
			return nil, &MemberError{Member: a.Name(), MemberID: a.ID(), Op: "copy_context", Err: err}
		}
		anyContext = anyContext || has
		sources[i] = copystate.Source{Member: a.ID(), Name: a.Name(), Stream: s}
	}
	if !anyContext {
		c.logger.Debug("group.copy.context.none")
		return nil, nil
	}
	return copystate.NewAggregate("context", c.id, sources, svcfields.WithSubsystem(c.logger, "group.copy")), nil
}

// GetCopyState returns the state a new secondary needs: the atomic group
// snapshot first, then every member's copy state. upto is raised to the last
// committed and previous epoch boundaries when those are known and higher.
func (c *Coordinator) GetCopyState(upto int64, copyContext replica.OperationDataStream) (replica.OperationDataStream, error) {
	requested := upto
	upto = clampCopyBoundary(upto, c.table.LastCommitted(), c.table.PreviousEpochLast())
	raised := upto != requested
	logger := svcfields.WithSubsystem(c.logger, "group.copy")
	if raised {
		logger.Debug("group.copy.boundary.raised", "requested", requested, "upto", upto)
	}
	snap := c.table.Snapshot(upto, raised)
	encoded := atomicgroup.MarshalSnapshot(snap)

	ctx, cancel := context.WithCancel(c.bgCtx)
	contexts := make(map[int]replica.OperationDataStream, len(c.adapters))
	if copyContext != nil {
		d := copystate.NewDispatcher(c.id, copyContext, c.memberIDs(), logger)
		for i, a := range c.adapters {
			contexts[i] = d.Queue(a.ID())
		}
		c.dispatchers.Add(1)
		go func() {
			defer c.dispatchers.Done()
			defer cancel()
			if err := d.Run(ctx); err != nil {
				logger.Warn("group.copy.context.dispatch_failed", "error", err)
			}
		}()
	}

	sources := make([]copystate.Source, len(c.adapters))
	for i, a := range c.adapters {
		s, err := a.CopyState(upto, contexts[i])
		if err != nil {
			cancel()
			return nil, &MemberError{Member: a.Name(), MemberID: a.ID(), Op: "copy_state", Err: err}
		}
		sources[i] = copystate.Source{Member: a.ID(), Name: a.Name(), Stream: s}
	}
	if copyContext == nil {
		cancel()
	}
	logger.Info("group.copy.state.begin", "upto", upto, "groups", len(snap.Groups), "members", len(sources))
	return copystate.NewAggregate("state", c.id, sources, logger).WithSnapshot(encoded), nil
}

// clampCopyBoundary returns the highest of upto and the known boundaries.
func clampCopyBoundary(upto int64, boundaries ...int64) int64 {
	for _, b := range boundaries {
		if b != replica.InvalidSequenceNumber && b > upto {
			upto = b
		}
	}
	return upto
}
