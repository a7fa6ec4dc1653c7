// Package demux pumps the physical copy and replication streams of a grouped
// replica and routes every operation to the atomic group table or to the
// member it is addressed to.
package demux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/svcgroup/internal/atomicgroup"
	"pkt.systems/svcgroup/internal/envelope"
	"pkt.systems/svcgroup/internal/event"
	"pkt.systems/svcgroup/internal/loggingutil"
	"pkt.systems/svcgroup/internal/member"
	"pkt.systems/svcgroup/replica"
)

// Config wires a Demux.
type Config struct {
	// Coordinator is the address of control operations.
	Coordinator uuid.UUID
	Members     []*member.Adapter
	Table       *atomicgroup.Table
	Logger      pslog.Logger
	// OnFault is called once with the first permanent fault.
	OnFault func(error)
}

// Demux owns the two pumps of one secondary.
type Demux struct {
	coordinator uuid.UUID
	members     []*member.Adapter
	byID        map[uuid.UUID]*member.Adapter
	table       *atomicgroup.Table
	logger      pslog.Logger
	onFault     func(error)

	ctx    context.Context
	cancel context.CancelFunc

	copyComplete *event.Event
	stopping     atomic.Bool
	faultOnce    sync.Once
	faulted      atomic.Bool

	// copy pump state, only touched by the copy pump.
	sentinels       int
	snapshotApplied bool

	pumps sync.WaitGroup
}

// New returns a Demux for cfg.
func New(cfg Config) *Demux {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Demux{
		coordinator:  cfg.Coordinator,
		members:      cfg.Members,
		byID:         make(map[uuid.UUID]*member.Adapter, len(cfg.Members)),
		table:        cfg.Table,
		logger:       loggingutil.EnsureLogger(cfg.Logger),
		onFault:      cfg.OnFault,
		ctx:          ctx,
		cancel:       cancel,
		copyComplete: event.New(false),
	}
	for _, a := range cfg.Members {
		d.byID[a.ID()] = a
	}
	return d
}

// Start runs both pumps. The replication pump dispatches nothing before the
// copy pump finished. A nil copyStream means the replica receives no copy,
// as when a primary is demoted.
func (d *Demux) Start(copyStream, replStream replica.OperationStream) {
	d.pumps.Add(1)
	if copyStream == nil {
		d.copyComplete.Set()
	} else {
		d.pumps.Add(1)
		cp := &pump{name: "copy", stream: copyStream, handle: d.handleCopy, d: d}
		go cp.run()
	}
	rp := &pump{name: "replication", stream: replStream, handle: d.handleReplication, d: d}
	go func() {
		select {
		case <-d.copyComplete.C():
			rp.run()
		case <-d.ctx.Done():
			d.pumps.Done()
		}
	}()
	d.logger.Debug("group.demux.started", "members", len(d.members))
}

// WaitCopyComplete blocks until the copy stream was fully dispatched.
func (d *Demux) WaitCopyComplete(ctx context.Context) error {
	return d.copyComplete.Wait(ctx)
}

// CopyComplete reports whether the copy stream was fully dispatched.
func (d *Demux) CopyComplete() bool {
	return d.copyComplete.IsSet()
}

// Stop ends both pumps at the next safe point.
func (d *Demux) Stop() {
	d.stopping.Store(true)
	d.cancel()
}

// Wait blocks until both pumps returned.
func (d *Demux) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Faulted reports whether a permanent fault stopped the pumps.
func (d *Demux) Faulted() bool {
	return d.faulted.Load()
}

func (d *Demux) fault(err error) {
	d.faultOnce.Do(func() {
		d.faulted.Store(true)
		d.logger.Error("group.demux.fault", "error", err)
		if d.onFault != nil {
			d.onFault(err)
		}
	})
	d.Stop()
}

// pump pulls one stream. It keeps going inline while futures are ready and
// parks on an OnComplete continuation otherwise.
type pump struct {
	name   string
	stream replica.OperationStream
	handle func(replica.Operation) bool
	d      *Demux
	once   sync.Once
}

func (p *pump) run() {
	for !p.d.stopping.Load() {
		f := p.stream.GetOperation(p.d.ctx)
		if !f.Ready() {
			f.OnComplete(func() {
				if p.deliver(f) {
					p.run()
				}
			})
			return
		}
		if !p.deliver(f) {
			return
		}
	}
	p.finish()
}

// deliver handles a completed future and reports whether the pump goes on.
func (p *pump) deliver(f *replica.Future[replica.Operation]) bool {
	op, err := f.Result()
	if err != nil {
		if p.d.stopping.Load() {
			p.finish()
			return false
		}
		p.d.fault(fmt.Errorf("%s stream: %w", p.name, err))
		p.finish()
		return false
	}
	if !p.handle(op) {
		p.finish()
		return false
	}
	return true
}

func (p *pump) finish() {
	p.once.Do(func() {
		p.d.logger.Debug("group.demux.pump.stopped", "stream", p.name)
		p.d.pumps.Done()
	})
}

func (d *Demux) ack(op replica.Operation) bool {
	if err := op.Acknowledge(); err != nil {
		d.fault(fmt.Errorf("acknowledge operation %d: %w", op.Metadata().SequenceNumber, err))
		return false
	}
	return true
}

func (d *Demux) handleCopy(op replica.Operation) bool {
	if op == nil {
		d.finishCopy()
		return false
	}
	env, payload, err := envelope.Split(op.Data())
	if err != nil {
		d.fault(fmt.Errorf("copy operation: %w", err))
		d.copyComplete.Set()
		return false
	}
	if env.Member == d.coordinator {
		switch len(payload) {
		case 0:
			d.sentinels++
			d.logger.Trace("group.copy.sentinel", "count", d.sentinels)
		case 1:
			if !d.snapshotApplied {
				snap, err := atomicgroup.UnmarshalSnapshot(payload[0])
				if err != nil {
					d.fault(err)
					d.copyComplete.Set()
					return false
				}
				maxID := d.table.Restore(snap)
				d.snapshotApplied = true
				d.logger.Info("group.copy.snapshot.applied",
					"groups", len(snap.Groups),
					"last_committed", snap.LastCommitted,
					"epoch", snap.Epoch.String(),
					"max_group_id", maxID,
					"size", humanize.Bytes(uint64(len(payload[0]))),
				)
			}
		default:
			d.fault(fmt.Errorf("%w: coordinator copy operation with %d segments", envelope.ErrMalformed, len(payload)+1))
			d.copyComplete.Set()
			return false
		}
		return d.ack(op)
	}
	a, ok := d.byID[env.Member]
	if !ok {
		d.fault(fmt.Errorf("copy operation for unknown member %s", env.Member))
		d.copyComplete.Set()
		return false
	}
	mop := newMemberOp(op, replica.KindCopy, replica.InvalidAtomicGroupID, payload)
	if err := a.EnqueueCopy(mop); err != nil {
		return d.enqueueFailed(a, op, err)
	}
	return true
}

func (d *Demux) finishCopy() {
	expected := len(d.members) + 1
	if d.sentinels != expected {
		d.logger.Warn("group.copy.incomplete", "sentinels", d.sentinels, "expected", expected)
		for _, a := range d.members {
			a.ForceDrainReplicationStream(replica.ErrCopyIncomplete, false)
		}
	}
	for _, a := range d.members {
		if err := a.EnqueueCopy(nil); err != nil && !errors.Is(err, replica.ErrClosed) {
			d.logger.Warn("group.copy.end.enqueue_failed", "member", a.Name(), "error", err)
		}
	}
	d.copyComplete.Set()
	d.logger.Info("group.copy.complete", "members", len(d.members), "snapshot", d.snapshotApplied)
}

func (d *Demux) handleReplication(op replica.Operation) bool {
	if op == nil {
		for _, a := range d.members {
			if err := a.EnqueueReplication(nil); err != nil && !errors.Is(err, replica.ErrClosed) {
				d.logger.Warn("group.replication.end.enqueue_failed", "member", a.Name(), "error", err)
			}
		}
		d.logger.Debug("group.replication.complete")
		return false
	}
	md := op.Metadata()
	env, payload, err := envelope.Split(op.Data())
	if err != nil {
		d.fault(fmt.Errorf("replication operation %d: %w", md.SequenceNumber, err))
		return false
	}
	if last := d.table.LastCommitted(); last != replica.InvalidSequenceNumber {
		if md.SequenceNumber <= last {
			if env.Kind.IsTermination() {
				d.table.Terminate(env.GroupID)
			}
			d.logger.Trace("group.replication.skipped", "seq", md.SequenceNumber, "last_committed", last)
			return d.ack(op)
		}
		d.table.UpdateLastCommitted(replica.InvalidSequenceNumber)
	}
	if env.Member == d.coordinator {
		return d.ack(op)
	}
	a, ok := d.byID[env.Member]
	if !ok {
		d.fault(fmt.Errorf("replication operation %d for unknown member %s", md.SequenceNumber, env.Member))
		return false
	}
	switch env.Kind {
	case replica.KindCreateAtomicGroup, replica.KindAtomicGroupOperation:
		if _, err := d.table.Observe(env.Kind, env.GroupID, env.Member, md.SequenceNumber); err != nil {
			d.fault(fmt.Errorf("replication operation %d: %w", md.SequenceNumber, err))
			return false
		}
		fallthrough
	case replica.KindNormal:
		mop := newMemberOp(op, env.Kind, env.GroupID, payload)
		if err := a.EnqueueReplication(mop); err != nil {
			return d.enqueueFailed(a, op, err)
		}
		return true
	case replica.KindCommitAtomicGroup, replica.KindRollbackAtomicGroup:
		participants, ok := d.table.Terminate(env.GroupID)
		if !ok {
			participants = []uuid.UUID{env.Member}
		}
		shared := newSharedAck(op, len(participants))
		for _, id := range participants {
			pa, ok := d.byID[id]
			if !ok {
				d.fault(fmt.Errorf("atomic group %d participant %s is not a member", env.GroupID, id))
				return false
			}
			if err := pa.EnqueueReplication(shared.view(env.Kind, env.GroupID, payload)); err != nil {
				return d.enqueueFailed(pa, op, err)
			}
		}
		d.logger.Debug("group.replication.terminated",
			"group_id", env.GroupID,
			"kind", env.Kind.String(),
			"seq", md.SequenceNumber,
			"participants", len(participants),
		)
		return true
	default:
		d.fault(fmt.Errorf("%w: replication operation kind %s", envelope.ErrMalformed, env.Kind))
		return false
	}
}

// enqueueFailed handles a member queue refusing an operation. A closed queue
// belongs to a member that is being torn down; anything else is a fault.
func (d *Demux) enqueueFailed(a *member.Adapter, op replica.Operation, err error) bool {
	if errors.Is(err, replica.ErrClosed) {
		d.logger.Debug("group.demux.dropped", "member", a.Name(), "seq", op.Metadata().SequenceNumber)
		return true
	}
	d.fault(fmt.Errorf("enqueue for member %s: %w", a.Name(), err))
	return false
}
