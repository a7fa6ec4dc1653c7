// Package member adapts one hosted replica.Member to the grouped replica: it
// owns the member's private copy and replication queues and hands the member
// a partition view that forwards to the coordinator.
package member

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/svcgroup/internal/loggingutil"
	"pkt.systems/svcgroup/internal/opstream"
	"pkt.systems/svcgroup/internal/svcfields"
	"pkt.systems/svcgroup/replica"
)

// ErrNoStream is returned when a member asks for an operation stream that is
// not running in the current role.
var ErrNoStream = errors.New("member: operation stream not available")

// Host is the coordinator side of a member partition.
type Host interface {
	CreateGroup() (int64, error)
	ReplicateGroup(ctx context.Context, kind replica.OperationKind, groupID int64, member uuid.UUID, data [][]byte) (int64, *replica.Future[int64], error)
	ReplicateNormal(ctx context.Context, member uuid.UUID, data [][]byte) (int64, *replica.Future[int64], error)
	WriteStatus() replica.AccessStatus
	ReadStatus() replica.AccessStatus
	ReportMemberFault(member uuid.UUID, kind replica.FaultType, cause error)
}

// Adapter wraps one member.
type Adapter struct {
	id     uuid.UUID
	name   string
	member replica.Member
	host   Host
	logger pslog.Logger

	mu   sync.Mutex
	role replica.Role
	copy *opstream.Stream
	repl *opstream.Stream

	// applyMu orders commit, rollback and undo calls into the member.
	applyMu sync.Mutex

	queueMu  sync.Mutex
	queue    []applyTask
	applying bool
}

type applyTask struct {
	ctx     context.Context
	commit  bool
	groupID int64
	seq     int64
	done    func(error)
}

// New returns an adapter for m.
func New(id uuid.UUID, name string, m replica.Member, host Host, logger pslog.Logger) *Adapter {
	logger = svcfields.WithSubsystem(loggingutil.EnsureLogger(logger), "group.member")
	logger = svcfields.WithMember(logger, name, id)
	return &Adapter{
		id:     id,
		name:   name,
		member: m,
		host:   host,
		logger: logger,
	}
}

// ID returns the member id.
func (a *Adapter) ID() uuid.UUID { return a.id }

// Name returns the member name.
func (a *Adapter) Name() string { return a.name }

// Role returns the role the member last accepted.
func (a *Adapter) Role() replica.Role {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.role
}

// Open opens the member with its partition view.
func (a *Adapter) Open(ctx context.Context, mode replica.OpenMode) error {
	if err := a.member.Open(ctx, mode, &partition{a: a}); err != nil {
		return err
	}
	a.logger.Debug("group.member.opened", "mode", mode.String())
	return nil
}

// ChangeRole moves the member to role and returns its endpoint.
func (a *Adapter) ChangeRole(ctx context.Context, role replica.Role) (string, error) {
	endpoint, err := a.member.ChangeRole(ctx, role)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	prev := a.role
	a.role = role
	a.mu.Unlock()
	a.logger.Debug("group.member.role.changed", "from", prev.String(), "to", role.String())
	return endpoint, nil
}

// Close closes the member.
func (a *Adapter) Close(ctx context.Context) error {
	return a.member.Close(ctx)
}

// Abort aborts the member.
func (a *Adapter) Abort() {
	a.member.Abort()
}

// StartOperationStreams creates fresh copy and replication queues. A primary
// never receives copy traffic, so its copy queue is complete from the start.
func (a *Adapter) StartOperationStreams(isPrimary bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.copy = opstream.New(a.name + ".copy")
	a.repl = opstream.New(a.name + ".replication")
	if isPrimary {
		_ = a.copy.Enqueue(nil)
		a.copy.ForceDrain(nil, false)
	}
}

// UpdateOperationStreams waits for the queues the move from the current role
// to newRole leaves behind. Closing drains everything the role had open.
func (a *Adapter) UpdateOperationStreams(ctx context.Context, isClosing bool, newRole replica.Role) error {
	a.mu.Lock()
	cur := a.role
	copyStream, replStream := a.copy, a.repl
	a.mu.Unlock()
	if isClosing {
		newRole = replica.RoleNone
	}
	drainCopy, drainRepl := drainPlan(cur, newRole)
	if drainCopy && copyStream != nil {
		if err := copyStream.Drain(ctx); err != nil && !isTerminal(err) {
			return fmt.Errorf("drain copy stream: %w", err)
		}
	}
	if drainRepl && replStream != nil {
		if err := replStream.Drain(ctx); err != nil && !isTerminal(err) {
			return fmt.Errorf("drain replication stream: %w", err)
		}
	}
	return nil
}

func drainPlan(cur, next replica.Role) (copyStream, replStream bool) {
	switch cur {
	case replica.RoleIdleSecondary:
		switch next {
		case replica.RoleActiveSecondary:
			return true, false
		case replica.RoleNone, replica.RolePrimary:
			return true, true
		}
	case replica.RoleActiveSecondary:
		switch next {
		case replica.RoleNone, replica.RolePrimary:
			return true, true
		}
	}
	return false, false
}

// isTerminal reports errors a force drained queue finishes with.
func isTerminal(err error) bool {
	return errors.Is(err, replica.ErrAborted) || errors.Is(err, replica.ErrCopyIncomplete) || errors.Is(err, replica.ErrClosed)
}

// ClearOperationStreams drops both queues.
func (a *Adapter) ClearOperationStreams() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.copy = nil
	a.repl = nil
}

// ForceDrainReplicationStream fails the replication queue with err.
func (a *Adapter) ForceDrainReplicationStream(err error, waitForNull bool) {
	a.mu.Lock()
	s := a.repl
	a.mu.Unlock()
	if s != nil {
		s.ForceDrain(err, waitForNull)
	}
}

// TerminateStreams force drains both queues with err. After a fault nothing
// waits for the end marker; otherwise a queue that already started still
// waits for it.
func (a *Adapter) TerminateStreams(err error, isFault bool) {
	a.mu.Lock()
	streams := []*opstream.Stream{a.copy, a.repl}
	a.mu.Unlock()
	for _, s := range streams {
		if s == nil {
			continue
		}
		s.ForceDrain(err, !isFault && s.Started())
	}
}

// EnqueueCopy hands a copy operation to the member. nil ends the copy.
func (a *Adapter) EnqueueCopy(op replica.Operation) error {
	a.mu.Lock()
	s := a.copy
	a.mu.Unlock()
	if s == nil {
		return ErrNoStream
	}
	return s.Enqueue(op)
}

// EnqueueReplication hands a replication operation to the member. nil ends
// the stream.
func (a *Adapter) EnqueueReplication(op replica.Operation) error {
	a.mu.Lock()
	s := a.repl
	a.mu.Unlock()
	if s == nil {
		return ErrNoStream
	}
	return s.Enqueue(op)
}

// DrainUpdateEpoch waits for the copy queue to drain and for every queued
// replication operation to be acknowledged. It is a no-op unless secondary.
func (a *Adapter) DrainUpdateEpoch(ctx context.Context) error {
	a.mu.Lock()
	role := a.role
	copyStream, replStream := a.copy, a.repl
	a.mu.Unlock()
	if !role.IsSecondary() {
		return nil
	}
	if copyStream != nil {
		if err := copyStream.Drain(ctx); err != nil && !isTerminal(err) {
			return fmt.Errorf("drain copy stream: %w", err)
		}
	}
	if replStream != nil {
		if err := replStream.Barrier(ctx); err != nil && !isTerminal(err) {
			return fmt.Errorf("replication barrier: %w", err)
		}
	}
	return nil
}

// Apply queues a group commit or rollback and returns at once. Queued
// decisions reach the member in the order Apply was called; done receives
// the member's result.
func (a *Adapter) Apply(ctx context.Context, commit bool, groupID, seq int64, done func(error)) {
	a.queueMu.Lock()
	a.queue = append(a.queue, applyTask{ctx: ctx, commit: commit, groupID: groupID, seq: seq, done: done})
	if a.applying {
		a.queueMu.Unlock()
		return
	}
	a.applying = true
	a.queueMu.Unlock()
	go a.drainApplies()
}

func (a *Adapter) drainApplies() {
	for {
		a.queueMu.Lock()
		if len(a.queue) == 0 {
			a.applying = false
			a.queueMu.Unlock()
			return
		}
		task := a.queue[0]
		a.queue[0] = applyTask{}
		a.queue = a.queue[1:]
		a.queueMu.Unlock()

		var err error
		if task.commit {
			err = a.Commit(task.ctx, task.groupID, task.seq)
		} else {
			err = a.Rollback(task.ctx, task.groupID, task.seq)
		}
		if task.done != nil {
			task.done(err)
		}
	}
}

// Commit applies a group commit.
func (a *Adapter) Commit(ctx context.Context, groupID, seq int64) error {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()
	return a.member.AtomicGroupCommit(ctx, groupID, seq)
}

// Rollback applies a group rollback.
func (a *Adapter) Rollback(ctx context.Context, groupID, seq int64) error {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()
	return a.member.AtomicGroupRollback(ctx, groupID, seq)
}

// UndoProgress reverts the member to seq.
func (a *Adapter) UndoProgress(ctx context.Context, seq int64) error {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()
	return a.member.UndoProgress(ctx, seq)
}

// LastCommitted returns the member's last committed sequence number.
func (a *Adapter) LastCommitted() (int64, error) {
	return a.member.LastCommittedSequenceNumber()
}

// CopyContext returns the member's copy context. A member without context
// gets an empty stream.
func (a *Adapter) CopyContext() (replica.OperationDataStream, bool, error) {
	s, err := a.member.GetCopyContext()
	if err != nil {
		return nil, false, err
	}
	if s == nil {
		return replica.EmptyDataStream{}, false, nil
	}
	return s, true, nil
}

// CopyState returns the member's copy state up to upto.
func (a *Adapter) CopyState(upto int64, copyContext replica.OperationDataStream) (replica.OperationDataStream, error) {
	s, err := a.member.GetCopyState(upto, copyContext)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return replica.EmptyDataStream{}, nil
	}
	return s, nil
}

// UpdateEpoch forwards an epoch change.
func (a *Adapter) UpdateEpoch(ctx context.Context, epoch replica.Epoch, previousEpochLast int64) error {
	return a.member.UpdateEpoch(ctx, epoch, previousEpochLast)
}

// OnDataLoss forwards data loss.
func (a *Adapter) OnDataLoss(ctx context.Context) (bool, error) {
	return a.member.OnDataLoss(ctx)
}

func (a *Adapter) copyStream() (replica.OperationStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.copy == nil {
		return nil, ErrNoStream
	}
	return a.copy, nil
}

func (a *Adapter) replicationStream() (replica.OperationStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.repl == nil {
		return nil, ErrNoStream
	}
	return a.repl, nil
}
