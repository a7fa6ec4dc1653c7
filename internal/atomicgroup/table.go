package atomicgroup

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/svcgroup/internal/event"
	"pkt.systems/svcgroup/internal/loggingutil"
	"pkt.systems/svcgroup/replica"
)

// Table is the atomic group table of one grouped replica. All mutations take
// the write lock; queries take the read lock.
type Table struct {
	mu     sync.RWMutex
	groups map[int64]*Group
	nextID atomic.Int64

	lastCommitted     int64
	previousEpochLast int64
	epoch             replica.Epoch

	// done is the replication-done signal. It is nil unless the replica is
	// primary.
	done *event.Event

	logger pslog.Logger
}

// NewTable returns an empty table.
func NewTable(logger pslog.Logger) *Table {
	return &Table{
		groups:            make(map[int64]*Group),
		lastCommitted:     replica.InvalidSequenceNumber,
		previousEpochLast: replica.InvalidSequenceNumber,
		logger:            loggingutil.EnsureLogger(logger),
	}
}

// NextID assigns the next atomic group id.
func (t *Table) NextID() int64 {
	return t.nextID.Add(1)
}

// RaiseID makes sure ids assigned later are greater than id.
func (t *Table) RaiseID(id int64) {
	for {
		cur := t.nextID.Load()
		if cur >= id || t.nextID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// Activate arms the replication-done signal for a primary.
func (t *Table) Activate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		t.done = event.New(false)
	}
	t.refreshDoneLocked()
}

// Deactivate disarms the replication-done signal. New replicates are refused
// with replica.ErrNotPrimary afterwards.
func (t *Table) Deactivate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		t.done.Set()
	}
	t.done = nil
}

// Active reports whether the signal is armed.
func (t *Table) Active() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.done != nil
}

// Drain blocks until no group has an operation replicating. It returns
// immediately when the signal is not armed.
func (t *Table) Drain(ctx context.Context) error {
	t.mu.RLock()
	done := t.done
	pending := 0
	for _, g := range t.groups {
		if g.Replicating != 0 {
			pending++
		}
	}
	t.mu.RUnlock()
	if done == nil {
		return nil
	}
	if pending > 0 {
		t.logger.Debug("group.atomic.drain.wait", "groups_replicating", pending)
	}
	return done.Wait(ctx)
}

// ReplicationDone reports whether the replication-done signal is set. An
// unarmed signal counts as set.
func (t *Table) ReplicationDone() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.done == nil || t.done.IsSet()
}

func (t *Table) refreshDoneLocked() {
	if t.done == nil {
		return
	}
	for _, g := range t.groups {
		if g.Replicating != 0 {
			return
		}
	}
	t.done.Set()
}

func (t *Table) resetDoneLocked() {
	if t.done != nil {
		t.done.Reset()
	}
}

// Begin records that member starts replicating an operation of kind in
// groupID. It returns the kind to replicate: a member's first operation in a
// group is promoted to replica.KindCreateAtomicGroup.
func (t *Table) Begin(kind replica.OperationKind, groupID int64, member uuid.UUID) (replica.OperationKind, error) {
	invariant(kind.IsAtomic(), "begin with non-atomic kind %s", kind)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		return kind, replica.ErrNotPrimary
	}
	g, ok := t.groups[groupID]
	if !ok {
		if kind.IsTermination() {
			return kind, invalid("%s of unknown group %d", kind, groupID)
		}
		g = newGroup(groupID)
		p := newParticipant()
		p.Replicating = 1
		g.Participants[member] = p
		g.Replicating = 1
		t.groups[groupID] = g
		t.resetDoneLocked()
		t.logger.Debug("group.atomic.created", "group_id", groupID, "member_id", member.String(), "groups", len(t.groups))
		return replica.KindCreateAtomicGroup, nil
	}
	p, ok := g.Participants[member]
	if !ok {
		if kind.IsTermination() {
			return kind, invalid("%s of group %d by non-participant %s", kind, groupID, member)
		}
		if g.Status.terminating() {
			return kind, invalid("group %d is %s; %s may not join", groupID, g.Status, member)
		}
		p = newParticipant()
		p.Replicating = 1
		g.Participants[member] = p
		g.Replicating++
		t.resetDoneLocked()
		t.logger.Debug("group.atomic.joined", "group_id", groupID, "member_id", member.String())
		return replica.KindCreateAtomicGroup, nil
	}
	if g.Status.terminating() {
		if !kind.IsTermination() {
			return kind, invalid("%s in group %d which is %s", kind, groupID, g.Status)
		}
		if member != g.Terminator {
			return kind, &TerminationConflictError{GroupID: groupID, Terminator: g.Terminator, Member: member}
		}
		if !g.TerminationFailed {
			return kind, invalid("group %d termination by %s is still pending", groupID, member)
		}
		if (g.Status == Committing) != (kind == replica.KindCommitAtomicGroup) {
			return kind, invalid("group %d is %s; %s may not switch to %s", groupID, g.Status, member, kind)
		}
		g.TerminationFailed = false
		t.logger.Info("group.atomic.termination.retry", "group_id", groupID, "member_id", member.String(), "kind", kind.String())
	} else if kind.IsTermination() {
		if kind == replica.KindCommitAtomicGroup {
			g.Status = Committing
		} else {
			g.Status = RollingBack
		}
		g.Terminator = member
		if g.Replicating != 0 {
			t.logger.Debug("group.atomic.termination.overlaps", "group_id", groupID, "replicating", g.Replicating)
		}
	}
	p.Replicating++
	g.Replicating++
	t.resetDoneLocked()
	return kind, nil
}

// SetSequenceNumber records the sequence number assigned to a create
// operation of member in groupID.
func (t *Table) SetSequenceNumber(groupID int64, member uuid.UUID, seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setSequenceNumberLocked(groupID, member, seq)
}

func (t *Table) setSequenceNumberLocked(groupID int64, member uuid.UUID, seq int64) {
	g, ok := t.groups[groupID]
	invariant(ok, "sequence number for unknown group %d", groupID)
	p, ok := g.Participants[member]
	invariant(ok, "sequence number for unknown participant %s in group %d", member, groupID)
	if g.CreatedSequenceNumber == replica.MaxSequenceNumber {
		g.CreatedSequenceNumber = seq
	}
	invariant(p.CreatedSequenceNumber == replica.MaxSequenceNumber, "participant %s in group %d created twice", member, groupID)
	p.CreatedSequenceNumber = seq
}

// Fixup undoes the bookkeeping of Begin after a replicate of kind failed. It
// returns a decision when a termination was only waiting for this operation.
// Only a failed termination lets the terminator retry; another participant's
// failed operation leaves a pending termination as it is.
func (t *Table) Fixup(groupID int64, member uuid.UUID, kind replica.OperationKind) *Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[groupID]
	if !ok {
		// Rolled back locally while the replicate was in flight.
		return nil
	}
	p, ok := g.Participants[member]
	invariant(ok, "fixup of unknown participant %s in group %d", member, groupID)
	invariant(g.Replicating > 0 && p.Replicating > 0, "fixup of group %d without replicating operations", groupID)
	if kind.IsTermination() && member == g.Terminator && g.decision == nil {
		g.TerminationFailed = true
	}
	p.Replicating--
	if p.Replicating == 0 && p.Replicated == 0 {
		delete(g.Participants, member)
		t.logger.Debug("group.atomic.participant.dropped", "group_id", groupID, "member_id", member.String())
	}
	g.Replicating--
	if len(g.Participants) == 0 {
		invariant(g.Replicating == 0, "empty group %d still replicating", groupID)
		delete(t.groups, groupID)
		t.logger.Debug("group.atomic.dropped", "group_id", groupID, "groups", len(t.groups))
	}
	d := t.readyDecisionLocked(g)
	t.refreshDoneLocked()
	return d
}

// Complete records that an operation begun with Begin replicated. For a
// commit or rollback it returns the decision once no other operation of the
// group is in flight; the caller applies it and then calls Finish.
func (t *Table) Complete(kind replica.OperationKind, groupID int64, member uuid.UUID, seq int64) *Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[groupID]
	if !ok {
		return nil
	}
	p, ok := g.Participants[member]
	invariant(ok, "completion for unknown participant %s in group %d", member, groupID)
	if kind.IsTermination() {
		invariant(g.decision == nil, "group %d terminated twice", groupID)
		g.decision = &Decision{
			GroupID:        groupID,
			Commit:         kind == replica.KindCommitAtomicGroup,
			SequenceNumber: seq,
		}
		if seq > t.lastCommitted {
			t.lastCommitted = seq
		}
		return t.readyDecisionLocked(g)
	}
	invariant(p.Replicating > 0 && g.Replicating > 0, "completion without replicating operation in group %d", groupID)
	p.Replicating--
	p.Replicated++
	g.Replicating--
	g.Replicated++
	d := t.readyDecisionLocked(g)
	if g.Replicating == 0 {
		t.refreshDoneLocked()
	}
	return d
}

// readyDecisionLocked hands out the pending decision once the termination is
// the only operation still counted as replicating.
func (t *Table) readyDecisionLocked(g *Group) *Decision {
	if g.decision == nil || g.Replicating != 1 {
		return nil
	}
	d := *g.decision
	d.Participants = g.members()
	return &d
}

// Finish removes a group whose decision was applied by every participant.
func (t *Table) Finish(groupID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[groupID]
	if !ok {
		return
	}
	if g.TerminationFailed {
		t.logger.Debug("group.atomic.finish.after_retry", "group_id", groupID)
	}
	delete(t.groups, groupID)
	t.logger.Debug("group.atomic.removed", "group_id", groupID, "groups", len(t.groups))
	t.refreshDoneLocked()
}

// Observe applies a create or group operation replicated by the primary to
// the table of a secondary. It reports whether the group or participant was
// new.
func (t *Table) Observe(kind replica.OperationKind, groupID int64, member uuid.UUID, seq int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.RaiseID(groupID)
	created := false
	g, ok := t.groups[groupID]
	if !ok {
		g = newGroup(groupID)
		t.groups[groupID] = g
		created = true
	}
	if _, ok := g.Participants[member]; !ok {
		if g.Status.terminating() {
			return false, invalid("group %d is %s; %s may not join", groupID, g.Status, member)
		}
		g.Participants[member] = newParticipant()
		created = true
	}
	if kind == replica.KindCreateAtomicGroup {
		t.setSequenceNumberLocked(groupID, member, seq)
	} else {
		invariant(!created, "group operation before create for %s in group %d", member, groupID)
	}
	return created, nil
}

// Terminate removes a group on a secondary and returns its participants.
func (t *Table) Terminate(groupID int64) ([]uuid.UUID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[groupID]
	if !ok {
		return nil, false
	}
	delete(t.groups, groupID)
	t.refreshDoneLocked()
	return g.members(), true
}

// TakeForRollback removes every group created at or before boundary and
// returns them so their participants can roll back locally.
func (t *Table) TakeForRollback(boundary int64) []Rollback {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Rollback
	for id, g := range t.groups {
		if g.CreatedSequenceNumber > boundary {
			continue
		}
		out = append(out, Rollback{GroupID: id, Participants: g.members()})
		delete(t.groups, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	if len(out) > 0 {
		t.logger.Info("group.atomic.rollback_all", "groups", len(out), "boundary", boundary, "remaining", len(t.groups))
	}
	t.refreshDoneLocked()
	return out
}

// DiscardOnEpoch drops groups that cannot survive the move to epoch: those
// created after previousEpochLast, or every group when the data loss number
// increased. It returns the discarded ids.
func (t *Table) DiscardOnEpoch(epoch replica.Epoch, previousEpochLast int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	wipe := epoch.DataLossNumber > t.epoch.DataLossNumber
	var out []int64
	for id, g := range t.groups {
		if wipe || g.CreatedSequenceNumber > previousEpochLast {
			out = append(out, id)
			delete(t.groups, id)
		}
	}
	t.previousEpochLast = previousEpochLast
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) > 0 {
		t.logger.Info("group.atomic.epoch.discarded",
			"groups", len(out),
			"data_loss", wipe,
			"previous_epoch_last", previousEpochLast,
			"epoch", epoch.String(),
		)
	}
	t.refreshDoneLocked()
	return out
}

// Clear drops every group.
func (t *Table) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.groups)
	t.groups = make(map[int64]*Group)
	t.refreshDoneLocked()
	return n
}

// UpdateLastCommitted raises the last committed sequence number, or resets
// it when seq is replica.InvalidSequenceNumber.
func (t *Table) UpdateLastCommitted(seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updateLastCommittedLocked(seq)
}

func (t *Table) updateLastCommittedLocked(seq int64) {
	if seq == replica.InvalidSequenceNumber {
		t.lastCommitted = replica.InvalidSequenceNumber
		return
	}
	if seq > t.lastCommitted {
		t.lastCommitted = seq
	}
}

// LastCommitted returns the last committed sequence number known to the table.
func (t *Table) LastCommitted() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastCommitted
}

// PreviousEpochLast returns the boundary recorded by the last epoch update.
func (t *Table) PreviousEpochLast() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.previousEpochLast
}

// Epoch returns the current epoch.
func (t *Table) Epoch() replica.Epoch {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epoch
}

// SetEpoch records the current epoch.
func (t *Table) SetEpoch(e replica.Epoch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epoch = e
}

// Len returns the number of open groups.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.groups)
}

// Get returns a copy of a group.
func (t *Table) Get(groupID int64) (Group, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.groups[groupID]
	if !ok {
		return Group{}, false
	}
	return g.clone(), true
}

// Groups returns copies of every open group ordered by id.
func (t *Table) Groups() []Group {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Group, 0, len(t.groups))
	for _, g := range t.groups {
		out = append(out, g.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
