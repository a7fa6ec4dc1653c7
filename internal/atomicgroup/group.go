// Package atomicgroup keeps the atomic group table of a grouped replica: which
// groups are open, which members take part in them, how many of their
// operations are still replicating, and whether every replicate has drained.
package atomicgroup

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"pkt.systems/svcgroup/replica"
)

// Status is the state of an atomic group.
type Status int

const (
	// InFlight groups accept operations from current and new participants.
	InFlight Status = iota
	// Committing groups have a commit replicating or replicated.
	Committing
	// RollingBack groups have a rollback replicating or replicated.
	RollingBack
)

func (s Status) String() string {
	switch s {
	case InFlight:
		return "in_flight"
	case Committing:
		return "committing"
	case RollingBack:
		return "rolling_back"
	default:
		return "invalid"
	}
}

func (s Status) terminating() bool {
	return s == Committing || s == RollingBack
}

// Participant tracks one member's operations inside a group.
type Participant struct {
	Replicating           int64
	Replicated            int64
	CreatedSequenceNumber int64
}

// Group is one atomic group.
type Group struct {
	ID                    int64
	Status                Status
	CreatedSequenceNumber int64
	Participants          map[uuid.UUID]*Participant
	Replicating           int64
	Replicated            int64
	Terminator            uuid.UUID
	TerminationFailed     bool

	// decision is set on the primary once the termination replicated but
	// other participants' operations are still in flight.
	decision *Decision
}

func newGroup(id int64) *Group {
	return &Group{
		ID:                    id,
		Status:                InFlight,
		CreatedSequenceNumber: replica.MaxSequenceNumber,
		Participants:          make(map[uuid.UUID]*Participant),
	}
}

func newParticipant() *Participant {
	return &Participant{CreatedSequenceNumber: replica.MaxSequenceNumber}
}

// members returns the participant ids in a stable order.
func (g *Group) members() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(g.Participants))
	for id := range g.Participants {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

func (g *Group) clone() Group {
	cp := *g
	cp.decision = nil
	cp.Participants = make(map[uuid.UUID]*Participant, len(g.Participants))
	for id, p := range g.Participants {
		pc := *p
		cp.Participants[id] = &pc
	}
	return cp
}

// Decision is a replicated commit or rollback ready to be applied by every
// participant.
type Decision struct {
	GroupID        int64
	Commit         bool
	SequenceNumber int64
	Participants   []uuid.UUID
}

// Verb names the decision for logs.
func (d Decision) Verb() string {
	if d.Commit {
		return "commit"
	}
	return "rollback"
}

// Rollback is a group rolled back locally without replication.
type Rollback struct {
	GroupID      int64
	Participants []uuid.UUID
}

// TerminationConflictError reports a commit or rollback attempted by a member
// other than the one that started terminating the group.
type TerminationConflictError struct {
	GroupID    int64
	Terminator uuid.UUID
	Member     uuid.UUID
}

func (e *TerminationConflictError) Error() string {
	return fmt.Sprintf("atomic group %d is being terminated by %s; %s may not retry", e.GroupID, e.Terminator, e.Member)
}

// Unwrap lets errors.Is match replica.ErrInvalidAtomicGroup.
func (e *TerminationConflictError) Unwrap() error {
	return replica.ErrInvalidAtomicGroup
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", replica.ErrInvalidAtomicGroup, fmt.Sprintf(format, args...))
}

func invariant(ok bool, format string, args ...any) {
	if !ok {
		panic(fmt.Sprintf("atomicgroup: invariant violated: "+format, args...))
	}
}
