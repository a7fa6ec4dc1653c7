package svcgroup

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pkt.systems/svcgroup/internal/atomicgroup"
	"pkt.systems/svcgroup/replica"
)

// TerminationConflictError reports a commit or rollback of a group attempted
// by a member other than the one terminating it. It matches
// replica.ErrInvalidAtomicGroup.
type TerminationConflictError = atomicgroup.TerminationConflictError

// MemberError scopes a failure to one member.
type MemberError struct {
	Member   string
	MemberID uuid.UUID
	Op       string
	Err      error
}

func (e *MemberError) Error() string {
	return fmt.Sprintf("svcgroup: member %s: %s: %v", e.Member, e.Op, e.Err)
}

func (e *MemberError) Unwrap() error { return e.Err }

// ChangeRoleError reports a failed role change and the role the replica kept.
type ChangeRoleError struct {
	Requested replica.Role
	Retained  replica.Role
	Err       error
}

func (e *ChangeRoleError) Error() string {
	return fmt.Sprintf("svcgroup: change role to %s failed, retained %s: %v", e.Requested, e.Retained, e.Err)
}

func (e *ChangeRoleError) Unwrap() error { return e.Err }

// FanoutError reports participants that failed to apply a group decision.
type FanoutError struct {
	GroupID  int64
	Commit   bool
	Failures []*MemberError
}

func (e *FanoutError) Error() string {
	verb := "rollback"
	if e.Commit {
		verb = "commit"
	}
	if len(e.Failures) == 0 {
		return fmt.Sprintf("svcgroup: atomic group %d %s fanout failed", e.GroupID, verb)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "svcgroup: atomic group %d %s fanout failed: ", e.GroupID, verb)
	for i, f := range e.Failures {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(f.Member)
		if f.Err != nil {
			b.WriteString(": ")
			b.WriteString(f.Err.Error())
		}
	}
	return b.String()
}

// Unwrap exposes every member failure to errors.Is and errors.As.
func (e *FanoutError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f
	}
	return out
}
