package replica

import "fmt"

// Role is the replica role assigned by the hosting layer.
type Role int

const (
	// RoleUnknown is the role before the first ChangeRole.
	RoleUnknown Role = iota
	// RolePrimary accepts writes and replicates them.
	RolePrimary
	// RoleIdleSecondary is being built by copy and is not yet part of the quorum.
	RoleIdleSecondary
	// RoleActiveSecondary receives replication traffic as part of the quorum.
	RoleActiveSecondary
	// RoleNone is the terminal role before close.
	RoleNone
)

func (r Role) String() string {
	switch r {
	case RoleUnknown:
		return "unknown"
	case RolePrimary:
		return "primary"
	case RoleIdleSecondary:
		return "idle_secondary"
	case RoleActiveSecondary:
		return "active_secondary"
	case RoleNone:
		return "none"
	default:
		return "invalid"
	}
}

// IsSecondary reports whether r is one of the secondary roles.
func (r Role) IsSecondary() bool {
	return r == RoleIdleSecondary || r == RoleActiveSecondary
}

// ParseRole maps the String form back to a Role.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "unknown":
		return RoleUnknown, true
	case "primary":
		return RolePrimary, true
	case "idle_secondary", "idle":
		return RoleIdleSecondary, true
	case "active_secondary", "active":
		return RoleActiveSecondary, true
	case "none":
		return RoleNone, true
	default:
		return RoleUnknown, false
	}
}

// MarshalText encodes the role by name.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name.
func (r *Role) UnmarshalText(b []byte) error {
	role, ok := ParseRole(string(b))
	if !ok {
		return fmt.Errorf("replica: unknown role %q", b)
	}
	*r = role
	return nil
}

// OpenMode tells a replica whether it is created fresh or reopened over
// existing state.
type OpenMode int

const (
	// OpenNew creates a new replica.
	OpenNew OpenMode = iota
	// OpenExisting reopens a replica that may carry persisted state.
	OpenExisting
)

func (m OpenMode) String() string {
	if m == OpenExisting {
		return "existing"
	}
	return "new"
}

// AccessStatus is the outcome of a partition read or write status query.
type AccessStatus int

const (
	// AccessGranted means the operation may proceed.
	AccessGranted AccessStatus = iota
	// AccessReconfigurationPending means the partition is reconfiguring.
	AccessReconfigurationPending
	// AccessNotPrimary means this replica is not the primary.
	AccessNotPrimary
	// AccessNoWriteQuorum means the primary lost its write quorum.
	AccessNoWriteQuorum
)

func (s AccessStatus) String() string {
	switch s {
	case AccessGranted:
		return "granted"
	case AccessReconfigurationPending:
		return "reconfiguration_pending"
	case AccessNotPrimary:
		return "not_primary"
	case AccessNoWriteQuorum:
		return "no_write_quorum"
	default:
		return "invalid"
	}
}

// Err maps a non-granted status to its sentinel error.
func (s AccessStatus) Err() error {
	switch s {
	case AccessGranted:
		return nil
	case AccessReconfigurationPending:
		return ErrReconfigurationPending
	case AccessNoWriteQuorum:
		return ErrNoWriteQuorum
	default:
		return ErrNotPrimary
	}
}

// FaultType classifies a reported fault.
type FaultType int

const (
	// FaultTransient asks the hosting layer to restart the replica.
	FaultTransient FaultType = iota
	// FaultPermanent asks the hosting layer to drop and rebuild the replica.
	FaultPermanent
)

func (f FaultType) String() string {
	if f == FaultPermanent {
		return "permanent"
	}
	return "transient"
}
