package replica

import "errors"

var (
	// ErrNotPrimary is returned for writes on a replica that is not primary.
	ErrNotPrimary = errors.New("replica: not primary")
	// ErrReconfigurationPending is returned while the partition reconfigures.
	ErrReconfigurationPending = errors.New("replica: reconfiguration pending")
	// ErrNoWriteQuorum is returned when the primary lost its write quorum.
	ErrNoWriteQuorum = errors.New("replica: no write quorum")
	// ErrInvalidAtomicGroup is returned for an operation the atomic group
	// state does not allow.
	ErrInvalidAtomicGroup = errors.New("replica: invalid atomic group operation")
	// ErrClosed is returned by a replica or stream that was closed.
	ErrClosed = errors.New("replica: closed")
	// ErrFaulted is returned once a replica reported a fault.
	ErrFaulted = errors.New("replica: faulted")
	// ErrAborted is delivered to stream consumers when the replica aborts.
	ErrAborted = errors.New("replica: aborted")
	// ErrCopyIncomplete is delivered to replication streams of members whose
	// copy did not finish.
	ErrCopyIncomplete = errors.New("replica: copy incomplete")
)
