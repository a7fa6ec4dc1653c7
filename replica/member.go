package replica

import "context"

// Lifecycle is the role and shutdown surface of a replica.
type Lifecycle interface {
	// ChangeRole moves the replica to role and returns its service endpoint.
	ChangeRole(ctx context.Context, role Role) (string, error)
	Close(ctx context.Context) error
	// Abort tears the replica down without blocking.
	Abort()
}

// StateProvider is consulted by the replication channel.
type StateProvider interface {
	LastCommittedSequenceNumber() (int64, error)
	UpdateEpoch(ctx context.Context, epoch Epoch, previousEpochLastSequenceNumber int64) error
	// OnDataLoss reports whether the state changed while accepting data loss.
	OnDataLoss(ctx context.Context) (bool, error)
	// GetCopyContext may return nil when there is no context to send.
	GetCopyContext() (OperationDataStream, error)
	GetCopyState(uptoSequenceNumber int64, copyContext OperationDataStream) (OperationDataStream, error)
}

// AtomicParticipant applies the outcome of atomic groups.
type AtomicParticipant interface {
	AtomicGroupCommit(ctx context.Context, groupID, commitSequenceNumber int64) error
	AtomicGroupRollback(ctx context.Context, groupID, rollbackSequenceNumber int64) error
	// UndoProgress reverts state committed after fromCommitSequenceNumber.
	UndoProgress(ctx context.Context, fromCommitSequenceNumber int64) error
}

// Member is one logical stateful service hosted by a grouped replica.
type Member interface {
	Open(ctx context.Context, mode OpenMode, partition Partition) error
	Lifecycle
	StateProvider
	AtomicParticipant
}
