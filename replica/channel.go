package replica

import (
	"context"

	"github.com/google/uuid"
)

// Channel is the primary/backup replication primitive a replica rides on.
type Channel interface {
	// Replicate assigns the next sequence number to data and starts
	// replicating it. The future completes with the same number once a write
	// quorum acknowledged it.
	Replicate(ctx context.Context, data [][]byte) (int64, *Future[int64], error)
	// CopyStream returns the copy stream of a secondary.
	CopyStream() (OperationStream, error)
	// ReplicationStream returns the replication stream of a secondary.
	ReplicationStream() (OperationStream, error)
	WriteStatus() AccessStatus
	ReadStatus() AccessStatus
	// ReportFault tells the hosting layer the replica cannot continue.
	ReportFault(kind FaultType, cause error)
}

// AtomicReplicator replicates atomic group operations on behalf of one member.
type AtomicReplicator interface {
	CreateAtomicGroup() (int64, error)
	ReplicateAtomicGroupOperation(ctx context.Context, groupID int64, data [][]byte) (int64, *Future[int64], error)
	ReplicateAtomicGroupCommit(ctx context.Context, groupID int64) (int64, *Future[int64], error)
	ReplicateAtomicGroupRollback(ctx context.Context, groupID int64) (int64, *Future[int64], error)
}

// Partition is the view of the shared replica handed to a member on Open.
type Partition interface {
	AtomicReplicator
	// ID is the member's own id inside the group.
	ID() uuid.UUID
	Replicate(ctx context.Context, data [][]byte) (int64, *Future[int64], error)
	CopyStream() (OperationStream, error)
	ReplicationStream() (OperationStream, error)
	WriteStatus() AccessStatus
	ReadStatus() AccessStatus
	ReportFault(kind FaultType, cause error)
}
