package member

import (
	"context"

	"github.com/google/uuid"

	"pkt.systems/svcgroup/replica"
)

// partition is the replica.Partition a member sees.
type partition struct {
	a *Adapter
}

var _ replica.Partition = (*partition)(nil)

func (p *partition) ID() uuid.UUID { return p.a.id }

func (p *partition) CreateAtomicGroup() (int64, error) {
	return p.a.host.CreateGroup()
}

func (p *partition) ReplicateAtomicGroupOperation(ctx context.Context, groupID int64, data [][]byte) (int64, *replica.Future[int64], error) {
	return p.a.host.ReplicateGroup(ctx, replica.KindAtomicGroupOperation, groupID, p.a.id, data)
}

func (p *partition) ReplicateAtomicGroupCommit(ctx context.Context, groupID int64) (int64, *replica.Future[int64], error) {
	return p.a.host.ReplicateGroup(ctx, replica.KindCommitAtomicGroup, groupID, p.a.id, nil)
}

func (p *partition) ReplicateAtomicGroupRollback(ctx context.Context, groupID int64) (int64, *replica.Future[int64], error) {
	return p.a.host.ReplicateGroup(ctx, replica.KindRollbackAtomicGroup, groupID, p.a.id, nil)
}

func (p *partition) Replicate(ctx context.Context, data [][]byte) (int64, *replica.Future[int64], error) {
	return p.a.host.ReplicateNormal(ctx, p.a.id, data)
}

func (p *partition) CopyStream() (replica.OperationStream, error) {
	return p.a.copyStream()
}

func (p *partition) ReplicationStream() (replica.OperationStream, error) {
	return p.a.replicationStream()
}

func (p *partition) WriteStatus() replica.AccessStatus { return p.a.host.WriteStatus() }

func (p *partition) ReadStatus() replica.AccessStatus { return p.a.host.ReadStatus() }

func (p *partition) ReportFault(kind replica.FaultType, cause error) {
	p.a.logger.Warn("group.member.fault", "fault", kind.String(), "error", cause)
	p.a.host.ReportMemberFault(p.a.id, kind, cause)
}
