package demux

import (
	"sync"
	"sync/atomic"

	"pkt.systems/svcgroup/replica"
)

// memberOp is a physical operation as seen by one member: the envelope is
// stripped and the metadata carries the envelope's kind and group.
type memberOp struct {
	md   replica.OperationMetadata
	data [][]byte
	ack  func() error
	once sync.Once
	err  error
}

func newMemberOp(op replica.Operation, kind replica.OperationKind, groupID int64, data [][]byte) *memberOp {
	md := op.Metadata()
	md.Kind = kind
	md.AtomicGroupID = groupID
	return &memberOp{md: md, data: data, ack: op.Acknowledge}
}

func (o *memberOp) Metadata() replica.OperationMetadata { return o.md }
func (o *memberOp) Data() [][]byte                      { return o.data }

func (o *memberOp) Acknowledge() error {
	o.once.Do(func() { o.err = o.ack() })
	return o.err
}

// sharedAck acknowledges a commit or rollback once every participant did.
type sharedAck struct {
	op        replica.Operation
	remaining atomic.Int64
}

func newSharedAck(op replica.Operation, participants int) *sharedAck {
	s := &sharedAck{op: op}
	s.remaining.Store(int64(participants))
	return s
}

func (s *sharedAck) view(kind replica.OperationKind, groupID int64, data [][]byte) *memberOp {
	m := newMemberOp(s.op, kind, groupID, data)
	m.ack = s.done
	return m
}

func (s *sharedAck) done() error {
	if s.remaining.Add(-1) == 0 {
		return s.op.Acknowledge()
	}
	return nil
}
