package demux

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"pkt.systems/svcgroup/internal/atomicgroup"
	"pkt.systems/svcgroup/internal/envelope"
	"pkt.systems/svcgroup/internal/member"
	"pkt.systems/svcgroup/internal/opstream"
	"pkt.systems/svcgroup/replica"
)

type physOp struct {
	seq   int64
	data  [][]byte
	acked atomic.Int32
}

func (o *physOp) Metadata() replica.OperationMetadata {
	return replica.OperationMetadata{Kind: replica.KindNormal, SequenceNumber: o.seq, AtomicGroupID: replica.InvalidAtomicGroupID}
}
func (o *physOp) Data() [][]byte { return o.data }
func (o *physOp) Acknowledge() error {
	o.acked.Add(1)
	return nil
}

type nopMember struct {
	partition replica.Partition
}

func (m *nopMember) Open(_ context.Context, _ replica.OpenMode, p replica.Partition) error {
	m.partition = p
	return nil
}
func (m *nopMember) ChangeRole(context.Context, replica.Role) (string, error) { return "", nil }
func (m *nopMember) Close(context.Context) error                              { return nil }
func (m *nopMember) Abort()                                                   {}
func (m *nopMember) LastCommittedSequenceNumber() (int64, error)              { return 0, nil }
func (m *nopMember) UpdateEpoch(context.Context, replica.Epoch, int64) error  { return nil }
func (m *nopMember) OnDataLoss(context.Context) (bool, error)                 { return false, nil }
func (m *nopMember) GetCopyContext() (replica.OperationDataStream, error)     { return nil, nil }
func (m *nopMember) GetCopyState(int64, replica.OperationDataStream) (replica.OperationDataStream, error) {
	return nil, nil
}
func (m *nopMember) AtomicGroupCommit(context.Context, int64, int64) error   { return nil }
func (m *nopMember) AtomicGroupRollback(context.Context, int64, int64) error { return nil }
func (m *nopMember) UndoProgress(context.Context, int64) error               { return nil }

type nopHost struct{}

func (nopHost) CreateGroup() (int64, error) { return 0, nil }
func (nopHost) ReplicateGroup(context.Context, replica.OperationKind, int64, uuid.UUID, [][]byte) (int64, *replica.Future[int64], error) {
	return 0, nil, replica.ErrNotPrimary
}
func (nopHost) ReplicateNormal(context.Context, uuid.UUID, [][]byte) (int64, *replica.Future[int64], error) {
	return 0, nil, replica.ErrNotPrimary
}
func (nopHost) WriteStatus() replica.AccessStatus                     { return replica.AccessNotPrimary }
func (nopHost) ReadStatus() replica.AccessStatus                      { return replica.AccessGranted }
func (nopHost) ReportMemberFault(uuid.UUID, replica.FaultType, error) {}

type harness struct {
	coord    uuid.UUID
	adapters []*member.Adapter
	members  []*nopMember
	table    *atomicgroup.Table
	copyIn   *opstream.Stream
	replIn   *opstream.Stream
	demux    *Demux

	mu     sync.Mutex
	faults []error
}

func newHarness(t *testing.T, n int) *harness {
	t.Helper()
	h := &harness{
		coord:  uuid.New(),
		table:  atomicgroup.NewTable(nil),
		copyIn: opstream.New("phys.copy"),
		replIn: opstream.New("phys.replication"),
	}
	for i := 0; i < n; i++ {
		m := &nopMember{}
		a := member.New(uuid.New(), "m"+string(rune('a'+i)), m, nopHost{}, nil)
		if err := a.Open(context.Background(), replica.OpenNew); err != nil {
			t.Fatalf("open: %v", err)
		}
		if _, err := a.ChangeRole(context.Background(), replica.RoleIdleSecondary); err != nil {
			t.Fatalf("change role: %v", err)
		}
		a.StartOperationStreams(false)
		h.adapters = append(h.adapters, a)
		h.members = append(h.members, m)
	}
	h.demux = New(Config{
		Coordinator: h.coord,
		Members:     h.adapters,
		Table:       h.table,
		OnFault: func(err error) {
			h.mu.Lock()
			h.faults = append(h.faults, err)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *harness) faultCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.faults)
}

func (h *harness) sentinel(t *testing.T) *physOp {
	t.Helper()
	op := &physOp{data: envelope.Wrap(envelope.ForMember(h.coord), nil)}
	if err := h.copyIn.Enqueue(op); err != nil {
		t.Fatalf("enqueue sentinel: %v", err)
	}
	return op
}

func (h *harness) push(t *testing.T, s *opstream.Stream, seq int64, env envelope.Envelope, payload ...[]byte) *physOp {
	t.Helper()
	op := &physOp{seq: seq, data: envelope.Wrap(env, payload)}
	if err := s.Enqueue(op); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return op
}

func next(t *testing.T, p replica.Partition, copyStream bool) replica.Operation {
	t.Helper()
	var s replica.OperationStream
	var err error
	if copyStream {
		s, err = p.CopyStream()
	} else {
		s, err = p.ReplicationStream()
	}
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	op, err := s.GetOperation(ctx).Wait(ctx)
	if err != nil {
		t.Fatalf("get operation: %v", err)
	}
	return op
}

func waitAcked(t *testing.T, op *physOp, want int32) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for op.acked.Load() != want {
		if time.Now().After(deadline) {
			t.Fatalf("op %d acked %d times, want %d", op.seq, op.acked.Load(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCopyRoutesSnapshotAndMemberState(t *testing.T) {
	h := newHarness(t, 2)
	h.demux.Start(h.copyIn, h.replIn)

	src := atomicgroup.NewTable(nil)
	src.Activate()
	a0 := h.adapters[0].ID()
	if _, err := src.Begin(replica.KindAtomicGroupOperation, 7, a0); err != nil {
		t.Fatalf("begin: %v", err)
	}
	src.SetSequenceNumber(7, a0, 90)
	src.Complete(replica.KindCreateAtomicGroup, 7, a0, 90)
	src.UpdateLastCommitted(120)
	snapOp := h.push(t, h.copyIn, 0, envelope.ForMember(h.coord), atomicgroup.MarshalSnapshot(src.Snapshot(120, true)))
	h.sentinel(t)

	state := h.push(t, h.copyIn, 0, envelope.ForMember(a0), []byte("row-1"))
	h.sentinel(t)
	h.sentinel(t)
	_ = h.copyIn.Enqueue(nil)

	got := next(t, h.members[0].partition, true)
	if len(got.Data()) != 1 || string(got.Data()[0]) != "row-1" {
		t.Fatalf("envelope not stripped: %q", got.Data())
	}
	if got.Metadata().Kind != replica.KindCopy {
		t.Fatalf("unexpected kind %s", got.Metadata().Kind)
	}
	_ = got.Acknowledge()
	waitAcked(t, state, 1)
	waitAcked(t, snapOp, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.demux.WaitCopyComplete(ctx); err != nil {
		t.Fatalf("copy complete: %v", err)
	}
	if end := next(t, h.members[1].partition, true); end != nil {
		t.Fatalf("expected end of copy for idle member")
	}
	if h.table.LastCommitted() != 120 {
		t.Fatalf("last committed not restored: %d", h.table.LastCommitted())
	}
	if _, ok := h.table.Get(7); !ok {
		t.Fatalf("group 7 not restored")
	}
	if id := h.table.NextID(); id <= 7 {
		t.Fatalf("group id counter not raised: %d", id)
	}
	if h.faultCount() != 0 {
		t.Fatalf("unexpected faults %v", h.faults)
	}
}

func TestIncompleteCopyFailsReplicationStreams(t *testing.T) {
	h := newHarness(t, 1)
	h.demux.Start(h.copyIn, h.replIn)
	h.sentinel(t)
	_ = h.copyIn.Enqueue(nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.demux.WaitCopyComplete(ctx); err != nil {
		t.Fatalf("copy complete: %v", err)
	}
	s, _ := h.members[0].partition.ReplicationStream()
	if _, err := s.GetOperation(ctx).Wait(ctx); !errors.Is(err, replica.ErrCopyIncomplete) {
		t.Fatalf("expected copy incomplete, got %v", err)
	}
}

func completeCopy(t *testing.T, h *harness) {
	t.Helper()
	for i := 0; i <= len(h.adapters); i++ {
		h.sentinel(t)
	}
	_ = h.copyIn.Enqueue(nil)
	for _, m := range h.members {
		if end := next(t, m.partition, true); end != nil {
			t.Fatalf("expected end of copy")
		}
	}
}

func TestReplicationSharedCommit(t *testing.T) {
	h := newHarness(t, 2)
	h.demux.Start(h.copyIn, h.replIn)
	completeCopy(t, h)
	a, b := h.adapters[0].ID(), h.adapters[1].ID()

	h.push(t, h.replIn, 1, envelope.Envelope{Kind: replica.KindCreateAtomicGroup, GroupID: 3, Member: a}, []byte("a1"))
	h.push(t, h.replIn, 2, envelope.Envelope{Kind: replica.KindCreateAtomicGroup, GroupID: 3, Member: b}, []byte("b1"))
	commit := h.push(t, h.replIn, 3, envelope.Envelope{Kind: replica.KindCommitAtomicGroup, GroupID: 3, Member: a})

	for i, m := range h.members {
		op := next(t, m.partition, false)
		if op.Metadata().Kind != replica.KindCreateAtomicGroup || op.Metadata().AtomicGroupID != 3 {
			t.Fatalf("member %d: unexpected metadata %+v", i, op.Metadata())
		}
		_ = op.Acknowledge()
	}
	first := next(t, h.members[0].partition, false)
	if first.Metadata().Kind != replica.KindCommitAtomicGroup || first.Metadata().SequenceNumber != 3 {
		t.Fatalf("unexpected commit metadata %+v", first.Metadata())
	}
	_ = first.Acknowledge()
	if commit.acked.Load() != 0 {
		t.Fatalf("commit acknowledged before every participant applied it")
	}
	second := next(t, h.members[1].partition, false)
	_ = second.Acknowledge()
	waitAcked(t, commit, 1)
	if h.table.Len() != 0 {
		t.Fatalf("group not removed on secondary")
	}
}

func TestReplicationSkipsCoveredOperations(t *testing.T) {
	h := newHarness(t, 1)
	h.table.UpdateLastCommitted(10)
	h.demux.Start(h.copyIn, h.replIn)
	completeCopy(t, h)
	a := h.adapters[0].ID()

	covered := h.push(t, h.replIn, 9, envelope.ForMember(a), []byte("old"))
	h.push(t, h.replIn, 11, envelope.ForMember(a), []byte("new"))
	waitAcked(t, covered, 1)
	op := next(t, h.members[0].partition, false)
	if op.Metadata().SequenceNumber != 11 {
		t.Fatalf("expected op 11, got %d", op.Metadata().SequenceNumber)
	}
	if h.table.LastCommitted() != replica.InvalidSequenceNumber {
		t.Fatalf("live traffic must reset last committed")
	}
	_ = h.replIn.Enqueue(nil)
	if end := next(t, h.members[0].partition, false); end != nil {
		t.Fatalf("expected end of replication")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.demux.Wait(ctx); err != nil {
		t.Fatalf("pumps did not stop: %v", err)
	}
}

func TestUnknownMemberFaults(t *testing.T) {
	h := newHarness(t, 1)
	h.demux.Start(h.copyIn, h.replIn)
	h.push(t, h.copyIn, 0, envelope.ForMember(uuid.New()), []byte("x"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.demux.Wait(ctx); err != nil {
		t.Fatalf("pumps did not stop: %v", err)
	}
	if h.faultCount() != 1 || !h.demux.Faulted() {
		t.Fatalf("expected exactly one fault, got %v", h.faults)
	}
	if !h.demux.CopyComplete() {
		t.Fatalf("copy complete must be set after a fault")
	}
}
