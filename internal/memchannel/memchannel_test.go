package memchannel

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/svcgroup/replica"
)

func newPrimary(t *testing.T) (*Cluster, *Channel) {
	t.Helper()
	c := New(nil)
	p := c.Add("p")
	if err := c.SetPrimary(p); err != nil {
		t.Fatalf("set primary: %v", err)
	}
	return c, p
}

func waitFuture(t *testing.T, f *replica.Future[int64]) (int64, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func TestReplicateWithoutSecondariesCompletes(t *testing.T) {
	c, p := newPrimary(t)
	seq, f, err := p.Replicate(context.Background(), [][]byte{[]byte("a")})
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	if seq != 1 {
		t.Fatalf("seq %d, want 1", seq)
	}
	if got, err := waitFuture(t, f); err != nil || got != 1 {
		t.Fatalf("future: %d %v", got, err)
	}
	if c.CompletedSequenceNumber() != 1 {
		t.Fatalf("completed %d", c.CompletedSequenceNumber())
	}
}

func TestReplicateRejectsNonPrimary(t *testing.T) {
	c, _ := newPrimary(t)
	s := c.Add("s")
	if _, _, err := s.Replicate(context.Background(), nil); !errors.Is(err, replica.ErrNotPrimary) {
		t.Fatalf("expected ErrNotPrimary, got %v", err)
	}
	if s.WriteStatus() != replica.AccessNotPrimary {
		t.Fatalf("write status %s", s.WriteStatus())
	}
}

func TestReplicateWaitsForAttachedSecondary(t *testing.T) {
	c, p := newPrimary(t)
	s := c.Add("s")
	if err := c.Attach(s); err != nil {
		t.Fatalf("attach: %v", err)
	}
	_, f, err := p.Replicate(context.Background(), [][]byte{[]byte("a")})
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	if f.Ready() {
		t.Fatalf("future completed before the secondary acknowledged")
	}
	stream, err := s.ReplicationStream()
	if err != nil {
		t.Fatalf("replication stream: %v", err)
	}
	op, err := stream.GetOperation(context.Background()).Wait(context.Background())
	if err != nil || op == nil {
		t.Fatalf("get operation: %v %v", op, err)
	}
	if op.Metadata().SequenceNumber != 1 {
		t.Fatalf("seq %d", op.Metadata().SequenceNumber)
	}
	_ = op.Acknowledge()
	if got, err := waitFuture(t, f); err != nil || got != 1 {
		t.Fatalf("future: %d %v", got, err)
	}
}

func TestFailureInjection(t *testing.T) {
	_, p := newPrimary(t)
	boom := errors.New("boom")
	p.FailNext(boom)
	if _, _, err := p.Replicate(context.Background(), nil); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	p.ZeroNext()
	if seq, _, err := p.Replicate(context.Background(), nil); err != nil || seq != 0 {
		t.Fatalf("zero next: %d %v", seq, err)
	}
	p.FailNextCompletion(boom)
	_, f, err := p.Replicate(context.Background(), nil)
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	if _, err := waitFuture(t, f); !errors.Is(err, boom) {
		t.Fatalf("expected async boom, got %v", err)
	}
	p.SetWriteStatus(replica.AccessReconfigurationPending)
	if _, _, err := p.Replicate(context.Background(), nil); !errors.Is(err, replica.ErrReconfigurationPending) {
		t.Fatalf("expected reconfiguration pending, got %v", err)
	}
}

func TestHoldAndRelease(t *testing.T) {
	_, p := newPrimary(t)
	p.Hold()
	_, f1, _ := p.Replicate(context.Background(), nil)
	_, f2, _ := p.Replicate(context.Background(), nil)
	if f1.Ready() || f2.Ready() {
		t.Fatalf("held futures completed")
	}
	if p.Held() != 2 {
		t.Fatalf("held %d", p.Held())
	}
	if n := p.Release(); n != 2 {
		t.Fatalf("released %d", n)
	}
	if got, err := waitFuture(t, f2); err != nil || got != 2 {
		t.Fatalf("f2: %d %v", got, err)
	}
}

type stubState struct {
	items [][][]byte
	upto  int64
}

func (s *stubState) LastCommittedSequenceNumber() (int64, error)             { return 0, nil }
func (s *stubState) UpdateEpoch(context.Context, replica.Epoch, int64) error { return nil }
func (s *stubState) OnDataLoss(context.Context) (bool, error)                { return false, nil }
func (s *stubState) GetCopyContext() (replica.OperationDataStream, error)    { return nil, nil }
func (s *stubState) GetCopyState(upto int64, _ replica.OperationDataStream) (replica.OperationDataStream, error) {
	s.upto = upto
	return replica.NewSliceDataStream(s.items...), nil
}

func TestCopyFillsStreamsAndForwardsPending(t *testing.T) {
	c, p := newPrimary(t)
	_, f, _ := p.Replicate(context.Background(), [][]byte{[]byte("done")})
	if _, err := waitFuture(t, f); err != nil {
		t.Fatalf("replicate: %v", err)
	}
	p.Hold()
	_, _, _ = p.Replicate(context.Background(), [][]byte{[]byte("in flight")})

	s := c.Add("s")
	primary := &stubState{items: [][][]byte{{[]byte("state")}}}
	if err := c.Copy(context.Background(), primary, &stubState{}, s); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if primary.upto != 1 {
		t.Fatalf("copy upto %d, want 1", primary.upto)
	}
	cs, _ := s.CopyStream()
	ctx := context.Background()
	op, err := cs.GetOperation(ctx).Wait(ctx)
	if err != nil || op == nil || string(op.Data()[0]) != "state" {
		t.Fatalf("copy op: %v %v", op, err)
	}
	if end, err := cs.GetOperation(ctx).Wait(ctx); err != nil || end != nil {
		t.Fatalf("expected end of copy, got %v %v", end, err)
	}
	rs, _ := s.ReplicationStream()
	op, err = rs.GetOperation(ctx).Wait(ctx)
	if err != nil || op == nil || op.Metadata().SequenceNumber != 2 {
		t.Fatalf("forwarded op: %v %v", op, err)
	}
	p.Release()
}
