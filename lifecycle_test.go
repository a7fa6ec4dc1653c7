package svcgroup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"pkt.systems/svcgroup/internal/clock"
	"pkt.systems/svcgroup/internal/memchannel"
	"pkt.systems/svcgroup/replica"
)

func TestOpenFailureClosesOpenedMembers(t *testing.T) {
	cluster := memchannel.New(nil)
	errOpen := errors.New("beta cannot open")
	n := newNodeWith(t, cluster, "p", 3, func(_ *Config, ms []*scriptedMember) {
		ms[1].openErr = errOpen
		ms[2].closeErr = errors.New("gamma close failed")
	})
	err := n.coord.Open(testContext(t), replica.OpenNew, n.ch)
	if err != errOpen {
		t.Fatalf("expected beta's error unchanged, got %v", err)
	}
	closed, aborted := n.store(0).counts()
	if closed != 1 || aborted != 0 {
		t.Fatalf("alpha closed %d aborted %d", closed, aborted)
	}
	if closed, _ := n.store(1).counts(); closed != 0 {
		t.Fatalf("beta closed although it never opened")
	}
	closed, aborted = n.store(2).counts()
	if closed != 1 || aborted != 1 {
		t.Fatalf("gamma closed %d aborted %d", closed, aborted)
	}
	if _, err := n.coord.ChangeRole(testContext(t), replica.RolePrimary); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("change role after failed open: %v", err)
	}
}

func TestOpenUndoesProgressToLowestMember(t *testing.T) {
	seqs := func(vs ...int64) []*int64 {
		out := make([]*int64, len(vs))
		for i := range vs {
			out[i] = &vs[i]
		}
		return out
	}
	cases := []struct {
		name string
		last []*int64
		want int64
	}{
		{"lowest of reported", seqs(5, 3, 0), 3},
		{"single report", seqs(5, 0, replica.InvalidSequenceNumber), -2},
		{"all equal", seqs(4, 4, 4), 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cluster := memchannel.New(nil)
			n := newNodeWith(t, cluster, "p", 3, func(cfg *Config, ms []*scriptedMember) {
				cfg.HasPersistedState = true
				for i, m := range ms {
					m.lastCommitted = tc.last[i]
				}
			})
			if err := n.coord.Open(testContext(t), replica.OpenExisting, n.ch); err != nil {
				t.Fatalf("open: %v", err)
			}
			for _, m := range n.members {
				m.mu.Lock()
				undone := append([]int64(nil), m.undoneTo...)
				m.mu.Unlock()
				if tc.want == -2 {
					if len(undone) != 0 {
						t.Fatalf("%s undone to %v without two reports", m.Name(), undone)
					}
					continue
				}
				if len(undone) != 1 || undone[0] != tc.want {
					t.Fatalf("%s undone to %v, want [%d]", m.Name(), undone, tc.want)
				}
			}
		})
	}
}

func TestChangeRoleFailureRevertsMembers(t *testing.T) {
	cluster := memchannel.New(nil)
	errRole := errors.New("beta refuses")
	n := newNodeWith(t, cluster, "p", 2, func(_ *Config, ms []*scriptedMember) {
		ms[1].roleErr = errRole
		ms[1].failRole = replica.RolePrimary
	})
	t.Cleanup(n.coord.Abort)
	ctx := testContext(t)
	if err := n.coord.Open(ctx, replica.OpenNew, n.ch); err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = cluster.SetPrimary(n.ch)

	_, err := n.coord.ChangeRole(ctx, replica.RolePrimary)
	cre, ok := errAs[*ChangeRoleError](err)
	if !ok {
		t.Fatalf("expected change role error, got %v", err)
	}
	if cre.Requested != replica.RolePrimary || cre.Retained != replica.RoleUnknown {
		t.Fatalf("change role error %+v", cre)
	}
	if !errors.Is(err, errRole) {
		t.Fatalf("change role error does not wrap member error")
	}
	n.store(0).mu.Lock()
	roles := append([]replica.Role(nil), n.store(0).roles...)
	n.store(0).mu.Unlock()
	if len(roles) != 2 || roles[0] != replica.RolePrimary || roles[1] != replica.RoleUnknown {
		t.Fatalf("alpha roles %v", roles)
	}
	if n.coord.Role() != replica.RoleUnknown {
		t.Fatalf("coordinator role %s", n.coord.Role())
	}
	if n.coord.table.Active() {
		t.Fatalf("table activated although promotion failed")
	}

	n.store(1).mu.Lock()
	n.store(1).roleErr = nil
	n.store(1).mu.Unlock()
	endpoint, err := n.coord.ChangeRole(ctx, replica.RolePrimary)
	if err != nil {
		t.Fatalf("retry change role: %v", err)
	}
	eps := ParseEndpoint(endpoint)
	if eps["alpha"] != "kv://alpha/primary" || eps["beta"] != "kv://beta/primary" {
		t.Fatalf("endpoint %q parsed as %v", endpoint, eps)
	}
}

func TestCompositeEndpoint(t *testing.T) {
	got := compositeEndpoint([]string{"a", "b", "c"}, []string{"tcp://a", "", "tcp://c"})
	if got != "a=tcp://a;c=tcp://c" {
		t.Fatalf("endpoint %q", got)
	}
	parsed := ParseEndpoint(got + ";junk;=x")
	if len(parsed) != 2 || parsed["c"] != "tcp://c" {
		t.Fatalf("parsed %v", parsed)
	}
}

func TestCloseDrainsAndClosesMembers(t *testing.T) {
	cluster := memchannel.New(nil)
	p := newNode(t, cluster, "p", 2)
	startPrimary(t, cluster, p)
	ctx := testContext(t)

	g, _ := p.store(0).Begin()
	_ = p.store(0).GroupPut(ctx, g, "x", "1")
	if err := p.coord.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(p.store(0).PendingGroups()) != 0 {
		t.Fatalf("open group not rolled back on close")
	}
	for _, m := range p.members {
		if closed, _ := m.counts(); closed != 1 {
			t.Fatalf("%s closed %d times", m.Name(), closed)
		}
	}
	if _, _, err := p.coord.Replicate(ctx, testMemberIDs[0], nil); !errors.Is(err, replica.ErrClosed) {
		t.Fatalf("replicate after close: %v", err)
	}
	if err := p.coord.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestAbortIsBounded(t *testing.T) {
	cluster := memchannel.New(nil)
	p := newNodeWith(t, cluster, "p", 2, func(cfg *Config, _ []*scriptedMember) {
		cfg.AbortDrainTimeout = 50 * time.Millisecond
	})
	startPrimary(t, cluster, p)
	ctx := testContext(t)

	g, _ := p.store(0).Begin()
	p.ch.Hold()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.store(0).GroupPut(ctx, g, "x", "1")
	}()
	waitHeld(t, p.ch, 1)

	done := make(chan struct{})
	go func() {
		p.coord.Abort()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("abort blocked on an in-flight replicate")
	}
	if !p.coord.Faulted() {
		t.Fatalf("abort did not mark the replica faulted")
	}
	for _, m := range p.members {
		if _, aborted := m.counts(); aborted != 1 {
			t.Fatalf("%s aborted %d times", m.Name(), aborted)
		}
	}
	expectNoGroups(t, p.coord)
	p.ch.Release()
	wg.Wait()
	if _, err := p.coord.CreateGroup(); !errors.Is(err, replica.ErrFaulted) {
		t.Fatalf("create group after abort: %v", err)
	}
}

func TestFailoverPromotesSecondary(t *testing.T) {
	cluster, p, s := newPair(t, 2)
	ctx := testContext(t)

	g, _ := p.store(0).Begin()
	_ = p.store(0).GroupPut(ctx, g, "before", "1")
	_ = p.store(1).GroupPut(ctx, g, "before", "2")
	if _, err := p.store(1).Commit(ctx, g); err != nil {
		t.Fatalf("commit: %v", err)
	}
	eventually(t, "secondary catches up", func() bool {
		v, ok := s.store(1).Get("before")
		return ok && v == "2"
	})

	if _, err := p.coord.ChangeRole(ctx, replica.RoleNone); err != nil {
		t.Fatalf("demote: %v", err)
	}
	if err := p.coord.Close(ctx); err != nil {
		t.Fatalf("close old primary: %v", err)
	}
	last := cluster.LastSequenceNumber()
	if err := s.coord.UpdateEpoch(ctx, replica.Epoch{ConfigurationNumber: 1}, last); err != nil {
		t.Fatalf("update epoch: %v", err)
	}
	cluster.EndStreams(s.ch)
	if err := cluster.SetPrimary(s.ch); err != nil {
		t.Fatalf("set primary: %v", err)
	}
	if _, err := s.coord.ChangeRole(ctx, replica.RolePrimary); err != nil {
		t.Fatalf("promote: %v", err)
	}

	g2, err := s.store(0).Begin()
	if err != nil {
		t.Fatalf("begin on new primary: %v", err)
	}
	if g2 <= g {
		t.Fatalf("group id %d reused after failover (old %d)", g2, g)
	}
	if err := s.store(0).GroupPut(ctx, g2, "after", "3"); err != nil {
		t.Fatalf("put on new primary: %v", err)
	}
	if _, err := s.store(0).Commit(ctx, g2); err != nil {
		t.Fatalf("commit on new primary: %v", err)
	}
	expectValue(t, s.store(0), "after", "3")
	expectValue(t, s.store(0), "before", "1")
	if s.coord.Status().Epoch.ConfigurationNumber != 1 {
		t.Fatalf("epoch not recorded: %+v", s.coord.Status().Epoch)
	}
}

func TestEpochAdvanceOnSecondary(t *testing.T) {
	cases := []struct {
		name    string
		epoch   replica.Epoch
		offset  int64
		pending int
	}{
		{"rolls back groups inside the boundary", replica.Epoch{ConfigurationNumber: 1}, 0, 0},
		{"discards groups past the boundary", replica.Epoch{ConfigurationNumber: 1}, -1, 0},
		{"data loss discards everything", replica.Epoch{DataLossNumber: 1}, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cluster, p, s := newPair(t, 2)
			ctx := testContext(t)
			g, _ := p.store(0).Begin()
			_ = p.store(0).GroupPut(ctx, g, "x", "1")
			eventually(t, "secondary observes group", func() bool { return len(s.coord.Status().Groups) == 1 })

			if err := s.coord.UpdateEpoch(ctx, tc.epoch, cluster.LastSequenceNumber()+tc.offset); err != nil {
				t.Fatalf("update epoch: %v", err)
			}
			expectNoGroups(t, s.coord)
			if got := len(s.store(0).PendingGroups()); got != tc.pending {
				t.Fatalf("pending groups on secondary member %d, want %d", got, tc.pending)
			}
		})
	}
}

func TestOnDataLossReportsChange(t *testing.T) {
	cluster := memchannel.New(nil)
	n := newNodeWith(t, cluster, "p", 2, func(cfg *Config, ms []*scriptedMember) {
		cfg.HasPersistedState = true
		ms[1].lostState = true
	})
	ctx := testContext(t)
	if err := n.coord.Open(ctx, replica.OpenNew, n.ch); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(n.coord.Abort)
	changed, err := n.coord.OnDataLoss(ctx)
	if err != nil || !changed {
		t.Fatalf("data loss: changed %v err %v", changed, err)
	}
}

func TestLastCommittedIsHighestMember(t *testing.T) {
	cluster := memchannel.New(nil)
	n := newNodeWith(t, cluster, "p", 3, func(_ *Config, ms []*scriptedMember) {
		a, b, c := int64(7), int64(12), replica.InvalidSequenceNumber
		ms[0].lastCommitted, ms[1].lastCommitted, ms[2].lastCommitted = &a, &b, &c
	})
	last, err := n.coord.LastCommittedSequenceNumber()
	if err != nil || last != 12 {
		t.Fatalf("last committed %d %v", last, err)
	}
}

func TestMetricsAndSpans(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		_ = tp.Shutdown(context.Background())
	})

	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	cluster := memchannel.New(nil)
	p := newNode(t, cluster, "p", 2, WithMeterProvider(mp), WithTracerProvider(tp), WithClock(manual))
	startPrimary(t, cluster, p)
	t.Cleanup(p.coord.Abort)
	ctx := testContext(t)

	g, _ := p.store(0).Begin()
	_ = p.store(0).GroupPut(ctx, g, "x", "1")
	p.ch.Hold()
	commitErr := make(chan error, 1)
	go func() {
		_, err := p.store(0).Commit(ctx, g)
		commitErr <- err
	}()
	waitHeld(t, p.ch, 1)
	manual.Advance(40 * time.Millisecond)
	p.ch.Release()
	if err := <-commitErr; err != nil {
		t.Fatalf("commit: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	seen := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			seen[m.Name] = true
			switch m.Name {
			case "svcgroup.group.terminated":
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
					t.Fatalf("terminated metric %+v", m.Data)
				}
			case "svcgroup.group.replicate.duration_ms":
				if got := histogramSum(t, m, "svcgroup.kind", replica.KindCommitAtomicGroup.String()); got != 40 {
					t.Fatalf("commit replicate took %dms, want 40", got)
				}
				if got := histogramSum(t, m, "svcgroup.kind", replica.KindCreateAtomicGroup.String()); got != 0 {
					t.Fatalf("create replicate took %dms, want 0", got)
				}
			case "svcgroup.group.fanout.duration_ms":
				if got := histogramSum(t, m, "svcgroup.verb", "commit"); got != 0 {
					t.Fatalf("fanout took %dms, want 0", got)
				}
			}
		}
	}
	for _, name := range []string{"svcgroup.group.terminated", "svcgroup.group.replicate.duration_ms", "svcgroup.group.fanout.duration_ms", "svcgroup.group.open"} {
		if !seen[name] {
			t.Fatalf("metric %s not recorded (seen %v)", name, seen)
		}
	}

	spans := map[string]bool{}
	for _, s := range recorder.Ended() {
		spans[s.Name()] = true
	}
	for _, name := range []string{"svcgroup.lifecycle.open", "svcgroup.lifecycle.change_role"} {
		if !spans[name] {
			t.Fatalf("span %s missing (have %v)", name, spans)
		}
	}
}

func histogramSum(t *testing.T, m metricdata.Metrics, key, value string) int64 {
	t.Helper()
	h, ok := m.Data.(metricdata.Histogram[int64])
	if !ok {
		t.Fatalf("%s is %T, want an int64 histogram", m.Name, m.Data)
	}
	for _, dp := range h.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Sum
		}
	}
	t.Fatalf("%s has no point with %s=%s", m.Name, key, value)
	return 0
}
