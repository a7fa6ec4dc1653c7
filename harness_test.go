package svcgroup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"pkt.systems/svcgroup/internal/kvmember"
	"pkt.systems/svcgroup/internal/memchannel"
	"pkt.systems/svcgroup/replica"
)

var (
	testPartition = uuid.MustParse("0190c7e4-0000-7000-8000-000000000001")
	testMemberIDs = []uuid.UUID{
		uuid.MustParse("0190c7e4-0000-7000-8000-0000000000a1"),
		uuid.MustParse("0190c7e4-0000-7000-8000-0000000000b2"),
		uuid.MustParse("0190c7e4-0000-7000-8000-0000000000c3"),
	}
	testMemberNames = []string{"alpha", "beta", "gamma"}
)

// scriptedMember is a kvmember.Store whose lifecycle calls can be made to
// fail.
type scriptedMember struct {
	*kvmember.Store

	mu            sync.Mutex
	openErr       error
	closeErr      error
	commitErr     error
	roleErr       error
	failRole      replica.Role
	lastCommitted *int64
	lostState     bool
	closed        int
	aborted       int
	undoneTo      []int64
	roles         []replica.Role
	commits       []int64
}

func newScripted(name string) *scriptedMember {
	return &scriptedMember{Store: kvmember.New(name, nil)}
}

func (m *scriptedMember) Open(ctx context.Context, mode replica.OpenMode, p replica.Partition) error {
	m.mu.Lock()
	err := m.openErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.Store.Open(ctx, mode, p)
}

func (m *scriptedMember) ChangeRole(ctx context.Context, role replica.Role) (string, error) {
	m.mu.Lock()
	m.roles = append(m.roles, role)
	err := m.roleErr
	fail := m.failRole
	m.mu.Unlock()
	if err != nil && role == fail {
		return "", err
	}
	return m.Store.ChangeRole(ctx, role)
}

func (m *scriptedMember) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed++
	err := m.closeErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.Store.Close(ctx)
}

func (m *scriptedMember) Abort() {
	m.mu.Lock()
	m.aborted++
	m.mu.Unlock()
	m.Store.Abort()
}

func (m *scriptedMember) AtomicGroupCommit(ctx context.Context, groupID, seq int64) error {
	m.mu.Lock()
	err := m.commitErr
	m.commits = append(m.commits, seq)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.Store.AtomicGroupCommit(ctx, groupID, seq)
}

func (m *scriptedMember) appliedCommits() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.commits...)
}

func (m *scriptedMember) LastCommittedSequenceNumber() (int64, error) {
	m.mu.Lock()
	last := m.lastCommitted
	m.mu.Unlock()
	if last != nil {
		return *last, nil
	}
	return m.Store.LastCommittedSequenceNumber()
}

func (m *scriptedMember) UndoProgress(ctx context.Context, from int64) error {
	m.mu.Lock()
	m.undoneTo = append(m.undoneTo, from)
	m.mu.Unlock()
	return m.Store.UndoProgress(ctx, from)
}

func (m *scriptedMember) OnDataLoss(ctx context.Context) (bool, error) {
	m.mu.Lock()
	lost := m.lostState
	m.mu.Unlock()
	if lost {
		return true, nil
	}
	return m.Store.OnDataLoss(ctx)
}

func (m *scriptedMember) counts() (closed, aborted int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed, m.aborted
}

// node is one replica of the test partition.
type node struct {
	coord   *Coordinator
	ch      *memchannel.Channel
	members []*scriptedMember
}

func (n *node) store(i int) *scriptedMember { return n.members[i] }

func newNode(t *testing.T, cluster *memchannel.Cluster, name string, members int, opts ...Option) *node {
	t.Helper()
	return newNodeWith(t, cluster, name, members, nil, opts...)
}

// newNodeWith builds a node; configure runs after the members were created
// and before the coordinator is.
func newNodeWith(t *testing.T, cluster *memchannel.Cluster, name string, members int, configure func(*Config, []*scriptedMember), opts ...Option) *node {
	t.Helper()
	n := &node{ch: cluster.Add(name)}
	cfg := Config{PartitionID: testPartition, ReplicaID: name}
	for i := 0; i < members; i++ {
		m := newScripted(testMemberNames[i])
		n.members = append(n.members, m)
		cfg.Members = append(cfg.Members, MemberSpec{Name: testMemberNames[i], ID: testMemberIDs[i], Member: m})
	}
	if configure != nil {
		configure(&cfg, n.members)
	}
	c, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	n.coord = c
	return n
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startPrimary(t *testing.T, cluster *memchannel.Cluster, n *node) {
	t.Helper()
	ctx := testContext(t)
	if err := n.coord.Open(ctx, replica.OpenNew, n.ch); err != nil {
		t.Fatalf("open primary: %v", err)
	}
	if err := cluster.SetPrimary(n.ch); err != nil {
		t.Fatalf("set primary: %v", err)
	}
	if _, err := n.coord.ChangeRole(ctx, replica.RolePrimary); err != nil {
		t.Fatalf("change role primary: %v", err)
	}
}

func buildSecondary(t *testing.T, cluster *memchannel.Cluster, primary, n *node) {
	t.Helper()
	ctx := testContext(t)
	if err := n.coord.Open(ctx, replica.OpenNew, n.ch); err != nil {
		t.Fatalf("open secondary: %v", err)
	}
	if err := cluster.Copy(ctx, primary.coord, n.coord, n.ch); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if _, err := n.coord.ChangeRole(ctx, replica.RoleIdleSecondary); err != nil {
		t.Fatalf("change role idle: %v", err)
	}
	if _, err := n.coord.ChangeRole(ctx, replica.RoleActiveSecondary); err != nil {
		t.Fatalf("change role active: %v", err)
	}
}

func newPair(t *testing.T, members int) (*memchannel.Cluster, *node, *node) {
	t.Helper()
	cluster := memchannel.New(nil)
	p := newNode(t, cluster, "p", members)
	startPrimary(t, cluster, p)
	s := newNode(t, cluster, "s", members)
	buildSecondary(t, cluster, p, s)
	t.Cleanup(func() {
		p.coord.Abort()
		s.coord.Abort()
	})
	return cluster, p, s
}

func eventually(t *testing.T, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitHeld(t *testing.T, ch *memchannel.Channel, n int) {
	t.Helper()
	eventually(t, "held completions", func() bool { return ch.Held() >= n })
}

func expectValue(t *testing.T, m *scriptedMember, key, want string) {
	t.Helper()
	got, ok := m.Get(key)
	if !ok || got != want {
		t.Fatalf("%s: %s = %q (present %v), want %q", m.Name(), key, got, ok, want)
	}
}

func expectNoGroups(t *testing.T, c *Coordinator) {
	t.Helper()
	if st := c.Status(); len(st.Groups) != 0 {
		t.Fatalf("expected no open groups, got %+v", st.Groups)
	}
}

func errAs[T error](err error) (T, bool) {
	var target T
	ok := errors.As(err, &target)
	return target, ok
}
