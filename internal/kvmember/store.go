// Package kvmember is a small transactional key/value store that runs as a
// member of a grouped replica. Writes outside an atomic group apply once
// replicated; writes inside a group are staged until the group commits.
package kvmember

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/svcgroup/internal/loggingutil"
	"pkt.systems/svcgroup/internal/svcfields"
	"pkt.systems/svcgroup/replica"
)

// ErrNotOpen is returned before Open or after Close.
var ErrNotOpen = errors.New("kvmember: not open")

type staged struct {
	rec record
	seq int64
}

type undo struct {
	seq     int64
	key     string
	prev    string
	existed bool
}

// Store is one key/value member.
type Store struct {
	name   string
	logger pslog.Logger

	// wmu serialises non-group writes so they apply in sequence order.
	wmu sync.Mutex

	mu             sync.Mutex
	partition      replica.Partition
	role           replica.Role
	data           map[string]string
	pending        map[int64][]*staged
	history        []undo
	lastCommitted  int64
	appliedThrough int64
	epoch          replica.Epoch

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

var _ replica.Member = (*Store)(nil)

// New returns an empty store.
func New(name string, logger pslog.Logger) *Store {
	return &Store{
		name:    name,
		logger:  svcfields.WithMember(svcfields.WithSubsystem(loggingutil.EnsureLogger(logger), "kvmember"), name, uuid.Nil),
		data:    make(map[string]string),
		pending: make(map[int64][]*staged),
	}
}

// Name returns the member name.
func (s *Store) Name() string { return s.name }

// Open records the partition.
func (s *Store) Open(_ context.Context, mode replica.OpenMode, p replica.Partition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partition = p
	s.logger.Debug("kvmember.opened", "mode", mode.String())
	return nil
}

// ChangeRole starts pulling the copy and replication streams on the first
// move into a secondary role and waits for them to end when leaving it.
func (s *Store) ChangeRole(ctx context.Context, role replica.Role) (string, error) {
	s.mu.Lock()
	p, prev := s.partition, s.role
	s.mu.Unlock()
	if p == nil {
		return "", ErrNotOpen
	}
	if role.IsSecondary() && !prev.IsSecondary() {
		if err := s.startPump(p, prev == replica.RolePrimary); err != nil {
			return "", err
		}
	}
	if prev.IsSecondary() && !role.IsSecondary() {
		if err := s.waitPump(ctx); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
	return fmt.Sprintf("kv://%s/%s", s.name, role), nil
}

// Close stops the stream pump.
func (s *Store) Close(ctx context.Context) error {
	s.stopPump()
	return s.waitPump(ctx)
}

// Abort stops the stream pump without waiting.
func (s *Store) Abort() {
	s.stopPump()
}

func (s *Store) startPump(p replica.Partition, skipCopy bool) error {
	var copyStream replica.OperationStream
	if !skipCopy {
		cs, err := p.CopyStream()
		if err != nil {
			return fmt.Errorf("copy stream: %w", err)
		}
		copyStream = cs
	}
	replStream, err := p.ReplicationStream()
	if err != nil {
		return fmt.Errorf("replication stream: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.pumpCancel, s.pumpDone = cancel, done
	s.mu.Unlock()
	go func() {
		defer close(done)
		if copyStream != nil {
			if err := s.pull(ctx, copyStream, s.applyCopy); err != nil {
				s.logger.Warn("kvmember.copy.failed", "error", err)
				return
			}
		}
		if err := s.pull(ctx, replStream, s.applyReplication); err != nil {
			s.logger.Warn("kvmember.replication.failed", "error", err)
		}
	}()
	return nil
}

func (s *Store) stopPump() {
	s.mu.Lock()
	cancel := s.pumpCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Store) waitPump(ctx context.Context) error {
	s.mu.Lock()
	done := s.pumpDone
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		s.mu.Lock()
		s.pumpCancel, s.pumpDone = nil, nil
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) pull(ctx context.Context, stream replica.OperationStream, apply func(replica.Operation) error) error {
	for {
		op, err := stream.GetOperation(ctx).Wait(ctx)
		if err != nil {
			return err
		}
		if op == nil {
			return nil
		}
		if err := apply(op); err != nil {
			return err
		}
		if err := op.Acknowledge(); err != nil {
			return err
		}
	}
}

func (s *Store) applyCopy(op replica.Operation) error {
	rec, err := decodePayload(op.Data())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case rec.Op == opHeader:
		s.lastCommitted = rec.SequenceNumber
		s.appliedThrough = rec.AppliedThrough
	case rec.GroupID != replica.InvalidAtomicGroupID:
		s.pending[rec.GroupID] = append(s.pending[rec.GroupID], &staged{rec: rec, seq: rec.SequenceNumber})
	default:
		s.data[rec.Key] = rec.Value
	}
	return nil
}

func (s *Store) applyReplication(op replica.Operation) error {
	md := op.Metadata()
	s.mu.Lock()
	defer s.mu.Unlock()
	if md.SequenceNumber <= s.appliedThrough {
		return nil
	}
	switch md.Kind {
	case replica.KindCommitAtomicGroup:
		s.commitLocked(md.AtomicGroupID, md.SequenceNumber)
	case replica.KindRollbackAtomicGroup:
		s.rollbackLocked(md.AtomicGroupID)
	default:
		rec, err := decodePayload(op.Data())
		if err != nil {
			return err
		}
		if md.Kind.IsAtomic() {
			s.pending[md.AtomicGroupID] = append(s.pending[md.AtomicGroupID], &staged{rec: rec, seq: md.SequenceNumber})
		} else {
			s.applyLocked(rec, md.SequenceNumber)
			s.lastCommitted = max(s.lastCommitted, md.SequenceNumber)
		}
	}
	s.appliedThrough = md.SequenceNumber
	return nil
}

func (s *Store) applyLocked(rec record, seq int64) {
	prev, existed := s.data[rec.Key]
	s.history = append(s.history, undo{seq: seq, key: rec.Key, prev: prev, existed: existed})
	switch rec.Op {
	case opPut:
		s.data[rec.Key] = rec.Value
	case opDelete:
		delete(s.data, rec.Key)
	}
}

func (s *Store) commitLocked(groupID, seq int64) {
	ops := s.pending[groupID]
	delete(s.pending, groupID)
	for _, st := range ops {
		s.applyLocked(st.rec, seq)
	}
	s.lastCommitted = max(s.lastCommitted, seq)
	s.appliedThrough = max(s.appliedThrough, seq)
	s.logger.Trace("kvmember.group.committed", "group_id", groupID, "ops", len(ops), "seq", seq)
}

func (s *Store) rollbackLocked(groupID int64) {
	n := len(s.pending[groupID])
	delete(s.pending, groupID)
	s.logger.Trace("kvmember.group.rolled_back", "group_id", groupID, "ops", n)
}

func (s *Store) partitionHandle() (replica.Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partition == nil {
		return nil, ErrNotOpen
	}
	return s.partition, nil
}

// Put replicates and applies a write outside any group.
func (s *Store) Put(ctx context.Context, key, value string) error {
	return s.write(ctx, record{Op: opPut, Key: key, Value: value, GroupID: replica.InvalidAtomicGroupID})
}

// Delete replicates and applies a delete outside any group.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.write(ctx, record{Op: opDelete, Key: key, GroupID: replica.InvalidAtomicGroupID})
}

func (s *Store) write(ctx context.Context, rec record) error {
	p, err := s.partitionHandle()
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, f, err := p.Replicate(ctx, payload(rec))
	if err != nil {
		return err
	}
	seq, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(rec, seq)
	s.lastCommitted = max(s.lastCommitted, seq)
	s.appliedThrough = max(s.appliedThrough, seq)
	return nil
}

// Begin assigns a new atomic group id.
func (s *Store) Begin() (int64, error) {
	p, err := s.partitionHandle()
	if err != nil {
		return replica.InvalidAtomicGroupID, err
	}
	return p.CreateAtomicGroup()
}

// GroupPut replicates a write staged in groupID.
func (s *Store) GroupPut(ctx context.Context, groupID int64, key, value string) error {
	return s.groupWrite(ctx, groupID, record{Op: opPut, Key: key, Value: value, GroupID: groupID})
}

// GroupDelete replicates a delete staged in groupID.
func (s *Store) GroupDelete(ctx context.Context, groupID int64, key string) error {
	return s.groupWrite(ctx, groupID, record{Op: opDelete, Key: key, GroupID: groupID})
}

// groupWrite stages rec before replicating it so a commit that completes
// first still finds it. A failed replicate unstages it again.
func (s *Store) groupWrite(ctx context.Context, groupID int64, rec record) error {
	p, err := s.partitionHandle()
	if err != nil {
		return err
	}
	st := &staged{rec: rec, seq: replica.MaxSequenceNumber}
	s.mu.Lock()
	s.pending[groupID] = append(s.pending[groupID], st)
	s.mu.Unlock()
	_, f, err := p.ReplicateAtomicGroupOperation(ctx, groupID, payload(rec))
	if err == nil {
		var seq int64
		seq, err = f.Wait(ctx)
		if err == nil {
			s.mu.Lock()
			st.seq = seq
			s.appliedThrough = max(s.appliedThrough, seq)
			s.mu.Unlock()
			return nil
		}
	}
	s.mu.Lock()
	s.unstageLocked(groupID, st)
	s.mu.Unlock()
	return err
}

func (s *Store) unstageLocked(groupID int64, st *staged) {
	ops := s.pending[groupID]
	for i, o := range ops {
		if o == st {
			ops = append(ops[:i], ops[i+1:]...)
			break
		}
	}
	if len(ops) == 0 {
		delete(s.pending, groupID)
		return
	}
	s.pending[groupID] = ops
}

// Commit replicates the commit of groupID and waits until every participant
// applied it.
func (s *Store) Commit(ctx context.Context, groupID int64) (int64, error) {
	p, err := s.partitionHandle()
	if err != nil {
		return 0, err
	}
	_, f, err := p.ReplicateAtomicGroupCommit(ctx, groupID)
	if err != nil {
		return 0, err
	}
	return f.Wait(ctx)
}

// Rollback replicates the rollback of groupID.
func (s *Store) Rollback(ctx context.Context, groupID int64) (int64, error) {
	p, err := s.partitionHandle()
	if err != nil {
		return 0, err
	}
	_, f, err := p.ReplicateAtomicGroupRollback(ctx, groupID)
	if err != nil {
		return 0, err
	}
	return f.Wait(ctx)
}

// AtomicGroupCommit applies the writes staged in groupID.
func (s *Store) AtomicGroupCommit(_ context.Context, groupID, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitLocked(groupID, seq)
	return nil
}

// AtomicGroupRollback drops the writes staged in groupID.
func (s *Store) AtomicGroupRollback(_ context.Context, groupID, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackLocked(groupID)
	return nil
}

// UndoProgress reverts every write applied after from.
func (s *Store) UndoProgress(_ context.Context, from int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reverted := 0
	for len(s.history) > 0 {
		u := s.history[len(s.history)-1]
		if u.seq <= from {
			break
		}
		if u.existed {
			s.data[u.key] = u.prev
		} else {
			delete(s.data, u.key)
		}
		s.history = s.history[:len(s.history)-1]
		reverted++
	}
	s.lastCommitted = min(s.lastCommitted, from)
	s.appliedThrough = min(s.appliedThrough, from)
	s.logger.Info("kvmember.undo_progress", "from", from, "reverted", reverted)
	return nil
}

// LastCommittedSequenceNumber returns the highest applied sequence number.
func (s *Store) LastCommittedSequenceNumber() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommitted, nil
}

// UpdateEpoch drops staged writes replicated after previousEpochLast. A new
// data loss number drops every staged write.
func (s *Store) UpdateEpoch(_ context.Context, epoch replica.Epoch, previousEpochLast int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wipe := epoch.DataLossNumber > s.epoch.DataLossNumber
	dropped := 0
	for groupID, ops := range s.pending {
		kept := ops[:0]
		for _, st := range ops {
			if wipe || st.seq > previousEpochLast {
				dropped++
				continue
			}
			kept = append(kept, st)
		}
		if len(kept) == 0 {
			delete(s.pending, groupID)
		} else {
			s.pending[groupID] = kept
		}
	}
	s.epoch = epoch
	if dropped > 0 {
		s.logger.Info("kvmember.epoch.dropped", "ops", dropped, "epoch", epoch.String())
	}
	return nil
}

// OnDataLoss keeps the state as is.
func (s *Store) OnDataLoss(context.Context) (bool, error) {
	return false, nil
}

// GetCopyContext sends the store's progress so the primary can log how far
// behind the new secondary is.
func (s *Store) GetCopyContext() (replica.OperationDataStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hdr := record{Op: opHeader, GroupID: replica.InvalidAtomicGroupID, SequenceNumber: s.lastCommitted, AppliedThrough: s.appliedThrough}
	return replica.NewSliceDataStream(payload(hdr)), nil
}

// GetCopyState returns the committed entries and the staged writes. The
// snapshot is taken on the first read.
func (s *Store) GetCopyState(upto int64, copyContext replica.OperationDataStream) (replica.OperationDataStream, error) {
	return &copyState{s: s, upto: upto, peer: copyContext}, nil
}

type copyState struct {
	s     *Store
	upto  int64
	peer  replica.OperationDataStream
	items [][][]byte
	built bool
}

func (c *copyState) GetNext(ctx context.Context) ([][]byte, error) {
	if !c.built {
		if err := c.build(ctx); err != nil {
			return nil, err
		}
	}
	if len(c.items) == 0 {
		return nil, nil
	}
	item := c.items[0]
	c.items = c.items[1:]
	return item, nil
}

func (c *copyState) build(ctx context.Context) error {
	c.built = true
	if c.peer != nil {
		items, err := replica.DrainDataStream(ctx, c.peer)
		if err != nil {
			return fmt.Errorf("copy context: %w", err)
		}
		for _, it := range items {
			if rec, err := decodePayload(it); err == nil && rec.Op == opHeader {
				c.s.logger.Debug("kvmember.copy.peer", "peer_last_committed", rec.SequenceNumber, "upto", c.upto)
			}
		}
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	c.items = append(c.items, payload(record{
		Op:             opHeader,
		GroupID:        replica.InvalidAtomicGroupID,
		SequenceNumber: s.lastCommitted,
		AppliedThrough: s.appliedThrough,
	}))
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c.items = append(c.items, payload(record{Op: opPut, Key: k, Value: s.data[k], GroupID: replica.InvalidAtomicGroupID}))
	}
	groups := make([]int64, 0, len(s.pending))
	for id := range s.pending {
		groups = append(groups, id)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
	for _, id := range groups {
		for _, st := range s.pending[id] {
			rec := st.rec
			rec.GroupID = id
			rec.SequenceNumber = st.seq
			c.items = append(c.items, payload(rec))
		}
	}
	s.logger.Debug("kvmember.copy.state", "entries", len(keys), "pending_groups", len(groups), "upto", c.upto)
	return nil
}

// Get returns the committed value of key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Len returns the number of committed keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// PendingGroups returns the ids of groups with staged writes.
func (s *Store) PendingGroups() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Export is the YAML form of a store.
type Export struct {
	Name          string            `yaml:"name"`
	Role          string            `yaml:"role"`
	LastCommitted int64             `yaml:"last_committed"`
	Entries       map[string]string `yaml:"entries"`
	Pending       map[int64]int     `yaml:"pending_groups,omitempty"`
}

// Snapshot returns the committed state.
func (s *Store) Snapshot() Export {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := Export{
		Name:          s.name,
		Role:          s.role.String(),
		LastCommitted: s.lastCommitted,
		Entries:       make(map[string]string, len(s.data)),
	}
	for k, v := range s.data {
		e.Entries[k] = v
	}
	if len(s.pending) > 0 {
		e.Pending = make(map[int64]int, len(s.pending))
		for id, ops := range s.pending {
			e.Pending[id] = len(ops)
		}
	}
	return e
}

// ExportYAML renders Snapshot as YAML.
func (s *Store) ExportYAML() ([]byte, error) {
	return yaml.Marshal(s.Snapshot())
}
