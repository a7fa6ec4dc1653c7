// Package memchannel is an in-process replication channel. One Cluster holds
// a primary and any number of secondaries; Replicate on the primary hands
// every operation to the secondaries attached for replication and completes
// once each of them acknowledged it.
package memchannel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"

	"pkt.systems/svcgroup/internal/loggingutil"
	"pkt.systems/svcgroup/internal/opstream"
	"pkt.systems/svcgroup/internal/svcfields"
	"pkt.systems/svcgroup/replica"
)

// ErrUnknownChannel is returned for a channel that belongs to another cluster.
var ErrUnknownChannel = errors.New("memchannel: channel not in cluster")

type entry struct {
	seq  int64
	data [][]byte
}

// Cluster is the shared replication log of one partition.
type Cluster struct {
	mu        sync.Mutex
	logger    pslog.Logger
	nextSeq   int64
	completed int64
	done      map[int64]struct{}
	log       []entry
	primary   *Channel
	channels  []*Channel
}

// New returns an empty cluster.
func New(logger pslog.Logger) *Cluster {
	return &Cluster{
		logger: svcfields.WithSubsystem(loggingutil.EnsureLogger(logger), "memchannel"),
		done:   make(map[int64]struct{}),
	}
}

// Fault is one fault reported on a channel.
type Fault struct {
	Kind replica.FaultType
	Err  error
}

// Channel is one replica's view of the cluster. It implements
// replica.Channel.
type Channel struct {
	cluster *Cluster
	name    string

	// guarded by cluster.mu
	copy        *opstream.Stream
	repl        *opstream.Stream
	target      bool
	writeStatus replica.AccessStatus
	failNext    error
	failAsync   error
	zeroNext    bool
	hold        bool
	held        []func()
	faults      []Fault
}

var _ replica.Channel = (*Channel)(nil)

// Add creates a channel named name.
func (c *Cluster) Add(name string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := &Channel{cluster: c, name: name}
	c.channels = append(c.channels, ch)
	return ch
}

// SetPrimary makes ch the only channel that accepts writes. It stops
// receiving replication traffic.
func (c *Cluster) SetPrimary(ch *Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch.cluster != c {
		return ErrUnknownChannel
	}
	c.primary = ch
	ch.target = false
	c.logger.Info("memchannel.primary", "channel", ch.name)
	return nil
}

// LastSequenceNumber returns the last assigned sequence number.
func (c *Cluster) LastSequenceNumber() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSeq
}

// CompletedSequenceNumber returns the highest sequence number up to which
// every replicate completed.
func (c *Cluster) CompletedSequenceNumber() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Attach makes ch receive every operation replicated from now on without a
// copy, as when a primary is demoted.
func (c *Cluster) Attach(ch *Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch.cluster != c {
		return ErrUnknownChannel
	}
	if ch == c.primary {
		c.primary = nil
	}
	ch.ensureStreamsLocked()
	ch.target = true
	return nil
}

// Copy builds the secondary behind to from the primary's state. Operations
// completed so far are carried by the copy; later ones are queued on the
// replication stream of to.
func (c *Cluster) Copy(ctx context.Context, primary, secondary replica.StateProvider, to *Channel) error {
	c.mu.Lock()
	if to.cluster != c {
		c.mu.Unlock()
		return ErrUnknownChannel
	}
	to.ensureStreamsLocked()
	upto := c.completed
	forwarded := 0
	for _, e := range c.log {
		if e.seq > upto {
			_ = to.repl.Enqueue(newOperation(replica.KindNormal, e.seq, e.data, nil))
			forwarded++
		}
	}
	to.target = true
	copyStream := to.copy
	c.mu.Unlock()
	c.logger.Info("memchannel.copy.begin", "channel", to.name, "upto", upto, "forwarded", forwarded)

	copyContext, err := secondary.GetCopyContext()
	if err != nil {
		return fmt.Errorf("copy context: %w", err)
	}
	state, err := primary.GetCopyState(upto, copyContext)
	if err != nil {
		return fmt.Errorf("copy state: %w", err)
	}
	items := 0
	for {
		data, err := state.GetNext(ctx)
		if err != nil {
			copyStream.ForceDrain(err, false)
			return fmt.Errorf("copy state: %w", err)
		}
		if data == nil {
			break
		}
		if err := copyStream.Enqueue(newOperation(replica.KindCopy, 0, data, nil)); err != nil {
			return fmt.Errorf("copy stream: %w", err)
		}
		items++
	}
	if err := copyStream.Enqueue(nil); err != nil {
		return fmt.Errorf("copy stream: %w", err)
	}
	c.logger.Info("memchannel.copy.done", "channel", to.name, "items", items)
	return nil
}

// EndStreams ends the copy and replication streams of ch and detaches it.
// A secondary is ended this way before it is promoted or closed.
func (c *Cluster) EndStreams(ch *Channel) {
	c.mu.Lock()
	copyStream, replStream := ch.copy, ch.repl
	ch.copy, ch.repl = nil, nil
	ch.target = false
	c.mu.Unlock()
	if copyStream != nil && !copyStream.Ended() {
		_ = copyStream.Enqueue(nil)
	}
	if replStream != nil && !replStream.Ended() {
		_ = replStream.Enqueue(nil)
	}
}

func (c *Cluster) markCompleted(seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done[seq] = struct{}{}
	for {
		if _, ok := c.done[c.completed+1]; !ok {
			return
		}
		delete(c.done, c.completed+1)
		c.completed++
	}
}

func (ch *Channel) ensureStreamsLocked() {
	if ch.copy == nil {
		ch.copy = opstream.New(ch.name + ".copy")
	}
	if ch.repl == nil {
		ch.repl = opstream.New(ch.name + ".replication")
	}
}

// Name returns the channel name.
func (ch *Channel) Name() string { return ch.name }

// Replicate assigns the next sequence number and hands data to every attached
// secondary.
func (ch *Channel) Replicate(ctx context.Context, data [][]byte) (int64, *replica.Future[int64], error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	c := ch.cluster
	c.mu.Lock()
	if c.primary != ch {
		c.mu.Unlock()
		return 0, nil, replica.ErrNotPrimary
	}
	if err := ch.writeStatus.Err(); err != nil {
		c.mu.Unlock()
		return 0, nil, err
	}
	if err := ch.failNext; err != nil {
		ch.failNext = nil
		c.mu.Unlock()
		return 0, nil, err
	}
	if ch.zeroNext {
		ch.zeroNext = false
		c.mu.Unlock()
		return 0, replica.Resolved[int64](0, nil), nil
	}
	c.nextSeq++
	seq := c.nextSeq
	c.log = append(c.log, entry{seq: seq, data: data})
	var targets []*opstream.Stream
	for _, other := range c.channels {
		if other != ch && other.target && other.repl != nil {
			targets = append(targets, other.repl)
		}
	}
	failAsync := ch.failAsync
	ch.failAsync = nil
	c.mu.Unlock()

	f := replica.NewFuture[int64]()
	finish := func() {
		c.mu.Lock()
		if ch.hold {
			ch.held = append(ch.held, func() { ch.complete(f, seq, failAsync) })
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		ch.complete(f, seq, failAsync)
	}
	var pending atomic.Int64
	pending.Store(int64(len(targets)) + 1)
	ack := func() {
		if pending.Add(-1) == 0 {
			finish()
		}
	}
	for _, t := range targets {
		if err := t.Enqueue(newOperation(replica.KindNormal, seq, data, ack)); err != nil {
			ack()
		}
	}
	ack()
	return seq, f, nil
}

func (ch *Channel) complete(f *replica.Future[int64], seq int64, err error) {
	ch.cluster.markCompleted(seq)
	if err != nil {
		f.Complete(0, err)
		return
	}
	f.Complete(seq, nil)
}

// CopyStream returns the copy stream of a secondary.
func (ch *Channel) CopyStream() (replica.OperationStream, error) {
	ch.cluster.mu.Lock()
	defer ch.cluster.mu.Unlock()
	if ch.cluster.primary == ch {
		return nil, fmt.Errorf("memchannel: %s is primary", ch.name)
	}
	ch.ensureStreamsLocked()
	return ch.copy, nil
}

// ReplicationStream returns the replication stream of a secondary.
func (ch *Channel) ReplicationStream() (replica.OperationStream, error) {
	ch.cluster.mu.Lock()
	defer ch.cluster.mu.Unlock()
	if ch.cluster.primary == ch {
		return nil, fmt.Errorf("memchannel: %s is primary", ch.name)
	}
	ch.ensureStreamsLocked()
	return ch.repl, nil
}

// WriteStatus reports Granted on the primary unless overridden.
func (ch *Channel) WriteStatus() replica.AccessStatus {
	ch.cluster.mu.Lock()
	defer ch.cluster.mu.Unlock()
	if ch.writeStatus != replica.AccessGranted {
		return ch.writeStatus
	}
	if ch.cluster.primary != ch {
		return replica.AccessNotPrimary
	}
	return replica.AccessGranted
}

// ReadStatus reports Granted on the primary.
func (ch *Channel) ReadStatus() replica.AccessStatus {
	ch.cluster.mu.Lock()
	defer ch.cluster.mu.Unlock()
	if ch.cluster.primary != ch {
		return replica.AccessNotPrimary
	}
	return replica.AccessGranted
}

// ReportFault records a fault.
func (ch *Channel) ReportFault(kind replica.FaultType, cause error) {
	ch.cluster.mu.Lock()
	ch.faults = append(ch.faults, Fault{Kind: kind, Err: cause})
	ch.cluster.mu.Unlock()
	ch.cluster.logger.Warn("memchannel.fault", "channel", ch.name, "kind", kind.String(), "error", cause)
}

// Faults returns the faults reported so far.
func (ch *Channel) Faults() []Fault {
	ch.cluster.mu.Lock()
	defer ch.cluster.mu.Unlock()
	return append([]Fault(nil), ch.faults...)
}

// SetWriteStatus overrides the write status. AccessGranted clears the
// override.
func (ch *Channel) SetWriteStatus(s replica.AccessStatus) {
	ch.cluster.mu.Lock()
	defer ch.cluster.mu.Unlock()
	ch.writeStatus = s
}

// FailNext makes the next Replicate fail with err before a sequence number
// is assigned.
func (ch *Channel) FailNext(err error) {
	ch.cluster.mu.Lock()
	defer ch.cluster.mu.Unlock()
	ch.failNext = err
}

// FailNextCompletion makes the next replicate complete with err.
func (ch *Channel) FailNextCompletion(err error) {
	ch.cluster.mu.Lock()
	defer ch.cluster.mu.Unlock()
	ch.failAsync = err
}

// ZeroNext makes the next Replicate return sequence number 0.
func (ch *Channel) ZeroNext() {
	ch.cluster.mu.Lock()
	defer ch.cluster.mu.Unlock()
	ch.zeroNext = true
}

// Hold parks replicate completions until Release.
func (ch *Channel) Hold() {
	ch.cluster.mu.Lock()
	defer ch.cluster.mu.Unlock()
	ch.hold = true
}

// Release completes the parked replicates in order and stops holding.
func (ch *Channel) Release() int {
	ch.cluster.mu.Lock()
	held := ch.held
	ch.held = nil
	ch.hold = false
	ch.cluster.mu.Unlock()
	for _, fn := range held {
		fn()
	}
	return len(held)
}

// Held returns the number of parked completions.
func (ch *Channel) Held() int {
	ch.cluster.mu.Lock()
	defer ch.cluster.mu.Unlock()
	return len(ch.held)
}

type operation struct {
	md   replica.OperationMetadata
	data [][]byte
	ack  func()
	once sync.Once
}

func newOperation(kind replica.OperationKind, seq int64, data [][]byte, ack func()) *operation {
	return &operation{
		md:   replica.OperationMetadata{Kind: kind, SequenceNumber: seq, AtomicGroupID: replica.InvalidAtomicGroupID},
		data: data,
		ack:  ack,
	}
}

func (o *operation) Metadata() replica.OperationMetadata { return o.md }
func (o *operation) Data() [][]byte                      { return o.data }

func (o *operation) Acknowledge() error {
	o.once.Do(func() {
		if o.ack != nil {
			o.ack()
		}
	})
	return nil
}
