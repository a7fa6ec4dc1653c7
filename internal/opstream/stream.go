// Package opstream implements the per-member operation queues a grouped
// replica feeds from its single physical copy and replication streams.
package opstream

import (
	"context"
	"sync"

	"pkt.systems/svcgroup/internal/event"
	"pkt.systems/svcgroup/replica"
)

type itemKind int

const (
	itemOperation itemKind = iota
	itemEnd
	itemBarrier
)

type item struct {
	kind    itemKind
	op      replica.Operation
	barrier *barrier
}

type barrier struct {
	reached bool
	done    *replica.Future[struct{}]
}

// Stream is an operation queue drained by one member. Operations are handed
// out in order; a nil operation marks the end of the stream.
type Stream struct {
	mu      sync.Mutex
	name    string
	items   []item
	waiters []*replica.Future[replica.Operation]

	started       bool
	ended         bool
	endDispatched bool
	forced        bool
	waitForNull   bool
	terminalErr   error
	outstanding   int
	barriers      []*barrier

	drained *event.Event
}

// New returns an empty stream. name is used in errors only.
func New(name string) *Stream {
	return &Stream{name: name, drained: event.New(false)}
}

// Name returns the stream name.
func (s *Stream) Name() string { return s.name }

// Enqueue appends op. A nil op ends the stream. Enqueueing after the end, or
// after a force drain that does not wait for the end, fails with
// replica.ErrClosed.
func (s *Stream) Enqueue(op replica.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return replica.ErrClosed
	}
	if s.forced {
		if op != nil || !s.waitForNull {
			return replica.ErrClosed
		}
		s.ended = true
		s.endDispatched = true
		s.refreshDrainedLocked()
		return nil
	}
	s.started = true
	if op == nil {
		s.ended = true
		s.items = append(s.items, item{kind: itemEnd})
	} else {
		s.items = append(s.items, item{kind: itemOperation, op: op})
	}
	s.dispatchLocked()
	return nil
}

// EnqueueBarrier appends a barrier. The returned future completes once every
// operation enqueued before it was handed out and acknowledged.
func (s *Stream) EnqueueBarrier() *replica.Future[struct{}] {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &barrier{done: replica.NewFuture[struct{}]()}
	if s.forced {
		b.done.Complete(struct{}{}, s.forcedErrLocked())
		return b.done
	}
	s.items = append(s.items, item{kind: itemBarrier, barrier: b})
	s.barriers = append(s.barriers, b)
	s.dispatchLocked()
	return b.done
}

// Barrier enqueues a barrier and waits for it.
func (s *Stream) Barrier(ctx context.Context) error {
	_, err := s.EnqueueBarrier().Wait(ctx)
	return err
}

// GetOperation hands out the next operation. The future is ready at once when
// an operation is queued.
func (s *Stream) GetOperation(ctx context.Context) *replica.Future[replica.Operation] {
	s.mu.Lock()
	if s.forced {
		err := s.terminalErr
		s.mu.Unlock()
		return replica.Resolved[replica.Operation](nil, err)
	}
	if s.endDispatched {
		s.mu.Unlock()
		return replica.Resolved[replica.Operation](nil, nil)
	}
	f := replica.NewFuture[replica.Operation]()
	s.waiters = append(s.waiters, f)
	s.dispatchLocked()
	s.mu.Unlock()
	if !f.Ready() {
		stop := context.AfterFunc(ctx, func() {
			s.cancelWaiter(f, ctx.Err())
		})
		f.OnComplete(func() { stop() })
	}
	return f
}

func (s *Stream) cancelWaiter(f *replica.Future[replica.Operation], err error) {
	s.mu.Lock()
	for i, w := range s.waiters {
		if w == f {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	f.Complete(nil, err)
}

func (s *Stream) dispatchLocked() {
	for len(s.items) > 0 {
		head := s.items[0]
		if head.kind == itemBarrier {
			head.barrier.reached = true
			s.items = s.items[1:]
			s.releaseBarriersLocked()
			continue
		}
		if len(s.waiters) == 0 {
			return
		}
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.items = s.items[1:]
		if head.kind == itemEnd {
			s.endDispatched = true
			w.Complete(nil, nil)
			for _, rest := range s.waiters {
				rest.Complete(nil, nil)
			}
			s.waiters = nil
			s.refreshDrainedLocked()
			return
		}
		s.outstanding++
		w.Complete(&tracked{Operation: head.op, stream: s}, nil)
	}
}

func (s *Stream) releaseBarriersLocked() {
	if s.outstanding != 0 {
		return
	}
	kept := s.barriers[:0]
	for _, b := range s.barriers {
		if b.reached {
			b.done.Complete(struct{}{}, nil)
			continue
		}
		kept = append(kept, b)
	}
	s.barriers = kept
}

func (s *Stream) acked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstanding > 0 {
		s.outstanding--
	}
	s.releaseBarriersLocked()
	s.refreshDrainedLocked()
}

func (s *Stream) refreshDrainedLocked() {
	if s.forced {
		if !s.waitForNull || s.endDispatched {
			s.drained.Set()
		}
		return
	}
	if s.endDispatched && s.outstanding == 0 {
		s.drained.Set()
	}
}

func (s *Stream) forcedErrLocked() error {
	if s.terminalErr != nil {
		return s.terminalErr
	}
	return replica.ErrClosed
}

// Drain waits until the end of the stream was handed out and every operation
// was acknowledged, or until the stream was force drained.
func (s *Stream) Drain(ctx context.Context) error {
	if err := s.drained.Wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forced {
		return s.terminalErr
	}
	return nil
}

// ForceDrain terminates the stream: queued operations are dropped, pending
// and future GetOperation calls complete with err (a nil err reads as the end
// of the stream). With waitForNull the stream still counts as draining until
// the end marker is enqueued.
func (s *Stream) ForceDrain(err error, waitForNull bool) {
	s.mu.Lock()
	if s.forced {
		s.mu.Unlock()
		return
	}
	s.forced = true
	s.terminalErr = err
	s.waitForNull = waitForNull && !s.ended
	if s.ended {
		s.endDispatched = true
	}
	s.items = nil
	waiters := s.waiters
	s.waiters = nil
	barriers := s.barriers
	s.barriers = nil
	s.refreshDrainedLocked()
	s.mu.Unlock()
	for _, w := range waiters {
		w.Complete(nil, err)
	}
	berr := err
	if berr == nil {
		berr = replica.ErrClosed
	}
	for _, b := range barriers {
		b.done.Complete(struct{}{}, berr)
	}
}

// Started reports whether anything was enqueued.
func (s *Stream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Ended reports whether the end marker was enqueued.
func (s *Stream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Pending returns the number of queued operations not yet handed out.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if it.kind == itemOperation {
			n++
		}
	}
	return n
}

type tracked struct {
	replica.Operation
	stream *Stream
	once   sync.Once
}

func (t *tracked) Acknowledge() error {
	err := t.Operation.Acknowledge()
	t.once.Do(t.stream.acked)
	return err
}
