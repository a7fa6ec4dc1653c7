package replica

import (
	"context"
	"sync"
)

// Future is the eventual outcome of an asynchronous call. Ready is part of
// the contract: a consumer that observes Ready may take the result inline and
// keep going, otherwise it registers a continuation with OnComplete.
type Future[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	ready bool
	value T
	err   error
	conts []func()
}

// NewFuture returns a pending future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that is already complete.
func Resolved[T any](value T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Complete(value, err)
	return f
}

// Complete records the outcome. Only the first call has any effect; it
// reports whether this call completed the future.
func (f *Future[T]) Complete(value T, err error) bool {
	f.mu.Lock()
	if f.ready {
		f.mu.Unlock()
		return false
	}
	f.ready = true
	f.value = value
	f.err = err
	conts := f.conts
	f.conts = nil
	close(f.done)
	f.mu.Unlock()
	for _, fn := range conts {
		go fn()
	}
	return true
}

// Ready reports whether the outcome is available without blocking.
func (f *Future[T]) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

// Done is closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the future completes.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}

// Wait blocks until the future completes or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete schedules fn on its own goroutine once the future completes.
// Continuations never run on the caller's stack, so a consumer loop that
// re-enters itself from fn cannot grow the stack.
func (f *Future[T]) OnComplete(fn func()) {
	f.mu.Lock()
	if f.ready {
		f.mu.Unlock()
		go fn()
		return
	}
	f.conts = append(f.conts, fn)
	f.mu.Unlock()
}
