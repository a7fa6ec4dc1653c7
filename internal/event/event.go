// Package event provides a manual-reset event: a flag that goroutines can
// block on until it is set.
package event

import (
	"context"
	"sync"
)

// Event is a manual-reset event. The zero value is not usable; use New.
type Event struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// New returns an event in the given state.
func New(set bool) *Event {
	e := &Event{ch: make(chan struct{})}
	if set {
		e.set = true
		close(e.ch)
	}
	return e
}

// Set releases every current and future waiter until Reset.
func (e *Event) Set() {
	e.mu.Lock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
	e.mu.Unlock()
}

// Reset makes subsequent waiters block until the next Set.
func (e *Event) Reset() {
	e.mu.Lock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
	e.mu.Unlock()
}

// IsSet reports the current state.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// C returns a channel closed once the event is set. A Reset after the call
// does not affect a channel already handed out.
func (e *Event) C() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// Wait blocks until the event is set or ctx ends.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
