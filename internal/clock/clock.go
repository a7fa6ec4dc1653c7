// Package clock abstracts wall time so latency measurements can be driven by
// tests.
package clock

import "time"

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Since returns the time elapsed on c since start.
func Since(c Clock, start time.Time) time.Duration {
	return c.Now().Sub(start)
}

// Ensure returns c, or Real when c is nil.
func Ensure(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
