/*
Package testsupport provides the polling helper wisp's own package tests use
to wait on dispatcher-driven state without sleeping a fixed duration: the
dispatcher runs on its own goroutine, so a test asserting on a subscriber's
received update has to poll until the dispatcher has actually drained the
task, not assume it already has by the time the assertion runs.
*/
package testsupport

import (
	"context"
	"fmt"
	"time"
)

// Waiter polls a condition on a fixed interval until it's true or a timeout
// elapses.
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a Waiter with the given timeout and polling interval.
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{timeout: timeout, interval: interval}
}

// DefaultWaiter returns a Waiter tuned for in-process dispatcher tests: a
// one-second timeout is generous for a task that only needs a handful of
// goroutine scheduling rounds to land.
func DefaultWaiter() *Waiter {
	return NewWaiter(1*time.Second, 2*time.Millisecond)
}

// WaitFor blocks until condition returns true or the timeout elapses,
// returning an error naming description in the latter case.
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if condition() {
		return nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}
