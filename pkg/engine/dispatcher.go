/*
Package engine provides the single-threaded task dispatcher that serializes
every publisher/subscriber state mutation in the event framework, plus the
Runnable lifecycle latch shared by every source and sink.

# Architecture

Sources perform blocking I/O on their own goroutines but never touch
publisher/subscriber bookkeeping directly — every outward effect is an
Enqueue call onto a Dispatcher. One goroutine, the Dispatcher's own Run loop,
drains the queue FIFO and runs each task to completion before starting the
next. A sink or publisher author can therefore treat every callback it
receives as already serialized: no locks are needed around a sink's own
state, because nothing else ever runs concurrently with it.

	source goroutine ---enqueue---> [ task queue ] ---drain (FIFO)---> dispatcher goroutine
	source goroutine ---enqueue-------------^
	subscriber callback (runs on dispatcher goroutine, may itself enqueue)

A task that panics is recovered, logged with a stack trace, and dropped —
the dispatcher never dies on a single task's fault.
*/
package engine

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/wisp/pkg/log"
)

// Task is a unit of work enqueued on a Dispatcher.
type Task func()

// Dispatcher is a single-threaded FIFO task queue. The zero value is not
// usable; construct with NewDispatcher.
type Dispatcher struct {
	mu     sync.Mutex
	queue  []Task
	wake   chan struct{}
	logger zerolog.Logger
}

// NewDispatcher creates a Dispatcher ready to have tasks enqueued before its
// Run loop even starts — Enqueue never blocks on Run being live.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		wake:   make(chan struct{}, 1),
		logger: log.WithComponent("dispatcher"),
	}
}

// Enqueue appends a task to the queue and wakes a waiting Run loop. Safe to
// call from any goroutine, including before Run has started.
func (d *Dispatcher) Enqueue(t Task) {
	d.mu.Lock()
	d.queue = append(d.queue, t)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Queued wraps fn so that calling the returned function enqueues a call to
// fn instead of invoking it inline. This is the Go equivalent of the
// framework's @queued decorator: the caller gets control back immediately,
// and the effect lands only once the dispatcher drains the task.
func Queued[T any](d *Dispatcher, fn func(T)) func(T) {
	return func(arg T) {
		d.Enqueue(func() { fn(arg) })
	}
}

// Queued2 is Queued for two-argument functions — Go generics don't support
// variadic type parameter lists, so the handful of call sites with two
// arguments (receive_updates(updates, source), and friends) get their own
// adapter instead of a slice of interface{}.
func Queued2[A, B any](d *Dispatcher, fn func(A, B)) func(A, B) {
	return func(a A, b B) {
		d.Enqueue(func() { fn(a, b) })
	}
}

func (d *Dispatcher) drain() []Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	waiting := d.queue
	d.queue = nil
	return waiting
}

func (d *Dispatcher) runTask(t Task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("dispatcher task panicked, dropping")
		}
	}()
	t()
}

// DrainOnce runs every task currently queued, in FIFO order, then returns —
// even if those tasks enqueue further tasks, DrainOnce keeps draining until
// the queue is empty at the moment it checks. Used by the shutdown cascade
// to flush unsubscribe fallout between stopping each sink.
func (d *Dispatcher) DrainOnce() {
	for {
		tasks := d.drain()
		if tasks == nil {
			return
		}
		for _, t := range tasks {
			d.runTask(t)
		}
	}
}

// Run blocks draining tasks FIFO until ctx is canceled. It does not itself
// perform the shutdown cascade (stopping sinks and the aggregator) — that is
// the daemon harness's job, calling DrainOnce between each stop after Run
// has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
			d.DrainOnce()
		}
	}
}

// Pending reports the number of tasks currently queued. Intended for
// metrics and tests, not for control flow — it is stale the instant it
// returns.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}
