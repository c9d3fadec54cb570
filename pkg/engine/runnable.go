package engine

import "sync"

// Runnable is anything with an idempotent start/stop lifecycle: sources and
// sinks both satisfy it. Start and Stop report whether they caused a state
// transition, so callers can tell a no-op from a real start/stop.
type Runnable interface {
	Start() bool
	Stop() bool
	Running() bool
}

// BaseRunnable implements the start/stop latch described in spec section
// 4.2. Embed it and supply onStart/onStop hooks through NewBaseRunnable;
// the hooks run outside the state lock, so they may freely call back into
// other Runnables' Start/Stop without deadlocking.
type BaseRunnable struct {
	mu      sync.Mutex
	running bool
	onStart func()
	onStop  func()
}

// NewBaseRunnable builds a BaseRunnable with the given lifecycle hooks. Both
// may be nil.
func NewBaseRunnable(onStart, onStop func()) *BaseRunnable {
	return &BaseRunnable{onStart: onStart, onStop: onStop}
}

// Start transitions stopped -> running and runs onStart. Returns false if
// already running.
func (r *BaseRunnable) Start() bool {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return false
	}
	r.running = true
	r.mu.Unlock()

	if r.onStart != nil {
		r.onStart()
	}
	return true
}

// Stop transitions running -> stopped and runs onStop. Returns false if
// already stopped.
func (r *BaseRunnable) Stop() bool {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return false
	}
	r.running = false
	r.mu.Unlock()

	if r.onStop != nil {
		r.onStop()
	}
	return true
}

// Running reports the current state. Racy with a concurrent Start/Stop by
// design — callers that need a consistent read should do so from the
// dispatcher thread.
func (r *BaseRunnable) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
