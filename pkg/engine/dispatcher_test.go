package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDispatcher_EnqueueBeforeRun(t *testing.T) {
	d := NewDispatcher()

	var ran int32
	d.Enqueue(func() { atomic.AddInt32(&ran, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, time.Second, time.Millisecond)
}

func TestDispatcher_FIFOOrder(t *testing.T) {
	d := NewDispatcher()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		d.Enqueue(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	d.DrainOnce()

	mu.Lock()
	defer mu.Unlock()
	for i := range order {
		assert.Equal(t, i, order[i])
	}
}

func TestDispatcher_PanicIsRecoveredAndDropped(t *testing.T) {
	d := NewDispatcher()

	var ranAfter int32
	d.Enqueue(func() { panic("boom") })
	d.Enqueue(func() { atomic.AddInt32(&ranAfter, 1) })

	assert.NotPanics(t, func() { d.DrainOnce() })
	assert.Equal(t, int32(1), ranAfter)
}

func TestDispatcher_DrainOnceFollowsNestedEnqueues(t *testing.T) {
	d := NewDispatcher()

	var count int32
	var enqueueMore func()
	enqueueMore = func() {
		n := atomic.AddInt32(&count, 1)
		if n < 3 {
			d.Enqueue(enqueueMore)
		}
	}
	d.Enqueue(enqueueMore)

	d.DrainOnce()
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestDispatcher_Pending(t *testing.T) {
	d := NewDispatcher()
	assert.Equal(t, 0, d.Pending())

	d.Enqueue(func() {})
	d.Enqueue(func() {})
	assert.Equal(t, 2, d.Pending())

	d.DrainOnce()
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcher_RunStopsOnContextCancel(t *testing.T) {
	d := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
