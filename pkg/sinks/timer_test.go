package sinks

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/wisp/pkg/engine"
	"github.com/cuemby/wisp/pkg/pubsub"
	"github.com/cuemby/wisp/pkg/topic"
	"github.com/cuemby/wisp/internal/testsupport"
)

type recordingTickHandler struct {
	mu    sync.Mutex
	ticks int
}

func (h *recordingTickHandler) Tick() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ticks++
}

func (h *recordingTickHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ticks
}

func TestTimerSink_TicksOnAnyDeliveryForItsWindow(t *testing.T) {
	d := engine.NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	window := topic.Timer{Early: 1, Late: 10}
	src := newFakeSource(d, "src", window)

	handler := &recordingTickHandler{}
	ts := NewTimerSink(d, handler, 1, 10)
	ts.Bind(ts)
	require.NoError(t, ts.StartOn(src))

	waiter := testsupport.DefaultWaiter()
	require.NoError(t, waiter.WaitFor(context.Background(), func() bool {
		return len(src.Subscribers(window)) == 1
	}, "timer sink subscribed"))

	src.PushUpdates(pubsub.Update{window: nil})

	require.NoError(t, waiter.WaitFor(context.Background(), func() bool {
		return handler.count() == 1
	}, "tick delivered"))
}

func TestTimerSink_StopsWhenWindowDropped(t *testing.T) {
	d := engine.NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	window := topic.Timer{Early: 2, Late: 5}
	src := newFakeSource(d, "src", window)

	handler := &recordingTickHandler{}
	ts := NewTimerSink(d, handler, 2, 5)
	ts.Bind(ts)
	ts.Start()
	require.NoError(t, ts.StartOn(src))

	waiter := testsupport.DefaultWaiter()
	require.NoError(t, waiter.WaitFor(context.Background(), func() bool {
		return len(src.Subscribers(window)) == 1
	}, "subscribed"))

	src.PushUnsubscribe(window)

	require.NoError(t, waiter.WaitFor(context.Background(), func() bool {
		return !ts.Running()
	}, "timer sink stopped once its window was dropped"))
}
