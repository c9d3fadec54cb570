package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wisp/pkg/engine"
	"github.com/cuemby/wisp/pkg/topic"
	"github.com/cuemby/wisp/internal/testsupport"
)

// recordingHooks counts HandleUpdates/HandleUnsubscribe calls for a
// SubscriberState under test.
type recordingHooks struct {
	updates      int
	unsubscribes int
}

func (h *recordingHooks) HandleUpdates(Update, Publisher)        { h.updates++ }
func (h *recordingHooks) HandleUnsubscribe(topic.Topic, Publisher) { h.unsubscribes++ }

type testSubscriber struct {
	*SubscriberState
	name  string
	hooks *recordingHooks
}

func newTestSubscriber(d *engine.Dispatcher, name string, defaultSource Publisher) *testSubscriber {
	hooks := &recordingHooks{}
	s := &testSubscriber{name: name, hooks: hooks}
	s.SubscriberState = NewSubscriberState(d, hooks, defaultSource)
	return s
}

func (s *testSubscriber) String() string { return s.name }

func TestSubscriberState_SubscribeToRequiresSource(t *testing.T) {
	d := engine.NewDispatcher()
	s := newTestSubscriber(d, "sub", nil)

	err := s.SubscribeTo(s, topic.Handle{ID: 1}, nil)
	var noSource *ErrNoSource
	assert.ErrorAs(t, err, &noSource)
}

func TestSubscriberState_SubscribeToDefaultSource(t *testing.T) {
	d := engine.NewDispatcher()
	h := topic.Handle{ID: 7}
	pub := newFakePublisher(d, "pub", h)
	s := newTestSubscriber(d, "sub", pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.NoError(t, s.SubscribeTo(s, h, nil))

	w := testsupport.DefaultWaiter()
	require.NoError(t, w.WaitFor(context.Background(), func() bool {
		return len(pub.Subscribers(h)) == 1
	}, "default source used when none given"))

	srcs := s.Subscriptions(h)
	require.Len(t, srcs, 1)
	assert.Equal(t, pub, srcs[0])
}

func TestSubscriberState_UnsubscribeFromAll(t *testing.T) {
	d := engine.NewDispatcher()
	h1 := topic.Handle{ID: 8}
	h2 := topic.Handle{ID: 9}
	pub := newFakePublisher(d, "pub", h1, h2)
	s := newTestSubscriber(d, "sub", pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.NoError(t, s.SubscribeTo(s, h1, pub))
	require.NoError(t, s.SubscribeTo(s, h2, pub))

	w := testsupport.DefaultWaiter()
	require.NoError(t, w.WaitFor(context.Background(), func() bool {
		return len(pub.Subscribers(h1)) == 1 && len(pub.Subscribers(h2)) == 1
	}, "both subscriptions recorded"))

	s.UnsubscribeFromAll(s)

	require.NoError(t, w.WaitFor(context.Background(), func() bool {
		return len(pub.Subscribers(h1)) == 0 && len(pub.Subscribers(h2)) == 0
	}, "both subscriptions torn down"))

	assert.Empty(t, s.AllSubscriptions())
}

func TestSubscriberState_ReceiveUpdatesIsQueued(t *testing.T) {
	d := engine.NewDispatcher()
	s := newTestSubscriber(d, "sub", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	s.ReceiveUpdates(Update{topic.Handle{ID: 1}: "x"}, nil)

	w := testsupport.DefaultWaiter()
	require.NoError(t, w.WaitFor(context.Background(), func() bool {
		return s.hooks.updates == 1
	}, "update handled"))
}

func TestSubscriberState_ReceiveUnsubscribeErasesTopicEntirely(t *testing.T) {
	d := engine.NewDispatcher()
	h := topic.Handle{ID: 1}
	pub := newFakePublisher(d, "pub", h)
	s := newTestSubscriber(d, "sub", pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.NoError(t, s.SubscribeTo(s, h, pub))

	w := testsupport.DefaultWaiter()
	require.NoError(t, w.WaitFor(context.Background(), func() bool {
		return len(s.Subscriptions(h)) == 1
	}, "subscribed"))

	s.ReceiveUnsubscribe(h, pub)

	require.NoError(t, w.WaitFor(context.Background(), func() bool {
		return s.hooks.unsubscribes == 1 && len(s.Subscriptions(h)) == 0
	}, "unsubscribe handled and topic erased"))
}
