package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wisp/pkg/engine"
	"github.com/cuemby/wisp/pkg/topic"
	"github.com/cuemby/wisp/internal/testsupport"
)

// fakePublisher publishes whatever topics are listed in its publishes set,
// recording every (Subscriber, Topic) pairing it's asked to subscribe.
type fakePublisher struct {
	*PublisherState
	name       string
	publishes  map[topic.Topic]bool
	subscribed []topic.Topic
}

func newFakePublisher(d *engine.Dispatcher, name string, publishes ...topic.Topic) *fakePublisher {
	p := &fakePublisher{name: name, publishes: make(map[topic.Topic]bool)}
	for _, t := range publishes {
		p.publishes[t] = true
	}
	p.PublisherState = NewPublisherState(d, p)
	p.PublisherState.Bind(p)
	return p
}

func (p *fakePublisher) String() string { return p.name }

func (p *fakePublisher) IsPublishing(t topic.Topic) bool { return p.publishes[t] }

func (p *fakePublisher) OnSubscribe(sub Subscriber, t topic.Topic) {
	p.subscribed = append(p.subscribed, t)
}

func (p *fakePublisher) OnUnsubscribe(sub Subscriber, t topic.Topic) {}

// fakeSubscriber records every update and unsubscribe it's delivered.
type fakeSubscriber struct {
	name string

	mu          sync.Mutex
	updates     []Update
	unsubscribe []topic.Topic
}

func (s *fakeSubscriber) String() string { return s.name }

func (s *fakeSubscriber) ReceiveUpdates(updates Update, source Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, updates)
}

func (s *fakeSubscriber) ReceiveUnsubscribe(t topic.Topic, source Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribe = append(s.unsubscribe, t)
}

func (s *fakeSubscriber) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func (s *fakeSubscriber) unsubscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unsubscribe)
}

func TestPublisherState_SubscribeRequiresIsPublishing(t *testing.T) {
	d := engine.NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	h := topic.Handle{ID: 3}
	pub := newFakePublisher(d, "pub")
	sub := &fakeSubscriber{name: "sub"}

	pub.Subscribe(sub, h)

	w := testsupport.DefaultWaiter()
	err := w.WaitFor(context.Background(), func() bool {
		return len(pub.Subscribers(h)) == 0
	}, "subscribe to a non-published topic is rejected")
	require.NoError(t, err)
}

func TestPublisherState_SubscribeAndPushUpdates(t *testing.T) {
	d := engine.NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	h := topic.Handle{ID: 1}
	pub := newFakePublisher(d, "pub", h)
	sub := &fakeSubscriber{name: "sub"}

	pub.Subscribe(sub, h)

	w := testsupport.DefaultWaiter()
	require.NoError(t, w.WaitFor(context.Background(), func() bool {
		return len(pub.Subscribers(h)) == 1
	}, "subscribe recorded"))

	pub.PushUpdates(Update{h: "line one"})

	require.NoError(t, w.WaitFor(context.Background(), func() bool {
		return sub.updateCount() == 1
	}, "update delivered"))

	v, ok := pub.Get(h)
	assert.True(t, ok)
	assert.Equal(t, "line one", v)
}

func TestPublisherState_UnsubscribeRemovesFromIndex(t *testing.T) {
	d := engine.NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	h := topic.Handle{ID: 2}
	pub := newFakePublisher(d, "pub", h)
	sub := &fakeSubscriber{name: "sub"}

	pub.Subscribe(sub, h)
	w := testsupport.DefaultWaiter()
	require.NoError(t, w.WaitFor(context.Background(), func() bool {
		return len(pub.Subscribers(h)) == 1
	}, "subscribed"))

	pub.Unsubscribe(sub, h)
	require.NoError(t, w.WaitFor(context.Background(), func() bool {
		return len(pub.Subscribers(h)) == 0
	}, "unsubscribed"))
}

func TestPublisherState_PushUnsubscribeNotifiesAndEvictsSubscribers(t *testing.T) {
	d := engine.NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	h := topic.Handle{ID: 4}
	pub := newFakePublisher(d, "pub", h)
	sub := &fakeSubscriber{name: "sub"}

	pub.Subscribe(sub, h)
	w := testsupport.DefaultWaiter()
	require.NoError(t, w.WaitFor(context.Background(), func() bool {
		return len(pub.Subscribers(h)) == 1
	}, "subscribed"))

	pub.PushUpdates(Update{h: "cached"})
	require.NoError(t, w.WaitFor(context.Background(), func() bool {
		v, ok := pub.Get(h)
		return ok && v == "cached"
	}, "cached"))

	pub.PushUnsubscribe(h)

	require.NoError(t, w.WaitFor(context.Background(), func() bool {
		return sub.unsubscribeCount() == 1
	}, "unsubscribe delivered"))
	assert.Equal(t, 0, len(pub.Subscribers(h)))
}

func TestPublisherState_Topics(t *testing.T) {
	d := engine.NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	h1 := topic.Handle{ID: 10}
	h2 := topic.Handle{ID: 11}
	pub := newFakePublisher(d, "pub", h1, h2)
	sub := &fakeSubscriber{name: "sub"}

	pub.Subscribe(sub, h1)

	w := testsupport.DefaultWaiter()
	require.NoError(t, w.WaitFor(context.Background(), func() bool {
		return len(pub.Topics()) == 1
	}, "only subscribed topics are returned"))

	topics := pub.Topics()
	assert.Contains(t, topics, h1)
	assert.NotContains(t, topics, h2)
	_ = time.Second
}
