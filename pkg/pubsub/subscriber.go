package pubsub

import (
	"fmt"
	"sync"

	"github.com/cuemby/wisp/pkg/engine"
	"github.com/cuemby/wisp/pkg/topic"
)

// Subscriber is the interface every sink and the aggregator satisfies.
type Subscriber interface {
	fmt.Stringer
	ReceiveUpdates(updates Update, source Publisher)
	ReceiveUnsubscribe(t topic.Topic, source Publisher)
}

// SubscriberHooks are the two behaviors abstract in the original design:
// what to do with an update, and what to do when a source drops a topic.
type SubscriberHooks interface {
	HandleUpdates(updates Update, source Publisher)
	HandleUnsubscribe(t topic.Topic, source Publisher)
}

// SubscriberState implements invariant S1 from spec section 3: subscriptions
// recorded here converge with the publisher's own subscribers index once
// the dispatcher drains pending tasks.
type SubscriberState struct {
	dispatcher    *engine.Dispatcher
	hooks         SubscriberHooks
	defaultSource Publisher

	mu            sync.Mutex
	subscriptions map[topic.Topic]map[Publisher]struct{}
}

// NewSubscriberState wires a SubscriberState to its dispatcher and hooks.
// defaultSource may be nil; it is used by SubscribeTo/UnsubscribeFrom when
// no explicit source is given (almost always the process's aggregator).
func NewSubscriberState(d *engine.Dispatcher, hooks SubscriberHooks, defaultSource Publisher) *SubscriberState {
	return &SubscriberState{
		dispatcher:    d,
		hooks:         hooks,
		defaultSource: defaultSource,
		subscriptions: make(map[topic.Topic]map[Publisher]struct{}),
	}
}

// SubscribeTo records the (topic, source) pairing locally and asks source
// to subscribe this subscriber. Returns ErrNoSource if source is nil and no
// default aggregator was configured.
func (s *SubscriberState) SubscribeTo(self Subscriber, t topic.Topic, source Publisher) error {
	if source == nil {
		source = s.defaultSource
	}
	if source == nil {
		return &ErrNoSource{Topic: t}
	}

	s.mu.Lock()
	set, ok := s.subscriptions[t]
	if !ok {
		set = make(map[Publisher]struct{})
		s.subscriptions[t] = set
	}
	set[source] = struct{}{}
	s.mu.Unlock()

	source.Subscribe(self, t)
	return nil
}

// UnsubscribeFrom is the symmetric teardown of SubscribeTo.
func (s *SubscriberState) UnsubscribeFrom(self Subscriber, t topic.Topic, source Publisher) error {
	if source == nil {
		source = s.defaultSource
	}
	if source == nil {
		return &ErrNoSource{Topic: t}
	}

	s.mu.Lock()
	if set, ok := s.subscriptions[t]; ok {
		delete(set, source)
		if len(set) == 0 {
			delete(s.subscriptions, t)
		}
	}
	s.mu.Unlock()

	source.Unsubscribe(self, t)
	return nil
}

// Subscriptions returns a snapshot of the current sources providing t, for
// tests and a sink's own Stop() teardown.
func (s *SubscriberState) Subscriptions(t topic.Topic) []Publisher {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Publisher, 0, len(s.subscriptions[t]))
	for src := range s.subscriptions[t] {
		out = append(out, src)
	}
	return out
}

// AllSubscriptions returns a snapshot of every (topic, source) pairing
// currently recorded, for a sink's Stop() to unsubscribe from everything.
func (s *SubscriberState) AllSubscriptions() map[topic.Topic][]Publisher {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[topic.Topic][]Publisher, len(s.subscriptions))
	for t, set := range s.subscriptions {
		srcs := make([]Publisher, 0, len(set))
		for src := range set {
			srcs = append(srcs, src)
		}
		out[t] = srcs
	}
	return out
}

// UnsubscribeFromAll tears down every recorded (topic, source) pairing.
// Every sink calls this from its own Stop hook (spec section 4.9), mirroring
// the original Sink.stop() walking self.subscriptions.
func (s *SubscriberState) UnsubscribeFromAll(self Subscriber) {
	for t, sources := range s.AllSubscriptions() {
		for _, source := range sources {
			_ = s.UnsubscribeFrom(self, t, source)
		}
	}
}

// ReceiveUpdates is queued: forwards to HandleUpdates once the dispatcher
// drains the task.
func (s *SubscriberState) ReceiveUpdates(updates Update, source Publisher) {
	s.dispatcher.Enqueue(func() { s.hooks.HandleUpdates(updates, source) })
}

// ReceiveUnsubscribe is queued: removes the pairing, erasing the topic
// entirely once its last source disappears, then forwards to
// HandleUnsubscribe.
func (s *SubscriberState) ReceiveUnsubscribe(t topic.Topic, source Publisher) {
	s.dispatcher.Enqueue(func() {
		s.mu.Lock()
		if set, ok := s.subscriptions[t]; ok {
			delete(set, source)
			if len(set) == 0 {
				delete(s.subscriptions, t)
			}
		}
		s.mu.Unlock()

		s.hooks.HandleUnsubscribe(t, source)
	})
}
