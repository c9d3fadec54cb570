/*
Package pubsub implements the publisher/subscriber contract described in
spec section 4.3/4.4: a topic-keyed subscription index, a last-value cache
for late joiners, and the queued delivery calls that keep all of it
serialized on a single dispatcher.

Go has no mixin inheritance, so where the original design overrides a single
method on a subclass (is_publishing, on_subscribe, handle_updates, ...),
this package asks the embedding type to implement a small hooks interface
and hand it to the embedded *PublisherState / *SubscriberState at
construction. The mechanical bookkeeping (the subscriber index, the cache,
the queued delivery loop) lives once in the state struct and is promoted to
satisfy the Publisher/Subscriber interfaces; only the handful of behaviors
that genuinely vary per concrete type are written by hand.
*/
package pubsub

import (
	"fmt"
	"sync"

	"github.com/cuemby/wisp/pkg/engine"
	"github.com/cuemby/wisp/pkg/log"
	"github.com/cuemby/wisp/pkg/topic"
)

// Update is a non-empty mapping from topic to opaque value. A subscriber may
// receive keys it never subscribed to — push_updates broadcasts the full
// update to the union of subscribers across all its keys — and must filter.
type Update map[topic.Topic]any

// Publisher is the interface the aggregator, every intrinsic source, and any
// user-defined publisher satisfies.
type Publisher interface {
	fmt.Stringer
	IsPublishing(t topic.Topic) bool
	Get(t topic.Topic) (any, bool)
	Subscribe(sub Subscriber, t topic.Topic)
	Unsubscribe(sub Subscriber, t topic.Topic)
	PushUpdates(updates Update)
	PushUnsubscribe(t topic.Topic)
}

// PublisherHooks are the three behaviors that vary per concrete publisher.
// IsPublishing almost never delegates to a static set on the intrinsic
// sources (spec section 9: topic shape is dynamic, not a fixed list) so it
// is never provided by PublisherState itself.
type PublisherHooks interface {
	IsPublishing(t topic.Topic) bool
	OnSubscribe(sub Subscriber, t topic.Topic)
	OnUnsubscribe(sub Subscriber, t topic.Topic)
}

// NopPublisherHooks implements OnSubscribe/OnUnsubscribe as no-ops. Embed it
// in a hooks type that only needs to override IsPublishing.
type NopPublisherHooks struct{}

func (NopPublisherHooks) OnSubscribe(Subscriber, topic.Topic)   {}
func (NopPublisherHooks) OnUnsubscribe(Subscriber, topic.Topic) {}

// PublisherState implements invariants P1-P3 from spec section 3: every
// subscribed topic is gated by IsPublishing, empty subscriber sets are
// never stored, and the cache holds only topics that were actually pushed.
//
// Bind must be called once, with the concrete type embedding this struct,
// before Subscribe/PushUpdates/PushUnsubscribe are used — deliveries need a
// Publisher value to hand to subscribers, and Go gives no way to recover
// that from the embedded struct alone.
type PublisherState struct {
	dispatcher *engine.Dispatcher
	hooks      PublisherHooks
	self       Publisher

	// mu guards subscribers and cache. The original implementation mutates
	// both from whichever thread calls push_updates/push_unsubscribe (a
	// source's own goroutine) while subscribe/unsubscribe mutate them from
	// the dispatcher goroutine; Python's GIL made that safe by accident.
	// Go's memory model does not, so an explicit mutex replaces it.
	mu          sync.Mutex
	subscribers map[topic.Topic]map[Subscriber]struct{}
	cache       map[topic.Topic]any
}

// NewPublisherState wires a PublisherState to its dispatcher and the
// concrete publisher's hook implementation.
func NewPublisherState(d *engine.Dispatcher, hooks PublisherHooks) *PublisherState {
	return &PublisherState{
		dispatcher:  d,
		hooks:       hooks,
		subscribers: make(map[topic.Topic]map[Subscriber]struct{}),
		cache:       make(map[topic.Topic]any),
	}
}

// Bind records the concrete Publisher this state backs. Call it once, right
// after constructing both, from the concrete type's constructor.
func (p *PublisherState) Bind(self Publisher) {
	p.self = self
}

// Get reads the cache. Stale the instant it returns if a concurrent
// PushUpdates from a source goroutine is in flight (spec section 5) —
// callers needing a consistent read should read from the dispatcher thread.
func (p *PublisherState) Get(t topic.Topic) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.cache[t]
	return v, ok
}

// Subscribers returns a snapshot of the current subscriber set for a topic,
// for tests and introspection.
func (p *PublisherState) Subscribers(t topic.Topic) map[Subscriber]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot := make(map[Subscriber]struct{}, len(p.subscribers[t]))
	for sub := range p.subscribers[t] {
		snapshot[sub] = struct{}{}
	}
	return snapshot
}

// Topics returns a snapshot of every topic with at least one live
// subscriber. Intrinsic sources use this to know what to poll: a topic with
// no subscribers is not worth the cost of watching.
func (p *PublisherState) Topics() []topic.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]topic.Topic, 0, len(p.subscribers))
	for t := range p.subscribers {
		out = append(out, t)
	}
	return out
}

// Subscribe is queued: it returns immediately and the actual subscription
// happens once the dispatcher drains the task. A refusal (not publishing) is
// logged by the dispatcher and never surfaces back to this call, exactly
// like any other queued task fault (spec section 4.1).
func (p *PublisherState) Subscribe(sub Subscriber, t topic.Topic) {
	p.dispatcher.Enqueue(func() { p.subscribeNow(sub, t) })
}

func (p *PublisherState) subscribeNow(sub Subscriber, t topic.Topic) {
	if !p.hooks.IsPublishing(t) {
		err := &ErrNotPublishing{Publisher: p.self, Topic: t, Subscriber: sub}
		log.Logger.Error().Err(err).Msg("subscribe refused")
		return
	}

	p.mu.Lock()
	set, ok := p.subscribers[t]
	if !ok {
		set = make(map[Subscriber]struct{})
		p.subscribers[t] = set
	}
	set[sub] = struct{}{}
	cached, hasCached := p.cache[t]
	p.mu.Unlock()

	if hasCached {
		sub.ReceiveUpdates(Update{t: cached}, p.self)
	}
	p.hooks.OnSubscribe(sub, t)
}

// Unsubscribe is queued and idempotent: a missing entry is silently
// tolerated.
func (p *PublisherState) Unsubscribe(sub Subscriber, t topic.Topic) {
	p.dispatcher.Enqueue(func() { p.unsubscribeNow(sub, t) })
}

func (p *PublisherState) unsubscribeNow(sub Subscriber, t topic.Topic) {
	p.mu.Lock()
	set, ok := p.subscribers[t]
	if !ok {
		p.mu.Unlock()
		return
	}
	if _, ok := set[sub]; !ok {
		p.mu.Unlock()
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(p.subscribers, t)
	}
	p.mu.Unlock()

	p.hooks.OnUnsubscribe(sub, t)
}

// PushUpdates merges updates into the cache and delivers the full update
// mapping to the union of subscribers across every updated topic. Called
// from a source's own goroutine or from the dispatcher thread — either way,
// delivery itself is queued per subscriber.
func (p *PublisherState) PushUpdates(updates Update) {
	if len(updates) == 0 {
		return
	}

	p.mu.Lock()
	for t, v := range updates {
		p.cache[t] = v
	}
	affected := make(map[Subscriber]struct{})
	for t := range updates {
		for sub := range p.subscribers[t] {
			affected[sub] = struct{}{}
		}
	}
	p.mu.Unlock()

	for sub := range affected {
		sub.ReceiveUpdates(updates, p.self)
	}
}

// PushUnsubscribe proactively evicts every subscriber of t, delivering
// ReceiveUnsubscribe to each. Used when a source loses the ability to serve
// a topic (EOF on a descriptor, a watch removed out from under it).
func (p *PublisherState) PushUnsubscribe(t topic.Topic) {
	p.mu.Lock()
	set := p.subscribers[t]
	delete(p.subscribers, t)
	p.mu.Unlock()

	for sub := range set {
		sub.ReceiveUnsubscribe(t, p.self)
	}
}
