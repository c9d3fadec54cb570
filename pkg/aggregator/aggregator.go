/*
Package aggregator implements the routing hub: a single Subscriber that is
also a Publisher, unifying an ordered list of backing sources behind one
Publisher interface for sinks to subscribe through. Each topic routes to
exactly one backing source rather than broadcasting to a fixed subscriber
list.
*/
package aggregator

import (
	"fmt"
	"sync"

	"github.com/cuemby/wisp/pkg/engine"
	"github.com/cuemby/wisp/pkg/log"
	"github.com/cuemby/wisp/pkg/pubsub"
	"github.com/cuemby/wisp/pkg/topic"
	"github.com/rs/zerolog"
)

// Aggregator routes each subscribed topic to the first backing source, in
// registration order, that claims to publish it (invariant A1: at most one
// backing source subscribed-from per topic at a time).
type Aggregator struct {
	*pubsub.PublisherState
	*pubsub.SubscriberState
	*engine.BaseRunnable

	logger zerolog.Logger

	mu      sync.Mutex
	sources []pubsub.Source
}

// New builds an Aggregator bound to d. Sources are added afterward with
// AddSource; the aggregator itself has no sources at construction.
func New(d *engine.Dispatcher) *Aggregator {
	a := &Aggregator{logger: log.WithComponent("aggregator")}

	a.PublisherState = pubsub.NewPublisherState(d, a)
	a.SubscriberState = pubsub.NewSubscriberState(d, a, nil)
	a.BaseRunnable = engine.NewBaseRunnable(nil, a.onStop)
	a.PublisherState.Bind(a)
	return a
}

func (a *Aggregator) String() string { return "aggregator" }

// AddSource appends a backing source. Order is registration order and is
// never reshuffled — list order is the tie-break spec section 4.5 requires.
func (a *Aggregator) AddSource(s pubsub.Source) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources = append(a.sources, s)
}

// Sources returns a snapshot of the backing sources in tie-break order.
func (a *Aggregator) Sources() []pubsub.Source {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]pubsub.Source, len(a.sources))
	copy(out, a.sources)
	return out
}

// whoPublishes returns the first backing source, in order, that is
// currently publishing t, or nil.
func (a *Aggregator) whoPublishes(t topic.Topic) pubsub.Source {
	for _, s := range a.Sources() {
		if s.IsPublishing(t) {
			return s
		}
	}
	return nil
}

// IsPublishing overrides PublisherState's default: the aggregator's own
// "publishes" set is implicit — it is whatever the union of its sources
// publish.
func (a *Aggregator) IsPublishing(t topic.Topic) bool {
	return a.whoPublishes(t) != nil
}

// OnSubscribe implements the "first downstream subscriber wins" rule from
// spec section 4.5: only the first subscription to a topic triggers an
// upstream SubscribeTo; later ones piggyback on the already-established
// upstream subscription.
func (a *Aggregator) OnSubscribe(_ pubsub.Subscriber, t topic.Topic) {
	if len(a.SubscriberState.Subscriptions(t)) > 0 {
		return
	}
	source := a.whoPublishes(t)
	if source == nil {
		return
	}
	if err := a.SubscriberState.SubscribeTo(a, t, source); err != nil {
		a.logger.Error().Err(err).Str("topic", t.String()).Msg("aggregator failed to subscribe upstream")
	}
}

// OnUnsubscribe is intentionally a no-op: spec section 4.5 notes re-binding
// after a source drops a topic is not automatic. The upstream subscription
// this aggregator holds stays live until the upstream itself pushes
// unsubscribe (handled in HandleUnsubscribe) even if every downstream
// subscriber has left — a fresh downstream subscribe reuses it rather than
// re-probing sources, matching the original's "subsequent downstream
// subscriptions piggyback" behavior symmetrically on the teardown side.
func (a *Aggregator) OnUnsubscribe(pubsub.Subscriber, topic.Topic) {}

// HandleUpdates fans updates out transparently: anything the upstream
// source publishes, the aggregator republishes unchanged.
func (a *Aggregator) HandleUpdates(updates pubsub.Update, _ pubsub.Publisher) {
	a.PublisherState.PushUpdates(updates)
}

// HandleUnsubscribe forces every downstream subscriber off t when the
// upstream severs it. A fresh SubscribeTo is required to probe the next
// source in order — re-binding is not automatic (spec section 4.5).
func (a *Aggregator) HandleUnsubscribe(t topic.Topic, _ pubsub.Publisher) {
	a.PublisherState.PushUnsubscribe(t)
}

func (a *Aggregator) onStop() {
	for _, src := range a.Sources() {
		src.Stop()
	}
}

var _ fmt.Stringer = (*Aggregator)(nil)
