/*
Package sinks implements the structural sink helpers from spec section 4.9:
a line-reading sink, a filesystem-watch sink, and a timer-driven sink. Each
embeds pubsub.SubscriberState and engine.BaseRunnable and asks its embedder
for the one or two behaviors that actually vary, the same hooks-plus-Bind
shape pkg/pubsub uses for publishers.
*/
package sinks

import (
	"github.com/cuemby/wisp/pkg/engine"
	"github.com/cuemby/wisp/pkg/pubsub"
	"github.com/cuemby/wisp/pkg/topic"
)

// LineHandler receives one line read from a ReaderSink's source.
type LineHandler interface {
	HandleLine(line string)
}

// ReaderSink subscribes to exactly one topic.Handle on a descriptor source
// and forwards each line to its embedder's HandleLine. It stops itself when
// the source unsubscribes it, the same reflex the original's ReaderSink
// uses to notice its pipe closed (spec section 4.9).
type ReaderSink struct {
	*pubsub.SubscriberState
	*engine.BaseRunnable

	self    pubsub.Subscriber
	handler LineHandler
	handle  topic.Handle
	source  pubsub.Publisher
	bound   bool
}

// NewReaderSink builds a ReaderSink bound to d. Bind must be called with the
// concrete embedding type before StartOn is used.
func NewReaderSink(d *engine.Dispatcher, handler LineHandler) *ReaderSink {
	r := &ReaderSink{handler: handler}
	r.SubscriberState = pubsub.NewSubscriberState(d, r, nil)
	r.BaseRunnable = engine.NewBaseRunnable(nil, r.onStop)
	return r
}

// Bind records the concrete Subscriber this state backs, exactly like
// pubsub.PublisherState.Bind — needed so callbacks can hand a Subscriber
// value back to the source.
func (r *ReaderSink) Bind(self pubsub.Subscriber) {
	r.self = self
	r.bound = true
}

// StartOn begins reading h from source. Call after Start and Bind.
func (r *ReaderSink) StartOn(source pubsub.Publisher, h topic.Handle) error {
	r.source = source
	r.handle = h
	return r.SubscribeTo(r.self, h, source)
}

func (r *ReaderSink) String() string { return "reader-sink" }

// HandleUpdates implements pubsub.SubscriberHooks: pulls out this sink's
// one tracked handle and ignores anything else in the update (spec section
// 4.9 — a multi-key Update is possible whenever another subscriber to the
// same source shares the delivery).
func (r *ReaderSink) HandleUpdates(updates pubsub.Update, _ pubsub.Publisher) {
	v, ok := updates[r.handle]
	if !ok {
		return
	}
	line, ok := v.(string)
	if !ok {
		return
	}
	r.handler.HandleLine(line)
}

// HandleUnsubscribe stops the sink — losing its one source means there is
// nothing left for it to do.
func (r *ReaderSink) HandleUnsubscribe(topic.Topic, pubsub.Publisher) {
	r.Stop()
}

func (r *ReaderSink) onStop() {
	r.UnsubscribeFromAll(r.self)
}
