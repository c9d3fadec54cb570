package sinks

import (
	"github.com/cuemby/wisp/pkg/engine"
	"github.com/cuemby/wisp/pkg/pubsub"
	"github.com/cuemby/wisp/pkg/topic"
)

// TickHandler is invoked on every tick a TimerSink's window produces.
type TickHandler interface {
	Tick()
}

// TimerSink subscribes to one topic.Timer window and calls Tick on every
// wake (spec section 4.9, the original's TimerSink). MinInterval is the
// Early bound, MaxInterval the Late bound.
type TimerSink struct {
	*pubsub.SubscriberState
	*engine.BaseRunnable

	self    pubsub.Subscriber
	handler TickHandler
	window  topic.Timer
	source  pubsub.Publisher
}

// NewTimerSink builds a TimerSink bound to d with the given wake window.
func NewTimerSink(d *engine.Dispatcher, handler TickHandler, minInterval, maxInterval int) *TimerSink {
	t := &TimerSink{handler: handler, window: topic.Timer{Early: minInterval, Late: maxInterval}}
	t.SubscriberState = pubsub.NewSubscriberState(d, t, nil)
	t.BaseRunnable = engine.NewBaseRunnable(nil, t.onStop)
	return t
}

// Bind records the concrete Subscriber this state backs.
func (t *TimerSink) Bind(self pubsub.Subscriber) {
	t.self = self
}

// StartOn subscribes the configured window against source, almost always a
// *sources.TimerSource.
func (t *TimerSink) StartOn(source pubsub.Publisher) error {
	t.source = source
	return t.SubscribeTo(t.self, t.window, source)
}

func (t *TimerSink) String() string { return "timer-sink" }

// HandleUpdates implements pubsub.SubscriberHooks: any delivery on the
// timer window ticks, regardless of the payload — the original checks
// `source == self.timersource` to tolerate multiple timer source classes,
// which this sink already guarantees by construction (one source per
// StartOn call).
func (t *TimerSink) HandleUpdates(pubsub.Update, pubsub.Publisher) {
	t.handler.Tick()
}

// HandleUnsubscribe stops the sink once its timer window is dropped.
func (t *TimerSink) HandleUnsubscribe(topic.Topic, pubsub.Publisher) {
	t.Stop()
}

func (t *TimerSink) onStop() {
	t.UnsubscribeFromAll(t.self)
}
