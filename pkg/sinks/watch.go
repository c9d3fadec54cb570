package sinks

import (
	"github.com/cuemby/wisp/pkg/engine"
	"github.com/cuemby/wisp/pkg/pubsub"
	"github.com/cuemby/wisp/pkg/topic"
	"github.com/fsnotify/fsnotify"
)

// FileChangeHandler receives each fsnotify event a WatchSink's subscribed
// paths produce.
type FileChangeHandler interface {
	HandleFileChange(w topic.Watch, ev fsnotify.Event)
}

// WatchSink subscribes to a fixed set of topic.Watch entries on a
// filesystem source and forwards every event to its embedder (spec section
// 4.9, the original's InotifySink). Like ReaderSink it stops itself if the
// source ever unsubscribes it.
type WatchSink struct {
	*pubsub.SubscriberState
	*engine.BaseRunnable

	self    pubsub.Subscriber
	handler FileChangeHandler
	source  pubsub.Publisher
	watches []topic.Watch
}

// NewWatchSink builds a WatchSink bound to d, watching the given paths (and
// optional masks) once started on a source.
func NewWatchSink(d *engine.Dispatcher, handler FileChangeHandler, watches ...topic.Watch) *WatchSink {
	w := &WatchSink{handler: handler, watches: watches}
	w.SubscriberState = pubsub.NewSubscriberState(d, w, nil)
	w.BaseRunnable = engine.NewBaseRunnable(nil, w.onStop)
	return w
}

// Bind records the concrete Subscriber this state backs.
func (w *WatchSink) Bind(self pubsub.Subscriber) {
	w.self = self
}

// StartOn subscribes every configured watch against source.
func (w *WatchSink) StartOn(source pubsub.Publisher) error {
	w.source = source
	for _, t := range w.watches {
		if err := w.SubscribeTo(w.self, t, source); err != nil {
			return err
		}
	}
	return nil
}

func (w *WatchSink) String() string { return "watch-sink" }

// HandleUpdates implements pubsub.SubscriberHooks: a watch delivery from
// FSWatchSource is always single-key, keyed by the topic.Watch that
// matched, but filters against the configured set defensively the same way
// the original checks `sub not in self.subscriptions`.
func (w *WatchSink) HandleUpdates(updates pubsub.Update, _ pubsub.Publisher) {
	for t, v := range updates {
		watch, ok := t.(topic.Watch)
		if !ok {
			continue
		}
		if !w.tracks(watch) {
			continue
		}
		ev, ok := v.(fsnotify.Event)
		if !ok {
			continue
		}
		w.handler.HandleFileChange(watch, ev)
	}
}

func (w *WatchSink) tracks(t topic.Watch) bool {
	for _, watch := range w.watches {
		if watch == t {
			return true
		}
	}
	return false
}

// HandleUnsubscribe stops the sink once the source drops a watched path.
func (w *WatchSink) HandleUnsubscribe(topic.Topic, pubsub.Publisher) {
	w.Stop()
}

func (w *WatchSink) onStop() {
	w.UnsubscribeFromAll(w.self)
}
