package sources

import (
	"sync"
	"time"

	"github.com/cuemby/wisp/pkg/engine"
	"github.com/cuemby/wisp/pkg/log"
	"github.com/cuemby/wisp/pkg/pubsub"
	"github.com/cuemby/wisp/pkg/topic"
	"github.com/rs/zerolog"
)

// scheduleEntry mirrors the original's ScheduleEntry: a subscriber's wake
// window, plus when it last fired. Two entries are equal iff subscriber,
// early and late all match, matching the original's hash/eq.
type scheduleEntry struct {
	sub   pubsub.Subscriber
	early time.Duration
	late  time.Duration
	last  time.Time
}

type scheduleKey struct {
	sub   pubsub.Subscriber
	early time.Duration
	late  time.Duration
}

// TimerSource publishes topic.Timer{Early, Late}: every subscriber gets
// woken no sooner than Early after its own last wake and no later than Late
// (spec section 4.8). One shared goroutine coalesces every subscriber's
// deadline into a single timer reset per cycle rather than one goroutine
// per subscription.
type TimerSource struct {
	*pubsub.PublisherState
	*engine.BaseRunnable

	logger zerolog.Logger
	wake   chan struct{}

	mu      sync.Mutex
	entries map[scheduleKey]*scheduleEntry
}

// NewTimerSource builds a TimerSource bound to d.
func NewTimerSource(d *engine.Dispatcher) *TimerSource {
	s := &TimerSource{
		logger:  log.WithSource("timer"),
		wake:    make(chan struct{}, 1),
		entries: make(map[scheduleKey]*scheduleEntry),
	}
	s.PublisherState = pubsub.NewPublisherState(d, s)
	s.BaseRunnable = engine.NewBaseRunnable(s.onStart, nil)
	s.PublisherState.Bind(s)
	return s
}

func (s *TimerSource) String() string { return "timer-source" }

// IsPublishing implements the original's "pair of ints" structural check:
// any topic.Timer qualifies.
func (s *TimerSource) IsPublishing(t topic.Topic) bool {
	_, ok := t.(topic.Timer)
	return ok
}

func (s *TimerSource) interrupt() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// OnSubscribe registers a fresh schedule entry, due immediately (last=zero
// time), and interrupts the run loop so it reconsiders its sleep deadline.
func (s *TimerSource) OnSubscribe(sub pubsub.Subscriber, t topic.Topic) {
	timer := t.(topic.Timer)
	key := scheduleKey{sub: sub, early: time.Duration(timer.Early) * time.Second, late: time.Duration(timer.Late) * time.Second}

	s.mu.Lock()
	s.entries[key] = &scheduleEntry{sub: sub, early: key.early, late: key.late}
	s.mu.Unlock()

	s.Start()
	s.interrupt()
}

// OnUnsubscribe drops the schedule entry.
func (s *TimerSource) OnUnsubscribe(sub pubsub.Subscriber, t topic.Topic) {
	timer := t.(topic.Timer)
	key := scheduleKey{sub: sub, early: time.Duration(timer.Early) * time.Second, late: time.Duration(timer.Late) * time.Second}

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (s *TimerSource) onStart() {
	go s.run()
}

// run is the coalescing scheduler: each cycle it fires every entry whose
// early window has elapsed, computes the soonest late deadline across what
// remains, and sleeps until either that deadline or an interrupt (a new
// subscription, a changed entry).
func (s *TimerSource) run() {
	for s.Running() {
		now := time.Now()
		updates := make(pubsub.Update)
		var nextDeadline time.Time

		s.mu.Lock()
		for key, entry := range s.entries {
			if now.Sub(entry.last) > entry.early {
				entry.last = now
				updates[topic.Timer{Early: int(key.early / time.Second), Late: int(key.late / time.Second)}] = now
			}
			deadline := entry.last.Add(entry.late)
			if nextDeadline.IsZero() || deadline.Before(nextDeadline) {
				nextDeadline = deadline
			}
		}
		s.mu.Unlock()

		if len(updates) > 0 {
			s.PushUpdates(updates)
		}

		var timerC <-chan time.Time
		var t *time.Timer
		if !nextDeadline.IsZero() {
			d := time.Until(nextDeadline)
			if d < 0 {
				d = 0
			}
			t = time.NewTimer(d)
			timerC = t.C
		}

		select {
		case <-s.wake:
			if t != nil {
				t.Stop()
			}
		case <-timerC:
		}
	}
}
