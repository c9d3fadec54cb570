package pubsub

import "fmt"

// ErrNotPublishing describes a subscribe naming a topic the publisher's
// IsPublishing hook rejects. Subscribe is queued and returns nothing, so the
// error is logged by the queued task rather than returned to the caller.
type ErrNotPublishing struct {
	Publisher  fmt.Stringer
	Topic      fmt.Stringer
	Subscriber fmt.Stringer
}

func (e *ErrNotPublishing) Error() string {
	return fmt.Sprintf("%s not publishing %s (subscriber %s)", e.Publisher, e.Topic, e.Subscriber)
}

// ErrNoSource is returned by SubscribeTo/UnsubscribeFrom when no source is
// given and no default aggregator has been wired in.
type ErrNoSource struct {
	Topic fmt.Stringer
}

func (e *ErrNoSource) Error() string {
	return fmt.Sprintf("no source given for %s and no default aggregator configured", e.Topic)
}
