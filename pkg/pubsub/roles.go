package pubsub

import "github.com/cuemby/wisp/pkg/engine"

// Source is a Runnable Publisher: something that manufactures updates from
// the outside world (spec section 3, "Source").
type Source interface {
	engine.Runnable
	Publisher
}

// Sink is a Runnable Subscriber: something that consumes updates and causes
// side effects (spec section 3, "Sink").
type Sink interface {
	engine.Runnable
	Subscriber
}
