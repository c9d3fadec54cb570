// Package topic defines the subscription-key shapes the engine understands.
//
// The original implementation this engine is modeled on dispatches on the
// topic's duck-typed shape at runtime ("has an fd", "is a pair of ints").
// Go has no such dynamic dispatch, so every topic shape is an explicit,
// comparable struct implementing the Topic marker interface. Comparable
// structs are safe map keys, which is all a publisher or subscriber ever
// does with a topic.
package topic

import "fmt"

// Topic is the subscription key publishers and subscribers index by.
// Implementations must be comparable so Topic values can be used as map
// keys.
type Topic interface {
	topic()
	String() string
}

// Handle identifies an open, line-readable stream (a file descriptor) owned
// by the descriptor source. ID is the underlying fd number.
type Handle struct {
	ID uintptr
}

func (Handle) topic() {}

func (h Handle) String() string {
	return fmt.Sprintf("handle(%d)", h.ID)
}

// FSEvent is a bitmask of filesystem change kinds, mapped 1:1 from
// fsnotify.Op so a Watch topic's mask does not depend on fsnotify. The
// update values the watch source delivers are still fsnotify.Event.
type FSEvent uint32

const (
	FSEventCreate FSEvent = 1 << iota
	FSEventWrite
	FSEventRemove
	FSEventRename
	FSEventChmod
)

// Watch identifies a filesystem path and the event mask a watcher asked for.
type Watch struct {
	Path string
	Mask FSEvent
}

func (Watch) topic() {}

func (w Watch) String() string {
	return fmt.Sprintf("watch(%s,%d)", w.Path, w.Mask)
}

// Timer identifies a wake schedule: no sooner than Early seconds after the
// subscriber's last wake, no later than Late seconds.
type Timer struct {
	Early int
	Late  int
}

func (Timer) topic() {}

func (t Timer) String() string {
	return fmt.Sprintf("timer(%d,%d)", t.Early, t.Late)
}

// User is an application-defined topic, for sinks and sources that key their
// own subscriptions by a plain string rather than one of the three intrinsic
// shapes.
type User struct {
	Key string
}

func (User) topic() {}

func (u User) String() string {
	return fmt.Sprintf("user(%s)", u.Key)
}
