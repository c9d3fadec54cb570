/*
Package sources implements the three intrinsic publishers described in spec
section 4.6-4.8: a line-reading descriptor source, a filesystem watch
source, and a coalescing timer source. Each embeds pubsub.PublisherState and
supplies the hooks that vary: what shape of topic it accepts, and what to do
when a subscription starts or ends.
*/
package sources

import (
	"bufio"
	"io"
	"os"
	"sync"

	"github.com/cuemby/wisp/pkg/engine"
	"github.com/cuemby/wisp/pkg/log"
	"github.com/cuemby/wisp/pkg/pubsub"
	"github.com/cuemby/wisp/pkg/topic"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// selfPipe is the Go equivalent of the original's InterruptableWaiter: a
// pipe whose read end is added to every select(2) call so the run loop can
// be woken for reasons other than a readable data fd (a new subscription, a
// Stop call).
type selfPipe struct {
	r, w *os.File

	mu  sync.Mutex
	set bool
}

func newSelfPipe() (*selfPipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &selfPipe{r: r, w: w}, nil
}

// interrupt wakes a blocked select exactly once until drain clears the
// flag, collapsing repeated interrupts the way the GIL incidentally did in
// the original.
func (p *selfPipe) interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set {
		return
	}
	p.set = true
	p.w.Write([]byte{0})
}

func (p *selfPipe) drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	var buf [1]byte
	p.r.Read(buf[:])
	p.set = false
}

func (p *selfPipe) close() {
	p.r.Close()
	p.w.Close()
}

// DescriptorSource publishes one topic.Handle per registered file: each
// line read off the underlying descriptor is delivered as an update keyed
// by that Handle (spec section 4.6).
type DescriptorSource struct {
	*pubsub.PublisherState
	*engine.BaseRunnable

	logger zerolog.Logger
	pipe   *selfPipe

	mu      sync.Mutex
	readers map[topic.Handle]*bufio.Reader
}

// NewDescriptorSource builds a DescriptorSource bound to d. Start must be
// called before any registered file produces updates.
func NewDescriptorSource(d *engine.Dispatcher) (*DescriptorSource, error) {
	pipe, err := newSelfPipe()
	if err != nil {
		return nil, err
	}

	s := &DescriptorSource{
		logger:  log.WithSource("descriptor"),
		pipe:    pipe,
		readers: make(map[topic.Handle]*bufio.Reader),
	}
	s.PublisherState = pubsub.NewPublisherState(d, s)
	s.BaseRunnable = engine.NewBaseRunnable(s.onStart, s.onStop)
	s.PublisherState.Bind(s)
	return s, nil
}

func (s *DescriptorSource) String() string { return "descriptor-source" }

// Register associates an open, readable file with the Handle subscribers
// will use to name it. Call it before any Subscribe targeting that Handle —
// a Handle with no registered reader is accepted by IsPublishing's duck
// typing but never produces a line, mirroring what happens in the original
// when readline() is attempted on something that was never handed to the
// waiter.
//
// The fd is set non-blocking before it's ever handed to select(2): run is a
// single goroutine serving every subscribed descriptor, so a writer that
// sends a partial line on a blocking fd would stall ReadString's second
// syscall and, with it, delivery for every other handle until that writer
// produced a newline.
func (s *DescriptorSource) Register(f *os.File) topic.Handle {
	if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
		s.logger.Error().Err(err).Uint64("fd", uint64(f.Fd())).Msg("failed to set descriptor non-blocking")
	}

	h := topic.Handle{ID: f.Fd()}
	s.mu.Lock()
	s.readers[h] = bufio.NewReader(f)
	s.mu.Unlock()
	return h
}

// Unregister drops a Handle's reader. It does not close the underlying
// file — callers that opened it own its lifetime.
func (s *DescriptorSource) Unregister(h topic.Handle) {
	s.mu.Lock()
	delete(s.readers, h)
	s.mu.Unlock()
}

// IsPublishing implements the "has an fd" duck type from the original as a
// type switch: any topic.Handle qualifies.
func (s *DescriptorSource) IsPublishing(t topic.Topic) bool {
	_, ok := t.(topic.Handle)
	return ok
}

// OnSubscribe starts the read loop on first use and interrupts select so it
// picks up the newly-subscribed Handle immediately.
func (s *DescriptorSource) OnSubscribe(_ pubsub.Subscriber, _ topic.Topic) {
	s.Start()
	s.pipe.interrupt()
}

// OnUnsubscribe is a no-op: PublisherState.Topics already drops a Handle
// with zero subscribers from the next select's interest set.
func (s *DescriptorSource) OnUnsubscribe(pubsub.Subscriber, topic.Topic) {}

func (s *DescriptorSource) onStart() {
	go s.run()
}

func (s *DescriptorSource) onStop() {
	s.pipe.interrupt()
}

func (s *DescriptorSource) reader(h topic.Handle) (*bufio.Reader, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.readers[h]
	return r, ok
}

// run blocks in select(2) until a subscribed descriptor is readable or the
// self-pipe is written to, then drains a line from each ready descriptor.
// EOF or a read error evicts that Handle's subscribers via PushUnsubscribe
// (spec section 7: I/O failure -> unsubscribe, never a panic).
func (s *DescriptorSource) run() {
	for s.Running() {
		var rset unix.FdSet
		maxFd := int(s.pipe.r.Fd())
		fdSet(&rset, maxFd)

		handles := make([]topic.Handle, 0)
		for _, t := range s.Topics() {
			h, ok := t.(topic.Handle)
			if !ok {
				continue
			}
			if _, ok := s.reader(h); !ok {
				continue
			}
			handles = append(handles, h)
			fd := int(h.ID)
			fdSet(&rset, fd)
			if fd > maxFd {
				maxFd = fd
			}
		}

		_, err := unix.Select(maxFd+1, &rset, nil, nil, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			s.logger.Error().Err(err).Msg("select failed")
			continue
		}

		if fdIsSet(&rset, int(s.pipe.r.Fd())) {
			s.pipe.drain()
		}

		updates := make(pubsub.Update)
		for _, h := range handles {
			if !fdIsSet(&rset, int(h.ID)) {
				continue
			}
			r, ok := s.reader(h)
			if !ok {
				continue
			}
			line, err := r.ReadString('\n')
			if err != nil && line == "" {
				if err != io.EOF {
					s.logger.Error().Err(err).Uint64("fd", uint64(h.ID)).Msg("descriptor read failed, unsubscribing")
				}
				s.Unregister(h)
				s.PushUnsubscribe(h)
				continue
			}
			updates[h] = trimNewline(line)
		}

		if len(updates) > 0 {
			s.PushUpdates(updates)
		}
	}
}

func trimNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		return s[:n-1]
	}
	return s
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
