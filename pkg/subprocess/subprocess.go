/*
Package subprocess runs a child process as a line-oriented source, feeding
its stdout through a descriptor source the same way any other readable file
would be (spec section 4.9, the original's PipeSink). It adds the one thing
a plain file lacks: a process can die, and a Subprocess configured with
RestartOnExit relaunches it through a token-bucket rate limiter rather than
spinning a crash loop at full speed.
*/
package subprocess

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/wisp/pkg/engine"
	"github.com/cuemby/wisp/pkg/health"
	"github.com/cuemby/wisp/pkg/log"
	"github.com/cuemby/wisp/pkg/metrics"
	"github.com/cuemby/wisp/pkg/pubsub"
	"github.com/cuemby/wisp/pkg/sinks"
	"github.com/cuemby/wisp/pkg/sources"
	"github.com/cuemby/wisp/pkg/topic"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrRestartLimited is returned by Restart when the restart-rate limiter
// refuses the attempt.
var ErrRestartLimited = errors.New("subprocess: restart rate limited")

// Subprocess is a Runnable Subscriber that owns a child process: starting
// it, registering its stdout with a descriptor source, and reacting to the
// descriptor's unsubscribe (the process exited, its pipe hit EOF) according
// to RestartOnExit.
type Subprocess struct {
	*pubsub.SubscriberState
	*engine.BaseRunnable

	logger     zerolog.Logger
	descSource *sources.DescriptorSource
	argv       []string
	handler    sinks.LineHandler
	limiter    *rate.Limiter

	// RestartOnExit controls whether HandleUnsubscribe calls Restart
	// automatically when the process exits while the sink is still running.
	// Restart itself can always be called directly regardless of this flag
	// (spec section 9: the two are independent).
	RestartOnExit bool

	healthChecker  health.Checker
	healthInterval time.Duration
	healthStop     chan struct{}
	healthDone     chan struct{}

	mu     sync.Mutex
	cmd    *exec.Cmd
	handle topic.Handle
}

// New builds a Subprocess bound to d, reading lines from argv's stdout
// through descSource and handing each to handler. limiter may be nil to
// disable restart throttling entirely.
func New(d *engine.Dispatcher, descSource *sources.DescriptorSource, argv []string, handler sinks.LineHandler, restartOnExit bool, limiter *rate.Limiter) *Subprocess {
	sp := &Subprocess{
		logger:        log.WithComponent("subprocess"),
		descSource:    descSource,
		argv:          argv,
		handler:       handler,
		limiter:       limiter,
		RestartOnExit: restartOnExit,
	}
	sp.SubscriberState = pubsub.NewSubscriberState(d, sp, nil)
	sp.BaseRunnable = engine.NewBaseRunnable(sp.onStart, sp.onStop)
	return sp
}

func (sp *Subprocess) String() string {
	return fmt.Sprintf("subprocess(%s)", strings.Join(sp.argv, " "))
}

// SetHealthCheck arms an optional liveness probe that runs on interval once
// the Subprocess starts, feeding its result into the shared component
// health registry under this Subprocess's String() name. Call before
// Start; a nil checker disables the probe (the default).
func (sp *Subprocess) SetHealthCheck(checker health.Checker, interval time.Duration) {
	sp.healthChecker = checker
	sp.healthInterval = interval
}

func (sp *Subprocess) onStart() {
	if err := sp.spawn(); err != nil {
		sp.logger.Error().Err(err).Strs("argv", sp.argv).Msg("failed to start subprocess")
	}

	if sp.healthChecker != nil {
		sp.healthStop = make(chan struct{})
		sp.healthDone = make(chan struct{})
		go sp.monitorHealth(sp.healthStop, sp.healthDone)
	}
}

func (sp *Subprocess) onStop() {
	sp.UnsubscribeFromAll(sp)

	sp.mu.Lock()
	cmd := sp.cmd
	sp.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)
	}

	if sp.healthStop != nil {
		close(sp.healthStop)
		<-sp.healthDone
		sp.healthStop = nil
	}
}

// monitorHealth runs sp.healthChecker on sp.healthInterval until stopCh
// closes, updating the component health registry after each check.
func (sp *Subprocess) monitorHealth(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(sp.healthInterval)
	defer ticker.Stop()

	name := sp.String()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sp.healthInterval)
			result := sp.healthChecker.Check(ctx)
			cancel()
			metrics.UpdateComponent(name, result.Healthy, result.Message)
		}
	}
}

// spawn launches argv, wires its stdout into the descriptor source, and
// subscribes this Subprocess to the resulting Handle. A process already
// running (cmd set and not yet reaped) is left alone, mirroring the
// original's poll()-before-relaunch guard.
func (sp *Subprocess) spawn() error {
	sp.mu.Lock()
	alreadyRunning := sp.cmd != nil && sp.cmd.ProcessState == nil
	sp.mu.Unlock()
	if alreadyRunning {
		return nil
	}

	if sp.limiter != nil && !sp.limiter.Allow() {
		return ErrRestartLimited
	}

	cmd := exec.Command(sp.argv[0], sp.argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("subprocess: stdout pipe: %w", err)
	}
	f, ok := stdout.(*os.File)
	if !ok {
		return fmt.Errorf("subprocess: stdout pipe does not expose a file descriptor")
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("subprocess: start %v: %w", sp.argv, err)
	}

	handle := sp.descSource.Register(f)

	sp.mu.Lock()
	sp.cmd = cmd
	sp.handle = handle
	sp.mu.Unlock()

	return sp.SubscribeTo(sp, handle, sp.descSource)
}

// Restart relaunches the process through the restart limiter. If the
// current process has not yet been reaped, Restart leaves it alone and
// returns nil. Safe to call whether or not RestartOnExit is set.
func (sp *Subprocess) Restart() error {
	return sp.spawn()
}

// Wait reaps the current process, blocking until it exits. Callers that
// never restart a one-shot Subprocess should call this after Stop to avoid
// leaving a zombie; a Subprocess with RestartOnExit set has no single
// process to wait for and does not need it.
func (sp *Subprocess) Wait() error {
	sp.mu.Lock()
	cmd := sp.cmd
	sp.mu.Unlock()
	if cmd == nil {
		return nil
	}
	return cmd.Wait()
}

// HandleUpdates implements pubsub.SubscriberHooks, extracting the one
// tracked Handle from the update and discarding anything else sharing the
// delivery.
func (sp *Subprocess) HandleUpdates(updates pubsub.Update, _ pubsub.Publisher) {
	sp.mu.Lock()
	h := sp.handle
	sp.mu.Unlock()

	v, ok := updates[h]
	if !ok {
		return
	}
	line, ok := v.(string)
	if !ok {
		return
	}
	sp.handler.HandleLine(line)
}

// HandleUnsubscribe implements pubsub.SubscriberHooks: the descriptor
// source evicted us, meaning the process's stdout hit EOF. If still running
// and configured to restart, reap the old process and try to relaunch; only
// fall through to Stop if that fails or restart-on-exit is off (spec section
// 4.9, the original's PipeSink.handle_unsubscribe).
func (sp *Subprocess) HandleUnsubscribe(topic.Topic, pubsub.Publisher) {
	if sp.Running() && sp.RestartOnExit {
		if err := sp.Wait(); err != nil {
			sp.logger.Debug().Err(err).Strs("argv", sp.argv).Msg("subprocess exited")
		}
		if err := sp.Restart(); err == nil {
			return
		} else {
			sp.logger.Warn().Err(err).Strs("argv", sp.argv).Msg("subprocess restart failed")
		}
	}
	sp.Stop()
}
