/*
Package daemon wires the intrinsic sources, the aggregator, and
config-declared sinks into one running process: the Go analogue of the
original's manager module (manager.run() starting every registered sink,
draining a queued-call backlog, and stopping every sink on the way out).

Engine is the thing cmd/wisp constructs and hands a config directory to; it
owns the process-wide Dispatcher and Aggregator and exposes AddSource/AddSink
for embedding wisp as a library, the same public surface spec section 6
promises independent of the YAML convention pkg/config adds on top.
*/
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/wisp/pkg/aggregator"
	"github.com/cuemby/wisp/pkg/engine"
	"github.com/cuemby/wisp/pkg/log"
	"github.com/cuemby/wisp/pkg/metrics"
	"github.com/cuemby/wisp/pkg/pubsub"
	"github.com/cuemby/wisp/pkg/sources"
	"github.com/cuemby/wisp/pkg/subprocess"
	"github.com/cuemby/wisp/pkg/topic"
)

// Engine is the running process: one Dispatcher, one Aggregator fed by the
// three intrinsic sources, and whatever sinks a caller (or pkg/config, via
// LoadConfig) adds on top.
type Engine struct {
	Dispatcher *engine.Dispatcher
	Aggregator *aggregator.Aggregator

	descSource  *sources.DescriptorSource
	fsSource    *sources.FSWatchSource
	timerSource *sources.TimerSource

	logger zerolog.Logger

	mu           sync.Mutex
	sinks        []pubsub.Sink
	subprocesses []*subprocess.Subprocess
	handles      map[string]topic.Handle
}

// New builds an Engine with its three intrinsic sources already started and
// registered with the aggregator in descriptor, fswatch, timer order — the
// fixed tie-break order the aggregator uses when more than one backing
// source could claim the same topic (spec section 4.5, though in practice
// the three intrinsic sources never overlap on topic shape).
func New() (*Engine, error) {
	d := engine.NewDispatcher()
	agg := aggregator.New(d)

	descSource, err := sources.NewDescriptorSource(d)
	if err != nil {
		return nil, fmt.Errorf("daemon: descriptor source: %w", err)
	}
	fsSource, err := sources.NewFSWatchSource(d)
	if err != nil {
		return nil, fmt.Errorf("daemon: fswatch source: %w", err)
	}
	timerSource := sources.NewTimerSource(d)

	e := &Engine{
		Dispatcher:  d,
		Aggregator:  agg,
		descSource:  descSource,
		fsSource:    fsSource,
		timerSource: timerSource,
		logger:      log.WithComponent("daemon"),
		handles:     make(map[string]topic.Handle),
	}

	e.AddSource(descSource)
	e.AddSource(fsSource)
	e.AddSource(timerSource)

	return e, nil
}

// AddSource registers a backing source with the aggregator and starts it.
// Exported so an embedder can wire a user-defined source the YAML
// convention has no syntax for, alongside the three intrinsic ones.
func (e *Engine) AddSource(s pubsub.Source) {
	e.Aggregator.AddSource(s)
	s.Start()
	metrics.RegisterComponent(s.String(), true, "started")
}

// AddSink starts a sink and tracks it so Run's shutdown cascade can stop it
// in reverse registration order.
func (e *Engine) AddSink(s pubsub.Sink) {
	e.mu.Lock()
	e.sinks = append(e.sinks, s)
	e.mu.Unlock()

	s.Start()
	metrics.RegisterComponent(s.String(), true, "started")
}

func (e *Engine) sinkSnapshot() []pubsub.Sink {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]pubsub.Sink, len(e.sinks))
	copy(out, e.sinks)
	return out
}

func (e *Engine) subprocessSnapshot() []*subprocess.Subprocess {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*subprocess.Subprocess, len(e.subprocesses))
	copy(out, e.subprocesses)
	return out
}

// Run starts the dispatcher loop and, if metricsAddr is non-empty, a
// loopback HTTP server exposing /metrics, /healthz, /ready and /live. It
// blocks until ctx is canceled, then runs the shutdown cascade: the
// dispatcher loop returns and the metrics server shuts down, then every sink
// is stopped in reverse order with a DrainOnce between each one so a sink's
// own unsubscribe fallout settles before the next sink tears down, exactly
// the order spec section 4.1 requires of the daemon harness. Subprocesses
// are then reaped, the aggregator stops, and a final DrainOnce runs.
func (e *Engine) Run(ctx context.Context, metricsAddr string) error {
	runDone := make(chan struct{})
	go func() {
		e.Dispatcher.Run(ctx)
		close(runDone)
	}()

	var srv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		srv = &http.Server{Addr: metricsAddr, Handler: mux}

		go func() {
			e.logger.Info().Str("addr", metricsAddr).Msg("serving metrics and health endpoints")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				e.logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
			}
		}()
	}

	<-ctx.Done()
	e.logger.Info().Msg("shutdown signal received, draining")
	<-runDone

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			e.logger.Warn().Err(err).Msg("metrics server shutdown did not complete cleanly")
		}
	}

	snapshot := e.sinkSnapshot()
	for i := len(snapshot) - 1; i >= 0; i-- {
		snapshot[i].Stop()
		e.Dispatcher.DrainOnce()
	}

	for _, sp := range e.subprocessSnapshot() {
		if err := sp.Wait(); err != nil {
			e.logger.Debug().Err(err).Str("subprocess", sp.String()).Msg("subprocess exited")
		}
	}

	e.Aggregator.Stop()
	e.Dispatcher.DrainOnce()

	e.logger.Info().Msg("shutdown complete")
	return nil
}
