package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatcher metrics
	DispatcherQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wisp_dispatcher_queue_depth",
			Help: "Number of tasks currently queued on the dispatcher",
		},
	)

	DispatcherTasksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wisp_dispatcher_tasks_total",
			Help: "Total number of dispatcher tasks run to completion",
		},
	)

	DispatcherTaskPanicsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wisp_dispatcher_task_panics_total",
			Help: "Total number of dispatcher tasks that panicked and were dropped",
		},
	)

	DispatcherTaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wisp_dispatcher_task_duration_seconds",
			Help:    "Time taken to run a single dispatcher task",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Pub/sub metrics
	SubscriptionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wisp_subscriptions_active",
			Help: "Number of active subscriptions by publisher",
		},
		[]string{"publisher"},
	)

	UpdatesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wisp_updates_published_total",
			Help: "Total number of updates pushed by a publisher",
		},
		[]string{"publisher"},
	)

	PublishLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wisp_publish_latency_seconds",
			Help:    "Time from a source observing an event to delivery being enqueued for its subscribers",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"publisher"},
	)

	// Source metrics
	SourceEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wisp_source_events_total",
			Help: "Total number of raw events a source observed, before fan-out",
		},
		[]string{"source", "kind"},
	)

	DescriptorEOFTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wisp_descriptor_eof_total",
			Help: "Total number of descriptor handles evicted by EOF or read error",
		},
	)

	TimerTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wisp_timer_ticks_total",
			Help: "Total number of timer windows that fired",
		},
	)

	// Subprocess metrics
	SubprocessRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wisp_subprocess_restarts_total",
			Help: "Total number of subprocess restart attempts by outcome",
		},
		[]string{"argv0", "outcome"},
	)

	// Config metrics
	ConfigFilesLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wisp_config_files_loaded",
			Help: "Number of config files successfully loaded on the last reload",
		},
	)

	ConfigLoadErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wisp_config_load_errors_total",
			Help: "Total number of config files that failed to load",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DispatcherQueueDepth,
		DispatcherTasksTotal,
		DispatcherTaskPanicsTotal,
		DispatcherTaskDuration,
		SubscriptionsActive,
		UpdatesPublishedTotal,
		PublishLatency,
		SourceEventsTotal,
		DescriptorEOFTotal,
		TimerTicksTotal,
		SubprocessRestartsTotal,
		ConfigFilesLoaded,
		ConfigLoadErrorsTotal,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
