// Package metrics exposes the Prometheus collectors the Worker Runtime,
// Queue Broker, and Run Aggregator feed, plus a poller that turns the
// broker's introspect() snapshot into gauges on a fixed cadence.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds every collector this module registers. Kept distinct
	// from prometheus.DefaultRegisterer so tests can construct a fresh
	// Service without colliding with package-level state across packages.
	Registry = prometheus.NewRegistry()

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cafeauto",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of jobs per type and state, per Broker.Introspect.",
		},
		[]string{"type", "state"},
	)

	queueThroughput = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cafeauto",
			Subsystem: "queue",
			Name:      "throughput_per_minute",
			Help:      "Rolling completions-per-minute estimate per job type.",
		},
		[]string{"type"},
	)

	jobOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cafeauto",
			Subsystem: "jobs",
			Name:      "outcomes_total",
			Help:      "Total job completions by type and terminal status.",
		},
		[]string{"type", "status"},
	)

	runStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cafeauto",
			Subsystem: "runs",
			Name:      "status_count",
			Help:      "Number of Run rows in each status in the active-runs snapshot, as of the last metrics poll.",
		},
		[]string{"status"},
	)

	blockEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cafeauto",
			Subsystem: "scheduler",
			Name:      "block_events_total",
			Help:      "Total times the scheduler tick recorded a block against a Run, by block code.",
		},
		[]string{"code"},
	)

	autoSuspends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cafeauto",
			Subsystem: "scheduler",
			Name:      "auto_suspends_total",
			Help:      "Total schedules auto-suspended after reaching the consecutive-failure threshold.",
		},
	)

	createPostCPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cafeauto",
			Subsystem: "worker",
			Name:      "create_post_cpu_percent",
			Help:      "Process CPU percent sampled around the most recent CREATE_POST execution.",
		},
	)

	createPostRSSBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cafeauto",
			Subsystem: "worker",
			Name:      "create_post_rss_bytes",
			Help:      "Process RSS bytes sampled around the most recent CREATE_POST execution.",
		},
	)

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cafeauto",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight admin HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cafeauto",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cafeauto",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of admin HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		queueDepth,
		queueThroughput,
		jobOutcomes,
		runStatus,
		blockEvents,
		autoSuspends,
		createPostCPUPercent,
		createPostRSSBytes,
		httpInFlight,
		httpRequests,
		httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors,
// mounted by internal/httpapi at /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with request-count/duration/in-flight
// collection, skipping /metrics itself to avoid measuring the scrape.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// SetQueueDepth records one type's current per-state depth snapshot.
func SetQueueDepth(typeTag string, waiting, active, delayed, completed, failed int, throughputPerMinute float64) {
	queueDepth.WithLabelValues(typeTag, "waiting").Set(float64(waiting))
	queueDepth.WithLabelValues(typeTag, "active").Set(float64(active))
	queueDepth.WithLabelValues(typeTag, "delayed").Set(float64(delayed))
	queueDepth.WithLabelValues(typeTag, "completed").Set(float64(completed))
	queueDepth.WithLabelValues(typeTag, "failed").Set(float64(failed))
	queueThroughput.WithLabelValues(typeTag).Set(throughputPerMinute)
}

// RecordJobOutcome increments the terminal-status counter for one job type.
func RecordJobOutcome(typeTag, status string) {
	jobOutcomes.WithLabelValues(typeTag, status).Inc()
}

// SetRunStatusCounts replaces the run-status gauge snapshot wholesale; the
// caller is expected to supply a complete status->count map each call so
// statuses that dropped to zero are still reported.
func SetRunStatusCounts(counts map[string]int) {
	for status, n := range counts {
		runStatus.WithLabelValues(status).Set(float64(n))
	}
}

// RecordBlockEvent increments the per-block-code counter.
func RecordBlockEvent(code string) {
	blockEvents.WithLabelValues(code).Inc()
}

// RecordAutoSuspend increments the auto-suspend counter.
func RecordAutoSuspend() {
	autoSuspends.Inc()
}

// WorkerTelemetry implements worker.Telemetry, satisfying the Worker
// Runtime's resource-sampling hook without this package importing that
// one. The zero value is ready to use.
type WorkerTelemetry struct{}

// RecordCreatePostSample feeds the create_post_cpu_percent/rss_bytes gauges.
func (WorkerTelemetry) RecordCreatePostSample(cpuPercent float64, memoryRSSBytes uint64) {
	createPostCPUPercent.Set(cpuPercent)
	createPostRSSBytes.Set(float64(memoryRSSBytes))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path-variable segments so high-cardinality ids
// never become label values. The admin surface only has three routes
// (/healthz, /metrics and /runs/active), so this is intentionally simple
// compared to the teacher's account-scoped canonicalizer.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	return "/" + strings.SplitN(trimmed, "/", 2)[0]
}
