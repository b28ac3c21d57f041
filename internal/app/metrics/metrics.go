// Package metrics exposes the application's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hivemarket",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hivemarket",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hivemarket",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	gigTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hivemarket",
			Subsystem: "gigs",
			Name:      "transitions_total",
			Help:      "Total number of gig status transitions.",
		},
		[]string{"to"},
	)

	honeyMoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hivemarket",
			Subsystem: "ledger",
			Name:      "honey_moved_total",
			Help:      "Total honey moved, by ledger reason.",
		},
		[]string{"reason"},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hivemarket",
			Subsystem: "sweeper",
			Name:      "gigs_total",
			Help:      "Total gigs handled by the auto-approval sweeper.",
		},
		[]string{"outcome"},
	)

	rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hivemarket",
			Subsystem: "quota",
			Name:      "rejections_total",
			Help:      "Total actions rejected by the rate limiter.",
		},
		[]string{"action"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		gigTransitions,
		honeyMoved,
		sweepRuns,
		rateLimited,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordGigTransition counts a gig entering a new status.
func RecordGigTransition(to string) {
	gigTransitions.WithLabelValues(to).Inc()
}

// RecordHoneyMoved counts ledger movement by reason.
func RecordHoneyMoved(reason string, amount int64) {
	if amount <= 0 {
		return
	}
	honeyMoved.WithLabelValues(reason).Add(float64(amount))
}

// RecordSweep counts one sweeper outcome: approved, skipped or failed.
func RecordSweep(outcome string) {
	sweepRuns.WithLabelValues(outcome).Inc()
}

// RecordRateLimited counts a quota rejection.
func RecordRateLimited(action string) {
	rateLimited.WithLabelValues(action).Inc()
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
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

// canonicalPath collapses resource IDs so the label set stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "gigs", "principals", "escrows":
		if len(parts) == 1 {
			return "/" + parts[0]
		}
		if len(parts) == 2 {
			return "/" + parts[0] + "/:id"
		}
		return "/" + parts[0] + "/:id/" + parts[2]
	default:
		return "/" + parts[0]
	}
}
