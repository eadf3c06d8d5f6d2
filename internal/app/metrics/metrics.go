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
			Namespace: "veil",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veil",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "veil",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	analyses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veil",
			Subsystem: "governor",
			Name:      "analyses_total",
			Help:      "Total analyses served, by mode and result provenance.",
		},
		[]string{"mode", "source"},
	)

	cacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veil",
			Subsystem: "governor",
			Name:      "cache_events_total",
			Help:      "Response cache lookups, by result.",
		},
		[]string{"result"},
	)

	providerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veil",
			Subsystem: "governor",
			Name:      "provider_calls_total",
			Help:      "Inference provider call attempts, by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	providerCost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "veil",
			Subsystem: "governor",
			Name:      "provider_cost_eur_total",
			Help:      "Cumulative provider cost in EUR across all periods.",
		},
	)

	moderationFailOpen = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "veil",
			Subsystem: "governor",
			Name:      "moderation_failopen_total",
			Help:      "Moderation calls that failed and were treated as clean.",
		},
	)

	budgetSpent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "veil",
			Subsystem: "budget",
			Name:      "spent_eur",
			Help:      "Spend recorded in the current accounting period.",
		},
	)

	budgetCap = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "veil",
			Subsystem: "budget",
			Name:      "cap_eur",
			Help:      "Configured spending cap for the accounting period.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		analyses,
		cacheEvents,
		providerCalls,
		providerCost,
		moderationFailOpen,
		budgetSpent,
		budgetCap,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
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

// RecordAnalysis counts one settled analysis request.
func RecordAnalysis(mode, source string) {
	if mode == "" {
		mode = "unknown"
	}
	if source == "" {
		source = "unknown"
	}
	analyses.WithLabelValues(mode, source).Inc()
}

// RecordCacheEvent counts one response-cache lookup ("hit" or "miss").
func RecordCacheEvent(result string) {
	cacheEvents.WithLabelValues(result).Inc()
}

// RecordProviderCall counts one inference call attempt by outcome.
func RecordProviderCall(mode, outcome string) {
	if mode == "" {
		mode = "unknown"
	}
	providerCalls.WithLabelValues(mode, outcome).Inc()
}

// AddProviderCost accumulates provider spend in EUR.
func AddProviderCost(eur float64) {
	if eur <= 0 {
		return
	}
	providerCost.Add(eur)
}

// RecordModerationFailOpen counts a moderation failure handled fail-open.
func RecordModerationFailOpen() {
	moderationFailOpen.Inc()
}

// SetBudget publishes the ledger's current spend and cap.
func SetBudget(spentEUR, capEUR float64) {
	budgetSpent.Set(spentEUR)
	budgetCap.Set(capEUR)
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

// canonicalPath collapses request paths to route templates so label
// cardinality stays bounded. Only the confessions resource carries an id
// segment.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "v1" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/v1"
	}
	if parts[1] == "confessions" && len(parts) >= 3 {
		return "/v1/confessions/:id"
	}
	if len(parts) >= 3 {
		return "/v1/" + parts[1] + "/" + parts[2]
	}
	return "/v1/" + parts[1]
}
