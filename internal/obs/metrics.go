package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Expense workflow metrics.
var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expense_transitions_total",
			Help: "Expense workflow operations by operation and result.",
		},
		[]string{"op", "result"},
	)

	feedSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "expense_feed_subscribers",
		Help: "Live expense feed subscriptions.",
	})

	bulkBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expense_bulk_batches_total",
			Help: "Bulk expense batches by operation and reported outcome.",
		},
		[]string{"op", "outcome"},
	)
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			transitionsTotal, feedSubscribers, bulkBatchesTotal,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTransition counts a workflow operation outcome ("ok" or an error class).
func ObserveTransition(op, result string) {
	transitionsTotal.WithLabelValues(op, result).Inc()
}

// FeedSubscribed adjusts the live subscription gauge by delta.
func FeedSubscribed(delta int) {
	feedSubscribers.Add(float64(delta))
}

// ObserveBulk counts a bulk batch and whether it was reported as succeeded.
func ObserveBulk(op string, succeeded bool) {
	outcome := "failed"
	if succeeded {
		outcome = "succeeded"
	}
	bulkBatchesTotal.WithLabelValues(op, outcome).Inc()
}

// Instrument wraps next with RPS/latency/in-flight accounting.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

var expenseActions = map[string]bool{
	"submit":  true,
	"approve": true,
	"reject":  true,
	"pay":     true,
}

var expenseFixed = map[string]bool{
	"bulk":       true,
	"stream":     true,
	"export.csv": true,
}

// CanonicalPath collapses resource identifiers so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return raw
	}
	switch parts[1] {
	case "expenses":
		if expenseFixed[parts[2]] {
			return raw
		}
		switch {
		case len(parts) == 3:
			return "/v1/expenses/:id"
		case len(parts) == 4 && expenseActions[parts[3]]:
			return "/v1/expenses/:id/" + parts[3]
		}
	case "projects":
		if len(parts) == 3 {
			return "/v1/projects/:id"
		}
	}
	return raw
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE handlers working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
