// Package metrics wires Prometheus collectors for the crawl engine and
// exposes the HTTP middleware and handler used by the ops server.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

	pagesFetched    *prometheus.CounterVec
	bytesFetched    *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	rateLimitDelays *prometheus.HistogramVec
	unitsDropped    *prometheus.CounterVec
	activeWorkers   prometheus.Gauge
	intakeDepth     prometheus.Gauge
)

// Init registers all collectors with the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		pagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "deepcrawl_pages_fetched_total",
			Help: "Pages fetched, by host and status code.",
		}, []string{"host", "code"})

		bytesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "deepcrawl_bytes_fetched_total",
			Help: "Body bytes fetched, by host.",
		}, []string{"host"})

		httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served by the ops server.",
		}, []string{"method", "code"})

		httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Latency of ops server requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"})

		rateLimitDelays = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deepcrawl_rate_limit_delay_seconds",
			Help:    "Time spent waiting on rate limiters, by host.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}, []string{"host"})

		unitsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "deepcrawl_units_dropped_total",
			Help: "Work units dropped before fetch, by reason.",
		}, []string{"reason"})

		activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "deepcrawl_active_workers",
			Help: "Workers currently processing a unit.",
		})

		intakeDepth = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "deepcrawl_intake_depth",
			Help: "Units buffered in the intake queue.",
		})
	})
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeHost reduces a raw URL to a label-safe host name.
func SanitizeHost(raw string) string {
	if !strings.HasPrefix(raw, "http") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}

// ObservePageFetched records a completed fetch.
func ObservePageFetched(rawURL string, statusCode int, bytes int) {
	if pagesFetched == nil {
		return
	}
	host := SanitizeHost(rawURL)
	pagesFetched.WithLabelValues(host, strconv.Itoa(statusCode)).Inc()
	bytesFetched.WithLabelValues(host).Add(float64(bytes))
}

// ObserveRateLimitDelay records time spent blocked on a limiter.
func ObserveRateLimitDelay(rawURL string, d time.Duration) {
	if rateLimitDelays == nil {
		return
	}
	rateLimitDelays.WithLabelValues(SanitizeHost(rawURL)).Observe(d.Seconds())
}

// ObserveDrop counts a unit dropped before fetch. Reasons are stable
// strings such as "depth", "dedup", and "overflow".
func ObserveDrop(reason string) {
	if unitsDropped == nil {
		return
	}
	unitsDropped.WithLabelValues(reason).Inc()
}

// IncActiveWorkers marks one worker busy.
func IncActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// DecActiveWorkers marks one worker idle.
func DecActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}

// SetIntakeDepth reports the current intake queue length.
func SetIntakeDepth(n int) {
	if intakeDepth != nil {
		intakeDepth.Set(float64(n))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments ops server requests with count and latency.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, req)

		if httpRequests != nil {
			httpRequests.WithLabelValues(req.Method, strconv.Itoa(rec.status)).Inc()
		}
		if httpDuration != nil {
			httpDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
		}
	})
}
