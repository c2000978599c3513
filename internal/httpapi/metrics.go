package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus exposition, ambient ops tooling alongside the JSON /metrics
// view spec §6 requires (ports the reference gateway's metrics.go to
// gatewayd's domain: http layer only, since supervisor.ProcessStats already
// covers per-model memory/CPU for the JSON view).
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatewayd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gatewayd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	httpInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gatewayd",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests",
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInflight)
}

// metricsRecorder wraps http.ResponseWriter to capture the status code for
// Prometheus labeling, mirroring loggingMiddleware's statusRecorder.
type metricsRecorder struct {
	http.ResponseWriter
	status int
}

func (mr *metricsRecorder) WriteHeader(code int) {
	mr.status = code
	mr.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying http.Flusher, for the same reason
// statusRecorder.Flush does in logging.go: without it, SSE/chunked
// responses would buffer behind this wrapper instead of flushing per write.
func (mr *metricsRecorder) Flush() {
	if f, ok := mr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// metricsMiddleware instruments every request for the /metrics/prom
// exposition: request counts, duration histogram, and in-flight gauge,
// labeled by chi route pattern rather than raw path to avoid high-
// cardinality labels from e.g. /admin/models/{name}/status.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := routePatternOrPath(r)
		httpInflight.WithLabelValues(path).Inc()
		defer httpInflight.WithLabelValues(path).Dec()

		mr := &metricsRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(mr, r)
		dur := time.Since(start).Seconds()
		status := strconv.Itoa(mr.status)
		httpRequestsTotal.WithLabelValues(path, r.Method, status).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method, status).Observe(dur)
	})
}

func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// metricsPromHandler returns the standard promhttp handler for GET
// /metrics/prom.
func metricsPromHandler() http.HandlerFunc {
	h := promhttp.Handler()
	return func(w http.ResponseWriter, r *http.Request) { h.ServeHTTP(w, r) }
}
