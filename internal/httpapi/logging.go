package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// statusRecorder wraps http.ResponseWriter to capture the status code for
// structured request logging, adapted from the reference gateway's
// metrics.go statusRecorder.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying ResponseWriter's http.Flusher so SSE and
// chunked responses proxied through with FlushInterval: -1 (spec §4.5)
// still flush on every write instead of silently buffering behind this
// wrapper — embedding http.ResponseWriter only promotes that interface's
// own methods, not Flush, which lives on the separate http.Flusher
// interface.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// loggingMiddleware emits one structured zerolog event per request at
// info (warn for 5xx), carrying method/path/status/duration/request_id,
// replacing the reference gateway's query-param-driven per-request debug
// logging with a single ambient access log, per SPEC_FULL.md §4.0.
func loggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sr, r)
			dur := time.Since(start)
			var evt *zerolog.Event
			if sr.status >= 500 {
				evt = log.Warn()
			} else {
				evt = log.Info()
			}
			evt.Str("component", "httpapi").
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sr.status).
				Dur("duration", dur).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
