package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// flushRecorder is an httptest.ResponseRecorder that also tracks whether
// Flush was called, so passthrough can be asserted without a real streaming
// backend.
type flushRecorder struct {
	*httptest.ResponseRecorder
	flushed bool
}

func (f *flushRecorder) Flush() {
	f.flushed = true
	f.ResponseRecorder.Flush()
}

// TestStatusRecorderForwardsFlush guards against a wrapper regression:
// statusRecorder embeds http.ResponseWriter for status capture, but
// embedding only promotes that interface's own methods, not Flush (a
// separate http.Flusher interface) — without an explicit forwarding method,
// a streamed (chunked/SSE) response reverse-proxied with FlushInterval: -1
// (spec §4.5) would silently stop flushing per write once wrapped by
// loggingMiddleware.
func TestStatusRecorderForwardsFlush(t *testing.T) {
	under := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	sr := &statusRecorder{ResponseWriter: under, status: http.StatusOK}

	f, ok := http.ResponseWriter(sr).(http.Flusher)
	if !ok {
		t.Fatalf("statusRecorder must implement http.Flusher")
	}
	f.Flush()
	if !under.flushed {
		t.Fatalf("expected Flush to be forwarded to the underlying ResponseWriter")
	}
}

// TestMetricsRecorderForwardsFlush is metricsRecorder's equivalent of
// TestStatusRecorderForwardsFlush, for the same reason.
func TestMetricsRecorderForwardsFlush(t *testing.T) {
	under := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	mr := &metricsRecorder{ResponseWriter: under, status: http.StatusOK}

	f, ok := http.ResponseWriter(mr).(http.Flusher)
	if !ok {
		t.Fatalf("metricsRecorder must implement http.Flusher")
	}
	f.Flush()
	if !under.flushed {
		t.Fatalf("expected Flush to be forwarded to the underlying ResponseWriter")
	}
}
