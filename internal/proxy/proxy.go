// Package proxy implements the Proxy Forwarder of spec §4.5: extracts the
// target model from the request body, admits it through the lifecycle
// Controller, and streams the response back via a reverse proxy configured
// to flush on every write so SSE/chunked completions pass through live.
// Grounded on net/http/httputil.ReverseProxy (no third-party reverse-proxy
// library appears anywhere in the retrieved corpus, justified in DESIGN.md)
// with a Director/body-peek shaped after the reference gateway's /infer
// handler (internal/httpapi/server.go): Content-Type check, MaxBytesReader,
// JSON decode for the field it needs while leaving the rest of the body
// intact for the backend.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"modeld/internal/apierr"
	"modeld/internal/registry"
	"modeld/pkg/types"
)

const maxBodyBytes = 16 << 20 // 16MiB, generous for chat/completions payloads with images

// Admitter is the subset of *lifecycle.Controller the forwarder depends on.
type Admitter interface {
	Admit(ctx context.Context, model string) error
	RecordTransportFailure(model string)
}

// Forwarder is the Proxy Forwarder: one instance serves every client-facing
// inference route, dispatching to whichever model the request body names.
type Forwarder struct {
	reg  *registry.Registry
	ctrl Admitter
	log  zerolog.Logger
}

// New constructs a Forwarder.
func New(reg *registry.Registry, ctrl Admitter, log zerolog.Logger) *Forwarder {
	return &Forwarder{reg: reg, ctrl: ctrl, log: log}
}

// modelBody is the subset of an OpenAI-compatible request body the
// forwarder needs to read; every other field passes through untouched.
type modelBody struct {
	Model string `json:"model"`
}

// ServeHTTP extracts the model name from the JSON body, admits it (queueing
// and triggering a start if it is not already READY), and reverse-proxies
// the original request bytes to the backend's loopback port.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeError(w, r, apierr.New(apierr.KindBadRequest, "Content-Type must be application/json"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, apierr.New(apierr.KindPayloadTooLarge, "request body exceeds %d bytes", maxBodyBytes))
		return
	}

	var mb modelBody
	if err := json.Unmarshal(raw, &mb); err != nil {
		writeError(w, r, apierr.New(apierr.KindBadRequest, "invalid JSON body"))
		return
	}
	if strings.TrimSpace(mb.Model) == "" {
		writeError(w, r, apierr.New(apierr.KindBadRequest, "\"model\" is required"))
		return
	}

	entry := f.reg.Get(mb.Model)
	if entry == nil {
		writeError(w, r, apierr.New(apierr.KindModelNotFound, "model %q is not configured; known models: %s", mb.Model, strings.Join(f.knownModels(), ", ")))
		return
	}

	admitCtx := r.Context()
	if err := f.ctrl.Admit(admitCtx, mb.Model); err != nil {
		writeError(w, r, err)
		return
	}

	h := entry.Handle()
	if h == nil {
		// Admitted but the handle vanished (raced with an eviction/crash
		// between Admit returning and reading it back); surface as a
		// transport error so the client retries rather than 500ing blind.
		writeError(w, r, apierr.New(apierr.KindBackendTransportError, "model %q has no live backend", mb.Model))
		return
	}

	target := &url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.Itoa(h.Port)}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.FlushInterval = -1 // flush on every write, matching SSE/chunked passthrough
	rp.ErrorLog = nil

	touched := false
	rp.ModifyResponse = func(resp *http.Response) error {
		if !touched {
			entry.Touch()
			if resp.StatusCode < 500 {
				entry.ResetFailures()
			}
			touched = true
		}
		return nil
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if r.Context().Err() != nil {
			return // client disconnected: not a backend failure, nothing useful to write
		}
		f.ctrl.RecordTransportFailure(mb.Model)
		f.log.Warn().Str("component", "proxy").Str("model", mb.Model).Err(err).Msg("backend transport error")
		writeError(w, r, apierr.Wrap(apierr.KindBackendTransportError, err, "model %q backend unreachable", mb.Model))
	}

	r.Body = io.NopCloser(bytes.NewReader(raw))
	r.ContentLength = int64(len(raw))
	rp.ServeHTTP(w, r)
}

func (f *Forwarder) knownModels() []string {
	names := f.reg.Names()
	sort.Strings(names)
	return names
}

// writeError renders an apierr.Error (or any error) as an OpenAI-compatible
// error body, per spec §7.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apierr.Error
	if e, ok := err.(*apierr.Error); ok {
		ae = e
	} else {
		ae = apierr.Wrap(apierr.KindInternal, err, "internal error")
	}
	if ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ae.RetryAfter))
	}
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		w.Header().Set("X-Request-Id", rid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.StatusCode())
	body := types.ErrorResponse{Error: types.ErrorBody{
		Message: ae.Error(),
		Type:    ae.Type(),
		Code:    string(ae.Kind),
	}}
	_ = json.NewEncoder(w).Encode(body)
}
