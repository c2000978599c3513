// Package reaper implements the Idle Reaper of spec §4.6: a background loop
// that stops READY, non-preloaded models whose last activity has exceeded
// the configured timeout. Ported from the original gateway's
// cleanup_inactive_models asyncio loop (asyncio.sleep(30), preload skip,
// timedelta comparison) to a time.Ticker, the way the rest of this module
// trades Python's asyncio primitives for goroutines and channels.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"modeld/internal/registry"
	"modeld/pkg/types"
)

// Stopper is the subset of *lifecycle.Controller the reaper depends on.
type Stopper interface {
	RequestStop(name string) (noOp bool, err error)
}

// Reaper periodically sweeps the registry for idle models and stops them.
type Reaper struct {
	reg      *registry.Registry
	ctrl     Stopper
	timeout  time.Duration
	interval time.Duration
	log      zerolog.Logger
}

// New constructs a Reaper. interval defaults to 30s (the original gateway's
// sweep cadence) if zero or negative.
func New(reg *registry.Registry, ctrl Stopper, timeout, interval time.Duration, log zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{reg: reg, ctrl: ctrl, timeout: timeout, interval: interval, log: log}
}

// Run blocks sweeping on a ticker until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep stops every READY, non-preloaded model idle past r.timeout. Errors
// from an individual stop are logged and do not abort the rest of the
// sweep, mirroring the original loop's per-model try/except.
func (r *Reaper) sweep() {
	now := time.Now()
	for _, e := range r.reg.List() {
		if e.Config.Preload {
			continue
		}
		if e.State() != types.StateReady {
			continue
		}
		last := e.LastActivity()
		if last.IsZero() || now.Sub(last) <= r.timeout {
			continue
		}
		name := e.Config.Name
		r.log.Info().Str("component", "reaper").Str("model", name).
			Dur("idle_for", now.Sub(last)).Msg("stopping inactive model")
		if _, err := r.ctrl.RequestStop(name); err != nil {
			r.log.Warn().Str("component", "reaper").Str("model", name).Err(err).Msg("failed to stop inactive model")
		}
	}
}
