// Package lifecycle implements the per-model state machine of spec §4.3:
// serialized start/stop/reload, the global concurrent-model cap with
// priority-based eviction, and auto-start on boot. Grounded on the
// reference gateway's EnsureInstance/evictUntilFits/beginGeneration trio
// (internal/manager/ensure.go, evict.go, admission.go), generalized from a
// single VRAM-budget dimension to the full
// STOPPED/STARTING/READY/STOPPING/RELOADING/FAILED machine and to
// priority+LRU eviction. One future per in-flight transition per model
// (rather than a command channel) makes "exactly one in-flight transition"
// and "a start-request arriving during STARTING returns the same pending
// readiness future" structurally explicit, per spec §9's REDESIGN FLAG.
package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modeld/internal/apierr"
	"modeld/internal/events"
	"modeld/internal/queue"
	"modeld/internal/registry"
	"modeld/internal/supervisor"
	"modeld/pkg/types"
)

// Options configures a Controller.
type Options struct {
	MaxConcurrentModels int
	DefaultQueueSize    int
	DefaultRequestTTL   time.Duration
	Logger              zerolog.Logger
	Publisher           events.Publisher
}

// future is a one-shot broadcast used to let concurrent callers join an
// in-flight transition instead of each starting their own.
type future struct {
	done chan struct{}
	err  error
}

func newFuture() *future { return &future{done: make(chan struct{})} }

func (f *future) resolve(err error) {
	f.err = err
	close(f.done)
}

func (f *future) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// modelState tracks the in-flight-transition bookkeeping for one model.
type modelState struct {
	mu        sync.Mutex
	starting  *future
	stopping  *future
	reloading *future
}

// Spawner is the subset of *supervisor.Supervisor the Controller depends
// on. Tests substitute a fake to exercise the state machine without
// spawning real processes, the way the reference gateway's
// InferenceAdapter interface lets manager tests swap in a stub.
type Spawner interface {
	Start(ctx context.Context, mc types.ModelConfig) (*supervisor.Handle, error)
	Stop(mc types.ModelConfig, h *supervisor.Handle)
}

// Controller is the Lifecycle Controller: one per gateway process, holding
// a per-model modelState, the global admission counter, and the queues and
// supervisor it drives.
type Controller struct {
	reg *registry.Registry
	sup Spawner
	bus events.Publisher
	log zerolog.Logger

	maxConcurrent    int
	defaultQueueSize int
	defaultReqTTL    time.Duration

	admu   sync.Mutex
	active int

	msMu   sync.Mutex
	states map[string]*modelState

	qMu    sync.Mutex
	queues map[string]*queue.Queue
}

// New constructs a Controller for the given registry and supervisor and
// creates one Request Queue per currently-configured model.
func New(reg *registry.Registry, sup Spawner, opts Options) *Controller {
	if opts.Publisher == nil {
		opts.Publisher = events.NoopPublisher{}
	}
	if opts.MaxConcurrentModels <= 0 {
		opts.MaxConcurrentModels = 2
	}
	c := &Controller{
		reg:              reg,
		sup:              sup,
		bus:              opts.Publisher,
		log:              opts.Logger,
		maxConcurrent:    opts.MaxConcurrentModels,
		defaultQueueSize: opts.DefaultQueueSize,
		defaultReqTTL:    opts.DefaultRequestTTL,
		states:           make(map[string]*modelState),
		queues:           make(map[string]*queue.Queue),
	}
	for _, e := range reg.List() {
		c.states[e.Config.Name] = &modelState{}
		c.queues[e.Config.Name] = c.newQueueFor(e.Config)
	}
	return c
}

func (c *Controller) newQueueFor(mc types.ModelConfig) *queue.Queue {
	size := mc.MaxQueueSize
	if size <= 0 {
		size = c.defaultQueueSize
	}
	ttl := mc.RequestTimeout.Duration()
	if ttl <= 0 {
		ttl = c.defaultReqTTL
	}
	return queue.New(size, ttl)
}

func (c *Controller) modelState(name string) *modelState {
	c.msMu.Lock()
	defer c.msMu.Unlock()
	ms, ok := c.states[name]
	if !ok {
		ms = &modelState{}
		c.states[name] = ms
	}
	return ms
}

// Queue returns the Request Queue for name, or nil if unknown.
func (c *Controller) Queue(name string) *queue.Queue {
	c.qMu.Lock()
	defer c.qMu.Unlock()
	return c.queues[name]
}

func (c *Controller) publish(name, event string, fields map[string]any) {
	c.bus.Publish(events.Event{Name: event, Model: name, Fields: fields})
}

// Admit is the Proxy Forwarder's entry point: if the model is READY, it
// returns immediately; otherwise it enqueues the caller on the model's
// Request Queue, kicks off a start-request, and blocks until drained,
// failed, or the caller's ctx is cancelled.
func (c *Controller) Admit(ctx context.Context, name string) error {
	entry := c.reg.Get(name)
	if entry == nil {
		return apierr.New(apierr.KindModelNotFound, "model %q is not configured", name)
	}
	if entry.State() == types.StateReady {
		return nil
	}
	q := c.Queue(name)
	if q == nil {
		return apierr.New(apierr.KindModelNotFound, "model %q is not configured", name)
	}
	tk, err := q.Enqueue(ctx)
	if err != nil {
		return err
	}
	go func() { _ = c.RequestStart(context.Background(), name) }()

	select {
	case err := <-tk.Result():
		return err
	case <-ctx.Done():
		q.Remove(tk)
		return ctx.Err()
	}
}

// RequestStart drives a model from STOPPED/FAILED to READY, or joins an
// already in-flight start/reload. Returns nil once the model is READY.
func (c *Controller) RequestStart(ctx context.Context, name string) error {
	entry := c.reg.Get(name)
	if entry == nil {
		return apierr.New(apierr.KindModelNotFound, "model %q is not configured", name)
	}
	ms := c.modelState(name)

	for {
		if entry.State() == types.StateReady {
			// A ticket can land in this model's queue after the READY
			// transition's own drain already ran (Admit's enqueue-after-
			// check-and-before-spawn window): draining again here, on
			// every path that observes READY, catches that straggler.
			// Draining an already-empty queue is a no-op.
			if q := c.Queue(name); q != nil {
				q.Drain()
			}
			return nil
		}
		ms.mu.Lock()
		switch {
		case ms.starting != nil:
			f := ms.starting
			ms.mu.Unlock()
			if err := f.wait(ctx); err != nil {
				return err
			}
			continue // state is now READY; loop to the top-of-loop drain
		case ms.reloading != nil:
			f := ms.reloading
			ms.mu.Unlock()
			if err := f.wait(ctx); err != nil {
				return err
			}
			continue // state is now READY; loop to the top-of-loop drain
		case ms.stopping != nil:
			f := ms.stopping
			ms.mu.Unlock()
			if err := f.wait(ctx); err != nil {
				return err
			}
			continue // state is now STOPPED; loop to start fresh
		}
		// No in-flight transition: claim the starting future ourselves.
		f := newFuture()
		ms.starting = f
		ms.mu.Unlock()
		entry.SetState(types.StateStarting)
		c.publish(name, "starting", nil)
		c.runStart(name, entry, ms, f)
		return f.wait(ctx)
	}
}

// runStart performs admission, spawns the backend, and resolves f. It runs
// synchronously on the caller that claimed the starting future, through
// admission and the readiness wait; concurrent callers join f via wait().
func (c *Controller) runStart(name string, entry *registry.Entry, ms *modelState, f *future) {
	q := c.Queue(name)
	mc := entry.Config

	admCtx, cancel := context.WithTimeout(context.Background(), 2*mc.RequestTimeout.Duration()+30*time.Second)
	defer cancel()
	if err := c.admitStart(admCtx, name); err != nil {
		entry.SetState(types.StateFailed)
		entry.SetReadinessErr(err.Error())
		c.publish(name, "start_failed", map[string]any{"reason": "admission_denied"})
		ms.mu.Lock()
		ms.starting = nil
		ms.mu.Unlock()
		if q != nil {
			q.Fail(err)
		}
		f.resolve(err)
		return
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), mc.RequestTimeout.Duration()+3*time.Minute)
	defer cancelStart()
	h, err := c.sup.Start(startCtx, mc)
	if err != nil {
		entry.SetState(types.StateFailed)
		entry.SetReadinessErr(err.Error())
		c.releaseActive()
		c.publish(name, "start_failed", map[string]any{"reason": err.Error()})
		ms.mu.Lock()
		ms.starting = nil
		ms.mu.Unlock()
		if q != nil {
			q.Fail(apierr.Wrap(apierr.KindStartFailure, err, "model %q failed to start", name))
		}
		f.resolve(err)
		return
	}

	entry.MarkHandle(h)
	entry.SetState(types.StateReady)
	entry.MarkActivity()
	entry.ResetFailures()
	c.publish(name, "ready", map[string]any{"pid": h.Pid, "port": h.Port})
	ms.mu.Lock()
	ms.starting = nil
	ms.mu.Unlock()
	if q != nil {
		q.Drain()
	}
	f.resolve(nil)
}

// RequestStop drives a READY model to STOPPED. It waits for any in-flight
// start to finish first (never cancels mid-spawn) and is a no-op on a model
// that is already STOPPED or FAILED.
func (c *Controller) RequestStop(name string) (noOp bool, err error) {
	entry := c.reg.Get(name)
	if entry == nil {
		return false, apierr.New(apierr.KindModelNotFound, "model %q is not configured", name)
	}
	ms := c.modelState(name)
	ctx := context.Background()

	ms.mu.Lock()
	startF := ms.starting
	reloadF := ms.reloading
	ms.mu.Unlock()
	if startF != nil {
		_ = startF.wait(ctx)
	}
	if reloadF != nil {
		_ = reloadF.wait(ctx)
	}

	switch entry.State() {
	case types.StateStopped, types.StateFailed:
		return true, nil
	}

	ms.mu.Lock()
	if ms.stopping != nil {
		f := ms.stopping
		ms.mu.Unlock()
		return false, f.wait(ctx)
	}
	f := newFuture()
	ms.stopping = f
	ms.mu.Unlock()

	entry.SetState(types.StateStopping)
	c.publish(name, "stopping", nil)
	h := entry.Handle()
	c.sup.Stop(entry.Config, h)
	entry.MarkStopped()
	c.releaseActive()
	c.publish(name, "stopped", nil)

	ms.mu.Lock()
	ms.stopping = nil
	ms.mu.Unlock()
	f.resolve(nil)
	return false, nil
}

// RequestReload drives a READY model through RELOADING: the replacement is
// spawned before the old process is torn down, so old in-flight streams
// keep running against it until the atomic handle swap.
func (c *Controller) RequestReload(ctx context.Context, name string, newConfig types.ModelConfig) error {
	entry := c.reg.Get(name)
	if entry == nil {
		return apierr.New(apierr.KindModelNotFound, "model %q is not configured", name)
	}
	ms := c.modelState(name)

	ms.mu.Lock()
	startF := ms.starting
	ms.mu.Unlock()
	if startF != nil {
		_ = startF.wait(ctx) // reload-request during STARTING is deferred until READY
	}

	if entry.State() != types.StateReady {
		c.reg.Replace(name, newConfig)
		return nil
	}

	ms.mu.Lock()
	if ms.reloading != nil {
		f := ms.reloading
		ms.mu.Unlock()
		return f.wait(ctx)
	}
	f := newFuture()
	ms.reloading = f
	ms.mu.Unlock()

	entry.SetState(types.StateReloading)
	c.publish(name, "reloading", nil)
	oldConfig := entry.Config
	oldHandle := entry.Handle()

	h, err := c.sup.Start(ctx, newConfig)
	if err != nil {
		entry.SetState(types.StateFailed)
		entry.SetReadinessErr(err.Error())
		c.sup.Stop(oldConfig, oldHandle)
		entry.MarkStopped()
		c.releaseActive()
		c.publish(name, "reload_failed", map[string]any{"reason": err.Error()})
		ms.mu.Lock()
		ms.reloading = nil
		ms.mu.Unlock()
		if q := c.Queue(name); q != nil {
			q.Fail(apierr.Wrap(apierr.KindStartFailure, err, "model %q reload failed", name))
		}
		f.resolve(err)
		return err
	}

	c.reg.Replace(name, newConfig)
	entry.MarkHandle(h)
	entry.SetState(types.StateReady)
	entry.MarkActivity()
	entry.ResetFailures()
	c.sup.Stop(oldConfig, oldHandle)
	c.publish(name, "ready", map[string]any{"pid": h.Pid, "port": h.Port, "reloaded": true})

	ms.mu.Lock()
	ms.reloading = nil
	ms.mu.Unlock()
	if q := c.Queue(name); q != nil {
		q.Drain()
	}
	f.resolve(nil)
	return nil
}

// releaseActive decrements the global admission counter; called whenever a
// model leaves {STARTING, READY, RELOADING}.
func (c *Controller) releaseActive() {
	c.admu.Lock()
	if c.active > 0 {
		c.active--
	}
	c.admu.Unlock()
}

// RecordTransportFailure is called by the Proxy Forwarder on a backend
// connection error. Three consecutive failures demote the model to FAILED
// and trigger teardown, per spec §4.5/§7.
func (c *Controller) RecordTransportFailure(name string) {
	entry := c.reg.Get(name)
	if entry == nil {
		return
	}
	n := entry.RecordFailure()
	if n < 3 {
		return
	}
	if entry.State() != types.StateReady {
		return
	}
	c.publish(name, "demoted_failed", map[string]any{"reason": "three_consecutive_transport_failures"})
	h := entry.Handle()
	entry.MarkStopped()
	entry.SetState(types.StateFailed)
	c.releaseActive()
	go c.sup.Stop(entry.Config, h)
}

// Bootstrap starts preload models immediately, then (unless onDemandOnly)
// starts auto_start models. Start-requests are issued in priority-descending
// order, each in its own goroutine, so the order in which they are admitted
// and become READY is not guaranteed to follow priority.
func (c *Controller) Bootstrap(ctx context.Context, onDemandOnly bool) {
	entries := c.reg.List()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Config.Priority > entries[j].Config.Priority })

	// An entry already driven to FAILED before Bootstrap runs (e.g. by a
	// boot-time port-conflict scan, spec §5) is skipped rather than
	// auto-started: RequestStart would happily retry a FAILED entry, which
	// defeats the scan's "report as a hard error" intent.
	isBootFailed := func(e *registry.Entry) bool { return e.State() == types.StateFailed }

	for _, e := range entries {
		if e.Config.Preload && !isBootFailed(e) {
			go func(name string) { _ = c.RequestStart(ctx, name) }(e.Config.Name)
		}
	}
	if onDemandOnly {
		return
	}
	for _, e := range entries {
		if e.Config.AutoStart && !e.Config.Preload && !isBootFailed(e) {
			go func(name string) { _ = c.RequestStart(ctx, name) }(e.Config.Name)
		}
	}
}

// Shutdown stops every running model, best-effort, for process exit.
func (c *Controller) Shutdown() {
	for _, e := range c.reg.List() {
		switch e.State() {
		case types.StateReady, types.StateStarting, types.StateReloading:
			_, _ = c.RequestStop(e.Config.Name)
		}
	}
}
