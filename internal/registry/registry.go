// Package registry holds the immutable per-model configuration snapshot and
// the mutable runtime entry for each model, per spec §4.2. It is grounded on
// the reference gateway's internal/registry/loader.go (directory scan +
// ~-expansion), generalized from "scan a directory for *.gguf" to "hold the
// ModelConfig map produced by internal/config and diff it across reloads."
package registry

import (
	"sync"
	"time"

	"modeld/internal/supervisor"
	"modeld/pkg/types"
)

// Entry is the mutable runtime record for one model (spec §3's ModelEntry).
// Its State/activity/counters are guarded by mu; Config is set once at
// creation and only ever replaced wholesale (on a config-changed reload),
// never mutated in place, so readers may read it without the lock.
type Entry struct {
	Config types.ModelConfig

	mu             sync.Mutex
	state          types.State
	pid            int
	port           int
	handle         *supervisor.Handle
	lastActivityTS time.Time
	startTS        time.Time
	requestCount   int64
	failureStreak  int
	readinessErr   string
}

func newEntry(mc types.ModelConfig) *Entry {
	return &Entry{Config: mc, state: types.StateStopped}
}

// Snapshot takes a copy-out read, safe to return to callers without holding
// any lock afterward (spec §5: "read-only status queries take a snapshot").
func (e *Entry) Snapshot() types.EntrySnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return types.EntrySnapshot{
		Config:         e.Config,
		State:          e.state,
		LastActivityTS: e.lastActivityTS,
		StartTS:        e.startTS,
		RequestCount:   e.requestCount,
		FailureStreak:  e.failureStreak,
		Pid:            e.pid,
		ReadinessErr:   e.readinessErr,
	}
}

func (e *Entry) State() types.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetState transitions the entry's state. Callers (the lifecycle Controller
// only — see spec §5's "only the Lifecycle Controller mutates" rule) are
// responsible for calling this under their own per-model serialization.
func (e *Entry) SetState(s types.State) {
	e.mu.Lock()
	e.state = s
	if s == types.StateStarting || s == types.StateReloading {
		e.startTS = time.Now()
	}
	e.mu.Unlock()
}

// MarkHandle records the live process handle; clear with MarkStopped.
func (e *Entry) MarkHandle(h *supervisor.Handle) {
	e.mu.Lock()
	e.handle = h
	if h != nil {
		e.pid = h.Pid
		e.port = h.Port
	}
	e.mu.Unlock()
}

// Handle returns the entry's current live process handle, or nil.
func (e *Entry) Handle() *supervisor.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle
}

// MarkStopped clears the process handle fields (invariant 4: a STOPPED entry
// has no live process_handle).
func (e *Entry) MarkStopped() {
	e.mu.Lock()
	e.state = types.StateStopped
	e.pid = 0
	e.handle = nil
	e.mu.Unlock()
}

// MarkActivity updates last_activity_ts without counting a request. Used
// for activity that isn't a forwarded client request — e.g. the READY
// transition itself — so request_count (spec §3/§4.5) reflects forwarded
// traffic only.
func (e *Entry) MarkActivity() {
	e.mu.Lock()
	e.lastActivityTS = time.Now()
	e.mu.Unlock()
}

// Touch records a forwarded request: updates last_activity_ts and
// increments request_count. Must be called on first byte of response, not
// completion (spec §4.5).
func (e *Entry) Touch() {
	e.mu.Lock()
	e.lastActivityTS = time.Now()
	e.requestCount++
	e.mu.Unlock()
}

// LastActivity returns the last-activity timestamp (used by the reaper).
func (e *Entry) LastActivity() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActivityTS
}

// RecordFailure increments the consecutive-transport-failure counter and
// returns the new count (spec §4.5: three consecutive failures demotes to
// FAILED).
func (e *Entry) RecordFailure() int {
	e.mu.Lock()
	e.failureStreak++
	n := e.failureStreak
	e.mu.Unlock()
	return n
}

// ResetFailures clears the consecutive-failure counter, called on any
// successful forward.
func (e *Entry) ResetFailures() {
	e.mu.Lock()
	e.failureStreak = 0
	e.mu.Unlock()
}

// SetReadinessErr records the most recent start/readiness failure message.
func (e *Entry) SetReadinessErr(msg string) {
	e.mu.Lock()
	e.readinessErr = msg
	e.mu.Unlock()
}

// Registry holds the config snapshot and the model-name-to-Entry map. It is
// process-wide and handed by reference to request handlers (spec §9: "model
// them as one owner struct ... avoid ambient globals").
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New builds a Registry with one STOPPED Entry per model in the initial
// config snapshot.
func New(models map[string]types.ModelConfig) *Registry {
	r := &Registry{entries: make(map[string]*Entry, len(models))}
	for name, mc := range models {
		r.entries[name] = newEntry(mc)
	}
	return r
}

// Get returns the Entry for name, or nil if unknown.
func (r *Registry) Get(name string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// List returns every Entry in the registry (order unspecified).
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Names returns every configured model name, regardless of current state —
// GET /v1/models must list all of them (spec §6).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for n := range r.entries {
		out = append(out, n)
	}
	return out
}

// Snapshot returns a copy-out view of every entry, for status views.
func (r *Registry) Snapshot() []types.EntrySnapshot {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	out := make([]types.EntrySnapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Snapshot())
	}
	return out
}

// Diff is the result of Reconcile: added/removed/changed model names,
// applied by the lifecycle Controller as a batch of start/stop/reconfigure
// commands (spec §9's "hot reload produces a new snapshot and a diff").
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Reconcile computes the diff against newModels without mutating the
// registry; the caller (lifecycle Controller) applies it. "Changed" means
// port/model_path/additional_args differ — those fields require a respawn
// per spec §3's Lifecycle paragraph; any other field (priority,
// resource_group, auto_start, preload, queue overrides) is updated in place
// by the lifecycle Controller's ApplyReconcile without restarting the backend.
func (r *Registry) Reconcile(newModels map[string]types.ModelConfig) Diff {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var d Diff
	for name := range newModels {
		if _, ok := r.entries[name]; !ok {
			d.Added = append(d.Added, name)
		}
	}
	for name, e := range r.entries {
		nm, ok := newModels[name]
		if !ok {
			d.Removed = append(d.Removed, name)
			continue
		}
		if materiallyChanged(e.Config, nm) {
			d.Changed = append(d.Changed, name)
		}
	}
	return d
}

func materiallyChanged(old, new types.ModelConfig) bool {
	if old.Port != new.Port || old.ModelPath != new.ModelPath {
		return true
	}
	if len(old.AdditionalArgs) != len(new.AdditionalArgs) {
		return true
	}
	for i := range old.AdditionalArgs {
		if old.AdditionalArgs[i] != new.AdditionalArgs[i] {
			return true
		}
	}
	return false
}

// Add creates a new STOPPED entry for mc. Used for a reload's "added" diff.
func (r *Registry) Add(mc types.ModelConfig) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := newEntry(mc)
	r.entries[mc.Name] = e
	return e
}

// Remove deletes the entry for name. Used for a reload's "removed" diff,
// after the lifecycle Controller has driven it to STOPPED.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Replace swaps an entry's Config in place, used for "changed" diffs once
// the old backend has been stopped, and for in-place-updatable field
// changes that don't require a respawn.
func (r *Registry) Replace(name string, mc types.ModelConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.Config = mc
	}
}
