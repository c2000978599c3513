package lifecycle

import (
	"context"

	"modeld/internal/registry"
	"modeld/pkg/types"
)

// ApplyReconcile applies a registry.Diff computed against a freshly loaded
// config snapshot: added models get a STOPPED entry (auto-started if
// configured), removed models are driven to STOPPED and deleted, and
// changed models are driven to STOPPED then respawned. Models that are not
// materially changed keep running; their other fields are updated in place
// (see below), per spec §6's reload semantics.
func (c *Controller) ApplyReconcile(ctx context.Context, diff registry.Diff, newModels map[string]types.ModelConfig, onDemandOnly bool) {
	for _, name := range diff.Removed {
		_, _ = c.RequestStop(name)
		c.reg.Remove(name)
		c.qMu.Lock()
		delete(c.queues, name)
		c.qMu.Unlock()
		c.msMu.Lock()
		delete(c.states, name)
		c.msMu.Unlock()
	}

	for _, name := range diff.Added {
		mc := newModels[name]
		e := c.reg.Add(mc)
		c.msMu.Lock()
		c.states[name] = &modelState{}
		c.msMu.Unlock()
		c.qMu.Lock()
		c.queues[name] = c.newQueueFor(mc)
		c.qMu.Unlock()
		if mc.Preload || (mc.AutoStart && !onDemandOnly) {
			go func(n string) { _ = c.RequestStart(ctx, n) }(e.Config.Name)
		}
	}

	for _, name := range diff.Changed {
		mc := newModels[name]
		entry := c.reg.Get(name)
		wasRunning := entry != nil && entry.State() != types.StateStopped && entry.State() != types.StateFailed
		_, _ = c.RequestStop(name)
		c.reg.Replace(name, mc)
		c.qMu.Lock()
		c.queues[name] = c.newQueueFor(mc)
		c.qMu.Unlock()
		if wasRunning || mc.Preload || (mc.AutoStart && !onDemandOnly) {
			go func(n string) { _ = c.RequestStart(ctx, n) }(name)
		}
	}

	// Entries present in both snapshots but not flagged as materially
	// changed still get their non-respawning fields (priority,
	// resource_group, auto_start, preload, queue overrides) applied in
	// place, per registry.Reconcile's "changed" contract: port/path/args
	// trigger a respawn, everything else updates without disturbing a
	// running backend.
	changed := make(map[string]struct{}, len(diff.Changed)+len(diff.Added)+len(diff.Removed))
	for _, name := range diff.Changed {
		changed[name] = struct{}{}
	}
	for _, name := range diff.Added {
		changed[name] = struct{}{}
	}
	for _, name := range diff.Removed {
		changed[name] = struct{}{}
	}
	for name, mc := range newModels {
		if _, skip := changed[name]; skip {
			continue
		}
		if c.reg.Get(name) == nil {
			continue
		}
		c.reg.Replace(name, mc)
		size := mc.MaxQueueSize
		if size <= 0 {
			size = c.defaultQueueSize
		}
		ttl := mc.RequestTimeout.Duration()
		if ttl <= 0 {
			ttl = c.defaultReqTTL
		}
		c.qMu.Lock()
		if q, ok := c.queues[name]; ok {
			q.SetLimits(size, ttl)
		}
		c.qMu.Unlock()
	}
}
