package lifecycle

import (
	"context"
	"sort"

	"modeld/internal/apierr"
	"modeld/internal/registry"
	"modeld/pkg/types"
)

// admitStart reserves one of max_concurrent_models global admission slots
// for name, evicting the lowest-priority / oldest-idle READY non-preloaded
// model if the cap is already reached. The capacity check and the increment
// happen together under admu, so two concurrent start-requests cannot both
// take the last free slot. The victim is chosen under admu but stopped after
// admu is released; the loop then re-checks capacity under admu.
func (c *Controller) admitStart(ctx context.Context, name string) error {
	for {
		c.admu.Lock()
		if c.active < c.maxConcurrent {
			c.active++
			c.admu.Unlock()
			return nil
		}
		victim := c.pickEvictionVictim(name)
		c.admu.Unlock()

		if victim == "" {
			return apierr.New(apierr.KindAdmissionDenied, "no capacity: %d/%d models active and no evictable candidate", c.active, c.maxConcurrent)
		}

		if _, err := c.RequestStop(victim); err != nil {
			return apierr.Wrap(apierr.KindAdmissionDenied, err, "eviction of %q failed", victim)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// pickEvictionVictim chooses the READY, non-preloaded entry (other than
// exclude) with the lowest priority, tie-broken by oldest last_activity_ts.
// Must be called with admu held.
func (c *Controller) pickEvictionVictim(exclude string) string {
	var candidates []*registry.Entry
	for _, e := range c.reg.List() {
		if e.Config.Name == exclude {
			continue
		}
		if e.Config.Preload {
			continue
		}
		if e.State() != types.StateReady {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := candidates[i].Config.Priority, candidates[j].Config.Priority
		if pi != pj {
			return pi < pj
		}
		return candidates[i].LastActivity().Before(candidates[j].LastActivity())
	})
	return candidates[0].Config.Name
}
