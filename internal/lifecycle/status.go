package lifecycle

import (
	"time"

	"modeld/pkg/types"
)

// AdminStatus builds the admin status view for one model, or false if
// unknown.
func (c *Controller) AdminStatus(name string) (types.AdminModelStatus, bool) {
	entry := c.reg.Get(name)
	if entry == nil {
		return types.AdminModelStatus{}, false
	}
	snap := entry.Snapshot()
	depth := 0
	if q := c.Queue(name); q != nil {
		depth = q.Depth()
	}
	uptime := 0.0
	if snap.State == types.StateReady && !snap.StartTS.IsZero() {
		uptime = time.Since(snap.StartTS).Seconds()
	}
	lastActivity := ""
	if !snap.LastActivityTS.IsZero() {
		lastActivity = snap.LastActivityTS.UTC().Format(time.RFC3339)
	}
	return types.AdminModelStatus{
		Name:          name,
		State:         snap.State,
		Port:          snap.Config.Port,
		Priority:      snap.Config.Priority,
		ResourceGroup: snap.Config.ResourceGroup,
		Preload:       snap.Config.Preload,
		RequestCount:  snap.RequestCount,
		FailureStreak: snap.FailureStreak,
		QueueDepth:    depth,
		LastActivity:  lastActivity,
		UptimeSeconds: uptime,
	}, true
}

// GroupNames returns the distinct, non-empty resource_group tags in the
// registry.
func (c *Controller) GroupNames() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range c.reg.List() {
		g := e.Config.ResourceGroup
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		out = append(out, g)
	}
	return out
}

// ModelsInGroup returns the model names sharing the given resource_group.
func (c *Controller) ModelsInGroup(group string) []string {
	var out []string
	for _, e := range c.reg.List() {
		if e.Config.ResourceGroup == group {
			out = append(out, e.Config.Name)
		}
	}
	return out
}
