package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"modeld/internal/supervisor"
	"modeld/pkg/types"
)

// api holds the Deps every handler method needs; a method-on-struct
// receiver in place of closures-over-locals, matching the reference
// gateway's Service-interface-backed handler style.
type api struct {
	d Deps
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// listModels implements GET /v1/models: every configured model is listed
// regardless of current state.
//
// @Summary List configured models
// @Tags client
// @Produce json
// @Success 200 {object} types.ModelsListResponse
// @Router /v1/models [get]
func (a *api) listModels(w http.ResponseWriter, r *http.Request) {
	names := a.d.Registry.Names()
	resp := types.ModelsListResponse{Object: "list", Data: make([]types.ModelObject, 0, len(names))}
	for _, n := range names {
		resp.Data = append(resp.Data, types.ModelObject{ID: n, Object: "model", OwnedBy: "gatewayd"})
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// health implements GET /health.
//
// @Summary Gateway health summary
// @Tags client
// @Produce json
// @Success 200 {object} types.HealthResponse
// @Router /health [get]
func (a *api) health(w http.ResponseWriter, r *http.Request) {
	entries := a.d.Registry.List()
	active := 0
	for _, e := range entries {
		if e.State().Active() {
			active++
		}
	}
	a.writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:       "ok",
		ModelsTotal:  len(entries),
		ModelsActive: active,
	})
}

// metricsJSON implements GET /metrics: the JSON per-model metrics view
// spec §6 requires, sampling live memory/CPU via internal/supervisor's
// gopsutil-backed ProcessStats for any model with a live handle.
//
// @Summary Per-model metrics
// @Tags client
// @Produce json
// @Success 200 {object} types.MetricsResponse
// @Router /metrics [get]
func (a *api) metricsJSON(w http.ResponseWriter, r *http.Request) {
	out := types.MetricsResponse{Models: make(map[string]types.ModelMetrics)}
	for _, e := range a.d.Registry.List() {
		snap := e.Snapshot()
		m := types.ModelMetrics{
			Status:       snap.State,
			RequestCount: snap.RequestCount,
		}
		if !snap.LastActivityTS.IsZero() {
			m.LastAccessed = snap.LastActivityTS.UTC().Format(time.RFC3339)
		}
		if snap.State == types.StateReady && !snap.StartTS.IsZero() {
			m.UptimeSeconds = time.Since(snap.StartTS).Seconds()
		}
		if h := e.Handle(); h != nil {
			m.MemoryUsageMB, m.CPUUsagePercent = supervisor.ProcessStats(h.Pid)
		}
		out.Models[e.Config.Name] = m
	}
	a.writeJSON(w, http.StatusOK, out)
}
