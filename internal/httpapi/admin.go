package httpapi

import (
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"modeld/internal/apierr"
	"modeld/pkg/types"
)

// adminStartOne implements POST /admin/models/{name}/start: a no-op success
// if the model is already READY, otherwise drives STOPPED/FAILED to READY.
//
// @Summary Start one model
// @Tags admin
// @Produce json
// @Param name path string true "model name"
// @Success 200 {object} types.OpResult
// @Router /admin/models/{name}/start [post]
func (a *api) adminStartOne(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	entry := a.d.Registry.Get(name)
	if entry == nil {
		writeAPIError(w, r, apierr.New(apierr.KindModelNotFound, "model %q is not configured", name))
		return
	}
	noOp := entry.State() == types.StateReady
	if err := a.d.Lifecycle.RequestStart(r.Context(), name); err != nil {
		writeAPIError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, types.OpResult{Name: name, State: entry.State(), NoOp: noOp})
}

// adminStopOne implements POST /admin/models/{name}/stop.
//
// @Summary Stop one model
// @Tags admin
// @Produce json
// @Param name path string true "model name"
// @Success 200 {object} types.OpResult
// @Router /admin/models/{name}/stop [post]
func (a *api) adminStopOne(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	entry := a.d.Registry.Get(name)
	if entry == nil {
		writeAPIError(w, r, apierr.New(apierr.KindModelNotFound, "model %q is not configured", name))
		return
	}
	noOp, err := a.d.Lifecycle.RequestStop(name)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, types.OpResult{Name: name, State: entry.State(), NoOp: noOp})
}

// adminReloadOne implements POST /admin/models/{name}/reload: reloads the
// single model against its current configuration (a no-op config change),
// useful for forcing a respawn without a full config-file reload.
//
// @Summary Reload one model
// @Tags admin
// @Produce json
// @Param name path string true "model name"
// @Success 200 {object} types.OpResult
// @Router /admin/models/{name}/reload [post]
func (a *api) adminReloadOne(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	entry := a.d.Registry.Get(name)
	if entry == nil {
		writeAPIError(w, r, apierr.New(apierr.KindModelNotFound, "model %q is not configured", name))
		return
	}
	if err := a.d.Lifecycle.RequestReload(r.Context(), name, entry.Config); err != nil {
		writeAPIError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, types.OpResult{Name: name, State: entry.State()})
}

// adminStatusOne implements GET /admin/models/{name}/status.
//
// @Summary One model's admin status
// @Tags admin
// @Produce json
// @Param name path string true "model name"
// @Success 200 {object} types.AdminModelStatus
// @Router /admin/models/{name}/status [get]
func (a *api) adminStatusOne(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, ok := a.d.Lifecycle.AdminStatus(name)
	if !ok {
		writeAPIError(w, r, apierr.New(apierr.KindModelNotFound, "model %q is not configured", name))
		return
	}
	a.writeJSON(w, http.StatusOK, st)
}

// bulkOp fans out fn over names in parallel via errgroup, collecting one
// BulkOpResult per model without aborting on the first failure — bulk verbs
// report per-model success/failure, per spec §4.7.
func bulkOp(names []string, fn func(name string) (noOp bool, err error)) types.BulkOpResponse {
	results := make([]types.BulkOpResult, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			noOp, err := fn(name)
			res := types.BulkOpResult{Name: name, Ok: err == nil, NoOp: noOp}
			if err != nil {
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return types.BulkOpResponse{Results: results}
}

// adminStartAll implements POST /admin/models/start-all.
//
// @Summary Start every configured model
// @Tags admin
// @Produce json
// @Success 200 {object} types.BulkOpResponse
// @Router /admin/models/start-all [post]
func (a *api) adminStartAll(w http.ResponseWriter, r *http.Request) {
	names := sortedNames(a.d.Registry.Names())
	resp := bulkOp(names, func(name string) (bool, error) {
		entry := a.d.Registry.Get(name)
		noOp := entry != nil && entry.State() == types.StateReady
		err := a.d.Lifecycle.RequestStart(r.Context(), name)
		return noOp, err
	})
	a.writeJSON(w, http.StatusOK, resp)
}

// adminStopAll implements POST /admin/models/stop-all: every running model
// except preload=true ones, per spec §4.7/glossary's preload-immunity rule.
//
// @Summary Stop every running non-preloaded model
// @Tags admin
// @Produce json
// @Success 200 {object} types.BulkOpResponse
// @Router /admin/models/stop-all [post]
func (a *api) adminStopAll(w http.ResponseWriter, r *http.Request) {
	var names []string
	for _, e := range a.d.Registry.List() {
		if e.Config.Preload {
			continue
		}
		names = append(names, e.Config.Name)
	}
	sort.Strings(names)
	resp := bulkOp(names, func(name string) (bool, error) {
		return a.d.Lifecycle.RequestStop(name)
	})
	a.writeJSON(w, http.StatusOK, resp)
}

// adminRestartAll implements POST /admin/models/restart-all: stop then
// start every currently-running model (preloaded models included, since a
// restart is explicit operator intent, unlike the idle-reap/stop-all
// preload exemption).
//
// @Summary Restart every currently running model
// @Tags admin
// @Produce json
// @Success 200 {object} types.BulkOpResponse
// @Router /admin/models/restart-all [post]
func (a *api) adminRestartAll(w http.ResponseWriter, r *http.Request) {
	var names []string
	for _, e := range a.d.Registry.List() {
		if e.State().Active() {
			names = append(names, e.Config.Name)
		}
	}
	sort.Strings(names)
	resp := bulkOp(names, func(name string) (bool, error) {
		if _, err := a.d.Lifecycle.RequestStop(name); err != nil {
			return false, err
		}
		return false, a.d.Lifecycle.RequestStart(r.Context(), name)
	})
	a.writeJSON(w, http.StatusOK, resp)
}

// adminGroupStart implements POST /admin/groups/{group}/start.
//
// @Summary Start every model in a resource group
// @Tags admin
// @Produce json
// @Param group path string true "resource_group tag"
// @Success 200 {object} types.BulkOpResponse
// @Router /admin/groups/{group}/start [post]
func (a *api) adminGroupStart(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	names := a.d.Lifecycle.ModelsInGroup(group)
	if len(names) == 0 {
		writeAPIError(w, r, apierr.New(apierr.KindGroupNotFound, "resource_group %q has no members", group))
		return
	}
	sort.Strings(names)
	resp := bulkOp(names, func(name string) (bool, error) {
		entry := a.d.Registry.Get(name)
		noOp := entry != nil && entry.State() == types.StateReady
		return noOp, a.d.Lifecycle.RequestStart(r.Context(), name)
	})
	a.writeJSON(w, http.StatusOK, resp)
}

// adminGroupStop implements POST /admin/groups/{group}/stop.
//
// @Summary Stop every model in a resource group
// @Tags admin
// @Produce json
// @Param group path string true "resource_group tag"
// @Success 200 {object} types.BulkOpResponse
// @Router /admin/groups/{group}/stop [post]
func (a *api) adminGroupStop(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	names := a.d.Lifecycle.ModelsInGroup(group)
	if len(names) == 0 {
		writeAPIError(w, r, apierr.New(apierr.KindGroupNotFound, "resource_group %q has no members", group))
		return
	}
	sort.Strings(names)
	resp := bulkOp(names, func(name string) (bool, error) {
		return a.d.Lifecycle.RequestStop(name)
	})
	a.writeJSON(w, http.StatusOK, resp)
}

// adminGroupsStatus implements GET /admin/groups/status: a rollup of every
// resource_group's member statuses.
//
// @Summary Resource-group status rollup
// @Tags admin
// @Produce json
// @Success 200 {object} types.GroupStatusResponse
// @Router /admin/groups/status [get]
func (a *api) adminGroupsStatus(w http.ResponseWriter, r *http.Request) {
	groups := a.d.Lifecycle.GroupNames()
	sort.Strings(groups)
	resp := types.GroupStatusResponse{Groups: make([]types.GroupStatus, 0, len(groups))}
	for _, g := range groups {
		names := sortedNames(a.d.Lifecycle.ModelsInGroup(g))
		models := make([]types.AdminModelStatus, 0, len(names))
		for _, n := range names {
			if st, ok := a.d.Lifecycle.AdminStatus(n); ok {
				models = append(models, st)
			}
		}
		resp.Groups = append(resp.Groups, types.GroupStatus{Group: g, Models: models})
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// adminQueueStatus implements GET /admin/queue/status: every model's queue
// depth/capacity/oldest-enqueued-at.
//
// @Summary Every model's queue status
// @Tags admin
// @Produce json
// @Success 200 {object} types.QueueStatusResponse
// @Router /admin/queue/status [get]
func (a *api) adminQueueStatus(w http.ResponseWriter, r *http.Request) {
	names := sortedNames(a.d.Registry.Names())
	resp := types.QueueStatusResponse{Queues: make([]types.QueueStatus, 0, len(names))}
	for _, n := range names {
		resp.Queues = append(resp.Queues, a.queueStatusOf(n))
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// adminQueueStatusOne implements GET /admin/queue/{name}/status.
//
// @Summary One model's queue status
// @Tags admin
// @Produce json
// @Param name path string true "model name"
// @Success 200 {object} types.QueueStatus
// @Router /admin/queue/{name}/status [get]
func (a *api) adminQueueStatusOne(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if a.d.Lifecycle.Queue(name) == nil {
		writeAPIError(w, r, apierr.New(apierr.KindModelNotFound, "model %q is not configured", name))
		return
	}
	a.writeJSON(w, http.StatusOK, a.queueStatusOf(name))
}

func (a *api) queueStatusOf(name string) types.QueueStatus {
	q := a.d.Lifecycle.Queue(name)
	if q == nil {
		return types.QueueStatus{Name: name}
	}
	st := types.QueueStatus{Name: name, Depth: q.Depth(), Cap: q.Capacity()}
	if oldest, ok := q.Oldest(); ok {
		st.Oldest = oldest.UTC().Format(time.RFC3339)
	}
	return st
}

// adminQueueClear implements POST /admin/queue/{name}/clear: the operator-
// recovery verb that resolves every queued entry with a "queue cleared"
// error (spec §4.4).
//
// @Summary Clear a model's pending queue
// @Tags admin
// @Produce json
// @Param name path string true "model name"
// @Success 200 {object} types.OpResult
// @Router /admin/queue/{name}/clear [post]
func (a *api) adminQueueClear(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	q := a.d.Lifecycle.Queue(name)
	if q == nil {
		writeAPIError(w, r, apierr.New(apierr.KindModelNotFound, "model %q is not configured", name))
		return
	}
	q.Clear()
	entry := a.d.Registry.Get(name)
	state := types.StateStopped
	if entry != nil {
		state = entry.State()
	}
	a.writeJSON(w, http.StatusOK, types.OpResult{Name: name, State: state})
}

func sortedNames(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}
