package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"modeld/internal/apierr"
	"modeld/pkg/types"
)

// writeAPIError renders err as the {"error":{...}} body of spec §6/§7,
// mapping apierr.Kind to an HTTP status through the single central mapper
// apierr.Error already carries, rather than ad hoc per-handler status
// codes (unlike the reference gateway's server.go, which special-cases
// manager.IsModelNotFound/IsTooBusy inline per handler).
func writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	ae, ok := err.(*apierr.Error)
	if !ok {
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
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: types.ErrorBody{
		Message: ae.Error(),
		Type:    ae.Type(),
		Code:    string(ae.Kind),
	}})
}
