//go:build !swagger

package httpapi

import "github.com/go-chi/chi/v5"

// MountSwagger is a no-op: no /swagger/* route is served. This package has
// no swagger-tagged implementation of MountSwagger.
func MountSwagger(r chi.Router) {}
