package control

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SetupRoutes wires the management surface. One logical operation per
// exchange; requests on a single connection are handled strictly in
// order (HTTP/1.1 keep-alive semantics), interleaving across
// connections is allowed.
func SetupRoutes(api *API) http.Handler {
	r := chi.NewRouter()

	r.Get("/status", api.Status)
	r.Get("/healthz", Healthz)

	r.Post("/sensor/region", api.UpdateRegion)
	r.Post("/sensor/duration", api.SetDuration)
	r.Post("/sensor/telemetry", api.UpdateTelemetry)

	r.Post("/browser/navigate", api.Navigate)
	r.Post("/browser/interact", api.Interact)
	r.Post("/browser/seek", api.Seek)

	return r
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
