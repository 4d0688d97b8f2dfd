package runtime

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// AdminPrefix is the path prefix of the per-worker admin endpoints.
const AdminPrefix = "/__baremetal"

// Admin wires the admin endpoints. Nil fields disable their route.
type Admin struct {
	// Health returns a JSON-encodable summary of the application handler.
	Health func() any
	// Recycle asks the application handler to replace its workers.
	Recycle func()
	// Metrics serves the prometheus exposition.
	Metrics http.Handler
}

// NewRouter mounts the admin routes under AdminPrefix and sends every
// other request to app.
func NewRouter(admin Admin, app http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Route(AdminPrefix, func(r chi.Router) {
		if admin.Health != nil {
			r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, admin.Health())
			})
		}
		if admin.Recycle != nil {
			r.Post("/recycle", func(w http.ResponseWriter, _ *http.Request) {
				admin.Recycle()
				writeJSON(w, http.StatusOK, map[string]string{
					"status": "ok",
					"note":   "all workers marked dead; will respawn on next requests",
				})
			})
		}
		if admin.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", admin.Metrics)
		}
	})
	r.Handle("/*", app)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
