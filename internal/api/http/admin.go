package http

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/annotext/annotext/internal/store"
)

// AdminHubHandler serves the course admin hub: per-user annotation
// counters for a course, guarded by HTTP basic auth against the bcrypt
// hash in the settings payload. An empty hash disables the hub.
func AdminHubHandler(stats *store.StatsRecorder, adminUser, adminPassHash string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if adminPassHash == "" || stats == nil {
			http.Error(w, "admin hub disabled", http.StatusNotFound)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != adminUser ||
			bcrypt.CompareHashAndPassword([]byte(adminPassHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="annotext admin hub"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		contextID := r.URL.Query().Get("contextId")
		if contextID == "" {
			http.Error(w, "contextId required", http.StatusBadRequest)
			return
		}
		rows, err := stats.ForContext(r.Context(), contextID)
		if err != nil {
			http.Error(w, "stats query failed", http.StatusInternalServerError)
			return
		}
		if rows == nil {
			rows = []store.UserStats{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"context_id": contextID,
			"users":      rows,
		})
	}
}
