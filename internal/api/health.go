package api

import "net/http"

// Health reports service and database health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "degraded",
			"database": "unreachable",
		})
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"database": "ok",
	})
}
