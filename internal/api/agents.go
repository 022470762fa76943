package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ListAgents returns the active agent catalog.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.catalog.ActiveAgents()
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load agent catalog")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// GetAgent returns one agent definition by slug.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	agent, err := h.catalog.AgentBySlug(slug)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load agent catalog")
		return
	}
	if agent == nil || !agent.IsActive {
		ErrorReason(w, http.StatusNotFound, ReasonAgentNotFound, "agent not found")
		return
	}
	JSON(w, http.StatusOK, agent)
}
