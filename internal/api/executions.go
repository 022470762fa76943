package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/thecyberlearn/quantumtaskai-caprover/internal/domain"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/identity"
)

type executeRequest struct {
	AgentSlug string         `json:"agent_slug"`
	Message   string         `json:"message"`
	Input     map[string]any `json:"input,omitempty"`
}

// Execute runs a one-shot agent invocation and waits for the result.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.AgentSlug) == "" {
		Error(w, http.StatusBadRequest, "agent_slug is required")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	accountID := identity.AccountIDFromContext(r.Context())
	exec, err := h.runner.Run(r.Context(), accountID, req.AgentSlug, req.Message, req.Input)
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusCreated, exec)
}

// GetExecution returns one execution record.
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	accountID := identity.AccountIDFromContext(r.Context())
	executionID := chi.URLParam(r, "executionID")

	exec, err := h.runner.Get(r.Context(), executionID, accountID)
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, exec)
}

// ListExecutions lists the account's executions, newest first.
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	accountID := identity.AccountIDFromContext(r.Context())
	q := r.URL.Query()

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	status := domain.ExecutionStatus(q.Get("status"))
	execs, err := h.runner.List(r.Context(), accountID, q.Get("agent"), status, limit)
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"executions": execs})
}
