// Package api provides the HTTP handlers for the marketplace API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/thecyberlearn/quantumtaskai-caprover/internal/catalog"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/chat"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/execution"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/store"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/wallet"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/webhook"
)

// Machine-readable reason strings for 400-class outcomes. Clients branch
// on these, not on the human message.
const (
	ReasonInsufficientFunds   = "insufficient_funds"
	ReasonSessionExpired      = "session_expired"
	ReasonMessageLimitReached = "message_limit_reached"
	ReasonValidationError     = "validation_error"
	ReasonNotFound            = "not_found"
	ReasonAgentNotFound       = "agent_not_found"
)

// Handler provides common handler utilities and dependencies.
type Handler struct {
	repo    store.Repository
	catalog catalog.Lookup
	chat    *chat.Service
	ledger  *wallet.Ledger
	runner  *execution.Runner
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, cat catalog.Lookup, chatSvc *chat.Service, ledger *wallet.Ledger, runner *execution.Runner) *Handler {
	return &Handler{
		repo:    repo,
		catalog: cat,
		chat:    chatSvc,
		ledger:  ledger,
		runner:  runner,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorReason writes a JSON error response with a machine-readable reason.
func ErrorReason(w http.ResponseWriter, status int, reason, message string) {
	JSON(w, status, map[string]string{"error": message, "reason": reason})
}

// serviceError maps expected service outcomes to client responses. Anything
// unrecognized is a 500.
func serviceError(w http.ResponseWriter, err error) {
	var validationErr *webhook.ValidationError
	switch {
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, execution.ErrNotFound):
		ErrorReason(w, http.StatusNotFound, ReasonNotFound, "session not found")
	case errors.Is(err, chat.ErrAgentNotFound), errors.Is(err, execution.ErrAgentNotFound):
		ErrorReason(w, http.StatusNotFound, ReasonAgentNotFound, "agent not found")
	case errors.Is(err, chat.ErrInsufficientFunds), errors.Is(err, execution.ErrInsufficientFunds):
		ErrorReason(w, http.StatusBadRequest, ReasonInsufficientFunds, "insufficient wallet balance")
	case errors.Is(err, chat.ErrSessionExpired):
		ErrorReason(w, http.StatusBadRequest, ReasonSessionExpired, "session has expired")
	case errors.Is(err, chat.ErrMessageLimitReached):
		ErrorReason(w, http.StatusBadRequest, ReasonMessageLimitReached, "message limit reached")
	case errors.As(err, &validationErr):
		ErrorReason(w, http.StatusBadRequest, ReasonValidationError, validationErr.Error())
	case errors.Is(err, wallet.ErrAccountNotFound):
		ErrorReason(w, http.StatusNotFound, ReasonNotFound, "account not found")
	default:
		Error(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON decodes a request body into v, rejecting unknown garbage early.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close() //nolint:errcheck
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}
