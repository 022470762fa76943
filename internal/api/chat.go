package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/thecyberlearn/quantumtaskai-caprover/internal/domain"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/identity"
)

type startSessionRequest struct {
	AgentSlug string `json:"agent_slug"`
}

type sessionResponse struct {
	*domain.ChatSession
	Welcome *domain.ChatMessage `json:"welcome_message,omitempty"`
	Resumed bool                `json:"resumed,omitempty"`
}

// StartSession opens a chat session with an agent, charging the fee.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.AgentSlug) == "" {
		Error(w, http.StatusBadRequest, "agent_slug is required")
		return
	}

	accountID := identity.AccountIDFromContext(r.Context())
	result, err := h.chat.Start(r.Context(), accountID, req.AgentSlug)
	if err != nil {
		serviceError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Resumed {
		status = http.StatusOK
	}
	JSON(w, status, sessionResponse{
		ChatSession: result.Session,
		Welcome:     result.Welcome,
		Resumed:     result.Resumed,
	})
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

type turnResponse struct {
	UserMessage  *domain.ChatMessage `json:"user_message"`
	AgentMessage *domain.ChatMessage `json:"agent_message"`
	Degraded     bool                `json:"degraded,omitempty"`
}

// SendMessage relays one user message through the agent's webhook. A
// degraded turn (fallback reply after a gateway failure) reports 202 so
// clients can distinguish it without treating it as an error.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	accountID := identity.AccountIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	result, err := h.chat.Send(r.Context(), accountID, sessionID, req.Message)
	if err != nil {
		serviceError(w, err)
		return
	}

	status := http.StatusOK
	if result.Degraded {
		status = http.StatusAccepted
	}
	JSON(w, status, turnResponse{
		UserMessage:  result.UserMessage,
		AgentMessage: result.AgentMessage,
		Degraded:     result.Degraded,
	})
}

// SessionHistory returns the session and its ordered message log.
func (h *Handler) SessionHistory(w http.ResponseWriter, r *http.Request) {
	accountID := identity.AccountIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	session, messages, err := h.chat.History(r.Context(), accountID, sessionID)
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"session":  session,
		"messages": messages,
	})
}

// SessionStatus reports message and time budget usage.
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	accountID := identity.AccountIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	report, err := h.chat.Status(r.Context(), accountID, sessionID)
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, report)
}

// EndSession completes an active session.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	accountID := identity.AccountIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.chat.End(r.Context(), accountID, sessionID)
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, session)
}

// ExportSession downloads the session transcript as plain text.
func (h *Handler) ExportSession(w http.ResponseWriter, r *http.Request) {
	accountID := identity.AccountIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	transcript, err := h.chat.ExportText(r.Context(), accountID, sessionID)
	if err != nil {
		serviceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "chat_"+sessionID+".txt"))
	if _, err := w.Write([]byte(transcript)); err != nil {
		slog.Warn("failed to write transcript response", "session_id", sessionID, "error", err)
	}
}
