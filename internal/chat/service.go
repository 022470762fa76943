// Package chat implements the session lifecycle: starting a charged
// session, relaying messages through the worker gateway, and closing or
// expiring sessions.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thecyberlearn/quantumtaskai-caprover/internal/catalog"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/domain"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/store"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/webhook"
)

// fallbackReply is appended in place of the worker's answer when the
// gateway call fails. The turn still succeeds from the user's side.
const fallbackReply = "I apologize, but I'm having trouble processing your request right now. Please try again in a moment."

// Gateway is the outbound worker transport used for chat turns.
type Gateway interface {
	SendChatMessage(ctx context.Context, turn webhook.ChatTurn) (*webhook.Reply, error)
}

// Service coordinates session state, the ledger, and the worker gateway.
type Service struct {
	repo    store.Repository
	catalog catalog.Lookup
	gateway Gateway
	ttl     time.Duration
	now     func() time.Time
}

// NewService creates the session controller. ttl is the inactivity window
// granted at session start and renewed on each answered message.
func NewService(repo store.Repository, cat catalog.Lookup, gw Gateway, ttl time.Duration) *Service {
	return &Service{
		repo:    repo,
		catalog: cat,
		gateway: gw,
		ttl:     ttl,
		now:     time.Now,
	}
}

// StartResult is the outcome of Start. Resumed is true when an existing
// active session was returned instead of creating a new one.
type StartResult struct {
	Session *domain.ChatSession
	Welcome *domain.ChatMessage
	Resumed bool
}

// newSessionID builds the externally visible session identifier:
// millisecond timestamp plus a short random suffix.
func (s *Service) newSessionID() string {
	return fmt.Sprintf("%d_%s", s.now().UnixMilli(), uuid.NewString()[:8])
}

// Start opens a chat session with the given agent, charging the agent's
// price up front. When the account already has an active session with the
// agent, that session is returned unchanged and nothing is charged.
func (s *Service) Start(ctx context.Context, accountID, agentSlug string) (*StartResult, error) {
	agent, err := s.catalog.AgentBySlug(agentSlug)
	if err != nil {
		return nil, fmt.Errorf("resolve agent %s: %w", agentSlug, err)
	}
	if agent == nil || !agent.IsActive || agent.AgentType != domain.AgentTypeChat {
		return nil, ErrAgentNotFound
	}

	now := s.now()

	// Best-effort duplicate guard: read-then-write, so a true race can
	// still create two active sessions. Accepted.
	existing, err := s.repo.FindActiveSession(ctx, accountID, agentSlug)
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	if existing != nil {
		if !existing.IsExpired(now) {
			return &StartResult{Session: existing, Resumed: true}, nil
		}
		if _, err := s.repo.TransitionSession(ctx, existing.ID, domain.SessionExpired, &now); err != nil {
			return nil, fmt.Errorf("expire stale session: %w", err)
		}
	}

	session := &domain.ChatSession{
		ID:         uuid.NewString(),
		SessionID:  s.newSessionID(),
		AgentSlug:  agent.Slug,
		AgentName:  agent.Name,
		AccountID:  accountID,
		Status:     domain.SessionActive,
		FeeCharged: agent.Price,
		ExpiresAt:  now.Add(s.ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	welcome := &domain.ChatMessage{
		MessageID: uuid.NewString(),
		SessionID: session.ID,
		Type:      domain.MessageAgent,
		Content:   agent.Welcome(),
		Timestamp: now,
	}

	charged, err := s.repo.CreateSessionCharged(ctx, session, welcome)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if !charged {
		return nil, ErrInsufficientFunds
	}

	slog.Info("Chat session started",
		"session_id", session.SessionID, "agent", agent.Slug, "fee", agent.Price.StringFixed(2))
	return &StartResult{Session: session, Welcome: welcome}, nil
}

// TurnResult is the outcome of Send: the stored user message and the
// stored agent message. Degraded is true when the agent message is the
// fallback text because the gateway call failed.
type TurnResult struct {
	Session      *domain.ChatSession
	UserMessage  *domain.ChatMessage
	AgentMessage *domain.ChatMessage
	Degraded     bool
}

// Send appends the user's message, relays it to the agent's webhook, and
// appends the reply. A gateway failure does not fail the turn: the user
// gets the fallback reply with the error preserved in message metadata.
func (s *Service) Send(ctx context.Context, accountID, sessionID, text string) (*TurnResult, error) {
	session, err := s.repo.GetSession(ctx, sessionID, accountID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session == nil || session.Status != domain.SessionActive {
		return nil, ErrNotFound
	}

	now := s.now()
	if session.IsExpired(now) {
		if _, err := s.repo.TransitionSession(ctx, session.ID, domain.SessionExpired, &now); err != nil {
			return nil, fmt.Errorf("expire session: %w", err)
		}
		return nil, ErrSessionExpired
	}

	agent, err := s.catalog.AgentBySlug(session.AgentSlug)
	if err != nil {
		return nil, fmt.Errorf("resolve agent %s: %w", session.AgentSlug, err)
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}

	used, err := s.repo.CountMessages(ctx, session.ID, domain.MessageUser)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	if used >= agent.MessageLimit {
		if _, err := s.repo.TransitionSession(ctx, session.ID, domain.SessionCompleted, &now); err != nil {
			return nil, fmt.Errorf("complete session: %w", err)
		}
		return nil, ErrMessageLimitReached
	}

	userMsg := &domain.ChatMessage{
		MessageID: uuid.NewString(),
		SessionID: session.ID,
		Type:      domain.MessageUser,
		Content:   text,
		Timestamp: now,
	}
	if err := s.repo.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	// The only long-running step. No lock or transaction is held here.
	reply, gwErr := s.gateway.SendChatMessage(ctx, webhook.ChatTurn{
		WebhookURL: agent.WebhookURL,
		SessionID:  session.SessionID,
		AccountID:  accountID,
		AgentSlug:  agent.Slug,
		Text:       text,
	})

	agentMsg := &domain.ChatMessage{
		MessageID: uuid.NewString(),
		SessionID: session.ID,
		Type:      domain.MessageAgent,
		Timestamp: s.now(),
	}
	degraded := false
	if gwErr != nil {
		degraded = true
		agentMsg.Content = fallbackReply
		agentMsg.Metadata = map[string]any{"fallback": true, "gateway_error": gwErr.Error()}
		slog.Warn("Gateway call failed, serving fallback reply",
			"session_id", session.SessionID, "agent", agent.Slug, "error", gwErr)
	} else {
		agentMsg.Content = reply.Text
		agentMsg.Metadata = map[string]any{"raw_response": reply.RawBody}
		if !reply.Matched {
			agentMsg.Metadata["unparsed"] = true
		}
	}
	if err := s.repo.AppendMessage(ctx, agentMsg); err != nil {
		return nil, fmt.Errorf("append agent message: %w", err)
	}

	if !degraded {
		expiresAt := s.now().Add(s.ttl)
		if err := s.repo.ExtendSession(ctx, session.ID, expiresAt); err != nil {
			return nil, fmt.Errorf("extend session: %w", err)
		}
		session.ExpiresAt = expiresAt
	}

	return &TurnResult{
		Session:      session,
		UserMessage:  userMsg,
		AgentMessage: agentMsg,
		Degraded:     degraded,
	}, nil
}

// End completes an active session. Returns ErrNotFound when the session is
// absent, owned elsewhere, or no longer active.
func (s *Service) End(ctx context.Context, accountID, sessionID string) (*domain.ChatSession, error) {
	session, err := s.repo.GetSession(ctx, sessionID, accountID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session == nil || session.Status != domain.SessionActive {
		return nil, ErrNotFound
	}

	now := s.now()
	changed, err := s.repo.TransitionSession(ctx, session.ID, domain.SessionCompleted, &now)
	if err != nil {
		return nil, fmt.Errorf("complete session: %w", err)
	}
	if changed == 0 {
		// Lost a race with the sweeper or a concurrent end.
		return nil, ErrNotFound
	}

	session.Status = domain.SessionCompleted
	session.CompletedAt = &now
	session.UpdatedAt = now
	slog.Info("Chat session completed", "session_id", session.SessionID, "agent", session.AgentSlug)
	return session, nil
}

// History returns the session and its full ordered message log.
func (s *Service) History(ctx context.Context, accountID, sessionID string) (*domain.ChatSession, []*domain.ChatMessage, error) {
	session, err := s.repo.GetSession(ctx, sessionID, accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		return nil, nil, ErrNotFound
	}

	messages, err := s.repo.ListMessages(ctx, session.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list messages: %w", err)
	}
	return session, messages, nil
}

// StatusReport is a display-oriented snapshot of a session's budgets.
// Percentages are clamped to [0,100]; remaining time is floored to whole
// seconds.
type StatusReport struct {
	SessionID        string               `json:"session_id"`
	AgentSlug        string               `json:"agent_slug"`
	Status           domain.SessionStatus `json:"status"`
	MessagesUsed     int                  `json:"messages_used"`
	MessageLimit     int                  `json:"message_limit"`
	MessagesPercent  int                  `json:"messages_percent"`
	RemainingSeconds int                  `json:"remaining_seconds"`
	TimePercent      int                  `json:"time_percent"`
	ExpiresAt        time.Time            `json:"expires_at"`
}

// Status reports message and time budget usage for a session.
func (s *Service) Status(ctx context.Context, accountID, sessionID string) (*StatusReport, error) {
	session, err := s.repo.GetSession(ctx, sessionID, accountID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		return nil, ErrNotFound
	}

	used, err := s.repo.CountMessages(ctx, session.ID, domain.MessageUser)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}

	limit := 0
	if agent, err := s.catalog.AgentBySlug(session.AgentSlug); err == nil && agent != nil {
		limit = agent.MessageLimit
	}

	now := s.now()
	remaining := session.Remaining(now)
	report := &StatusReport{
		SessionID:        session.SessionID,
		AgentSlug:        session.AgentSlug,
		Status:           session.Status,
		MessagesUsed:     used,
		MessageLimit:     limit,
		RemainingSeconds: int(remaining / time.Second),
		ExpiresAt:        session.ExpiresAt,
	}
	if limit > 0 {
		report.MessagesPercent = clampPercent(used * 100 / limit)
	}
	if s.ttl > 0 {
		elapsed := s.ttl - remaining
		report.TimePercent = clampPercent(int(elapsed * 100 / s.ttl))
	}
	return report, nil
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ExportText renders the session transcript as plain text for download.
func (s *Service) ExportText(ctx context.Context, accountID, sessionID string) (string, error) {
	session, messages, err := s.History(ctx, accountID, sessionID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Chat Session with %s\n", session.AgentName)
	fmt.Fprintf(&b, "Session ID: %s\n", session.SessionID)
	fmt.Fprintf(&b, "Started: %s\n", session.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
	b.WriteString(strings.Repeat("=", 50) + "\n\n")

	for _, msg := range messages {
		speaker := "Agent"
		switch msg.Type {
		case domain.MessageUser:
			speaker = "You"
		case domain.MessageSystem:
			speaker = "System"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n\n", msg.Timestamp.UTC().Format("15:04:05"), speaker, msg.Content)
	}
	return b.String(), nil
}
