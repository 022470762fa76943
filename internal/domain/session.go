package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus is the lifecycle state of a chat session. Sessions move
// forward-only: active is the sole non-terminal state.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
	SessionAbandoned SessionStatus = "abandoned"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether the status accepts no further transitions.
func (s SessionStatus) Terminal() bool {
	return s != SessionActive
}

// MessageType classifies a chat message author.
type MessageType string

const (
	MessageUser   MessageType = "user"
	MessageAgent  MessageType = "agent"
	MessageSystem MessageType = "system"
)

// ChatSession is a bounded-duration, bounded-message conversation between
// an account and one external agent. SessionID is the externally visible
// identifier; ID is the storage primary key.
type ChatSession struct {
	ID          string          `json:"-"`
	SessionID   string          `json:"session_id"`
	AgentSlug   string          `json:"agent_slug"`
	AgentName   string          `json:"agent_name"`
	AccountID   string          `json:"-"`
	Status      SessionStatus   `json:"status"`
	FeeCharged  decimal.Decimal `json:"fee_charged"`
	ExpiresAt   time.Time       `json:"expires_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// IsExpired reports whether the session's deadline has passed. A zero
// ExpiresAt means never-expiring; creation always sets a deadline, so this
// is a defensive default only.
func (s *ChatSession) IsExpired(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return now.After(s.ExpiresAt)
}

// Remaining returns the time until expiry, floored at zero.
func (s *ChatSession) Remaining(now time.Time) time.Duration {
	if s.ExpiresAt.IsZero() {
		return 0
	}
	d := s.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ChatMessage is one append-only entry in a session's conversation log,
// ordered by Timestamp. Metadata carries free-form debugging context such
// as the raw upstream payload.
type ChatMessage struct {
	MessageID string         `json:"id"`
	SessionID string         `json:"-"` // storage key of the owning session
	Type      MessageType    `json:"message_type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
