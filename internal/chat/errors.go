package chat

import "errors"

// Expected outcomes of session operations. These are results, not faults:
// handlers map them to client-facing status codes and reason strings.
var (
	// ErrNotFound means the session does not exist, is owned by another
	// account, or is no longer active where active was required.
	ErrNotFound = errors.New("session not found")

	// ErrAgentNotFound means the slug resolves to no active chat agent.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrInsufficientFunds means the account balance cannot cover the
	// session fee. No session is created and nothing is charged.
	ErrInsufficientFunds = errors.New("insufficient balance")

	// ErrSessionExpired means the session's deadline passed before the
	// operation; the session has been transitioned to expired.
	ErrSessionExpired = errors.New("session expired")

	// ErrMessageLimitReached means the per-session user-message quota is
	// exhausted; the session has been transitioned to completed.
	ErrMessageLimitReached = errors.New("message limit reached")
)
