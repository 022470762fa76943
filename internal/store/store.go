// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/domain"
)

// Repository defines the interface for persisting accounts, the wallet
// ledger, chat sessions, and agent executions.
type Repository interface {
	// GetAccount retrieves an account by its ID. Returns (nil, nil) when absent.
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)

	// GetAccountByAPIKey retrieves an account by its API key.
	GetAccountByAPIKey(ctx context.Context, apiKey string) (*domain.Account, error)

	// CreateAccount inserts a new account record.
	CreateAccount(ctx context.Context, account *domain.Account) error

	// Withdraw atomically debits the account and appends a negative ledger
	// entry. Returns (false, nil) when the balance cannot cover the amount;
	// in that case no entry is written.
	Withdraw(ctx context.Context, accountID string, amount decimal.Decimal, kind domain.EntryKind, description, agentSlug string) (bool, error)

	// Deposit atomically credits the account and appends a positive ledger
	// entry. When reference is non-empty and an entry already carries it,
	// the deposit is a no-op and (false, nil) is returned: this guards
	// against at-least-once delivery of payment notifications.
	Deposit(ctx context.Context, accountID string, amount decimal.Decimal, kind domain.EntryKind, description, reference string) (bool, error)

	// LedgerEntries lists the account's entries, newest first.
	LedgerEntries(ctx context.Context, accountID string, limit int) ([]*domain.LedgerEntry, error)

	// LedgerTotals sums the account's entry amounts grouped by kind.
	LedgerTotals(ctx context.Context, accountID string) (map[domain.EntryKind]decimal.Decimal, error)

	// CreateSessionCharged debits the session fee and inserts the session
	// plus its welcome message in one transaction. Returns (false, nil) on
	// insufficient balance; any other failure rolls back the charge too.
	CreateSessionCharged(ctx context.Context, session *domain.ChatSession, welcome *domain.ChatMessage) (bool, error)

	// GetSession retrieves a session by its public session ID, scoped to the
	// owning account. Returns (nil, nil) when absent or owned elsewhere.
	GetSession(ctx context.Context, sessionID, accountID string) (*domain.ChatSession, error)

	// FindActiveSession returns the account's active session for an agent,
	// or (nil, nil) when there is none.
	FindActiveSession(ctx context.Context, accountID, agentSlug string) (*domain.ChatSession, error)

	// TransitionSession moves an active session to a terminal status.
	// Returns the number of rows changed (0 when the session was no longer
	// active, which concurrent expiry makes benign).
	TransitionSession(ctx context.Context, id string, status domain.SessionStatus, completedAt *time.Time) (int64, error)

	// ExtendSession advances the session's expiry deadline.
	ExtendSession(ctx context.Context, id string, expiresAt time.Time) error

	// ExpireSessions bulk-transitions active sessions whose deadline has
	// passed to expired, stamping completed_at. Used by the sweeper.
	ExpireSessions(ctx context.Context, now time.Time) (int64, error)

	// AppendMessage inserts a chat message. Messages are never mutated.
	AppendMessage(ctx context.Context, msg *domain.ChatMessage) error

	// ListMessages returns a session's messages in timestamp order.
	ListMessages(ctx context.Context, sessionPK string) ([]*domain.ChatMessage, error)

	// CountMessages counts a session's messages of the given type.
	CountMessages(ctx context.Context, sessionPK string, typ domain.MessageType) (int, error)

	// CreateExecution inserts a one-shot execution record.
	CreateExecution(ctx context.Context, exec *domain.AgentExecution) error

	// UpdateExecution persists status, output, and error fields of an execution.
	UpdateExecution(ctx context.Context, exec *domain.AgentExecution) error

	// GetExecution retrieves an execution scoped to the owning account.
	GetExecution(ctx context.Context, executionID, accountID string) (*domain.AgentExecution, error)

	// ListExecutions lists the account's executions, newest first, optionally
	// filtered by agent slug and status.
	ListExecutions(ctx context.Context, accountID, agentSlug string, status domain.ExecutionStatus, limit int) ([]*domain.AgentExecution, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
