// Package domain contains core domain types for the marketplace core service.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryTopUp      EntryKind = "top_up"
	EntryAgentUsage EntryKind = "agent_usage"
	EntryRefund     EntryKind = "refund"
)

// Account is a user's wallet. Balance is only ever mutated through the
// ledger primitives in the store; it is denormalized here for reads.
type Account struct {
	AccountID string          `json:"account_id"`
	Email     string          `json:"email"`
	Balance   decimal.Decimal `json:"balance"`
	APIKey    string          `json:"-"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// HasSufficientBalance reports whether the account can cover amount.
func (a *Account) HasSufficientBalance(amount decimal.Decimal) bool {
	return a.Balance.GreaterThanOrEqual(amount)
}

// LedgerEntry is an immutable record explaining one balance change.
// The sum of all entries for an account equals its current balance.
type LedgerEntry struct {
	EntryID     string          `json:"entry_id"`
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"` // signed: negative for usage
	Kind        EntryKind       `json:"kind"`
	Description string          `json:"description"`
	AgentSlug   string          `json:"agent_slug,omitempty"`
	// Reference carries the external payment reference for top-ups.
	// Deposits sharing a reference are credited exactly once.
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
