// Package wallet exposes the account ledger: balance reads, charges,
// top-ups, and idempotent payment confirmation.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/thecyberlearn/quantumtaskai-caprover/internal/domain"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/store"
)

// ErrAccountNotFound means the account does not exist.
var ErrAccountNotFound = errors.New("account not found")

// Ledger is the wallet facade over the repository's atomic balance
// operations. Balance is always the sum of the account's ledger entries;
// the repository enforces that invariant transactionally.
type Ledger struct {
	repo store.Repository
}

func NewLedger(repo store.Repository) *Ledger {
	return &Ledger{repo: repo}
}

// Balance returns the account's current balance.
func (l *Ledger) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	account, err := l.repo.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get account: %w", err)
	}
	if account == nil {
		return decimal.Zero, ErrAccountNotFound
	}
	return account.Balance, nil
}

// Charge debits a usage fee. Returns false when the balance cannot cover
// the amount; nothing is written in that case.
func (l *Ledger) Charge(ctx context.Context, accountID string, amount decimal.Decimal, description, agentSlug string) (bool, error) {
	return l.repo.Withdraw(ctx, accountID, amount, domain.EntryAgentUsage, description, agentSlug)
}

// Refund credits back a previously charged fee.
func (l *Ledger) Refund(ctx context.Context, accountID string, amount decimal.Decimal, description string) error {
	if _, err := l.repo.Deposit(ctx, accountID, amount, domain.EntryRefund, description, ""); err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	return nil
}

// ConfirmPayment credits a top-up keyed on the external payment reference.
// It is idempotent: webhook delivery and manual re-verification can both
// fire for the same payment, and only the first call credits. Returns
// whether this call applied the credit.
func (l *Ledger) ConfirmPayment(ctx context.Context, accountID string, amount decimal.Decimal, reference string) (bool, error) {
	if reference == "" {
		return false, errors.New("payment reference required")
	}
	if amount.Sign() <= 0 {
		return false, fmt.Errorf("invalid top-up amount %s", amount)
	}

	credited, err := l.repo.Deposit(ctx, accountID, amount, domain.EntryTopUp,
		"Wallet top-up "+reference, reference)
	if err != nil {
		return false, fmt.Errorf("confirm payment: %w", err)
	}
	if credited {
		slog.Info("Payment credited", "account_id", accountID, "amount", amount.StringFixed(2), "reference", reference)
	}
	return credited, nil
}

// Summary aggregates an account's wallet activity.
type Summary struct {
	Balance       decimal.Decimal `json:"balance"`
	TotalToppedUp decimal.Decimal `json:"total_topped_up"`
	TotalSpent    decimal.Decimal `json:"total_spent"`
	TotalRefunded decimal.Decimal `json:"total_refunded"`
}

// Summarize returns the account balance alongside lifetime totals per entry
// kind. Spent is reported as a positive number even though usage entries are
// stored negative.
func (l *Ledger) Summarize(ctx context.Context, accountID string) (*Summary, error) {
	balance, err := l.Balance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	totals, err := l.repo.LedgerTotals(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("ledger totals: %w", err)
	}
	return &Summary{
		Balance:       balance,
		TotalToppedUp: totals[domain.EntryTopUp],
		TotalSpent:    totals[domain.EntryAgentUsage].Neg(),
		TotalRefunded: totals[domain.EntryRefund],
	}, nil
}

// Entries lists the account's most recent ledger entries, newest first.
func (l *Ledger) Entries(ctx context.Context, accountID string, limit int) ([]*domain.LedgerEntry, error) {
	return l.repo.LedgerEntries(ctx, accountID, limit)
}
