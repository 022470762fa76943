package api

import (
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/thecyberlearn/quantumtaskai-caprover/internal/identity"
)

// WalletBalance returns the account's current balance.
func (h *Handler) WalletBalance(w http.ResponseWriter, r *http.Request) {
	accountID := identity.AccountIDFromContext(r.Context())
	balance, err := h.ledger.Balance(r.Context(), accountID)
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"balance": balance})
}

// WalletEntries lists the account's recent ledger entries, newest first.
func (h *Handler) WalletEntries(w http.ResponseWriter, r *http.Request) {
	accountID := identity.AccountIDFromContext(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	entries, err := h.ledger.Entries(r.Context(), accountID, limit)
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// WalletSummary returns the balance plus lifetime top-up, spend, and refund
// totals.
func (h *Handler) WalletSummary(w http.ResponseWriter, r *http.Request) {
	accountID := identity.AccountIDFromContext(r.Context())
	summary, err := h.ledger.Summarize(r.Context(), accountID)
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, summary)
}

type confirmPaymentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// ConfirmPayment credits a verified top-up. Idempotent on the payment
// reference: a redelivered notification reports success without crediting
// twice.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reference == "" {
		Error(w, http.StatusBadRequest, "reference is required")
		return
	}
	if req.Amount.Sign() <= 0 {
		Error(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	accountID := identity.AccountIDFromContext(r.Context())
	credited, err := h.ledger.ConfirmPayment(r.Context(), accountID, req.Amount, req.Reference)
	if err != nil {
		serviceError(w, err)
		return
	}

	balance, err := h.ledger.Balance(r.Context(), accountID)
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"credited": credited,
		"balance":  balance,
	})
}

type paymentNotification struct {
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// PaymentWebhook ingests payment-provider notifications on the public
// surface. Delivery is at-least-once, so the reference is the dedup key and
// a redelivered notification answers 200 without crediting again.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var note paymentNotification
	if err := decodeJSON(r, &note); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if note.AccountID == "" || note.Reference == "" {
		Error(w, http.StatusBadRequest, "account_id and reference are required")
		return
	}
	if note.Amount.Sign() <= 0 {
		Error(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	account, err := h.repo.GetAccount(r.Context(), note.AccountID)
	if err != nil {
		serviceError(w, err)
		return
	}
	if account == nil {
		ErrorReason(w, http.StatusNotFound, ReasonNotFound, "unknown account")
		return
	}

	credited, err := h.ledger.ConfirmPayment(r.Context(), note.AccountID, note.Amount, note.Reference)
	if err != nil {
		serviceError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"credited": credited})
}
