// Package identity authenticates API requests by account API key.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thecyberlearn/quantumtaskai-caprover/internal/domain"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/store"
)

const (
	APIKeyHeaderName = "X-API-Key"

	// devAccountEmail is the bootstrap account used in development when a
	// request carries no credentials.
	devAccountEmail = "dev@localhost"
)

type contextKey int

const accountKey contextKey = iota

var apiKeyPattern = regexp.MustCompile(`^qtk_[a-f0-9]{32}$`)

// AccountFromContext extracts the authenticated account, or nil.
func AccountFromContext(ctx context.Context) *domain.Account {
	if a, ok := ctx.Value(accountKey).(*domain.Account); ok {
		return a
	}
	return nil
}

// AccountIDFromContext extracts the authenticated account ID.
func AccountIDFromContext(ctx context.Context) string {
	if a := AccountFromContext(ctx); a != nil {
		return a.AccountID
	}
	return ""
}

// GenerateAPIKey creates a new account API key.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "qtk_" + hex.EncodeToString(buf), nil
}

func isValidAPIKey(key string) bool {
	return apiKeyPattern.MatchString(key)
}

func keyFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if key, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(key)
		}
	}
	return strings.TrimSpace(r.Header.Get(APIKeyHeaderName))
}

// EnsureDevAccount returns the development bootstrap account, creating it
// on first use. The generated API key is logged once by the caller so
// local clients can pick it up.
func EnsureDevAccount(ctx context.Context, repo store.Repository) (*domain.Account, error) {
	account, err := repo.GetAccount(ctx, devAccountEmail)
	if err != nil {
		return nil, err
	}
	if account != nil {
		return account, nil
	}

	key, err := GenerateAPIKey()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	account = &domain.Account{
		AccountID: devAccountEmail,
		Email:     devAccountEmail,
		APIKey:    key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("create dev account: %w", err)
	}
	return account, nil
}

// Middleware authenticates the request by API key and injects the account
// into the context. In development, requests without credentials fall back
// to the bootstrap account instead of failing with 401.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFromRequest(r)

			var account *domain.Account
			var err error
			switch {
			case key != "":
				if !isValidAPIKey(key) {
					unauthorized(w)
					return
				}
				account, err = repo.GetAccountByAPIKey(r.Context(), key)
			case isDev:
				account, err = EnsureDevAccount(r.Context(), repo)
			default:
				unauthorized(w)
				return
			}
			if err != nil {
				http.Error(w, `{"error":"failed to resolve account"}`, http.StatusInternalServerError)
				return
			}
			if account == nil {
				unauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), accountKey, account)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"missing or invalid API key"}`))
}

// NewAccountID returns a fresh account identifier.
func NewAccountID() string {
	return uuid.NewString()
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
