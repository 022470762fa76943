package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/thecyberlearn/quantumtaskai-caprover/internal/shared"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/store"
)

// StartSweeper runs a background goroutine that periodically expires
// active sessions whose deadline has passed. It is safe to run alongside
// the per-request expiry checks: both converge on the same terminal state.
func StartSweeper(ctx context.Context, repo store.Repository, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				sweepExpired(ctx, repo)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpired(ctx context.Context, repo store.Repository) {
	expired, err := expireWithRetry(ctx, repo)
	if err != nil {
		slog.Error("Session sweeper failed to expire sessions", "error", err)
		return
	}
	if expired > 0 {
		slog.Info("Session sweeper expired sessions", "count", expired)
	}
}

// expireWithRetry runs the bulk expiry update with exponential backoff to
// handle SQLITE_BUSY errors from concurrent request-path writes.
func expireWithRetry(ctx context.Context, repo store.Repository) (int64, error) {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		expired, err := repo.ExpireSessions(ctx, time.Now())
		if err == nil {
			return expired, nil
		}
		lastErr = err

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
			slog.Debug("Session sweeper hit locked database, retrying",
				"attempt", i+1, "delay", delay)
			time.Sleep(delay)
			continue
		}
		break
	}
	return 0, lastErr
}
