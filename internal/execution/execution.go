// Package execution runs one-shot agent invocations: charge the fee, call
// the agent's webhook once, and record the outcome. Unlike chat turns, a
// failed run refunds the fee.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/thecyberlearn/quantumtaskai-caprover/internal/catalog"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/domain"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/store"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/wallet"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/webhook"
)

var (
	// ErrNotFound means the execution does not exist or is owned by
	// another account.
	ErrNotFound = errors.New("execution not found")

	// ErrAgentNotFound means the slug resolves to no active agent.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrInsufficientFunds means the balance cannot cover the agent's
	// price. Nothing is charged and no execution is recorded.
	ErrInsufficientFunds = errors.New("insufficient balance")
)

// Gateway is the outbound worker transport used for one-shot runs.
type Gateway interface {
	Execute(ctx context.Context, call webhook.ExecutionCall) (*webhook.ExecutionResult, error)
}

// Runner coordinates the charge, the webhook call, and the execution record.
type Runner struct {
	repo    store.Repository
	catalog catalog.Lookup
	ledger  *wallet.Ledger
	gateway Gateway
}

func NewRunner(repo store.Repository, cat catalog.Lookup, ledger *wallet.Ledger, gw Gateway) *Runner {
	return &Runner{repo: repo, catalog: cat, ledger: ledger, gateway: gw}
}

// Run charges the agent's price, posts the input to the agent's webhook,
// and returns the completed execution record. A gateway or validation
// failure after the charge marks the execution failed and refunds the fee.
func (r *Runner) Run(ctx context.Context, accountID, agentSlug, text string, input map[string]any) (*domain.AgentExecution, error) {
	agent, err := r.catalog.AgentBySlug(agentSlug)
	if err != nil {
		return nil, fmt.Errorf("resolve agent %s: %w", agentSlug, err)
	}
	if agent == nil || !agent.IsActive {
		return nil, ErrAgentNotFound
	}

	exec := &domain.AgentExecution{
		ExecutionID: uuid.NewString(),
		AgentSlug:   agent.Slug,
		AgentName:   agent.Name,
		AccountID:   accountID,
		InputData:   input,
		Status:      domain.ExecutionPending,
		FeeCharged:  agent.Price,
		CreatedAt:   time.Now(),
	}

	charged, err := r.ledger.Charge(ctx, accountID,
		agent.Price, fmt.Sprintf("%s - Execution %s", agent.Name, exec.ExecutionID), agent.Slug)
	if err != nil {
		return nil, fmt.Errorf("charge execution fee: %w", err)
	}
	if !charged {
		return nil, ErrInsufficientFunds
	}

	if err := r.repo.CreateExecution(ctx, exec); err != nil {
		// The fee is already taken; compensate rather than leave a
		// silent charge with no record.
		r.refund(ctx, exec)
		return nil, fmt.Errorf("create execution: %w", err)
	}

	exec.Status = domain.ExecutionRunning
	if err := r.repo.UpdateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("mark execution running: %w", err)
	}

	result, gwErr := r.gateway.Execute(ctx, webhook.ExecutionCall{
		WebhookURL:  agent.WebhookURL,
		SessionID:   exec.ExecutionID,
		ExecutionID: exec.ExecutionID,
		AccountID:   accountID,
		AgentSlug:   agent.Slug,
		Text:        text,
	})

	now := time.Now()
	exec.CompletedAt = &now
	if gwErr != nil {
		exec.Status = domain.ExecutionFailed
		exec.ErrorMessage = gwErr.Error()
		slog.Warn("Execution failed", "execution_id", exec.ExecutionID, "agent", agent.Slug, "error", gwErr)
		r.refund(ctx, exec)
	} else {
		exec.Status = domain.ExecutionCompleted
		exec.OutputData = result.Response
		exec.WebhookResponse = result.RawBody
		slog.Info("Execution completed", "execution_id", exec.ExecutionID, "agent", agent.Slug)
	}

	if err := r.repo.UpdateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("finish execution: %w", err)
	}
	return exec, nil
}

func (r *Runner) refund(ctx context.Context, exec *domain.AgentExecution) {
	desc := fmt.Sprintf("Refund for failed execution %s", exec.ExecutionID)
	if err := r.ledger.Refund(ctx, exec.AccountID, exec.FeeCharged, desc); err != nil {
		slog.Error("Failed to refund execution fee",
			"execution_id", exec.ExecutionID, "account_id", exec.AccountID, "error", err)
	}
}

// Get retrieves an execution scoped to the owning account.
func (r *Runner) Get(ctx context.Context, executionID, accountID string) (*domain.AgentExecution, error) {
	exec, err := r.repo.GetExecution(ctx, executionID, accountID)
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	if exec == nil {
		return nil, ErrNotFound
	}
	return exec, nil
}

// List returns the account's executions, newest first.
func (r *Runner) List(ctx context.Context, accountID, agentSlug string, status domain.ExecutionStatus, limit int) ([]*domain.AgentExecution, error) {
	return r.repo.ListExecutions(ctx, accountID, agentSlug, status, limit)
}
