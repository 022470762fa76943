package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionStatus is the lifecycle state of a one-shot agent execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// AgentExecution records a single paid run of a form-type agent: the input
// submitted, the fee charged, and the normalized outcome of the webhook call.
type AgentExecution struct {
	ExecutionID     string          `json:"execution_id"`
	AgentSlug       string          `json:"agent_slug"`
	AgentName       string          `json:"agent_name"`
	AccountID       string          `json:"-"`
	InputData       map[string]any  `json:"input_data"`
	OutputData      map[string]any  `json:"output_data,omitempty"`
	Status          ExecutionStatus `json:"status"`
	FeeCharged      decimal.Decimal `json:"fee_charged"`
	WebhookResponse string          `json:"webhook_response,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}
