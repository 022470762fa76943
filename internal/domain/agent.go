package domain

import "github.com/shopspring/decimal"

// AgentType distinguishes multi-turn chat agents from one-shot form agents.
type AgentType string

const (
	AgentTypeChat AgentType = "chat"
	AgentTypeForm AgentType = "form"
)

// AgentDefinition describes an externally configured automation endpoint.
// Definitions are file-backed and read-only at runtime; the core treats the
// catalog as a lookup service keyed by slug.
type AgentDefinition struct {
	Slug             string          `json:"slug"`
	Name             string          `json:"name"`
	ShortDescription string          `json:"short_description,omitempty"`
	Description      string          `json:"description,omitempty"`
	Category         string          `json:"category,omitempty"`
	Price            decimal.Decimal `json:"price"`
	WebhookURL       string          `json:"webhook_url"`
	AgentType        AgentType       `json:"agent_type"`
	MessageLimit     int             `json:"message_limit"`
	WelcomeMessage   string          `json:"welcome_message,omitempty"`
	IsActive         bool            `json:"is_active"`
}

// Welcome returns the agent's configured opening message, or a deterministic
// default when the config omits one.
func (a *AgentDefinition) Welcome() string {
	if a.WelcomeMessage != "" {
		return a.WelcomeMessage
	}
	return "Welcome to " + a.Name + "! How can I help you today?"
}
