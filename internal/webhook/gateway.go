package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// GatewayError is a typed failure of an outbound worker call: network error,
// timeout, non-200 status, or an error marker embedded in a 200 body. The
// chat controller absorbs these into a fallback message; the execution
// runner fails the execution.
type GatewayError struct {
	Status int // HTTP status, 0 for transport-level failures
	Reason string
	Cause  error
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("gateway failure: %s: %v", e.Reason, e.Cause)
	}
	return "gateway failure: " + e.Reason
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// ChatTurn is one user message routed to a chat agent's webhook.
type ChatTurn struct {
	WebhookURL string
	SessionID  string
	AccountID  string
	AgentSlug  string
	Text       string
}

// Reply is the normalized outcome of a successful chat turn.
type Reply struct {
	Text string
	// Matched is false when no known response shape was found and Text is
	// a truncated debug rendering of the payload.
	Matched bool
	// RawBody is the upstream response body, kept for message metadata.
	RawBody string
}

// ExecutionCall is a one-shot agent run routed to its webhook.
type ExecutionCall struct {
	WebhookURL  string
	SessionID   string
	ExecutionID string
	AccountID   string
	AgentSlug   string
	Text        string
}

// ExecutionResult is the outcome of a successful one-shot run.
type ExecutionResult struct {
	// Response is the decoded JSON body, or {"raw": body} when the worker
	// replied with something other than JSON.
	Response map[string]any
	RawBody  string
}

// Gateway sends formatted requests to external workers over HTTP and
// normalizes their heterogeneous responses. Every target URL passes the
// SSRF validator before a connection is opened.
type Gateway struct {
	client         *http.Client
	chatTimeout    time.Duration
	executeTimeout time.Duration
	strict         bool
}

// NewGateway creates a gateway with the given per-call timeouts. strict
// selects the production SSRF posture.
func NewGateway(chatTimeout, executeTimeout time.Duration, strict bool) *Gateway {
	return &Gateway{
		client:         &http.Client{},
		chatTimeout:    chatTimeout,
		executeTimeout: executeTimeout,
		strict:         strict,
	}
}

// chatPayload is the wire format for chat turns. Field names and the
// messageType discriminator are fixed by the worker side.
type chatPayload struct {
	Message     messageBody `json:"message"`
	SessionID   string      `json:"sessionId"`
	UserID      string      `json:"userId"`
	AgentID     string      `json:"agentId"`
	MessageType string      `json:"messageType"`
}

// executePayload is the wire format for one-shot executions.
type executePayload struct {
	SessionID     string      `json:"sessionId"`
	Message       messageBody `json:"message"`
	WebhookURL    string      `json:"webhookUrl"`
	ExecutionMode string      `json:"executionMode"`
	AgentID       string      `json:"agentId"`
	ExecutionID   string      `json:"executionId"`
	UserID        string      `json:"userId"`
}

type messageBody struct {
	Text string `json:"text"`
}

// SendChatMessage posts one chat turn to the agent's webhook and returns
// the normalized reply.
func (g *Gateway) SendChatMessage(ctx context.Context, turn ChatTurn) (*Reply, error) {
	payload := chatPayload{
		Message:     messageBody{Text: turn.Text},
		SessionID:   turn.SessionID,
		UserID:      turn.AccountID,
		AgentID:     turn.AgentSlug,
		MessageType: "chat",
	}

	body, err := g.post(ctx, turn.WebhookURL, payload, g.chatTimeout)
	if err != nil {
		return nil, err
	}
	if err := embeddedError(body); err != nil {
		return nil, err
	}

	text, matched := ExtractReply(body)
	if !matched {
		slog.Warn("Webhook reply did not match any known shape",
			"agent", turn.AgentSlug, "session_id", turn.SessionID, "body_len", len(body))
	}
	return &Reply{Text: text, Matched: matched, RawBody: string(body)}, nil
}

// Execute posts a one-shot execution to the agent's webhook.
func (g *Gateway) Execute(ctx context.Context, call ExecutionCall) (*ExecutionResult, error) {
	payload := executePayload{
		SessionID:     call.SessionID,
		Message:       messageBody{Text: call.Text},
		WebhookURL:    call.WebhookURL,
		ExecutionMode: "production",
		AgentID:       call.AgentSlug,
		ExecutionID:   call.ExecutionID,
		UserID:        call.AccountID,
	}

	body, err := g.post(ctx, call.WebhookURL, payload, g.executeTimeout)
	if err != nil {
		return nil, err
	}
	if err := embeddedError(body); err != nil {
		return nil, err
	}

	var response map[string]any
	if err := json.Unmarshal(body, &response); err != nil {
		response = map[string]any{"raw": string(body)}
	}
	return &ExecutionResult{Response: response, RawBody: string(body)}, nil
}

func (g *Gateway) post(ctx context.Context, rawURL string, payload any, timeout time.Duration) ([]byte, error) {
	if err := ValidateURL(rawURL, g.strict); err != nil {
		return nil, err
	}
	if strings.HasPrefix(rawURL, InternalScheme) {
		// In-process agents are not reachable over the webhook transport.
		return nil, &GatewayError{Reason: "no webhook transport for internal:// agents"}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &GatewayError{Reason: "webhook request failed", Cause: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close webhook response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &GatewayError{Status: resp.StatusCode, Reason: "read webhook response", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &GatewayError{
			Status: resp.StatusCode,
			Reason: fmt.Sprintf("webhook returned %d", resp.StatusCode),
		}
	}
	return body, nil
}

// embeddedError detects worker-side failures reported inside a 200 body via
// errorMessage/error keys.
func embeddedError(body []byte) error {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil
	}
	for _, key := range []string{"errorMessage", "error"} {
		if value, ok := decoded[key]; ok {
			return &GatewayError{
				Status: http.StatusOK,
				Reason: "worker error: " + stringify(value),
			}
		}
	}
	return nil
}
