package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/thecyberlearn/quantumtaskai-caprover/internal/domain"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/store"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/webhook"
)

type fakeCatalog struct {
	agents map[string]*domain.AgentDefinition
}

func (f *fakeCatalog) AgentBySlug(slug string) (*domain.AgentDefinition, error) {
	return f.agents[slug], nil
}

func (f *fakeCatalog) ActiveAgents() ([]*domain.AgentDefinition, error) {
	var out []*domain.AgentDefinition
	for _, a := range f.agents {
		if a.IsActive {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeGateway struct {
	reply *webhook.Reply
	err   error
	calls int
}

func (f *fakeGateway) SendChatMessage(ctx context.Context, turn webhook.ChatTurn) (*webhook.Reply, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

type fixture struct {
	repo    store.Repository
	gateway *fakeGateway
	svc     *Service
	account *domain.Account
}

func newFixture(t *testing.T, balance string, agent *domain.AgentDefinition) *fixture {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})

	now := time.Now()
	account := &domain.Account{
		AccountID: uuid.NewString(),
		Email:     uuid.NewString() + "@example.com",
		Balance:   decimal.RequireFromString(balance),
		APIKey:    "qtk_" + uuid.NewString()[:8] + uuid.NewString()[:8],
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("create account: %v", err)
	}

	gw := &fakeGateway{reply: &webhook.Reply{Text: "agent says hi", Matched: true, RawBody: `{"output":"agent says hi"}`}}
	cat := &fakeCatalog{agents: map[string]*domain.AgentDefinition{agent.Slug: agent}}
	svc := NewService(repo, cat, gw, 30*time.Minute)

	return &fixture{repo: repo, gateway: gw, svc: svc, account: account}
}

func testAgent() *domain.AgentDefinition {
	return &domain.AgentDefinition{
		Slug:         "summarizer",
		Name:         "Summarizer",
		Price:        decimal.RequireFromString("5.00"),
		WebhookURL:   "https://workers.example.com/summarizer",
		AgentType:    domain.AgentTypeChat,
		MessageLimit: 50,
		IsActive:     true,
	}
}

func TestStartChargesFeeAndWritesWelcome(t *testing.T) {
	f := newFixture(t, "5.00", testAgent())
	ctx := context.Background()

	result, err := f.svc.Start(ctx, f.account.AccountID, "summarizer")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if result.Resumed {
		t.Error("fresh start should not report resumed")
	}
	if result.Session.Status != domain.SessionActive {
		t.Errorf("status = %s, want active", result.Session.Status)
	}
	if result.Welcome == nil || result.Welcome.Type != domain.MessageAgent {
		t.Fatalf("welcome message missing or wrong type: %+v", result.Welcome)
	}

	account, _ := f.repo.GetAccount(ctx, f.account.AccountID)
	if !account.Balance.IsZero() {
		t.Errorf("balance = %s, want 0 after paying the full fee", account.Balance)
	}
}

func TestStartInsufficientFunds(t *testing.T) {
	f := newFixture(t, "2.00", testAgent())
	ctx := context.Background()

	_, err := f.svc.Start(ctx, f.account.AccountID, "summarizer")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	session, _ := f.repo.FindActiveSession(ctx, f.account.AccountID, "summarizer")
	if session != nil {
		t.Error("no session should exist after a failed charge")
	}
	account, _ := f.repo.GetAccount(ctx, f.account.AccountID)
	if !account.Balance.Equal(decimal.RequireFromString("2.00")) {
		t.Errorf("balance changed to %s", account.Balance)
	}
}

func TestStartUnknownAgent(t *testing.T) {
	f := newFixture(t, "10.00", testAgent())
	if _, err := f.svc.Start(context.Background(), f.account.AccountID, "nope"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("err = %v, want ErrAgentNotFound", err)
	}
}

func TestStartResumesActiveSession(t *testing.T) {
	f := newFixture(t, "10.00", testAgent())
	ctx := context.Background()

	first, err := f.svc.Start(ctx, f.account.AccountID, "summarizer")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	second, err := f.svc.Start(ctx, f.account.AccountID, "summarizer")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}

	if !second.Resumed {
		t.Error("second start should resume")
	}
	if second.Session.SessionID != first.Session.SessionID {
		t.Errorf("resumed a different session: %s vs %s", second.Session.SessionID, first.Session.SessionID)
	}

	// Only one fee charged.
	account, _ := f.repo.GetAccount(ctx, f.account.AccountID)
	if !account.Balance.Equal(decimal.RequireFromString("5.00")) {
		t.Errorf("balance = %s, want 5.00", account.Balance)
	}
}

func TestSendStoresBothMessagesAndExtendsExpiry(t *testing.T) {
	f := newFixture(t, "10.00", testAgent())
	ctx := context.Background()

	started, err := f.svc.Start(ctx, f.account.AccountID, "summarizer")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Pin the clock forward so the expiry extension is observable.
	f.svc.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	turn, err := f.svc.Send(ctx, f.account.AccountID, started.Session.SessionID, "summarize this")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if turn.Degraded {
		t.Error("healthy gateway turn should not be degraded")
	}
	if turn.UserMessage.Content != "summarize this" {
		t.Errorf("user message = %q", turn.UserMessage.Content)
	}
	if turn.AgentMessage.Content != "agent says hi" {
		t.Errorf("agent message = %q", turn.AgentMessage.Content)
	}

	stored, _ := f.repo.GetSession(ctx, started.Session.SessionID, f.account.AccountID)
	if !stored.ExpiresAt.After(started.Session.ExpiresAt) {
		t.Errorf("expiry not extended: %v -> %v", started.Session.ExpiresAt, stored.ExpiresAt)
	}

	messages, _ := f.repo.ListMessages(ctx, stored.ID)
	if len(messages) != 3 { // welcome + user + agent
		t.Fatalf("got %d messages, want 3", len(messages))
	}
}

func TestSendGatewayFailureFallsBack(t *testing.T) {
	f := newFixture(t, "10.00", testAgent())
	ctx := context.Background()

	started, err := f.svc.Start(ctx, f.account.AccountID, "summarizer")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	f.gateway.err = &webhook.GatewayError{Status: 502, Reason: "webhook returned 502"}
	turn, err := f.svc.Send(ctx, f.account.AccountID, started.Session.SessionID, "hello?")
	if err != nil {
		t.Fatalf("gateway failure must not fail the turn: %v", err)
	}

	if !turn.Degraded {
		t.Error("turn should be degraded")
	}
	if turn.AgentMessage.Content != fallbackReply {
		t.Errorf("agent message = %q, want fallback", turn.AgentMessage.Content)
	}
	if turn.AgentMessage.Metadata["gateway_error"] == nil {
		t.Error("fallback message should carry the gateway error in metadata")
	}

	// Expiry is only advanced on answered turns.
	stored, _ := f.repo.GetSession(ctx, started.Session.SessionID, f.account.AccountID)
	if stored.ExpiresAt.After(started.Session.ExpiresAt) {
		t.Error("degraded turn should not extend expiry")
	}
}

func TestSendExpiredSession(t *testing.T) {
	f := newFixture(t, "10.00", testAgent())
	ctx := context.Background()

	started, err := f.svc.Start(ctx, f.account.AccountID, "summarizer")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	f.svc.now = func() time.Time { return time.Now().Add(31 * time.Minute) }

	_, err = f.svc.Send(ctx, f.account.AccountID, started.Session.SessionID, "anyone there?")
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}

	stored, _ := f.repo.GetSession(ctx, started.Session.SessionID, f.account.AccountID)
	if stored.Status != domain.SessionExpired {
		t.Errorf("status = %s, want expired", stored.Status)
	}
	if f.gateway.calls != 0 {
		t.Errorf("gateway called %d times for an expired session", f.gateway.calls)
	}

	// An ended session is gone from the caller's perspective.
	if _, err := f.svc.End(ctx, f.account.AccountID, started.Session.SessionID); !errors.Is(err, ErrNotFound) {
		t.Errorf("end after expiry: err = %v, want ErrNotFound", err)
	}
}

func TestSendMessageLimitCompletesSession(t *testing.T) {
	agent := testAgent()
	agent.MessageLimit = 3
	f := newFixture(t, "10.00", agent)
	ctx := context.Background()

	started, err := f.svc.Start(ctx, f.account.AccountID, "summarizer")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := f.svc.Send(ctx, f.account.AccountID, started.Session.SessionID, "msg"); err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
	}

	callsBefore := f.gateway.calls
	_, err = f.svc.Send(ctx, f.account.AccountID, started.Session.SessionID, "one too many")
	if !errors.Is(err, ErrMessageLimitReached) {
		t.Fatalf("err = %v, want ErrMessageLimitReached", err)
	}
	if f.gateway.calls != callsBefore {
		t.Error("no gateway call should happen for the rejected message")
	}

	stored, _ := f.repo.GetSession(ctx, started.Session.SessionID, f.account.AccountID)
	if stored.Status != domain.SessionCompleted {
		t.Errorf("status = %s, want completed", stored.Status)
	}
	users, _ := f.repo.CountMessages(ctx, stored.ID, domain.MessageUser)
	if users != 3 {
		t.Errorf("user messages = %d, want 3", users)
	}
}

func TestSendWrongAccount(t *testing.T) {
	f := newFixture(t, "10.00", testAgent())
	ctx := context.Background()

	started, err := f.svc.Start(ctx, f.account.AccountID, "summarizer")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := f.svc.Send(ctx, "someone-else", started.Session.SessionID, "hi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestEndCompletesSession(t *testing.T) {
	f := newFixture(t, "10.00", testAgent())
	ctx := context.Background()

	started, err := f.svc.Start(ctx, f.account.AccountID, "summarizer")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ended, err := f.svc.End(ctx, f.account.AccountID, started.Session.SessionID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.Status != domain.SessionCompleted || ended.CompletedAt == nil {
		t.Errorf("ended session = %+v", ended)
	}

	// Ending twice is a NotFound, not a silent no-op.
	if _, err := f.svc.End(ctx, f.account.AccountID, started.Session.SessionID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second end: err = %v, want ErrNotFound", err)
	}
}

func TestStatusReportsBudgets(t *testing.T) {
	agent := testAgent()
	agent.MessageLimit = 4
	f := newFixture(t, "10.00", agent)
	ctx := context.Background()

	started, err := f.svc.Start(ctx, f.account.AccountID, "summarizer")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.Send(ctx, f.account.AccountID, started.Session.SessionID, "one"); err != nil {
		t.Fatalf("send: %v", err)
	}

	report, err := f.svc.Status(ctx, f.account.AccountID, started.Session.SessionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if report.MessagesUsed != 1 || report.MessageLimit != 4 {
		t.Errorf("messages = %d/%d, want 1/4", report.MessagesUsed, report.MessageLimit)
	}
	if report.MessagesPercent != 25 {
		t.Errorf("messages percent = %d, want 25", report.MessagesPercent)
	}
	if report.RemainingSeconds <= 0 || report.RemainingSeconds > 30*60 {
		t.Errorf("remaining seconds = %d", report.RemainingSeconds)
	}
	if report.TimePercent < 0 || report.TimePercent > 100 {
		t.Errorf("time percent = %d out of range", report.TimePercent)
	}
}

func TestStatusPercentagesClamped(t *testing.T) {
	f := newFixture(t, "10.00", testAgent())
	ctx := context.Background()

	started, err := f.svc.Start(ctx, f.account.AccountID, "summarizer")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Far past the deadline; the report is still well-formed.
	f.svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	report, err := f.svc.Status(ctx, f.account.AccountID, started.Session.SessionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if report.RemainingSeconds != 0 {
		t.Errorf("remaining = %d, want 0", report.RemainingSeconds)
	}
	if report.TimePercent != 100 {
		t.Errorf("time percent = %d, want 100", report.TimePercent)
	}
}

func TestExportTextTranscript(t *testing.T) {
	f := newFixture(t, "10.00", testAgent())
	ctx := context.Background()

	started, err := f.svc.Start(ctx, f.account.AccountID, "summarizer")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.Send(ctx, f.account.AccountID, started.Session.SessionID, "summarize this"); err != nil {
		t.Fatalf("send: %v", err)
	}

	transcript, err := f.svc.ExportText(ctx, f.account.AccountID, started.Session.SessionID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	for _, want := range []string{"Summarizer", started.Session.SessionID, "You: summarize this", "Agent: agent says hi"} {
		if !strings.Contains(transcript, want) {
			t.Errorf("transcript missing %q:\n%s", want, transcript)
		}
	}
}
