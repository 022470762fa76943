package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/thecyberlearn/quantumtaskai-caprover/internal/chat"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/domain"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/execution"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/identity"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/store"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/wallet"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/webhook"
)

type stubCatalog struct {
	agents map[string]*domain.AgentDefinition
}

func (s *stubCatalog) AgentBySlug(slug string) (*domain.AgentDefinition, error) {
	return s.agents[slug], nil
}

func (s *stubCatalog) ActiveAgents() ([]*domain.AgentDefinition, error) {
	var out []*domain.AgentDefinition
	for _, a := range s.agents {
		if a.IsActive {
			out = append(out, a)
		}
	}
	return out, nil
}

type stubGateway struct {
	chatErr error
	execErr error
}

func (s *stubGateway) SendChatMessage(ctx context.Context, turn webhook.ChatTurn) (*webhook.Reply, error) {
	if s.chatErr != nil {
		return nil, s.chatErr
	}
	return &webhook.Reply{Text: "stub reply", Matched: true, RawBody: `{"output":"stub reply"}`}, nil
}

func (s *stubGateway) Execute(ctx context.Context, call webhook.ExecutionCall) (*webhook.ExecutionResult, error) {
	if s.execErr != nil {
		return nil, s.execErr
	}
	return &webhook.ExecutionResult{Response: map[string]any{"result": "done"}, RawBody: `{"result":"done"}`}, nil
}

type apiFixture struct {
	router  http.Handler
	repo    store.Repository
	gateway *stubGateway
	account *domain.Account
}

func newAPIFixture(t *testing.T, balance string) *apiFixture {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})

	key, err := identity.GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Now()
	account := &domain.Account{
		AccountID: uuid.NewString(),
		Email:     uuid.NewString() + "@example.com",
		Balance:   decimal.RequireFromString(balance),
		APIKey:    key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("create account: %v", err)
	}

	cat := &stubCatalog{agents: map[string]*domain.AgentDefinition{
		"summarizer": {
			Slug:         "summarizer",
			Name:         "Summarizer",
			Price:        decimal.RequireFromString("5.00"),
			WebhookURL:   "https://workers.example.com/summarizer",
			AgentType:    domain.AgentTypeChat,
			MessageLimit: 2,
			IsActive:     true,
		},
		"report-writer": {
			Slug:       "report-writer",
			Name:       "Report Writer",
			Price:      decimal.RequireFromString("3.00"),
			WebhookURL: "https://workers.example.com/reports",
			AgentType:  domain.AgentTypeForm,
			IsActive:   true,
		},
	}}

	gw := &stubGateway{}
	ledger := wallet.NewLedger(repo)
	chatSvc := chat.NewService(repo, cat, gw, 30*time.Minute)
	runner := execution.NewRunner(repo, cat, ledger, gw)
	handler := NewHandler(repo, cat, chatSvc, ledger, runner)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(identity.Middleware(repo, false))
		r.Get("/agents", handler.ListAgents)
		r.Get("/agents/{slug}", handler.GetAgent)
		r.Route("/chat/sessions", func(r chi.Router) {
			r.Post("/", handler.StartSession)
			r.Post("/{sessionID}/messages", handler.SendMessage)
			r.Get("/{sessionID}/messages", handler.SessionHistory)
			r.Get("/{sessionID}/status", handler.SessionStatus)
			r.Post("/{sessionID}/end", handler.EndSession)
			r.Get("/{sessionID}/export", handler.ExportSession)
		})
		r.Route("/executions", func(r chi.Router) {
			r.Post("/", handler.Execute)
			r.Get("/", handler.ListExecutions)
			r.Get("/{executionID}", handler.GetExecution)
		})
		r.Route("/wallet", func(r chi.Router) {
			r.Get("/balance", handler.WalletBalance)
			r.Get("/summary", handler.WalletSummary)
			r.Get("/entries", handler.WalletEntries)
			r.Post("/confirm-payment", handler.ConfirmPayment)
		})
	})
	r.Post("/webhooks/payment", handler.PaymentWebhook)

	return &apiFixture{router: r, repo: repo, gateway: gw, account: account}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+f.account.APIKey)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func (f *apiFixture) startSession(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/chat/sessions", `{"agent_slug": "summarizer"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start session: status = %d, body %s", rec.Code, rec.Body)
	}
	body := decodeBody(t, rec)
	id, _ := body["session_id"].(string)
	if id == "" {
		t.Fatalf("no session_id in %v", body)
	}
	return id
}

func TestStartSessionCreated(t *testing.T) {
	f := newAPIFixture(t, "10.00")
	rec := f.do(t, http.MethodPost, "/api/chat/sessions", `{"agent_slug": "summarizer"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	body := decodeBody(t, rec)
	if body["status"] != "active" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["welcome_message"] == nil {
		t.Error("welcome_message missing")
	}
}

func TestStartSessionInsufficientFunds(t *testing.T) {
	f := newAPIFixture(t, "1.00")
	rec := f.do(t, http.MethodPost, "/api/chat/sessions", `{"agent_slug": "summarizer"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decodeBody(t, rec); body["reason"] != ReasonInsufficientFunds {
		t.Errorf("reason = %v, want %s", body["reason"], ReasonInsufficientFunds)
	}
}

func TestStartSessionUnknownAgent(t *testing.T) {
	f := newAPIFixture(t, "10.00")
	rec := f.do(t, http.MethodPost, "/api/chat/sessions", `{"agent_slug": "ghost"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSendMessageOKAndDegraded(t *testing.T) {
	f := newAPIFixture(t, "10.00")
	sessionID := f.startSession(t)

	rec := f.do(t, http.MethodPost, "/api/chat/sessions/"+sessionID+"/messages", `{"message": "hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	f.gateway.chatErr = &webhook.GatewayError{Status: 502, Reason: "webhook returned 502"}
	rec = f.do(t, http.MethodPost, "/api/chat/sessions/"+sessionID+"/messages", `{"message": "again"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("degraded turn status = %d, want 202; body %s", rec.Code, rec.Body)
	}
	body := decodeBody(t, rec)
	if body["degraded"] != true {
		t.Errorf("degraded flag = %v", body["degraded"])
	}
}

func TestSendMessageLimitReached(t *testing.T) {
	f := newAPIFixture(t, "10.00")
	sessionID := f.startSession(t)

	for i := 0; i < 2; i++ {
		if rec := f.do(t, http.MethodPost, "/api/chat/sessions/"+sessionID+"/messages", `{"message": "hi"}`); rec.Code != http.StatusOK {
			t.Fatalf("send %d: status = %d", i+1, rec.Code)
		}
	}

	rec := f.do(t, http.MethodPost, "/api/chat/sessions/"+sessionID+"/messages", `{"message": "one too many"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decodeBody(t, rec); body["reason"] != ReasonMessageLimitReached {
		t.Errorf("reason = %v, want %s", body["reason"], ReasonMessageLimitReached)
	}
}

func TestSendMessageUnknownSession(t *testing.T) {
	f := newAPIFixture(t, "10.00")
	rec := f.do(t, http.MethodPost, "/api/chat/sessions/ghost/messages", `{"message": "hi"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if body := decodeBody(t, rec); body["reason"] != ReasonNotFound {
		t.Errorf("reason = %v, want %s", body["reason"], ReasonNotFound)
	}
}

func TestSessionHistoryAndStatus(t *testing.T) {
	f := newAPIFixture(t, "10.00")
	sessionID := f.startSession(t)
	f.do(t, http.MethodPost, "/api/chat/sessions/"+sessionID+"/messages", `{"message": "hello"}`)

	rec := f.do(t, http.MethodGet, "/api/chat/sessions/"+sessionID+"/messages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	messages, _ := body["messages"].([]any)
	if len(messages) != 3 { // welcome + user + agent
		t.Errorf("history has %d messages, want 3", len(messages))
	}

	rec = f.do(t, http.MethodGet, "/api/chat/sessions/"+sessionID+"/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", rec.Code)
	}
	report := decodeBody(t, rec)
	if report["messages_used"] != float64(1) {
		t.Errorf("messages_used = %v, want 1", report["messages_used"])
	}
}

func TestEndSessionThenExpired(t *testing.T) {
	f := newAPIFixture(t, "10.00")
	sessionID := f.startSession(t)

	rec := f.do(t, http.MethodPost, "/api/chat/sessions/"+sessionID+"/end", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("end status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "completed" {
		t.Errorf("status = %v, want completed", body["status"])
	}

	// Sending into a completed session is a 404, not a silent accept.
	rec = f.do(t, http.MethodPost, "/api/chat/sessions/"+sessionID+"/messages", `{"message": "hi"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("send after end: status = %d, want 404", rec.Code)
	}
}

func TestExportTranscript(t *testing.T) {
	f := newAPIFixture(t, "10.00")
	sessionID := f.startSession(t)

	rec := f.do(t, http.MethodGet, "/api/chat/sessions/"+sessionID+"/export", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "Summarizer") {
		t.Error("transcript missing agent name")
	}
}

func TestConfirmPaymentIdempotent(t *testing.T) {
	f := newAPIFixture(t, "0.00")

	rec := f.do(t, http.MethodPost, "/api/wallet/confirm-payment", `{"amount": "25.00", "reference": "pay_123"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d, body %s", rec.Code, rec.Body)
	}
	if body := decodeBody(t, rec); body["credited"] != true {
		t.Errorf("first confirm credited = %v", body["credited"])
	}

	rec = f.do(t, http.MethodPost, "/api/wallet/confirm-payment", `{"amount": "25.00", "reference": "pay_123"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("second confirm status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["credited"] != false {
		t.Errorf("second confirm credited = %v, want false", body["credited"])
	}
	if body["balance"] != "25" && body["balance"] != "25.00" {
		t.Errorf("balance = %v, want 25", body["balance"])
	}
}

func TestExecuteChargesAndRecords(t *testing.T) {
	f := newAPIFixture(t, "10.00")

	rec := f.do(t, http.MethodPost, "/api/executions", `{"agent_slug": "report-writer", "message": "write a report"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("execute status = %d, body %s", rec.Code, rec.Body)
	}
	body := decodeBody(t, rec)
	if body["status"] != "completed" {
		t.Errorf("status = %v, want completed", body["status"])
	}

	balRec := f.do(t, http.MethodGet, "/api/wallet/balance", "")
	bal := decodeBody(t, balRec)
	if bal["balance"] != "7" && bal["balance"] != "7.00" {
		t.Errorf("balance = %v, want 7", bal["balance"])
	}
}

func TestExecuteFailureRefunds(t *testing.T) {
	f := newAPIFixture(t, "10.00")
	f.gateway.execErr = &webhook.GatewayError{Status: 500, Reason: "webhook returned 500"}

	rec := f.do(t, http.MethodPost, "/api/executions", `{"agent_slug": "report-writer", "message": "write a report"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("execute status = %d, body %s", rec.Code, rec.Body)
	}
	body := decodeBody(t, rec)
	if body["status"] != "failed" {
		t.Errorf("status = %v, want failed", body["status"])
	}

	balRec := f.do(t, http.MethodGet, "/api/wallet/balance", "")
	bal := decodeBody(t, balRec)
	if bal["balance"] != "10" && bal["balance"] != "10.00" {
		t.Errorf("balance = %v, want full refund to 10", bal["balance"])
	}
}

func TestAgentsEndpoint(t *testing.T) {
	f := newAPIFixture(t, "10.00")

	rec := f.do(t, http.MethodGet, "/api/agents", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list agents status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	agents, _ := body["agents"].([]any)
	if len(agents) != 2 {
		t.Errorf("listed %d agents, want 2", len(agents))
	}

	rec = f.do(t, http.MethodGet, "/api/agents/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown agent status = %d, want 404", rec.Code)
	}
}

func TestPaymentWebhookCreditsWithoutAuth(t *testing.T) {
	f := newAPIFixture(t, "0.00")

	body := `{"account_id": "` + f.account.AccountID + `", "amount": "15.00", "reference": "pay_hook_1"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if decodeBody(t, rec)["credited"] != true {
		t.Error("first delivery should credit")
	}

	// Redelivery answers 200 without crediting again.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(body))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d, body %s", rec.Code, rec.Body)
	}
	if decodeBody(t, rec)["credited"] != false {
		t.Error("redelivery should not credit")
	}

	balRec := f.do(t, http.MethodGet, "/api/wallet/balance", "")
	if got := decodeBody(t, balRec)["balance"]; got != "15" && got != "15.00" {
		t.Errorf("balance = %v, want 15.00", got)
	}
}

func TestPaymentWebhookUnknownAccount(t *testing.T) {
	f := newAPIFixture(t, "0.00")

	body := `{"account_id": "ghost", "amount": "15.00", "reference": "pay_hook_2"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if decodeBody(t, rec)["reason"] != ReasonNotFound {
		t.Errorf("reason = %v", decodeBody(t, rec)["reason"])
	}
}

func TestWalletSummary(t *testing.T) {
	f := newAPIFixture(t, "10.00")

	rec := f.do(t, http.MethodPost, "/api/wallet/confirm-payment", `{"amount": "5.00", "reference": "pay_sum_api"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm payment: status = %d, body %s", rec.Code, rec.Body)
	}
	f.startSession(t) // charges the 5.00 session fee

	rec = f.do(t, http.MethodGet, "/api/wallet/summary", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	body := decodeBody(t, rec)
	if got := body["total_topped_up"]; got != "5" && got != "5.00" {
		t.Errorf("total_topped_up = %v, want 5.00", got)
	}
	if got := body["total_spent"]; got != "5" && got != "5.00" {
		t.Errorf("total_spent = %v, want 5.00", got)
	}
	if got := body["balance"]; got != "10" && got != "10.00" {
		t.Errorf("balance = %v, want 10.00", got)
	}
}
