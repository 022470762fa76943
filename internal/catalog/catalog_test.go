package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thecyberlearn/quantumtaskai-caprover/internal/domain"
)

func writeAgentFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write agent file: %v", err)
	}
}

func TestFileCatalogLoadsAgents(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "summarizer.json", `{
		"slug": "summarizer",
		"name": "Summarizer",
		"price": 5.00,
		"webhook_url": "https://workers.example.com/summarizer",
		"agent_type": "chat",
		"message_limit": 25,
		"welcome_message": "Hi! Paste the text to summarize."
	}`)
	writeAgentFile(t, dir, "report-writer.json", `{
		"slug": "report-writer",
		"name": "Report Writer",
		"price": "3.50",
		"webhook_url": "https://workers.example.com/reports",
		"agent_type": "form"
	}`)

	cat := NewFileCatalog(dir, time.Minute, WithDefaultMessageLimit(50))

	agent, err := cat.AgentBySlug("summarizer")
	if err != nil {
		t.Fatalf("AgentBySlug: %v", err)
	}
	if agent == nil {
		t.Fatal("summarizer not found")
	}
	if !agent.Price.Equal(decimal.RequireFromString("5.00")) {
		t.Errorf("price = %s, want 5.00", agent.Price)
	}
	if agent.MessageLimit != 25 {
		t.Errorf("message limit = %d, want 25", agent.MessageLimit)
	}
	if agent.WelcomeMessage == "" {
		t.Error("welcome message lost")
	}

	// String-typed price and defaulted message limit.
	agent, err = cat.AgentBySlug("report-writer")
	if err != nil || agent == nil {
		t.Fatalf("report-writer: %v, %v", agent, err)
	}
	if !agent.Price.Equal(decimal.RequireFromString("3.50")) {
		t.Errorf("price = %s, want 3.50", agent.Price)
	}
	if agent.MessageLimit != 50 {
		t.Errorf("message limit = %d, want default 50", agent.MessageLimit)
	}
	if agent.AgentType != domain.AgentTypeForm {
		t.Errorf("agent type = %s", agent.AgentType)
	}
}

func TestFileCatalogUnknownSlug(t *testing.T) {
	dir := t.TempDir()
	cat := NewFileCatalog(dir, time.Minute)

	agent, err := cat.AgentBySlug("ghost")
	if err != nil {
		t.Fatalf("AgentBySlug: %v", err)
	}
	if agent != nil {
		t.Errorf("unknown slug returned %+v", agent)
	}
}

func TestFileCatalogSkipsInvalidConfigs(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "good.json", `{"slug": "good", "name": "Good", "price": 1}`)
	writeAgentFile(t, dir, "broken.json", `{"slug": "broken", "name": "Broken"`)
	writeAgentFile(t, dir, "nameless.json", `{"slug": "nameless", "price": 1}`)

	cat := NewFileCatalog(dir, time.Minute, WithDefaultMessageLimit(50))
	agents, err := cat.ActiveAgents()
	if err != nil {
		t.Fatalf("ActiveAgents: %v", err)
	}
	if len(agents) != 1 || agents[0].Slug != "good" {
		t.Errorf("agents = %v, want just good", agents)
	}
}

func TestFileCatalogInactiveAgentsExcludedFromListing(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "retired.json", `{"slug": "retired", "name": "Retired", "price": 1, "is_active": false}`)
	writeAgentFile(t, dir, "live.json", `{"slug": "live", "name": "Live", "price": 1}`)

	cat := NewFileCatalog(dir, time.Minute, WithDefaultMessageLimit(50))

	agents, err := cat.ActiveAgents()
	if err != nil {
		t.Fatalf("ActiveAgents: %v", err)
	}
	if len(agents) != 1 || agents[0].Slug != "live" {
		t.Errorf("active agents = %v, want just live", agents)
	}

	// Lookup by slug still resolves inactive agents.
	agent, err := cat.AgentBySlug("retired")
	if err != nil || agent == nil {
		t.Fatalf("retired lookup: %v, %v", agent, err)
	}
	if agent.IsActive {
		t.Error("retired agent should be inactive")
	}
}

func TestFileCatalogInvalidateForcesReload(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "a.json", `{"slug": "a", "name": "A", "price": 1}`)

	cat := NewFileCatalog(dir, time.Hour, WithDefaultMessageLimit(50))
	if agent, _ := cat.AgentBySlug("b"); agent != nil {
		t.Fatal("b should not exist yet")
	}

	writeAgentFile(t, dir, "b.json", `{"slug": "b", "name": "B", "price": 2}`)

	// Within the TTL the cached set is served.
	if agent, _ := cat.AgentBySlug("b"); agent != nil {
		t.Fatal("b appeared without invalidation inside the TTL")
	}

	cat.Invalidate()
	agent, err := cat.AgentBySlug("b")
	if err != nil || agent == nil {
		t.Fatalf("b after invalidate: %v, %v", agent, err)
	}
}
