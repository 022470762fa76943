// Package catalog loads agent definitions from JSON config files and serves
// them through a read-through cache. Definitions are read-only at runtime;
// the rest of the system depends on the Lookup interface, not on the files.
package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/domain"
)

func decimalFromNumber(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, fmt.Errorf("missing required field: price")
	}
	return decimal.NewFromString(n.String())
}

// Lookup resolves agent definitions by slug.
type Lookup interface {
	// AgentBySlug returns the agent definition, or nil when the slug is
	// unknown. Inactive agents are still returned; callers decide whether
	// inactive counts as found.
	AgentBySlug(slug string) (*domain.AgentDefinition, error)

	// ActiveAgents returns all active agent definitions, sorted by slug.
	ActiveAgents() ([]*domain.AgentDefinition, error)
}

// FileCatalog implements Lookup over a directory of *.json agent configs,
// caching the parsed set for a configurable TTL.
type FileCatalog struct {
	dir                 string
	ttl                 time.Duration
	defaultMessageLimit int

	mu       sync.RWMutex
	agents   map[string]*domain.AgentDefinition
	loadedAt time.Time
}

// Option configures a FileCatalog.
type Option func(*FileCatalog)

// WithDefaultMessageLimit sets the message limit applied to agent configs
// that omit one.
func WithDefaultMessageLimit(limit int) Option {
	return func(c *FileCatalog) {
		if limit > 0 {
			c.defaultMessageLimit = limit
		}
	}
}

// NewFileCatalog creates a catalog over dir with the given cache TTL.
func NewFileCatalog(dir string, ttl time.Duration, opts ...Option) *FileCatalog {
	c := &FileCatalog{
		dir:                 dir,
		ttl:                 ttl,
		defaultMessageLimit: 50,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invalidate drops the cached definitions; the next lookup reloads from disk.
func (c *FileCatalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents = nil
	c.loadedAt = time.Time{}
}

// AgentBySlug returns the agent definition for slug, or nil when unknown.
func (c *FileCatalog) AgentBySlug(slug string) (*domain.AgentDefinition, error) {
	agents, err := c.snapshot()
	if err != nil {
		return nil, err
	}
	return agents[slug], nil
}

// ActiveAgents returns all active agent definitions, sorted by slug.
func (c *FileCatalog) ActiveAgents() ([]*domain.AgentDefinition, error) {
	agents, err := c.snapshot()
	if err != nil {
		return nil, err
	}
	var active []*domain.AgentDefinition
	for _, agent := range agents {
		if agent.IsActive {
			active = append(active, agent)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Slug < active[j].Slug })
	return active, nil
}

func (c *FileCatalog) snapshot() (map[string]*domain.AgentDefinition, error) {
	c.mu.RLock()
	if c.agents != nil && time.Since(c.loadedAt) < c.ttl {
		agents := c.agents
		c.mu.RUnlock()
		return agents, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have reloaded while we waited for the lock.
	if c.agents != nil && time.Since(c.loadedAt) < c.ttl {
		return c.agents, nil
	}

	agents, err := c.loadAll()
	if err != nil {
		// Serve the stale cache rather than failing lookups when the
		// directory becomes temporarily unreadable.
		if c.agents != nil {
			slog.Error("Agent catalog reload failed, serving stale cache", "dir", c.dir, "error", err)
			return c.agents, nil
		}
		return nil, err
	}

	c.agents = agents
	c.loadedAt = time.Now()
	return agents, nil
}

// agentFile is the on-disk JSON shape. Price is accepted as either a JSON
// number or a string; IsActive defaults to true when omitted.
type agentFile struct {
	Slug             string          `json:"slug"`
	Name             string          `json:"name"`
	ShortDescription string          `json:"short_description"`
	Description      string          `json:"description"`
	Category         string          `json:"category"`
	Price            json.Number     `json:"price"`
	WebhookURL       string          `json:"webhook_url"`
	AgentType        string          `json:"agent_type"`
	MessageLimit     int             `json:"message_limit"`
	WelcomeMessage   string          `json:"welcome_message"`
	IsActive         *bool           `json:"is_active"`
}

func (c *FileCatalog) loadAll() (map[string]*domain.AgentDefinition, error) {
	paths, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan agents directory: %w", err)
	}
	if _, err := os.Stat(c.dir); err != nil {
		return nil, fmt.Errorf("agents directory: %w", err)
	}

	agents := make(map[string]*domain.AgentDefinition, len(paths))
	for _, path := range paths {
		agent, err := c.loadOne(path)
		if err != nil {
			slog.Error("Skipping invalid agent config", "file", filepath.Base(path), "error", err)
			continue
		}
		if prev, dup := agents[agent.Slug]; dup {
			slog.Warn("Duplicate agent slug, keeping first", "slug", agent.Slug, "kept", prev.Name, "file", filepath.Base(path))
			continue
		}
		agents[agent.Slug] = agent
	}

	slog.Info("Loaded agent catalog", "agents", len(agents), "files", len(paths))
	return agents, nil
}

func (c *FileCatalog) loadOne(path string) (*domain.AgentDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}

	var file agentFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode agent config: %w", err)
	}
	if file.Slug == "" {
		return nil, fmt.Errorf("missing required field: slug")
	}
	if file.Name == "" {
		return nil, fmt.Errorf("missing required field: name")
	}

	price, err := decimalFromNumber(file.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid price: %w", err)
	}

	agent := &domain.AgentDefinition{
		Slug:             file.Slug,
		Name:             file.Name,
		ShortDescription: file.ShortDescription,
		Description:      file.Description,
		Category:         file.Category,
		Price:            price,
		WebhookURL:       file.WebhookURL,
		AgentType:        domain.AgentType(file.AgentType),
		MessageLimit:     file.MessageLimit,
		WelcomeMessage:   file.WelcomeMessage,
		IsActive:         true,
	}
	if file.IsActive != nil {
		agent.IsActive = *file.IsActive
	}
	if agent.AgentType == "" {
		agent.AgentType = domain.AgentTypeForm
	}
	if agent.MessageLimit <= 0 {
		agent.MessageLimit = c.defaultMessageLimit
	}
	if agent.AgentType != domain.AgentTypeChat && agent.AgentType != domain.AgentTypeForm {
		return nil, fmt.Errorf("agent_type must be %q or %q", domain.AgentTypeChat, domain.AgentTypeForm)
	}
	return agent, nil
}
