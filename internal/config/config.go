// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	AgentsDir   string

	// SessionTTL is the chat session lifetime, advanced after every
	// answered message. MessageLimit is the per-session cap on user
	// messages when an agent config omits its own. Both are product
	// knobs, not engineering constants.
	SessionTTL   time.Duration
	MessageLimit int

	ChatTimeout    time.Duration
	ExecuteTimeout time.Duration
	SweepInterval  time.Duration
	CatalogTTL     time.Duration

	// StrictWebhooks enables the production SSRF posture: https only, no
	// loopback, no private ranges. Defaults on outside development.
	StrictWebhooks bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/marketplace.db"),
		AgentsDir:      getEnv("AGENTS_CONFIG_DIR", "./configs/agents"),
		SessionTTL:     getEnvDuration("CHAT_SESSION_TTL", 30*time.Minute),
		MessageLimit:   getEnvInt("CHAT_MESSAGE_LIMIT", 50),
		ChatTimeout:    getEnvDuration("WEBHOOK_CHAT_TIMEOUT", 30*time.Second),
		ExecuteTimeout: getEnvDuration("WEBHOOK_EXECUTE_TIMEOUT", 90*time.Second),
		SweepInterval:  getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		CatalogTTL:     getEnvDuration("AGENT_CATALOG_TTL", 5*time.Minute),
	}
	cfg.StrictWebhooks = getEnvBool("STRICT_WEBHOOKS", !cfg.IsDevelopment())

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.AgentsDir == "" {
		return fmt.Errorf("AGENTS_CONFIG_DIR cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("CHAT_SESSION_TTL must be > 0")
	}
	if c.MessageLimit <= 0 {
		return fmt.Errorf("CHAT_MESSAGE_LIMIT must be > 0")
	}
	if c.ChatTimeout <= 0 || c.ExecuteTimeout <= 0 {
		return fmt.Errorf("webhook timeouts must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
