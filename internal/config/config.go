// Package config loads the service configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/liamcoop/claims/orchestrator"
	"github.com/liamcoop/claims/routing"
	"github.com/liamcoop/claims/sor"
)

// Config is the full service configuration. Empty collaborator URLs select
// the in-memory fakes; an empty DATABASE_URL selects in-memory stores.
type Config struct {
	Port           int    `env:"PORT" envDefault:"8080"`
	DatabaseURL    string `env:"DATABASE_URL"`
	AutoMigrate    bool   `env:"AUTO_MIGRATE" envDefault:"false"`
	MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"migrations"`
	RulesFile      string `env:"RULES_FILE"`

	PolicyAPIURL       string `env:"POLICY_API_URL"`
	ClaimsAPIURL       string `env:"CLAIMS_API_URL"`
	CasesAPIURL        string `env:"CASES_API_URL"`
	DocumentsAPIURL    string `env:"DOCUMENTS_API_URL"`
	VerificationAPIURL string `env:"VERIFICATION_API_URL"`

	Client         sor.ClientConfig `envPrefix:"SOR_"`
	PolicyCacheTTL time.Duration    `env:"POLICY_CACHE_TTL" envDefault:"5m"`

	RuleCacheTTL        time.Duration `env:"RULE_CACHE_TTL" envDefault:"0s"`
	EventHistorySize    int           `env:"EVENT_HISTORY_SIZE" envDefault:"100"`
	WorkflowMaxParallel int           `env:"WORKFLOW_MAX_PARALLEL" envDefault:"4"`
	WorkflowHistorySize int           `env:"WORKFLOW_HISTORY_SIZE" envDefault:"100"`

	Routing      routing.Config      `envPrefix:"ROUTING_"`
	Orchestrator orchestrator.Config `envPrefix:"CLAIMS_"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values env parsing cannot.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	if c.AutoMigrate && c.DatabaseURL == "" {
		return fmt.Errorf("AUTO_MIGRATE requires DATABASE_URL")
	}
	if c.EventHistorySize < 0 {
		return fmt.Errorf("EVENT_HISTORY_SIZE must not be negative")
	}
	if c.WorkflowMaxParallel < 1 {
		return fmt.Errorf("WORKFLOW_MAX_PARALLEL must be at least 1")
	}
	if c.Orchestrator.TaxReportingThreshold < 0 {
		return fmt.Errorf("CLAIMS_TAX_REPORTING_THRESHOLD must not be negative")
	}
	if err := c.Routing.Validate(); err != nil {
		return fmt.Errorf("routing config: %w", err)
	}
	return nil
}

// UsesFakes reports whether any collaborator falls back to the in-memory fake.
func (c *Config) UsesFakes() bool {
	return c.PolicyAPIURL == "" || c.ClaimsAPIURL == "" || c.CasesAPIURL == "" ||
		c.DocumentsAPIURL == "" || c.VerificationAPIURL == ""
}
