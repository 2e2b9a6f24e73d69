package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/jobmeter/pkg/models"
)

// Config holds all jobmeter configuration.
type Config struct {
	Listen      string             `yaml:"listen"`
	Database    DatabaseConfig     `yaml:"database"`
	Redis       RedisConfig        `yaml:"redis"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Logging     LoggingConfig      `yaml:"logging"`
	Admin       AdminConfig        `yaml:"admin"`
	Executor    ExecutorConfig     `yaml:"executor"`
	Providers   []ProviderConfig   `yaml:"providers"`
	Pricing     PricingConfig      `yaml:"pricing"`
	ModelGroups []ModelGroupConfig `yaml:"model_groups"`
	Teams       []TeamConfig       `yaml:"teams"`
}

// DatabaseConfig selects the store driver. Driver is "sqlite" (default) or "postgres".
type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// RedisConfig controls the advisory balance cache.
type RedisConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	BalanceTTL time.Duration `yaml:"balance_ttl"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// LoggingConfig controls structured logging. Format is "json" or "text".
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AdminConfig protects ledger-mutating routes with a static bearer token.
// An empty token leaves them open; put a real auth layer in front in that case.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// ExecutorConfig bounds provider calls.
type ExecutorConfig struct {
	CallTimeout  time.Duration `yaml:"call_timeout"`
	StreamBuffer int           `yaml:"stream_buffer"`
}

// ProviderConfig defines an upstream LLM provider.
// Type is "openai" (default) or "anthropic". Credentials maps an
// organization ID to the key used for that organization's teams; APIKey is
// used when no organization-specific key exists.
type ProviderConfig struct {
	Name        string            `yaml:"name"`
	URL         string            `yaml:"url"`
	APIKey      string            `yaml:"api_key"`
	Type        string            `yaml:"type"`
	Credentials map[string]string `yaml:"credentials"`
}

// PricingConfig is the pricing catalog source.
type PricingConfig struct {
	Default PriceConfig        `yaml:"default"`
	Models  []ModelPriceConfig `yaml:"models"`
}

// PriceConfig is a USD price per million tokens.
type PriceConfig struct {
	InputPerMillion  Decimal `yaml:"input_per_million"`
	OutputPerMillion Decimal `yaml:"output_per_million"`
}

// ModelPriceConfig prices a single model.
type ModelPriceConfig struct {
	Model            string  `yaml:"model"`
	InputPerMillion  Decimal `yaml:"input_per_million"`
	OutputPerMillion Decimal `yaml:"output_per_million"`
}

// ModelGroupConfig declares a model group. Models are listed in insertion
// order, which breaks ties between equal priorities.
type ModelGroupConfig struct {
	Name   string              `yaml:"name"`
	Active *bool               `yaml:"active"`
	Models []GroupMemberConfig `yaml:"models"`
}

// IsActive defaults to true when the field is omitted.
func (g ModelGroupConfig) IsActive() bool {
	return g.Active == nil || *g.Active
}

// GroupMemberConfig is one provider model inside a group.
type GroupMemberConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Priority int    `yaml:"priority"`
	Active   *bool  `yaml:"active"`
}

// IsActive defaults to true when the field is omitted.
func (m GroupMemberConfig) IsActive() bool {
	return m.Active == nil || *m.Active
}

// TeamConfig seeds a team's budget and group assignments.
// CreditsAllocated is only applied when the team is first created.
type TeamConfig struct {
	ID               string   `yaml:"id"`
	Organization     string   `yaml:"organization"`
	BudgetMode       string   `yaml:"budget_mode"`
	MarkupPercentage Decimal  `yaml:"markup_percentage"`
	CreditsAllocated int64    `yaml:"credits_allocated"`
	CreditsPerDollar Decimal  `yaml:"credits_per_dollar"`
	TokensPerCredit  int64    `yaml:"tokens_per_credit"`
	Status           string   `yaml:"status"`
	ModelGroups      []string `yaml:"model_groups"`
}

// Decimal decodes YAML numbers and strings without going through float64.
type Decimal struct {
	decimal.Decimal
}

// NewDecimal parses s and panics on malformed input. Intended for literals.
func NewDecimal(s string) Decimal {
	return Decimal{decimal.RequireFromString(s)}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a decimal number", value.Line)
	}
	v, err := decimal.NewFromString(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid decimal %q: %w", value.Line, value.Value, err)
	}
	d.Decimal = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Decimal) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "jobmeter.db",
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			BalanceTTL: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Listen: ":9464",
			Path:   "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Executor: ExecutorConfig{
			CallTimeout:  2 * time.Minute,
			StreamBuffer: 64,
		},
		Pricing: PricingConfig{
			Default: PriceConfig{
				InputPerMillion:  NewDecimal("5"),
				OutputPerMillion: NewDecimal("15"),
			},
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks cross-references between providers, groups and teams.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: must be sqlite or postgres", c.Database.Driver))
	}
	if c.Executor.CallTimeout <= 0 {
		errs = append(errs, errors.New("executor.call_timeout must be positive"))
	}

	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, errors.New("provider with empty name"))
			continue
		}
		if providers[p.Name] {
			errs = append(errs, fmt.Errorf("provider %q declared twice", p.Name))
		}
		providers[p.Name] = true
		switch p.Type {
		case "", "openai", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type))
		}
	}

	groups := make(map[string]bool, len(c.ModelGroups))
	for _, g := range c.ModelGroups {
		if g.Name == "" {
			errs = append(errs, errors.New("model group with empty name"))
			continue
		}
		groups[g.Name] = true
		for _, m := range g.Models {
			if !providers[m.Provider] {
				errs = append(errs, fmt.Errorf("model group %q: unknown provider %q", g.Name, m.Provider))
			}
			if m.Model == "" {
				errs = append(errs, fmt.Errorf("model group %q: member with empty model", g.Name))
			}
		}
	}

	for _, t := range c.Teams {
		if t.ID == "" {
			errs = append(errs, errors.New("team with empty id"))
			continue
		}
		if _, err := models.ParseBudgetMode(models.BudgetModeKind(t.BudgetMode), t.CreditsPerDollar.Decimal, t.TokensPerCredit); err != nil {
			errs = append(errs, fmt.Errorf("team %q: %w", t.ID, err))
		}
		if t.MarkupPercentage.IsNegative() {
			errs = append(errs, fmt.Errorf("team %q: markup_percentage must not be negative", t.ID))
		}
		if t.CreditsAllocated < 0 {
			errs = append(errs, fmt.Errorf("team %q: credits_allocated must not be negative", t.ID))
		}
		switch models.TeamStatus(t.Status) {
		case "", models.TeamActive, models.TeamSuspended, models.TeamPaused:
		default:
			errs = append(errs, fmt.Errorf("team %q: unknown status %q", t.ID, t.Status))
		}
		for _, g := range t.ModelGroups {
			if !groups[g] {
				errs = append(errs, fmt.Errorf("team %q: unknown model group %q", t.ID, g))
			}
		}
	}

	return errors.Join(errs...)
}

// Provider returns the named provider config.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
