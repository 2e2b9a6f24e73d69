package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Listen)
	}
	if cfg.Executor.CallTimeout != 2*time.Minute {
		t.Errorf("expected 2m call timeout, got %v", cfg.Executor.CallTimeout)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %s", cfg.Database.Driver)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-test-123")

	path := writeConfig(t, `
listen: ":9090"
database:
  driver: sqlite
  dsn: test.db
executor:
  call_timeout: 30s
providers:
  - name: openai
    url: https://api.openai.com
    api_key: ${TEST_API_KEY}
pricing:
  default:
    input_per_million: 3
    output_per_million: "12.5"
  models:
    - model: gpt-4o-mini
      input_per_million: 0.15
      output_per_million: 0.60
model_groups:
  - name: Fast
    models:
      - provider: openai
        model: gpt-4o-mini
        priority: 0
teams:
  - id: team-a
    budget_mode: consumption_usd
    markup_percentage: 20
    credits_allocated: 100
    credits_per_dollar: 10
    model_groups: [Fast]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Providers[0].APIKey != "sk-test-123" {
		t.Errorf("env var not expanded: got %s", cfg.Providers[0].APIKey)
	}
	if cfg.Executor.CallTimeout != 30*time.Second {
		t.Errorf("expected 30s call timeout, got %v", cfg.Executor.CallTimeout)
	}
	if got := cfg.Pricing.Models[0].InputPerMillion.String(); got != "0.15" {
		t.Errorf("expected exact decimal 0.15, got %s", got)
	}
	if got := cfg.Pricing.Default.OutputPerMillion.String(); got != "12.5" {
		t.Errorf("expected quoted decimal 12.5, got %s", got)
	}
	if !cfg.ModelGroups[0].IsActive() {
		t.Error("expected group active by default")
	}
	if cfg.Teams[0].CreditsPerDollar.String() != "10" {
		t.Errorf("expected credits_per_dollar 10, got %s", cfg.Teams[0].CreditsPerDollar)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadInvalidDecimal(t *testing.T) {
	path := writeConfig(t, `
pricing:
  default:
    input_per_million: lots
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid decimal")
	}
}

func TestValidateCrossReferences(t *testing.T) {
	cfg := Default()
	cfg.Providers = []ProviderConfig{{Name: "openai", URL: "http://x"}}
	cfg.ModelGroups = []ModelGroupConfig{{
		Name:   "Fast",
		Models: []GroupMemberConfig{{Provider: "missing", Model: "m"}},
	}}
	cfg.Teams = []TeamConfig{
		{ID: "t1", BudgetMode: "consumption_tokens", ModelGroups: []string{"Nope"}},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{`unknown provider "missing"`, `unknown model group "Nope"`, "tokens_per_credit"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
}
