package models

import "github.com/shopspring/decimal"

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageSummary aggregates calls per team, provider and model.
type UsageSummary struct {
	TeamID       string          `json:"team_id"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	CallCount    int             `json:"call_count"`
	FailedCalls  int             `json:"failed_calls"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	ProviderCost decimal.Decimal `json:"provider_cost"`
	ClientCost   decimal.Decimal `json:"client_cost"`
}

// TotalTokens returns input plus output tokens.
func (u UsageSummary) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}
