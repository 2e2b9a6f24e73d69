package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CallStatus tracks whether a call's outcome has been recorded.
type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallSucceeded CallStatus = "succeeded"
	CallFailed    CallStatus = "failed"
)

// Call is one attributed provider invocation. Prices are per million tokens,
// captured when the call was pinned to its model. Costs are exact and stay
// NULL for failed calls.
type Call struct {
	ID               string              `json:"id"`
	JobID            string              `json:"job_id"`
	ModelGroup       string              `json:"model_group"`
	ResolvedModel    string              `json:"resolved_model"`
	Provider         string              `json:"provider"`
	Status           CallStatus          `json:"status"`
	InputTokens      int64               `json:"input_tokens"`
	OutputTokens     int64               `json:"output_tokens"`
	PriceInput       decimal.Decimal     `json:"price_input_per_million"`
	PriceOutput      decimal.Decimal     `json:"price_output_per_million"`
	PriceFallback    bool                `json:"price_fallback,omitempty"`
	MarkupPercentage decimal.Decimal     `json:"markup_percentage"`
	ProviderCost     decimal.NullDecimal `json:"provider_cost"`
	ClientCost       decimal.NullDecimal `json:"client_cost"`
	LatencyMs        int64               `json:"latency_ms"`
	Error            string              `json:"error,omitempty"`
	ErrorType        string              `json:"error_type,omitempty"`
	Purpose          string              `json:"purpose,omitempty"`
	FinishReason     string              `json:"finish_reason,omitempty"`
	Content          string              `json:"content,omitempty"`
	Attempts         int                 `json:"attempts"`
	Streamed         bool                `json:"streamed"`
	CreatedAt        time.Time           `json:"created_at"`
	// DeadlineAt is when a still-pending call is considered abandoned. It
	// covers one attempt per fallback candidate.
	DeadlineAt       time.Time           `json:"deadline_at"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty"`
}

// TotalTokens returns input plus output tokens.
func (c Call) TotalTokens() int64 {
	return c.InputTokens + c.OutputTokens
}

// CallOutcome is what the executor learned about a call once it finished.
type CallOutcome struct {
	Status       CallStatus
	InputTokens  int64
	OutputTokens int64
	ProviderCost decimal.NullDecimal
	ClientCost   decimal.NullDecimal
	Markup       decimal.Decimal
	LatencyMs    int64
	FinishReason string
	Content      string
	Error        string
	ErrorType    string
}
