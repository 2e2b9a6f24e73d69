package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// JobState is the lifecycle state of a Job.
type JobState string

const (
	JobPending    JobState = "pending"
	JobInProgress JobState = "in_progress"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// Terminal reports whether no further calls or transitions are allowed.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is a logical unit of billable work made of one or more calls.
type Job struct {
	ID            string          `json:"id"`
	TeamID        string          `json:"team_id"`
	JobType       string          `json:"job_type"`
	ExternalID    string          `json:"external_id,omitempty"`
	State         JobState        `json:"status"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	ModelGroups   []string        `json:"model_groups_used"`
	CreditApplied bool            `json:"credit_applied"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Summary       *JobSummary     `json:"summary,omitempty"`
}

// JobSummary is the result of completing a job. It is persisted with the
// job so repeated completions return the same value.
type JobSummary struct {
	JobID            string          `json:"job_id"`
	Status           JobState        `json:"status"`
	BudgetMode       BudgetModeKind  `json:"budget_mode"`
	CreditApplied    bool            `json:"credit_applied"`
	CreditsDeducted  int64           `json:"credits_deducted"`
	CreditsRemaining int64           `json:"credits_remaining"`
	TotalCalls       int             `json:"total_calls"`
	FailedCalls      int             `json:"failed_calls"`
	InputTokens      int64           `json:"input_tokens"`
	OutputTokens     int64           `json:"output_tokens"`
	TotalTokens      int64           `json:"total_tokens"`
	ProviderCost     decimal.Decimal `json:"provider_cost"`
	ClientCost       decimal.Decimal `json:"client_cost"`
	CompletedAt      time.Time       `json:"completed_at"`
}

// JobDetail is a job together with its calls.
type JobDetail struct {
	Job   Job    `json:"job"`
	Calls []Call `json:"calls"`
}
