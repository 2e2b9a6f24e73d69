package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BudgetModeKind is the persisted name of a budget mode.
type BudgetModeKind string

const (
	ModeJobBased          BudgetModeKind = "job_based"
	ModeConsumptionUSD    BudgetModeKind = "consumption_usd"
	ModeConsumptionTokens BudgetModeKind = "consumption_tokens"
)

// BudgetMode decides how many credits a completed job costs. The set of
// implementations is closed: JobBased, ConsumptionUSD and ConsumptionTokens.
type BudgetMode interface {
	Kind() BudgetModeKind
	budgetMode()
}

// JobBased charges one credit per successful job.
type JobBased struct{}

// ConsumptionUSD charges ceil(client cost × CreditsPerDollar).
type ConsumptionUSD struct {
	CreditsPerDollar decimal.Decimal
}

// ConsumptionTokens charges ceil(total tokens / TokensPerCredit).
type ConsumptionTokens struct {
	TokensPerCredit int64
}

func (JobBased) Kind() BudgetModeKind          { return ModeJobBased }
func (ConsumptionUSD) Kind() BudgetModeKind    { return ModeConsumptionUSD }
func (ConsumptionTokens) Kind() BudgetModeKind { return ModeConsumptionTokens }

func (JobBased) budgetMode()          {}
func (ConsumptionUSD) budgetMode()    {}
func (ConsumptionTokens) budgetMode() {}

// ParseBudgetMode builds the mode variant for kind, validating its constants.
func ParseBudgetMode(kind BudgetModeKind, creditsPerDollar decimal.Decimal, tokensPerCredit int64) (BudgetMode, error) {
	switch kind {
	case ModeJobBased, "":
		return JobBased{}, nil
	case ModeConsumptionUSD:
		if !creditsPerDollar.IsPositive() {
			return nil, fmt.Errorf("budget mode %s: credits_per_dollar must be positive", kind)
		}
		return ConsumptionUSD{CreditsPerDollar: creditsPerDollar}, nil
	case ModeConsumptionTokens:
		if tokensPerCredit <= 0 {
			return nil, fmt.Errorf("budget mode %s: tokens_per_credit must be positive", kind)
		}
		return ConsumptionTokens{TokensPerCredit: tokensPerCredit}, nil
	default:
		return nil, fmt.Errorf("unknown budget mode %q", kind)
	}
}

// TeamStatus gates whether a team may start new jobs.
type TeamStatus string

const (
	TeamActive    TeamStatus = "active"
	TeamSuspended TeamStatus = "suspended"
	TeamPaused    TeamStatus = "paused"
)

// TeamBudget is a team's credit account and billing configuration.
type TeamBudget struct {
	TeamID           string          `json:"team_id"`
	OrganizationID   string          `json:"organization_id,omitempty"`
	ModeKind         BudgetModeKind  `json:"budget_mode"`
	MarkupPercentage decimal.Decimal `json:"markup_percentage"`
	CreditsAllocated int64           `json:"credits_allocated"`
	CreditsUsed      int64           `json:"credits_used"`
	CreditsPerDollar decimal.Decimal `json:"credits_per_dollar"`
	TokensPerCredit  int64           `json:"tokens_per_credit"`
	Status           TeamStatus      `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Remaining is always derived, never stored.
func (b TeamBudget) Remaining() int64 {
	return b.CreditsAllocated - b.CreditsUsed
}

// Mode returns the budget mode variant for this team.
func (b TeamBudget) Mode() (BudgetMode, error) {
	return ParseBudgetMode(b.ModeKind, b.CreditsPerDollar, b.TokensPerCredit)
}

// Balance is the caller-facing view of a team's credits.
type Balance struct {
	TeamID           string         `json:"team_id"`
	CreditsAllocated int64          `json:"credits_allocated"`
	CreditsUsed      int64          `json:"credits_used"`
	CreditsRemaining int64          `json:"credits_remaining"`
	BudgetMode       BudgetModeKind `json:"budget_mode"`
	Status           TeamStatus     `json:"status"`
}

// BalanceOf projects a TeamBudget into a Balance.
func BalanceOf(b TeamBudget) Balance {
	return Balance{
		TeamID:           b.TeamID,
		CreditsAllocated: b.CreditsAllocated,
		CreditsUsed:      b.CreditsUsed,
		CreditsRemaining: b.Remaining(),
		BudgetMode:       b.ModeKind,
		Status:           b.Status,
	}
}
