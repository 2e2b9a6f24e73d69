// Package cost turns token counts into provider cost, client cost and credits.
// Everything here is pure: no I/O, no clocks, no shared state.
package cost

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/jobmeter/pkg/models"
	"github.com/pario-ai/jobmeter/pkg/pricing"
)

// DisplayPlaces is the precision of stored aggregates and displayed costs.
const DisplayPlaces = 6

var (
	million = decimal.NewFromInt(1_000_000)
	hundred = decimal.NewFromInt(100)
)

// Breakdown is the exact cost of a single call.
type Breakdown struct {
	ProviderCost decimal.Decimal `json:"provider_cost"`
	ClientCost   decimal.Decimal `json:"client_cost"`
}

// ProviderCost is what the platform pays: tokens × price per million.
func ProviderCost(p pricing.Price, inputTokens, outputTokens int64) decimal.Decimal {
	in := decimal.NewFromInt(inputTokens).Mul(p.InputPerMillion).Div(million)
	out := decimal.NewFromInt(outputTokens).Mul(p.OutputPerMillion).Div(million)
	return in.Add(out)
}

// ApplyMarkup returns providerCost × (1 + markup/100).
func ApplyMarkup(providerCost, markupPercentage decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(markupPercentage.Div(hundred))
	return providerCost.Mul(factor)
}

// CallCost prices one call. Values are not rounded.
func CallCost(p pricing.Price, inputTokens, outputTokens int64, markupPercentage decimal.Decimal) Breakdown {
	pc := ProviderCost(p, inputTokens, outputTokens)
	return Breakdown{
		ProviderCost: pc,
		ClientCost:   ApplyMarkup(pc, markupPercentage),
	}
}

// Aggregate sums the calls of a job.
type Aggregate struct {
	Calls        int
	FailedCalls  int
	InputTokens  int64
	OutputTokens int64
	ProviderCost decimal.Decimal
	ClientCost   decimal.Decimal
}

// Sum folds calls into an Aggregate. Failed calls count toward FailedCalls
// and tokens but carry no cost.
func Sum(calls []models.Call) Aggregate {
	var a Aggregate
	for _, c := range calls {
		a.Add(c)
	}
	return a
}

// Add folds one call into the aggregate.
func (a *Aggregate) Add(c models.Call) {
	a.Calls++
	if c.Status != models.CallSucceeded {
		a.FailedCalls++
	}
	a.InputTokens += c.InputTokens
	a.OutputTokens += c.OutputTokens
	if c.ProviderCost.Valid {
		a.ProviderCost = a.ProviderCost.Add(c.ProviderCost.Decimal)
	}
	if c.ClientCost.Valid {
		a.ClientCost = a.ClientCost.Add(c.ClientCost.Decimal)
	}
}

// TotalTokens returns input plus output tokens.
func (a Aggregate) TotalTokens() int64 {
	return a.InputTokens + a.OutputTokens
}

// Rounded returns provider and client cost rounded half-up to DisplayPlaces.
func (a Aggregate) Rounded() (providerCost, clientCost decimal.Decimal) {
	return Round(a.ProviderCost), Round(a.ClientCost)
}

// Round applies the single display rounding. Costs are never negative, so
// rounding half away from zero is rounding half up.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(DisplayPlaces)
}

// JobCredits returns the credits a fully successful job costs under mode.
// Consumption modes work on the exact aggregate and round up once.
func JobCredits(mode models.BudgetMode, a Aggregate) int64 {
	switch m := mode.(type) {
	case models.JobBased:
		return 1
	case models.ConsumptionUSD:
		return a.ClientCost.Mul(m.CreditsPerDollar).Ceil().IntPart()
	case models.ConsumptionTokens:
		total := a.TotalTokens()
		return (total + m.TokensPerCredit - 1) / m.TokensPerCredit
	default:
		panic(fmt.Sprintf("cost: unhandled budget mode %T", mode))
	}
}
