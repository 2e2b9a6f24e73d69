package cost

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/pario-ai/jobmeter/pkg/models"
	"github.com/pario-ai/jobmeter/pkg/pricing"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func succeeded(in, out int64, pc, cc string) models.Call {
	return models.Call{
		Status:       models.CallSucceeded,
		InputTokens:  in,
		OutputTokens: out,
		ProviderCost: decimal.NewNullDecimal(d(pc)),
		ClientCost:   decimal.NewNullDecimal(d(cc)),
	}
}

func TestCallCost(t *testing.T) {
	p := pricing.Price{InputPerMillion: d("2.5"), OutputPerMillion: d("10")}

	b := CallCost(p, 1000, 500, d("20"))
	// 1000×2.5/1e6 + 500×10/1e6 = 0.0025 + 0.005
	assert.True(t, b.ProviderCost.Equal(d("0.0075")), "provider cost %s", b.ProviderCost)
	assert.True(t, b.ClientCost.Equal(d("0.009")), "client cost %s", b.ClientCost)
}

func TestCallCostZeroMarkup(t *testing.T) {
	p := pricing.Price{InputPerMillion: d("1"), OutputPerMillion: d("1")}
	b := CallCost(p, 3, 0, decimal.Zero)
	assert.True(t, b.ProviderCost.Equal(b.ClientCost))
	assert.True(t, b.ProviderCost.Equal(d("0.000003")))
}

func TestJobCreditsJobBased(t *testing.T) {
	calls := []models.Call{
		succeeded(100, 50, "0.01", "0.012"),
		succeeded(100, 50, "0.01", "0.012"),
		succeeded(100, 50, "0.01", "0.012"),
	}
	assert.Equal(t, int64(1), JobCredits(models.JobBased{}, Sum(calls)))
}

func TestJobCreditsConsumptionUSD(t *testing.T) {
	mode := models.ConsumptionUSD{CreditsPerDollar: d("10")}

	// client cost 0.23 → ceil(2.3) = 3
	agg := Sum([]models.Call{succeeded(0, 0, "0.2", "0.23")})
	assert.Equal(t, int64(3), JobCredits(mode, agg))

	// exact multiple does not round up
	agg = Sum([]models.Call{succeeded(0, 0, "0.1", "0.1"), succeeded(0, 0, "0.1", "0.1")})
	assert.Equal(t, int64(2), JobCredits(mode, agg))
}

func TestJobCreditsAggregatesBeforeCeil(t *testing.T) {
	mode := models.ConsumptionUSD{CreditsPerDollar: d("1")}
	var calls []models.Call
	for i := 0; i < 10; i++ {
		calls = append(calls, succeeded(0, 0, "0.01", "0.01"))
	}
	// per-call ceil would charge 10; the aggregate is $0.10 → 1 credit
	assert.Equal(t, int64(1), JobCredits(mode, Sum(calls)))
}

func TestJobCreditsConsumptionTokens(t *testing.T) {
	mode := models.ConsumptionTokens{TokensPerCredit: 1000}
	tests := []struct {
		tokens int64
		want   int64
	}{
		{0, 0},
		{1, 1},
		{1000, 1},
		{1001, 2},
		{2500, 3},
	}
	for _, tt := range tests {
		agg := Aggregate{InputTokens: tt.tokens}
		assert.Equal(t, tt.want, JobCredits(mode, agg), "tokens=%d", tt.tokens)
	}
}

func TestSumSkipsFailedCosts(t *testing.T) {
	failed := models.Call{Status: models.CallFailed, OutputTokens: 40}
	agg := Sum([]models.Call{succeeded(10, 20, "0.5", "0.6"), failed})

	assert.Equal(t, 2, agg.Calls)
	assert.Equal(t, 1, agg.FailedCalls)
	assert.Equal(t, int64(70), agg.TotalTokens())
	assert.True(t, agg.ClientCost.Equal(d("0.6")))
}

func TestRoundHalfUpOnce(t *testing.T) {
	agg := Sum([]models.Call{
		succeeded(0, 0, "0.0000004", "0.0000004"),
		succeeded(0, 0, "0.0000001", "0.0000001"),
	})
	// each call alone rounds to 0; the sum 0.0000005 rounds up
	pc, cc := agg.Rounded()
	assert.True(t, pc.Equal(d("0.000001")), "provider %s", pc)
	assert.True(t, cc.Equal(d("0.000001")), "client %s", cc)
}
