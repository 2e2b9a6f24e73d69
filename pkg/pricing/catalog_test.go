package pricing

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/jobmeter/pkg/config"
)

func price(in, out string) Price {
	return Price{InputPerMillion: decimal.RequireFromString(in), OutputPerMillion: decimal.RequireFromString(out)}
}

func TestLookup(t *testing.T) {
	c := NewCatalog(price("5", "15"), map[string]Price{
		"gpt-4o-mini":       price("0.15", "0.6"),
		"azure/gpt-4o-mini": price("0.2", "0.8"),
		"claude-haiku-4-5":  price("1", "5"),
	})

	q := c.Lookup("openai", "gpt-4o-mini")
	assert.False(t, q.Fallback)
	assert.True(t, q.InputPerMillion.Equal(decimal.RequireFromString("0.15")))

	q = c.Lookup("azure", "gpt-4o-mini")
	assert.False(t, q.Fallback)
	assert.True(t, q.InputPerMillion.Equal(decimal.RequireFromString("0.2")), "provider-qualified entry wins")

	q = c.Lookup("openai", "unknown-model")
	assert.True(t, q.Fallback)
	assert.True(t, q.OutputPerMillion.Equal(decimal.RequireFromString("15")))

	assert.Equal(t, []string{"azure/gpt-4o-mini", "claude-haiku-4-5", "gpt-4o-mini"}, c.Models())
}

func TestNewCatalogCopiesInput(t *testing.T) {
	src := map[string]Price{"m": price("1", "1")}
	c := NewCatalog(price("5", "15"), src)
	src["m"] = price("9", "9")
	delete(src, "m")

	q := c.Lookup("p", "m")
	require.False(t, q.Fallback)
	assert.True(t, q.InputPerMillion.Equal(decimal.NewFromInt(1)))
}

func TestFromConfig(t *testing.T) {
	c := FromConfig(config.PricingConfig{
		Default: config.PriceConfig{
			InputPerMillion:  config.NewDecimal("2"),
			OutputPerMillion: config.NewDecimal("8"),
		},
		Models: []config.ModelPriceConfig{
			{Model: "gpt-4o", InputPerMillion: config.NewDecimal("2.5"), OutputPerMillion: config.NewDecimal("10")},
		},
	})
	assert.True(t, c.Lookup("openai", "gpt-4o").OutputPerMillion.Equal(decimal.NewFromInt(10)))
	assert.True(t, c.Default().InputPerMillion.Equal(decimal.NewFromInt(2)))
}

func TestStoreSwapIsAtomic(t *testing.T) {
	old := NewCatalog(price("1", "1"), map[string]Price{"m": price("1", "1")})
	next := NewCatalog(price("2", "2"), map[string]Price{"m": price("2", "2")})
	s := NewStore(old)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				snap := s.Snapshot()
				q := snap.Lookup("p", "m")
				// a snapshot never mixes prices from two catalogs
				if !q.InputPerMillion.Equal(snap.Default().InputPerMillion) {
					t.Errorf("mixed snapshot: %s vs %s", q.InputPerMillion, snap.Default().InputPerMillion)
					return
				}
			}
		}()
	}
	prev := s.Swap(next)
	wg.Wait()

	assert.Same(t, old, prev)
	assert.Same(t, next, s.Snapshot())
}
