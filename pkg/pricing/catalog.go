// Package pricing holds the model price catalog. A Catalog is immutable once
// built; reloads build a new Catalog and swap it into a Store atomically, so
// readers never observe a partially loaded price list.
package pricing

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/jobmeter/pkg/config"
)

// Price is a USD price per million tokens.
type Price struct {
	InputPerMillion  decimal.Decimal `json:"input_per_million"`
	OutputPerMillion decimal.Decimal `json:"output_per_million"`
}

// Quote is the price that applies to a model, and whether it came from the
// catalog or the default.
type Quote struct {
	Price
	Fallback bool
}

// Catalog is an immutable snapshot of model prices.
type Catalog struct {
	prices   map[string]Price
	fallback Price
	loadedAt time.Time
}

// NewCatalog copies prices into a new snapshot. Keys are either a bare model
// name or "provider/model".
func NewCatalog(fallback Price, prices map[string]Price) *Catalog {
	m := make(map[string]Price, len(prices))
	for k, v := range prices {
		m[k] = v
	}
	return &Catalog{prices: m, fallback: fallback, loadedAt: time.Now().UTC()}
}

// FromConfig builds a Catalog from the pricing section of the config.
func FromConfig(cfg config.PricingConfig) *Catalog {
	prices := make(map[string]Price, len(cfg.Models))
	for _, m := range cfg.Models {
		prices[m.Model] = Price{
			InputPerMillion:  m.InputPerMillion.Decimal,
			OutputPerMillion: m.OutputPerMillion.Decimal,
		}
	}
	return NewCatalog(Price{
		InputPerMillion:  cfg.Default.InputPerMillion.Decimal,
		OutputPerMillion: cfg.Default.OutputPerMillion.Decimal,
	}, prices)
}

// Lookup prices model as served by provider. A "provider/model" entry wins
// over a bare model entry; unknown models get the default price.
func (c *Catalog) Lookup(provider, model string) Quote {
	if p, ok := c.prices[provider+"/"+model]; ok {
		return Quote{Price: p}
	}
	if p, ok := c.prices[model]; ok {
		return Quote{Price: p}
	}
	return Quote{Price: c.fallback, Fallback: true}
}

// Default returns the price applied to unknown models.
func (c *Catalog) Default() Price {
	return c.fallback
}

// Models lists the priced keys in sorted order.
func (c *Catalog) Models() []string {
	keys := make([]string, 0, len(c.prices))
	for k := range c.prices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadedAt reports when the snapshot was built.
func (c *Catalog) LoadedAt() time.Time {
	return c.loadedAt
}

// Store publishes the current Catalog.
type Store struct {
	current atomic.Pointer[Catalog]
}

// NewStore creates a Store serving c.
func NewStore(c *Catalog) *Store {
	s := &Store{}
	s.current.Store(c)
	return s
}

// Snapshot returns the catalog in effect right now. Callers should take one
// snapshot per call and price everything from it.
func (s *Store) Snapshot() *Catalog {
	return s.current.Load()
}

// Swap installs c and returns the previous catalog.
func (s *Store) Swap(c *Catalog) *Catalog {
	return s.current.Swap(c)
}
