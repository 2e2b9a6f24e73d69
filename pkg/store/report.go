package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/jobmeter/pkg/models"
)

// UsageSummary aggregates finalized calls per team, provider and model
// since the given time, optionally for a single team. Costs are summed in
// Go because SQLite would fold TEXT decimals through float64.
func (c conn) UsageSummary(ctx context.Context, teamID string, since time.Time) ([]models.UsageSummary, error) {
	query := `SELECT j.team_id, c.provider, c.resolved_model, c.status, c.input_tokens, c.output_tokens,
			c.provider_cost, c.client_cost
		FROM calls c JOIN jobs j ON j.id = c.job_id
		WHERE c.status <> ? AND c.created_at >= ?`
	args := []any{models.CallPending, since}
	if teamID != "" {
		query += ` AND j.team_id = ?`
		args = append(args, teamID)
	}

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	defer rows.Close()

	type key struct{ team, provider, model string }
	agg := make(map[key]*models.UsageSummary)
	for rows.Next() {
		var (
			k            key
			status       models.CallStatus
			in, out      int64
			providerCost decimal.NullDecimal
			clientCost   decimal.NullDecimal
		)
		if err := rows.Scan(&k.team, &k.provider, &k.model, &status, &in, &out, &providerCost, &clientCost); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		s, ok := agg[k]
		if !ok {
			s = &models.UsageSummary{TeamID: k.team, Provider: k.provider, Model: k.model}
			agg[k] = s
		}
		s.CallCount++
		if status == models.CallFailed {
			s.FailedCalls++
		}
		s.InputTokens += in
		s.OutputTokens += out
		if providerCost.Valid {
			s.ProviderCost = s.ProviderCost.Add(providerCost.Decimal)
		}
		if clientCost.Valid {
			s.ClientCost = s.ClientCost.Add(clientCost.Decimal)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.UsageSummary, 0, len(agg))
	for _, s := range agg {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TeamID != out[j].TeamID {
			return out[i].TeamID < out[j].TeamID
		}
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}
