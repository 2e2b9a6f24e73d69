package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/jobmeter/pkg/models"
)

const callColumns = `id, job_id, model_group, resolved_model, provider, status, input_tokens, output_tokens,
	price_input, price_output, price_fallback, markup_percentage, provider_cost, client_cost, latency_ms,
	error, error_type, purpose, finish_reason, content, attempts, streamed, created_at, deadline_at, completed_at`

func scanCall(row rowScanner) (*models.Call, error) {
	var (
		c           models.Call
		errText     sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.JobID, &c.ModelGroup, &c.ResolvedModel, &c.Provider, &c.Status,
		&c.InputTokens, &c.OutputTokens, &c.PriceInput, &c.PriceOutput, &c.PriceFallback,
		&c.MarkupPercentage, &c.ProviderCost, &c.ClientCost, &c.LatencyMs, &errText, &c.ErrorType,
		&c.Purpose, &c.FinishReason, &c.Content, &c.Attempts, &c.Streamed, &c.CreatedAt, &c.DeadlineAt, &completedAt)
	if err != nil {
		return nil, err
	}
	c.Error = errText.String
	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}
	return &c, nil
}

// InsertCall records a pending call. Its position within the job is
// assigned here, so callers should hold the job lock. A zero DeadlineAt
// defaults to CreatedAt.
func (c conn) InsertCall(ctx context.Context, call models.Call) error {
	deadline := call.DeadlineAt
	if deadline.IsZero() {
		deadline = call.CreatedAt
	}
	_, err := c.exec(ctx,
		`INSERT INTO calls (id, seq, job_id, model_group, resolved_model, provider, status,
			price_input, price_output, price_fallback, markup_percentage, purpose, attempts, streamed,
			created_at, deadline_at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM calls WHERE job_id = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.JobID, call.JobID, call.ModelGroup, call.ResolvedModel, call.Provider, models.CallPending,
		call.PriceInput, call.PriceOutput, call.PriceFallback, call.MarkupPercentage, call.Purpose,
		1, call.Streamed, call.CreatedAt, deadline,
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

// RepinCall points a still-pending call at the next fallback candidate,
// with that candidate's prices.
func (c conn) RepinCall(ctx context.Context, id, provider, model string, priceInput, priceOutput decimal.Decimal, priceFallback bool) error {
	res, err := c.exec(ctx,
		`UPDATE calls SET provider = ?, resolved_model = ?, price_input = ?, price_output = ?,
			price_fallback = ?, attempts = attempts + 1
		 WHERE id = ? AND status = ?`,
		provider, model, priceInput, priceOutput, priceFallback, id, models.CallPending,
	)
	if err != nil {
		return fmt.Errorf("repin call: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("repin call %s: %w", id, ErrNotFound)
	}
	return nil
}

// FinalizeCall records a call's outcome. Finalized calls never change again;
// a second finalize reports ErrNotFound.
func (c conn) FinalizeCall(ctx context.Context, id string, out models.CallOutcome, at time.Time) error {
	res, err := c.exec(ctx,
		`UPDATE calls SET status = ?, input_tokens = ?, output_tokens = ?, provider_cost = ?, client_cost = ?,
			markup_percentage = ?, latency_ms = ?, finish_reason = ?, content = ?, error = ?, error_type = ?,
			completed_at = ?
		 WHERE id = ? AND status = ?`,
		out.Status, out.InputTokens, out.OutputTokens, out.ProviderCost, out.ClientCost,
		out.Markup, out.LatencyMs, out.FinishReason, out.Content, nullString(out.Error), out.ErrorType,
		at, id, models.CallPending,
	)
	if err != nil {
		return fmt.Errorf("finalize call: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("finalize call %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetCall loads a single call.
func (c conn) GetCall(ctx context.Context, id string) (*models.Call, error) {
	call, err := scanCall(c.queryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	return call, nil
}

// CallsForJob returns a job's calls in the order they were made.
func (c conn) CallsForJob(ctx context.Context, jobID string) ([]models.Call, error) {
	rows, err := c.query(ctx, `SELECT `+callColumns+` FROM calls WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("calls for job: %w", err)
	}
	defer rows.Close()

	calls := []models.Call{}
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		calls = append(calls, *call)
	}
	return calls, rows.Err()
}
