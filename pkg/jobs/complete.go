package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/pario-ai/jobmeter/pkg/cost"
	"github.com/pario-ai/jobmeter/pkg/logging"
	"github.com/pario-ai/jobmeter/pkg/metrics"
	"github.com/pario-ai/jobmeter/pkg/models"
	"github.com/pario-ai/jobmeter/pkg/store"
)

// CompleteRequest finishes a job.
type CompleteRequest struct {
	Status       models.JobState `json:"status"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// CompleteJob moves a job to its terminal state and charges the team.
//
// A job is charged at most once, and only when it completed successfully
// with at least one call and no failed calls. Completing an already
// terminal job returns the summary stored the first time. If the team
// cannot cover the charge nothing changes and ErrInsufficientCredits is
// returned.
func (s *Service) CompleteJob(ctx context.Context, jobID string, req CompleteRequest) (*models.JobSummary, error) {
	if req.Status != models.JobCompleted && req.Status != models.JobFailed {
		return nil, fmt.Errorf("%w: status must be %q or %q", ErrInvalidRequest, models.JobCompleted, models.JobFailed)
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return nil, fmt.Errorf("%w: metadata is not valid JSON", ErrInvalidRequest)
	}

	var (
		summary  models.JobSummary
		entry    *models.CreditTransaction
		finished bool
	)
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		// The closure may run again after a serialization failure.
		entry, finished = nil, false

		job, err := tx.LockJob(ctx, jobID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			if job.Summary == nil {
				return fmt.Errorf("job %s is %s without a summary", jobID, job.State)
			}
			summary = *job.Summary
			return nil
		}

		team, err := tx.GetTeam(ctx, job.TeamID)
		if err != nil {
			return fmt.Errorf("load team %s: %w", job.TeamID, err)
		}
		mode, err := team.Mode()
		if err != nil {
			return err
		}

		calls, err := tx.CallsForJob(ctx, jobID)
		if err != nil {
			return err
		}
		now := s.now()
		for _, c := range calls {
			// Pending calls past their deadline were abandoned and count
			// as failed.
			if c.Status == models.CallPending && now.Before(c.DeadlineAt) {
				return fmt.Errorf("%w: call %s", ErrCallsInFlight, c.ID)
			}
		}
		agg := cost.Sum(calls)

		remaining := team.Remaining()
		var credits int64
		if req.Status == models.JobCompleted && agg.Calls > 0 && agg.FailedCalls == 0 && !job.CreditApplied {
			credits = cost.JobCredits(mode, agg)
		}
		if credits > 0 {
			ok, err := tx.MarkCreditApplied(ctx, jobID)
			if err != nil {
				return err
			}
			if ok {
				e, err := s.ledger.DeductTx(ctx, tx, team.TeamID, jobID, credits, fmt.Sprintf("job %s (%s) completed", jobID, job.JobType))
				if err != nil {
					return err
				}
				entry = &e
				remaining = e.BalanceAfter
			}
		}

		providerCost, clientCost := agg.Rounded()
		summary = models.JobSummary{
			JobID:            jobID,
			Status:           req.Status,
			BudgetMode:       mode.Kind(),
			CreditApplied:    entry != nil,
			CreditsRemaining: remaining,
			TotalCalls:       agg.Calls,
			FailedCalls:      agg.FailedCalls,
			InputTokens:      agg.InputTokens,
			OutputTokens:     agg.OutputTokens,
			TotalTokens:      agg.TotalTokens(),
			ProviderCost:     providerCost,
			ClientCost:       clientCost,
			CompletedAt:      now,
		}
		if entry != nil {
			summary.CreditsDeducted = entry.Amount
		}
		if summary, err = normalize(summary); err != nil {
			return err
		}

		metadata := req.Metadata
		if len(metadata) == 0 {
			metadata = job.Metadata
		}
		ok, err := tx.FinishJob(ctx, jobID, req.Status, metadata, req.ErrorMessage, summary)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrJobTerminal, jobID)
		}
		finished = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if entry != nil {
		s.ledger.Committed(ctx, *entry)
		metrics.CreditsDeductedTotal.WithLabelValues(string(summary.BudgetMode)).Add(float64(entry.Amount))
	}
	if finished {
		metrics.JobsCompletedTotal.WithLabelValues(string(summary.Status), strconv.FormatBool(summary.CreditApplied)).Inc()
		logging.FromContext(ctx, s.logger).InfoContext(ctx, "job completed",
			"job_id", jobID,
			"status", summary.Status,
			"calls", summary.TotalCalls,
			"failed_calls", summary.FailedCalls,
			"credits_deducted", summary.CreditsDeducted,
			"credits_remaining", summary.CreditsRemaining,
			"client_cost", summary.ClientCost.String(),
		)
	}
	return &summary, nil
}

// normalize gives a fresh summary the exact shape it has when read back
// from storage, so every completion of a job returns an equal value.
func normalize(s models.JobSummary) (models.JobSummary, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return s, fmt.Errorf("encode summary: %w", err)
	}
	var out models.JobSummary
	if err := json.Unmarshal(b, &out); err != nil {
		return s, fmt.Errorf("decode summary: %w", err)
	}
	return out, nil
}
