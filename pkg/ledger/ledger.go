// Package ledger owns team credit balances. Every mutation of a team's
// counters is paired with an append-only transaction row written in the
// same database transaction, so the counters can always be rebuilt from
// the history.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/jobmeter/pkg/cache"
	"github.com/pario-ai/jobmeter/pkg/metrics"
	"github.com/pario-ai/jobmeter/pkg/models"
	"github.com/pario-ai/jobmeter/pkg/store"
)

var (
	// ErrInsufficientCredits is returned when a team cannot cover an amount.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrTeamNotFound is returned for unknown team IDs.
	ErrTeamNotFound = errors.New("team not found")
	// ErrLedgerMismatch is returned when counters disagree with the history.
	ErrLedgerMismatch = errors.New("ledger mismatch")
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrRefundExceedsCharge is returned when a refund would give back more
	// than was charged.
	ErrRefundExceedsCharge = errors.New("refund exceeds charge")
)

// Ledger reads and mutates team credit balances.
type Ledger struct {
	store  *store.Store
	cache  *cache.BalanceCache
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Ledger. A nil cache disables balance caching.
func New(st *store.Store, c *cache.BalanceCache, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = cache.New(nil, 0, logger)
	}
	return &Ledger{
		store:  st,
		cache:  c,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Cache exposes the balance cache for administrative commands.
func (l *Ledger) Cache() *cache.BalanceCache {
	return l.cache
}

// Balance reads a team's balance from the database.
func (l *Ledger) Balance(ctx context.Context, teamID string) (models.Balance, error) {
	b, err := l.store.GetTeam(ctx, teamID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Balance{}, ErrTeamNotFound
	}
	if err != nil {
		return models.Balance{}, err
	}
	return models.BalanceOf(*b), nil
}

// CheckAvailable is an advisory pre-flight check that the team has at least
// credits remaining. It may read a slightly stale cached balance; the
// deduction at job completion re-checks authoritatively.
func (l *Ledger) CheckAvailable(ctx context.Context, teamID string, credits int64) (models.Balance, error) {
	b, err := l.cache.Get(ctx, teamID, func(ctx context.Context) (models.Balance, error) {
		return l.Balance(ctx, teamID)
	})
	if err != nil {
		return models.Balance{}, err
	}
	if b.CreditsRemaining < credits {
		return b, ErrInsufficientCredits
	}
	return b, nil
}

// DeductTx charges amount to a team inside tx. The debit is a single
// conditional update, so two concurrent deductions can never overdraw the
// team. Callers must pass the returned entry to Committed after the
// transaction commits.
func (l *Ledger) DeductTx(ctx context.Context, tx *store.Tx, teamID, jobID string, amount int64, reason string) (models.CreditTransaction, error) {
	if amount <= 0 {
		return models.CreditTransaction{}, ErrInvalidAmount
	}
	remaining, ok, err := tx.DebitCredits(ctx, teamID, amount)
	if err != nil {
		return models.CreditTransaction{}, err
	}
	if !ok {
		if _, err := tx.GetTeam(ctx, teamID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.CreditTransaction{}, ErrTeamNotFound
			}
			return models.CreditTransaction{}, err
		}
		return models.CreditTransaction{}, ErrInsufficientCredits
	}
	return l.record(ctx, tx, models.CreditTransaction{
		TeamID:        teamID,
		JobID:         jobID,
		Type:          models.TxDeduction,
		Amount:        amount,
		BalanceBefore: remaining + amount,
		BalanceAfter:  remaining,
		Reason:        reason,
	})
}

// Deduct charges amount to a team in its own transaction.
func (l *Ledger) Deduct(ctx context.Context, teamID, jobID string, amount int64, reason string) (models.CreditTransaction, error) {
	var entry models.CreditTransaction
	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		entry, err = l.DeductTx(ctx, tx, teamID, jobID, amount, reason)
		return err
	})
	if err != nil {
		return models.CreditTransaction{}, err
	}
	l.Committed(ctx, entry)
	return entry, nil
}

// AllocateTx grants amount new credits to a team inside tx.
func (l *Ledger) AllocateTx(ctx context.Context, tx *store.Tx, teamID string, amount int64, reason string) (models.CreditTransaction, error) {
	if amount <= 0 {
		return models.CreditTransaction{}, ErrInvalidAmount
	}
	remaining, err := tx.GrantCredits(ctx, teamID, amount)
	if errors.Is(err, store.ErrNotFound) {
		return models.CreditTransaction{}, ErrTeamNotFound
	}
	if err != nil {
		return models.CreditTransaction{}, err
	}
	return l.record(ctx, tx, models.CreditTransaction{
		TeamID:        teamID,
		Type:          models.TxAllocation,
		Amount:        amount,
		BalanceBefore: remaining - amount,
		BalanceAfter:  remaining,
		Reason:        reason,
	})
}

// Allocate grants amount new credits to a team.
func (l *Ledger) Allocate(ctx context.Context, teamID string, amount int64, reason string) (models.CreditTransaction, error) {
	var entry models.CreditTransaction
	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		entry, err = l.AllocateTx(ctx, tx, teamID, amount, reason)
		return err
	})
	if err != nil {
		return models.CreditTransaction{}, err
	}
	l.Committed(ctx, entry)
	return entry, nil
}

// Refund gives credits back to a team. When jobID is set the refund is
// limited to what that job was charged, less earlier refunds.
func (l *Ledger) Refund(ctx context.Context, teamID, jobID string, amount int64, reason string) (models.CreditTransaction, error) {
	if amount <= 0 {
		return models.CreditTransaction{}, ErrInvalidAmount
	}

	var entry models.CreditTransaction
	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		if jobID != "" {
			j, err := tx.LockJob(ctx, jobID)
			if errors.Is(err, store.ErrNotFound) || (err == nil && j.TeamID != teamID) {
				return fmt.Errorf("%w: job %s has no charge for team %s", ErrRefundExceedsCharge, jobID, teamID)
			}
			if err != nil {
				return err
			}
			deducted, refunded, err := tx.JobCharges(ctx, jobID)
			if err != nil {
				return err
			}
			if refunded+amount > deducted {
				return fmt.Errorf("%w: job %s charged %d, refunded %d", ErrRefundExceedsCharge, jobID, deducted, refunded)
			}
		}

		remaining, ok, err := tx.CreditBack(ctx, teamID, amount)
		if err != nil {
			return err
		}
		if !ok {
			if _, err := tx.GetTeam(ctx, teamID); errors.Is(err, store.ErrNotFound) {
				return ErrTeamNotFound
			} else if err != nil {
				return err
			}
			return fmt.Errorf("%w: team %s has used fewer than %d credits", ErrRefundExceedsCharge, teamID, amount)
		}

		entry, err = l.record(ctx, tx, models.CreditTransaction{
			TeamID:        teamID,
			JobID:         jobID,
			Type:          models.TxRefund,
			Amount:        amount,
			BalanceBefore: remaining - amount,
			BalanceAfter:  remaining,
			Reason:        reason,
		})
		return err
	})
	if err != nil {
		return models.CreditTransaction{}, err
	}
	l.Committed(ctx, entry)
	return entry, nil
}

func (l *Ledger) record(ctx context.Context, tx *store.Tx, entry models.CreditTransaction) (models.CreditTransaction, error) {
	entry.ID = uuid.NewString()
	entry.CreatedAt = l.now()
	if err := tx.InsertTransaction(ctx, entry); err != nil {
		return models.CreditTransaction{}, err
	}
	return entry, nil
}

// Committed publishes a ledger entry once its transaction has committed.
func (l *Ledger) Committed(ctx context.Context, entry models.CreditTransaction) {
	metrics.LedgerTransactionsTotal.WithLabelValues(string(entry.Type)).Inc()
	if err := l.cache.Invalidate(ctx, entry.TeamID); err != nil {
		l.logger.WarnContext(ctx, "balance cache invalidation failed", "team_id", entry.TeamID, "error", err)
	}
	l.logger.InfoContext(ctx, "ledger entry",
		"team_id", entry.TeamID,
		"job_id", entry.JobID,
		"type", entry.Type,
		"amount", entry.Amount,
		"balance_after", entry.BalanceAfter,
	)
}

// History returns a team's ledger entries, newest first.
func (l *Ledger) History(ctx context.Context, teamID string, limit int) ([]models.CreditTransaction, error) {
	if _, err := l.store.GetTeam(ctx, teamID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTeamNotFound
		}
		return nil, err
	}
	return l.store.Transactions(ctx, teamID, limit)
}

// Reconcile checks that a team's counters equal its folded transaction
// history: credits_used = deductions - refunds and credits_allocated =
// allocations. A mismatch is logged, counted and returned as
// ErrLedgerMismatch alongside the figures.
func (l *Ledger) Reconcile(ctx context.Context, teamID string) (models.Reconciliation, error) {
	var rec models.Reconciliation
	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		b, err := tx.LockTeam(ctx, teamID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrTeamNotFound
		}
		if err != nil {
			return err
		}
		alloc, deduct, refund, err := tx.TransactionSums(ctx, teamID)
		if err != nil {
			return err
		}
		rec = models.Reconciliation{
			TeamID:           teamID,
			CreditsAllocated: b.CreditsAllocated,
			CreditsUsed:      b.CreditsUsed,
			SumAllocations:   alloc,
			SumDeductions:    deduct,
			SumRefunds:       refund,
		}
		return nil
	})
	if err != nil {
		return models.Reconciliation{}, err
	}

	if !rec.Consistent() {
		metrics.LedgerMismatchTotal.Inc()
		l.logger.ErrorContext(ctx, "ledger mismatch",
			"team_id", teamID,
			"credits_used", rec.CreditsUsed,
			"deductions", rec.SumDeductions,
			"refunds", rec.SumRefunds,
			"credits_allocated", rec.CreditsAllocated,
			"allocations", rec.SumAllocations,
		)
		return rec, fmt.Errorf("%w: team %s used %d vs history %d, allocated %d vs history %d", ErrLedgerMismatch,
			teamID, rec.CreditsUsed, rec.SumDeductions-rec.SumRefunds, rec.CreditsAllocated, rec.SumAllocations)
	}
	return rec, nil
}

// ReconcileAll reconciles every team. It returns all results and
// ErrLedgerMismatch if any team is inconsistent.
func (l *Ledger) ReconcileAll(ctx context.Context) ([]models.Reconciliation, error) {
	teams, err := l.store.ListTeams(ctx)
	if err != nil {
		return nil, err
	}
	recs := make([]models.Reconciliation, 0, len(teams))
	var mismatches []error
	for _, t := range teams {
		rec, err := l.Reconcile(ctx, t.TeamID)
		if err != nil && !errors.Is(err, ErrLedgerMismatch) {
			return nil, err
		}
		if err != nil {
			mismatches = append(mismatches, err)
		}
		recs = append(recs, rec)
	}
	return recs, errors.Join(mismatches...)
}
