package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pario-ai/jobmeter/pkg/models"
)

// InsertTransaction appends a ledger entry.
func (c conn) InsertTransaction(ctx context.Context, tx models.CreditTransaction) error {
	_, err := c.exec(ctx,
		`INSERT INTO credit_transactions (id, team_id, job_id, type, amount, balance_before, balance_after, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.TeamID, nullString(tx.JobID), tx.Type, tx.Amount, tx.BalanceBefore, tx.BalanceAfter,
		tx.Reason, tx.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	return nil
}

// Transactions returns a team's ledger entries, newest first.
func (c conn) Transactions(ctx context.Context, teamID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.query(ctx,
		`SELECT id, team_id, job_id, type, amount, balance_before, balance_after, reason, created_at
		 FROM credit_transactions WHERE team_id = ? ORDER BY seq DESC LIMIT ?`,
		teamID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.CreditTransaction
	for rows.Next() {
		var (
			t     models.CreditTransaction
			jobID sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.TeamID, &jobID, &t.Type, &t.Amount, &t.BalanceBefore,
			&t.BalanceAfter, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		t.JobID = jobID.String
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// TransactionSums folds a team's ledger by type.
func (c conn) TransactionSums(ctx context.Context, teamID string) (allocations, deductions, refunds int64, err error) {
	err = c.queryRow(ctx,
		`SELECT
			CAST(COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE 0 END), 0) AS BIGINT),
			CAST(COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE 0 END), 0) AS BIGINT),
			CAST(COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE 0 END), 0) AS BIGINT)
		 FROM credit_transactions WHERE team_id = ?`,
		models.TxAllocation, models.TxDeduction, models.TxRefund, teamID,
	).Scan(&allocations, &deductions, &refunds)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("sum credit transactions: %w", err)
	}
	return allocations, deductions, refunds, nil
}

// JobCharges returns what a job was charged and what has been refunded to it.
func (c conn) JobCharges(ctx context.Context, jobID string) (deducted, refunded int64, err error) {
	err = c.queryRow(ctx,
		`SELECT
			CAST(COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE 0 END), 0) AS BIGINT),
			CAST(COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE 0 END), 0) AS BIGINT)
		 FROM credit_transactions WHERE job_id = ?`,
		models.TxDeduction, models.TxRefund, jobID,
	).Scan(&deducted, &refunded)
	if err != nil {
		return 0, 0, fmt.Errorf("job charges: %w", err)
	}
	return deducted, refunded, nil
}
