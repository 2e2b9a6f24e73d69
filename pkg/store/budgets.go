package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/jobmeter/pkg/models"
)

const teamColumns = `team_id, organization_id, budget_mode, markup_percentage, credits_allocated, credits_used,
	credits_per_dollar, tokens_per_credit, status, created_at, updated_at`

func scanTeam(row rowScanner) (*models.TeamBudget, error) {
	var b models.TeamBudget
	err := row.Scan(&b.TeamID, &b.OrganizationID, &b.ModeKind, &b.MarkupPercentage, &b.CreditsAllocated,
		&b.CreditsUsed, &b.CreditsPerDollar, &b.TokensPerCredit, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateTeam inserts a team with zero credits. It reports false when the
// team already exists.
func (c conn) CreateTeam(ctx context.Context, b models.TeamBudget) (bool, error) {
	now := time.Now().UTC()
	res, err := c.exec(ctx,
		`INSERT INTO team_budgets (team_id, organization_id, budget_mode, markup_percentage, credits_allocated,
			credits_used, credits_per_dollar, tokens_per_credit, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?, ?, ?)
		 ON CONFLICT (team_id) DO NOTHING`,
		b.TeamID, b.OrganizationID, b.ModeKind, b.MarkupPercentage, b.CreditsPerDollar, b.TokensPerCredit,
		b.Status, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("create team: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create team: %w", err)
	}
	return n == 1, nil
}

// UpdateTeamSettings rewrites a team's billing configuration. Credit
// counters are untouched; they only move through the ledger.
func (c conn) UpdateTeamSettings(ctx context.Context, b models.TeamBudget) error {
	res, err := c.exec(ctx,
		`UPDATE team_budgets SET organization_id = ?, budget_mode = ?, markup_percentage = ?,
			credits_per_dollar = ?, tokens_per_credit = ?, status = ?, updated_at = ?
		 WHERE team_id = ?`,
		b.OrganizationID, b.ModeKind, b.MarkupPercentage, b.CreditsPerDollar, b.TokensPerCredit, b.Status,
		time.Now().UTC(), b.TeamID,
	)
	if err != nil {
		return fmt.Errorf("update team: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

// SetTeamStatus changes whether a team may start jobs.
func (c conn) SetTeamStatus(ctx context.Context, teamID string, status models.TeamStatus) error {
	res, err := c.exec(ctx,
		`UPDATE team_budgets SET status = ?, updated_at = ? WHERE team_id = ?`,
		status, time.Now().UTC(), teamID,
	)
	if err != nil {
		return fmt.Errorf("set team status: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

// GetTeam loads a team's budget.
func (c conn) GetTeam(ctx context.Context, teamID string) (*models.TeamBudget, error) {
	b, err := scanTeam(c.queryRow(ctx, `SELECT `+teamColumns+` FROM team_budgets WHERE team_id = ?`, teamID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get team: %w", err)
	}
	return b, nil
}

// ListTeams returns all teams ordered by ID.
func (c conn) ListTeams(ctx context.Context) ([]models.TeamBudget, error) {
	rows, err := c.query(ctx, `SELECT `+teamColumns+` FROM team_budgets ORDER BY team_id`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var teams []models.TeamBudget
	for rows.Next() {
		b, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		teams = append(teams, *b)
	}
	return teams, rows.Err()
}

// DebitCredits adds amount to credits_used only if the team can afford it,
// in one conditional statement. It returns the remaining balance after the
// debit, or ok=false when the condition failed or the team does not exist.
func (c conn) DebitCredits(ctx context.Context, teamID string, amount int64) (remaining int64, ok bool, err error) {
	err = c.queryRow(ctx,
		`UPDATE team_budgets SET credits_used = credits_used + ?, updated_at = ?
		 WHERE team_id = ? AND credits_allocated - credits_used >= ?
		 RETURNING credits_allocated - credits_used`,
		amount, time.Now().UTC(), teamID, amount,
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("debit credits: %w", err)
	}
	return remaining, true, nil
}

// CreditBack subtracts amount from credits_used if at least that much was
// used. It returns the remaining balance after the refund.
func (c conn) CreditBack(ctx context.Context, teamID string, amount int64) (remaining int64, ok bool, err error) {
	err = c.queryRow(ctx,
		`UPDATE team_budgets SET credits_used = credits_used - ?, updated_at = ?
		 WHERE team_id = ? AND credits_used >= ?
		 RETURNING credits_allocated - credits_used`,
		amount, time.Now().UTC(), teamID, amount,
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("refund credits: %w", err)
	}
	return remaining, true, nil
}

// GrantCredits raises credits_allocated and returns the new remaining balance.
func (c conn) GrantCredits(ctx context.Context, teamID string, amount int64) (int64, error) {
	var remaining int64
	err := c.queryRow(ctx,
		`UPDATE team_budgets SET credits_allocated = credits_allocated + ?, updated_at = ?
		 WHERE team_id = ?
		 RETURNING credits_allocated - credits_used`,
		amount, time.Now().UTC(), teamID,
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("allocate credits: %w", err)
	}
	return remaining, nil
}

// LockTeam loads a team's budget and holds its row lock until the
// transaction ends, freezing the counters and the ledger rows written
// alongside them.
func (t *Tx) LockTeam(ctx context.Context, teamID string) (*models.TeamBudget, error) {
	b, err := scanTeam(t.queryRow(ctx, `SELECT `+teamColumns+` FROM team_budgets WHERE team_id = ?`+t.d.forUpdate(), teamID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock team: %w", err)
	}
	return b, nil
}
