package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/jobmeter/pkg/models"
)

const jobColumns = `id, team_id, job_type, external_id, state, metadata, credit_applied,
	error_message, summary, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j           models.Job
		externalID  sql.NullString
		metadata    sql.NullString
		summary     sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&j.ID, &j.TeamID, &j.JobType, &externalID, &j.State, &metadata,
		&j.CreditApplied, &j.ErrorMessage, &summary, &j.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	j.ExternalID = externalID.String
	if metadata.Valid && metadata.String != "" {
		j.Metadata = json.RawMessage(metadata.String)
	}
	if summary.Valid && summary.String != "" {
		var s models.JobSummary
		if err := json.Unmarshal([]byte(summary.String), &s); err != nil {
			return nil, fmt.Errorf("decode summary of job %s: %w", j.ID, err)
		}
		j.Summary = &s
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

// InsertJob stores a new pending job.
func (c conn) InsertJob(ctx context.Context, j models.Job) error {
	var metadata sql.NullString
	if len(j.Metadata) > 0 {
		metadata = sql.NullString{String: string(j.Metadata), Valid: true}
	}
	_, err := c.exec(ctx,
		`INSERT INTO jobs (id, team_id, job_type, external_id, state, metadata, credit_applied, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, '', ?)`,
		j.ID, j.TeamID, j.JobType, nullString(j.ExternalID), j.State, metadata, false, j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob loads a job and the model groups it has used.
func (c conn) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(c.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if j.ModelGroups, err = c.jobModelGroups(ctx, id); err != nil {
		return nil, err
	}
	return j, nil
}

// JobByExternalID finds a team's job by its caller-supplied correlation ID.
func (c conn) JobByExternalID(ctx context.Context, teamID, externalID string) (*models.Job, error) {
	j, err := scanJob(c.queryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE team_id = ? AND external_id = ?`, teamID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by external id: %w", err)
	}
	if j.ModelGroups, err = c.jobModelGroups(ctx, j.ID); err != nil {
		return nil, err
	}
	return j, nil
}

// ListJobs returns a team's most recent jobs, or all teams' when teamID is empty.
func (c conn) ListJobs(ctx context.Context, teamID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if teamID != "" {
		query += ` WHERE team_id = ?`
		args = append(args, teamID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (c conn) jobModelGroups(ctx context.Context, jobID string) ([]string, error) {
	rows, err := c.query(ctx,
		`SELECT model_group FROM job_model_groups WHERE job_id = ? ORDER BY model_group`, jobID)
	if err != nil {
		return nil, fmt.Errorf("job model groups: %w", err)
	}
	defer rows.Close()

	groups := []string{}
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("scan job model group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// LockJob loads a job and holds its row lock until the transaction ends.
func (t *Tx) LockJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(t.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`+t.d.forUpdate(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	if j.ModelGroups, err = t.jobModelGroups(ctx, id); err != nil {
		return nil, err
	}
	return j, nil
}

// StartJob moves a pending job to in_progress. It is a no-op for jobs that
// already started.
func (c conn) StartJob(ctx context.Context, id string, at time.Time) error {
	_, err := c.exec(ctx,
		`UPDATE jobs SET state = ?, started_at = ? WHERE id = ? AND state = ?`,
		models.JobInProgress, at, id, models.JobPending,
	)
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	return nil
}

// AddJobModelGroup records that a job used group.
func (c conn) AddJobModelGroup(ctx context.Context, jobID, group string) error {
	_, err := c.exec(ctx,
		`INSERT INTO job_model_groups (job_id, model_group) VALUES (?, ?)
		 ON CONFLICT (job_id, model_group) DO NOTHING`,
		jobID, group,
	)
	if err != nil {
		return fmt.Errorf("add job model group: %w", err)
	}
	return nil
}

// MarkCreditApplied flips credit_applied from false to true. It reports
// false when another completion already flipped it.
func (c conn) MarkCreditApplied(ctx context.Context, id string) (bool, error) {
	res, err := c.exec(ctx,
		`UPDATE jobs SET credit_applied = ? WHERE id = ? AND credit_applied = ?`,
		true, id, false,
	)
	if err != nil {
		return false, fmt.Errorf("mark credit applied: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark credit applied: %w", err)
	}
	return n == 1, nil
}

// FinishJob moves a non-terminal job to its terminal state and stores the
// summary. It reports false when the job was already terminal.
func (c conn) FinishJob(ctx context.Context, id string, state models.JobState, metadata json.RawMessage, errorMessage string, summary models.JobSummary) (bool, error) {
	encoded, err := json.Marshal(summary)
	if err != nil {
		return false, fmt.Errorf("encode summary: %w", err)
	}
	var md sql.NullString
	if len(metadata) > 0 {
		md = sql.NullString{String: string(metadata), Valid: true}
	}
	res, err := c.exec(ctx,
		`UPDATE jobs SET state = ?, metadata = ?, error_message = ?, summary = ?, completed_at = ?
		 WHERE id = ? AND state IN (?, ?)`,
		state, md, errorMessage, string(encoded), summary.CompletedAt,
		id, models.JobPending, models.JobInProgress,
	)
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}
	return n == 1, nil
}
