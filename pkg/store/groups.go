package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/jobmeter/pkg/models"
)

// ReplaceModelGroup upserts a group and replaces its members. Members get
// fresh sequence numbers in slice order, which is the tie-break order for
// equal priorities.
func (c conn) ReplaceModelGroup(ctx context.Context, g models.ModelGroup) error {
	_, err := c.exec(ctx,
		`INSERT INTO model_groups (name, active, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET active = excluded.active`,
		g.Name, g.Active, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert model group: %w", err)
	}
	if _, err := c.exec(ctx, `DELETE FROM model_group_members WHERE group_name = ?`, g.Name); err != nil {
		return fmt.Errorf("clear model group members: %w", err)
	}
	for _, m := range g.Members {
		_, err := c.exec(ctx,
			`INSERT INTO model_group_members (group_name, provider, model, priority, active) VALUES (?, ?, ?, ?, ?)`,
			g.Name, m.Provider, m.Model, m.Priority, m.Active,
		)
		if err != nil {
			return fmt.Errorf("insert model group member: %w", err)
		}
	}
	return nil
}

// ModelGroup loads a group with all of its members, ordered by priority
// and then insertion sequence.
func (c conn) ModelGroup(ctx context.Context, name string) (*models.ModelGroup, error) {
	g := models.ModelGroup{Name: name}
	err := c.queryRow(ctx, `SELECT active FROM model_groups WHERE name = ?`, name).Scan(&g.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get model group: %w", err)
	}

	rows, err := c.query(ctx,
		`SELECT seq, provider, model, priority, active FROM model_group_members
		 WHERE group_name = ? ORDER BY priority, seq`, name)
	if err != nil {
		return nil, fmt.Errorf("model group members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m models.ModelGroupMember
		if err := rows.Scan(&m.Seq, &m.Provider, &m.Model, &m.Priority, &m.Active); err != nil {
			return nil, fmt.Errorf("scan model group member: %w", err)
		}
		g.Members = append(g.Members, m)
	}
	return &g, rows.Err()
}

// ModelGroupNames lists every group name.
func (c conn) ModelGroupNames(ctx context.Context) ([]string, error) {
	rows, err := c.query(ctx, `SELECT name FROM model_groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list model groups: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan model group: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// AssignModelGroups replaces the set of groups a team may use.
func (c conn) AssignModelGroups(ctx context.Context, teamID string, groups []string) error {
	if _, err := c.exec(ctx, `DELETE FROM team_model_groups WHERE team_id = ?`, teamID); err != nil {
		return fmt.Errorf("clear team model groups: %w", err)
	}
	for _, g := range groups {
		_, err := c.exec(ctx,
			`INSERT INTO team_model_groups (team_id, group_name) VALUES (?, ?)
			 ON CONFLICT (team_id, group_name) DO NOTHING`,
			teamID, g,
		)
		if err != nil {
			return fmt.Errorf("assign model group: %w", err)
		}
	}
	return nil
}

// TeamHasModelGroup reports whether teamID is assigned group.
func (c conn) TeamHasModelGroup(ctx context.Context, teamID, group string) (bool, error) {
	var n int
	err := c.queryRow(ctx,
		`SELECT COUNT(*) FROM team_model_groups WHERE team_id = ? AND group_name = ?`,
		teamID, group,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check team model group: %w", err)
	}
	return n > 0, nil
}
