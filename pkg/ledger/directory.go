package ledger

import (
	"context"
	"fmt"

	"github.com/pario-ai/jobmeter/pkg/config"
	"github.com/pario-ai/jobmeter/pkg/models"
	"github.com/pario-ai/jobmeter/pkg/store"
)

// SyncDirectory writes the model groups and teams declared in cfg to the
// database. Existing teams get their settings updated but keep their
// credit counters; new teams receive their configured allocation as a
// ledger entry.
func (l *Ledger) SyncDirectory(ctx context.Context, cfg *config.Config) error {
	var entries []models.CreditTransaction
	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		entries = entries[:0]

		for _, gc := range cfg.ModelGroups {
			g := models.ModelGroup{Name: gc.Name, Active: gc.IsActive()}
			for _, m := range gc.Models {
				g.Members = append(g.Members, models.ModelGroupMember{
					Provider: m.Provider,
					Model:    m.Model,
					Priority: m.Priority,
					Active:   m.IsActive(),
				})
			}
			if err := tx.ReplaceModelGroup(ctx, g); err != nil {
				return err
			}
		}

		for _, tc := range cfg.Teams {
			b := teamBudget(tc)
			created, err := tx.CreateTeam(ctx, b)
			if err != nil {
				return err
			}
			if created {
				if tc.CreditsAllocated > 0 {
					entry, err := l.AllocateTx(ctx, tx, tc.ID, tc.CreditsAllocated, "initial allocation")
					if err != nil {
						return err
					}
					entries = append(entries, entry)
				}
			} else if err := tx.UpdateTeamSettings(ctx, b); err != nil {
				return err
			}
			if err := tx.AssignModelGroups(ctx, tc.ID, tc.ModelGroups); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}

	for _, e := range entries {
		l.Committed(ctx, e)
	}
	for _, tc := range cfg.Teams {
		if err := l.cache.Invalidate(ctx, tc.ID); err != nil {
			l.logger.WarnContext(ctx, "balance cache invalidation failed", "team_id", tc.ID, "error", err)
		}
	}
	l.logger.InfoContext(ctx, "directory synced", "teams", len(cfg.Teams), "model_groups", len(cfg.ModelGroups))
	return nil
}

func teamBudget(tc config.TeamConfig) models.TeamBudget {
	mode := models.BudgetModeKind(tc.BudgetMode)
	if mode == "" {
		mode = models.ModeJobBased
	}
	status := models.TeamStatus(tc.Status)
	if status == "" {
		status = models.TeamActive
	}
	return models.TeamBudget{
		TeamID:           tc.ID,
		OrganizationID:   tc.Organization,
		ModeKind:         mode,
		MarkupPercentage: tc.MarkupPercentage.Decimal,
		CreditsPerDollar: tc.CreditsPerDollar.Decimal,
		TokensPerCredit:  tc.TokensPerCredit,
		Status:           status,
	}
}
