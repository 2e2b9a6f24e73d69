package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pario-ai/jobmeter/pkg/models"
)

func newCreditsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and adjust team credit balances",
	}
	cmd.AddCommand(
		newCreditsStatusCmd(configPath),
		newCreditsAllocateCmd(configPath),
		newCreditsRefundCmd(configPath),
		newCreditsHistoryCmd(configPath),
	)
	return cmd
}

func newCreditsStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status [team]",
		Short: "Show credit balances for one team or all teams",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := open(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			var teamIDs []string
			if len(args) == 1 {
				teamIDs = args
			} else {
				teams, err := a.store.ListTeams(ctx)
				if err != nil {
					return err
				}
				for _, t := range teams {
					teamIDs = append(teamIDs, t.TeamID)
				}
			}
			if len(teamIDs) == 0 {
				fmt.Println("No teams configured.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TEAM\tSTATUS\tMODE\tALLOCATED\tUSED\tREMAINING")
			for _, id := range teamIDs {
				b, err := a.ledger.Balance(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					b.TeamID, b.Status, b.BudgetMode,
					humanize.Comma(b.CreditsAllocated), humanize.Comma(b.CreditsUsed), humanize.Comma(b.CreditsRemaining))
			}
			return w.Flush()
		},
	}
}

func newCreditsAllocateCmd(configPath *string) *cobra.Command {
	var (
		amount int64
		reason string
	)
	cmd := &cobra.Command{
		Use:   "allocate <team>",
		Short: "Grant credits to a team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := open(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			entry, err := a.ledger.Allocate(ctx, args[0], amount, reason)
			if err != nil {
				return err
			}
			printEntry(entry)
			return nil
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "credits to allocate")
	cmd.Flags().StringVar(&reason, "reason", "manual allocation", "ledger reason")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newCreditsRefundCmd(configPath *string) *cobra.Command {
	var (
		amount int64
		jobID  string
		reason string
	)
	cmd := &cobra.Command{
		Use:   "refund <team>",
		Short: "Return credits to a team, optionally against a charged job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := open(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			entry, err := a.ledger.Refund(ctx, args[0], jobID, amount, reason)
			if err != nil {
				return err
			}
			printEntry(entry)
			return nil
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "credits to refund")
	cmd.Flags().StringVar(&jobID, "job", "", "job the refund applies to")
	cmd.Flags().StringVar(&reason, "reason", "manual refund", "ledger reason")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newCreditsHistoryCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <team>",
		Short: "List a team's ledger entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := open(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			entries, err := a.ledger.History(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No transactions found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTYPE\tAMOUNT\tBEFORE\tAFTER\tJOB\tREASON")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
					e.CreatedAt.Format("2006-01-02T15:04:05"), e.Type, e.Amount,
					e.BalanceBefore, e.BalanceAfter, orDash(e.JobID), e.Reason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	return cmd
}

func printEntry(e models.CreditTransaction) {
	fmt.Printf("%s of %d credits for team %s: %s -> %s remaining\n",
		e.Type, e.Amount, e.TeamID, humanize.Comma(e.BalanceBefore), humanize.Comma(e.BalanceAfter))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
