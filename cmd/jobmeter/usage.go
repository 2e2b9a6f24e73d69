package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pario-ai/jobmeter/pkg/ledger"
	"github.com/pario-ai/jobmeter/pkg/models"
)

func newUsageCmd(configPath *string) *cobra.Command {
	var (
		teamID string
		days   int
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show calls, tokens and costs by team, provider and model",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := open(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			since := time.Now().UTC().AddDate(0, 0, -days)
			rows, err := a.store.UsageSummary(ctx, teamID, since)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("No usage data found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TEAM\tPROVIDER\tMODEL\tCALLS\tFAILED\tTOKENS\tPROVIDER $\tCLIENT $")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
					r.TeamID, r.Provider, r.Model, r.CallCount, r.FailedCalls,
					humanize.Comma(r.TotalTokens()), r.ProviderCost.StringFixed(4), r.ClientCost.StringFixed(4))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "filter by team")
	cmd.Flags().IntVar(&days, "days", 30, "look back this many days")
	return cmd
}

func newReconcileCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [team]",
		Short: "Check team credit counters against the ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := open(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			var (
				recs   []models.Reconciliation
				recErr error
			)
			if len(args) == 1 {
				rec, err := a.ledger.Reconcile(ctx, args[0])
				recs, recErr = append(recs, rec), err
			} else {
				recs, recErr = a.ledger.ReconcileAll(ctx)
			}
			if recErr != nil && !errors.Is(recErr, ledger.ErrLedgerMismatch) {
				return recErr
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TEAM\tALLOCATED\tUSED\tSUM ALLOC\tSUM DEDUCT\tSUM REFUND\tSTATUS")
			for _, r := range recs {
				status := "ok"
				if !r.Consistent() {
					status = "MISMATCH"
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
					r.TeamID, r.CreditsAllocated, r.CreditsUsed,
					r.SumAllocations, r.SumDeductions, r.SumRefunds, status)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return recErr
		},
	}
}
