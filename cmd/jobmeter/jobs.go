package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newJobsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect jobs and their calls",
	}
	cmd.AddCommand(newJobsListCmd(configPath), newJobsShowCmd(configPath))
	return cmd
}

func newJobsListCmd(configPath *string) *cobra.Command {
	var (
		teamID string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := open(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			list, err := a.store.ListJobs(ctx, teamID, limit)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "JOB ID\tTEAM\tTYPE\tSTATUS\tCREATED\tCREDITS")
			for _, j := range list {
				credits := "-"
				if j.Summary != nil {
					credits = fmt.Sprintf("%d", j.Summary.CreditsDeducted)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					j.ID, j.TeamID, j.JobType, j.State, humanize.Time(j.CreatedAt), credits)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "filter by team")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs")
	return cmd
}

func newJobsShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job with its calls and charge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := open(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			svc, _, err := a.service()
			if err != nil {
				return err
			}
			d, err := svc.GetJob(ctx, args[0])
			if err != nil {
				return err
			}

			j := d.Job
			fmt.Printf("Job:     %s\n", j.ID)
			fmt.Printf("Team:    %s\n", j.TeamID)
			fmt.Printf("Type:    %s\n", j.JobType)
			fmt.Printf("Status:  %s\n", j.State)
			fmt.Printf("Created: %s\n", j.CreatedAt.Format("2006-01-02T15:04:05"))
			if len(j.ModelGroups) > 0 {
				fmt.Printf("Groups:  %s\n", strings.Join(j.ModelGroups, ", "))
			}
			if j.ErrorMessage != "" {
				fmt.Printf("Error:   %s\n", j.ErrorMessage)
			}
			if s := j.Summary; s != nil {
				fmt.Printf("Charged: %d credits (%s mode, %s remaining)\n",
					s.CreditsDeducted, s.BudgetMode, humanize.Comma(s.CreditsRemaining))
				fmt.Printf("Tokens:  %s in / %s out\n", humanize.Comma(s.InputTokens), humanize.Comma(s.OutputTokens))
				fmt.Printf("Cost:    $%s provider, $%s client\n", s.ProviderCost.StringFixed(6), s.ClientCost.StringFixed(6))
			}
			if len(d.Calls) == 0 {
				fmt.Println("\nNo calls recorded.")
				return nil
			}

			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CALL ID\tGROUP\tPROVIDER\tMODEL\tSTATUS\tINPUT\tOUTPUT\tCLIENT $\tATTEMPTS")
			for _, c := range d.Calls {
				cost := "-"
				if c.ClientCost.Valid {
					cost = c.ClientCost.Decimal.StringFixed(6)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%d\n",
					c.ID, c.ModelGroup, c.Provider, c.ResolvedModel, c.Status,
					c.InputTokens, c.OutputTokens, cost, c.Attempts)
			}
			return w.Flush()
		},
	}
}
