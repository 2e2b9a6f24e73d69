package mcp

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/pario-ai/jobmeter/pkg/models"
)

func formatBalance(b models.Balance) string {
	return fmt.Sprintf("Team %s\n"+
		"  Status:      %s\n"+
		"  Budget mode: %s\n"+
		"  Allocated:   %s\n"+
		"  Used:        %s\n"+
		"  Remaining:   %s\n",
		b.TeamID, b.Status, b.BudgetMode,
		humanize.Comma(b.CreditsAllocated),
		humanize.Comma(b.CreditsUsed),
		humanize.Comma(b.CreditsRemaining))
}

// formatJob formats a job header followed by its calls.
func formatJob(d *models.JobDetail) string {
	j := d.Job
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s (%s)\n", j.ID, j.JobType)
	fmt.Fprintf(&b, "  Team:    %s\n", j.TeamID)
	fmt.Fprintf(&b, "  Status:  %s\n", j.State)
	fmt.Fprintf(&b, "  Created: %s\n", j.CreatedAt.Format("2006-01-02 15:04:05"))
	if len(j.ModelGroups) > 0 {
		fmt.Fprintf(&b, "  Groups:  %s\n", strings.Join(j.ModelGroups, ", "))
	}
	if j.ErrorMessage != "" {
		fmt.Fprintf(&b, "  Error:   %s\n", j.ErrorMessage)
	}
	if s := j.Summary; s != nil {
		fmt.Fprintf(&b, "  Charged: %d credits (remaining %s)\n", s.CreditsDeducted, humanize.Comma(s.CreditsRemaining))
		fmt.Fprintf(&b, "  Cost:    $%s provider, $%s client\n", s.ProviderCost.StringFixed(4), s.ClientCost.StringFixed(4))
	}

	if len(d.Calls) == 0 {
		b.WriteString("\nNo calls recorded.\n")
		return b.String()
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%-10s %-25s %-10s %10s %10s %12s %8s\n",
		"Status", "Model", "Provider", "Input", "Output", "Client $", "Attempts")
	b.WriteString(strings.Repeat("-", 91) + "\n")
	for _, c := range d.Calls {
		cost := "-"
		if c.ClientCost.Valid {
			cost = c.ClientCost.Decimal.StringFixed(6)
		}
		fmt.Fprintf(&b, "%-10s %-25s %-10s %10d %10d %12s %8d\n",
			c.Status, c.ResolvedModel, c.Provider, c.InputTokens, c.OutputTokens, cost, c.Attempts)
	}
	return b.String()
}

// formatTransactions formats ledger entries as a text table.
func formatTransactions(entries []models.CreditTransaction) string {
	if len(entries) == 0 {
		return "No transactions found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-10s %8s %8s %8s  %s\n",
		"Time", "Type", "Amount", "Before", "After", "Reason")
	b.WriteString(strings.Repeat("-", 80) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-20s %-10s %8d %8d %8d  %s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.Type, e.Amount, e.BalanceBefore, e.BalanceAfter, e.Reason)
	}
	return b.String()
}

// formatUsage formats usage summaries as a text table.
func formatUsage(rows []models.UsageSummary) string {
	if len(rows) == 0 {
		return "No usage data found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-15s %-10s %-25s %6s %6s %12s %12s\n",
		"Team", "Provider", "Model", "Calls", "Failed", "Tokens", "Client $")
	b.WriteString(strings.Repeat("-", 94) + "\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-15s %-10s %-25s %6d %6d %12s %12s\n",
			r.TeamID, r.Provider, r.Model, r.CallCount, r.FailedCalls,
			humanize.Comma(r.TotalTokens()), r.ClientCost.StringFixed(4))
	}
	return b.String()
}

func formatReconciliations(recs ...models.Reconciliation) string {
	if len(recs) == 0 {
		return "No teams found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-15s %10s %10s %10s %10s  %s\n",
		"Team", "Allocated", "Used", "Ledger+", "Ledger-", "Status")
	b.WriteString(strings.Repeat("-", 72) + "\n")
	for _, r := range recs {
		status := "ok"
		if !r.Consistent() {
			status = "MISMATCH"
		}
		fmt.Fprintf(&b, "%-15s %10d %10d %10d %10d  %s\n",
			r.TeamID, r.CreditsAllocated, r.CreditsUsed, r.SumAllocations, r.SumDeductions-r.SumRefunds, status)
	}
	return b.String()
}

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Balance Cache\n"+
		"  Entries:  %d\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n",
		stats.Entries, stats.Hits, stats.Misses, hitRate)
}
