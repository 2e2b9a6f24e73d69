package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pario-ai/jobmeter/pkg/ledger"
)

type teamArgs struct {
	TeamID string `json:"team_id"`
}

type jobArgs struct {
	JobID string `json:"job_id"`
}

type transactionsArgs struct {
	TeamID string `json:"team_id"`
	Limit  int    `json:"limit"`
}

type usageArgs struct {
	TeamID string `json:"team_id"`
	Since  string `json:"since"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"jobmeter_credits":      handleCredits,
	"jobmeter_job":          handleJob,
	"jobmeter_transactions": handleTransactions,
	"jobmeter_usage":        handleUsage,
	"jobmeter_reconcile":    handleReconcile,
	"jobmeter_cache_stats":  handleCacheStats,
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

var allTools = []ToolDefinition{
	{
		Name:        "jobmeter_credits",
		Description: "Show a team's credit balance and budget mode.",
		InputSchema: map[string]any{
			"type":       "object",
			"required":   []string{"team_id"},
			"properties": map[string]any{"team_id": stringProp("The team to inspect")},
		},
	},
	{
		Name:        "jobmeter_job",
		Description: "Show a job with its calls, costs and completion summary.",
		InputSchema: map[string]any{
			"type":       "object",
			"required":   []string{"job_id"},
			"properties": map[string]any{"job_id": stringProp("The job ID to inspect")},
		},
	},
	{
		Name:        "jobmeter_transactions",
		Description: "List a team's credit ledger entries, newest first.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"team_id"},
			"properties": map[string]any{
				"team_id": stringProp("The team to inspect"),
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of entries (optional, defaults to 20)",
				},
			},
		},
	},
	{
		Name:        "jobmeter_usage",
		Description: "Show calls, tokens and costs grouped by team, provider and model.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"team_id": stringProp("Filter by team (optional)"),
				"since":   stringProp("Start date in YYYY-MM-DD format (optional, defaults to start of month)"),
			},
		},
	},
	{
		Name:        "jobmeter_reconcile",
		Description: "Check that team credit counters match the ledger history.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"team_id": stringProp("Team to check (optional, omit for all teams)")},
		},
	},
	{
		Name:        "jobmeter_cache_stats",
		Description: "Show balance cache statistics (entries, hits, misses, hit rate).",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func decodeArgs(raw json.RawMessage, v any) bool {
	if len(raw) == 0 {
		return true
	}
	return json.Unmarshal(raw, v) == nil
}

func handleCredits(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args teamArgs
	if !decodeArgs(rawArgs, &args) || args.TeamID == "" {
		return errorResult("team_id is required")
	}
	b, err := s.ledger.Balance(ctx, args.TeamID)
	if err != nil {
		return errorResult("Error fetching credits: " + err.Error())
	}
	return textResult(formatBalance(b))
}

func handleJob(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args jobArgs
	if !decodeArgs(rawArgs, &args) || args.JobID == "" {
		return errorResult("job_id is required")
	}
	detail, err := s.jobs.GetJob(ctx, args.JobID)
	if err != nil {
		return errorResult("Error fetching job: " + err.Error())
	}
	return textResult(formatJob(detail))
}

func handleTransactions(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args transactionsArgs
	if !decodeArgs(rawArgs, &args) || args.TeamID == "" {
		return errorResult("team_id is required")
	}
	if args.Limit <= 0 {
		args.Limit = 20
	}
	entries, err := s.ledger.History(ctx, args.TeamID, args.Limit)
	if err != nil {
		return errorResult("Error fetching transactions: " + err.Error())
	}
	return textResult(formatTransactions(entries))
}

func handleUsage(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args usageArgs
	if !decodeArgs(rawArgs, &args) {
		return errorResult("invalid arguments")
	}

	since := beginningOfMonth()
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		since = t
	}

	rows, err := s.usage.UsageSummary(ctx, args.TeamID, since)
	if err != nil {
		return errorResult("Error fetching usage: " + err.Error())
	}
	return textResult(formatUsage(rows))
}

func beginningOfMonth() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func handleReconcile(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args teamArgs
	if !decodeArgs(rawArgs, &args) {
		return errorResult("invalid arguments")
	}

	if args.TeamID != "" {
		rec, err := s.ledger.Reconcile(ctx, args.TeamID)
		if err != nil && !errors.Is(err, ledger.ErrLedgerMismatch) {
			return errorResult("Error reconciling: " + err.Error())
		}
		res := textResult(formatReconciliations(rec))
		res.IsError = err != nil
		return res
	}

	recs, err := s.ledger.ReconcileAll(ctx)
	if err != nil && !errors.Is(err, ledger.ErrLedgerMismatch) {
		return errorResult("Error reconciling: " + err.Error())
	}
	res := textResult(formatReconciliations(recs...))
	res.IsError = err != nil
	return res
}

func handleCacheStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.cache == nil {
		return textResult("Balance cache is not configured.")
	}
	stats, err := s.cache.Stats(ctx)
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(formatCacheStats(stats))
}
