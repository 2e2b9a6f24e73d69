package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/jobmeter/pkg/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve read-only ledger and job tools over MCP stdio",
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

			var stats mcp.CacheStatter
			if a.cache != nil {
				stats = a.cache
			}
			return mcp.New(a.ledger, svc, a.store, stats, version, a.logger).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
