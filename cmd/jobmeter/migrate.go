package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the schema and sync configured teams and model groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			fmt.Printf("Schema ready (%s). Synced %d teams and %d model groups.\n",
				a.store.Driver(), len(a.cfg.Teams), len(a.cfg.ModelGroups))
			return nil
		},
	}
}
