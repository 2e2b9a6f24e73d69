package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/pario-ai/jobmeter/pkg/cache"
	"github.com/pario-ai/jobmeter/pkg/config"
	"github.com/pario-ai/jobmeter/pkg/ledger"
	"github.com/pario-ai/jobmeter/pkg/logging"
	"github.com/pario-ai/jobmeter/pkg/store"
)

var version = "dev"

func main() {
	// A missing .env file is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	var configPath string
	root := &cobra.Command{
		Use:           "jobmeter",
		Short:         "jobmeter: job-scoped LLM routing and credit billing",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "jobmeter.yaml", "path to config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newCreditsCmd(&configPath),
		newJobsCmd(&configPath),
		newUsageCmd(&configPath),
		newReconcileCmd(&configPath),
		newCacheCmd(&configPath),
		newMCPCmd(&configPath),
		newMigrateCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the dependencies shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	cache  *cache.BalanceCache
	ledger *ledger.Ledger
}

// open loads the config, opens and migrates the database, connects the
// balance cache when Redis is enabled and syncs the configured teams and
// model groups.
func open(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	slog.SetDefault(logger)

	st, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: st}
	if cfg.Redis.Enabled {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, balance cache disabled", "addr", cfg.Redis.Addr, "error", err)
			_ = client.Close()
		} else {
			a.cache = cache.New(client, cfg.Redis.BalanceTTL, logger)
		}
	}

	a.ledger = ledger.New(st, a.cache, logger)
	if err := a.ledger.SyncDirectory(ctx, cfg); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	return a.store.Close()
}
