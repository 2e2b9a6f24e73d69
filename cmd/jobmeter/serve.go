package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/jobmeter/pkg/config"
	"github.com/pario-ai/jobmeter/pkg/jobs"
	"github.com/pario-ai/jobmeter/pkg/metrics"
	"github.com/pario-ai/jobmeter/pkg/pricing"
	"github.com/pario-ai/jobmeter/pkg/provider"
	"github.com/pario-ai/jobmeter/pkg/relay"
	"github.com/pario-ai/jobmeter/pkg/router"
	"github.com/pario-ai/jobmeter/pkg/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the jobmeter API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := open(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			svc, prices, err := a.service()
			if err != nil {
				return err
			}
			srv := server.New(a.cfg, svc, a.ledger, a.store, a.logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.ListenAndServe(gctx) })
			if a.cfg.Metrics.Enabled {
				g.Go(func() error { return a.serveMetrics(gctx) })
			}
			g.Go(func() error { return a.reloadOnHangup(gctx, *configPath, prices) })

			a.logger.Info("starting jobmeter", "version", version, "config", *configPath, "driver", a.store.Driver())
			return g.Wait()
		},
	}
}

// service wires the job service. The returned pricing store is swapped on reload.
func (a *app) service() (*jobs.Service, *pricing.Store, error) {
	reg, err := provider.FromConfig(a.cfg.Providers, provider.NewStaticCredentials(a.cfg.Providers), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("init providers: %w", err)
	}
	prices := pricing.NewStore(pricing.FromConfig(a.cfg.Pricing))
	svc := jobs.New(jobs.Config{
		Store:       a.store,
		Ledger:      a.ledger,
		Resolver:    router.New(a.store, reg.Names()),
		Executor:    provider.NewExecutor(reg, a.cfg.Executor.CallTimeout, a.logger),
		Pricing:     prices,
		Relay:       relay.New(a.cfg.Executor.StreamBuffer, a.logger),
		CallTimeout: a.cfg.Executor.CallTimeout,
		Logger:      a.logger,
	})
	return svc, prices, nil
}

func (a *app) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, metrics.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("metrics listening", "addr", a.cfg.Metrics.Listen, "path", a.cfg.Metrics.Path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// reloadOnHangup re-reads the config on SIGHUP, swapping the price table and
// re-syncing teams and model groups. A bad config is logged and ignored.
func (a *app) reloadOnHangup(ctx context.Context, configPath string, prices *pricing.Store) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			a.logger.Error("reload failed", "config", configPath, "error", err)
			continue
		}
		prices.Swap(pricing.FromConfig(cfg.Pricing))
		if err := a.ledger.SyncDirectory(ctx, cfg); err != nil {
			a.logger.Error("reload: directory sync failed", "error", err)
			continue
		}
		a.logger.Info("config reloaded", "config", configPath, "priced_models", len(cfg.Pricing.Models))
	}
}
