package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aitask/aitask/internal/api"
	"github.com/aitask/aitask/internal/config"
	"github.com/aitask/aitask/internal/db"
	"github.com/aitask/aitask/internal/events"
	"github.com/aitask/aitask/internal/executor"
	"github.com/aitask/aitask/internal/mergeq"
	"github.com/aitask/aitask/internal/reconcile"
	"github.com/aitask/aitask/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the aitask daemon (API server, scheduler, heartbeat)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg := config.Load()
	logger := config.SetupLogging(cfg.LogLevel)

	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = store.Close() }()

	runner, err := store.RegisterRunner(cfg.RunnerEnv, db.Backends, cfg.MaxParallel)
	if err != nil {
		return fmt.Errorf("register runner: %w", err)
	}

	pub := events.NewMemory()
	defer pub.Close()

	exec := executor.New(store, pub)
	merger := mergeq.New(store)
	rec := reconcile.New(store)
	sched := scheduler.New(store, exec, rec, runner.ID, cfg.SchedulerInterval, cfg.HeartbeatInterval)
	server := api.New(cfg, store, exec, merger, pub, runner.ID)

	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("aitask daemon listening", "addr", addr, "runner", cfg.RunnerEnv)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return ignoreCancelled(sched.Run(ctx))
	})
	g.Go(func() error {
		return ignoreCancelled(sched.Heartbeat(ctx))
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("aitask daemon stopped")
	return nil
}

// ignoreCancelled folds the shutdown-path context error into a clean exit.
func ignoreCancelled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
