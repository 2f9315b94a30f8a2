package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/xpflow/internal/api"
	"github.com/gyaneshwarpardhi/xpflow/internal/scheduler"
)

func serveCmd(cfgPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook, import and adjustment HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*cfgPath, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides server.addr)")
	return cmd
}

func runServe(cfgPath, addr string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Stores and pipeline ───────────────────────────────────────────────────
	a, err := openApp(ctx, cfgPath)
	if err != nil {
		return err
	}
	cfg := a.loader.Config()
	adj, err := a.adjustService(ctx)
	if err != nil {
		a.close(context.Background())
		return err
	}

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	stopWatch, err := a.loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── Reconcile schedule ────────────────────────────────────────────────────
	if cfg.Reconcile.Enabled {
		sched, err := scheduler.New(cfg.Reconcile.Schedule, a.pipe, a.loc)
		if err != nil {
			a.close(context.Background())
			return err
		}
		if err := sched.Start(ctx); err != nil {
			a.close(context.Background())
			return err
		}
		defer sched.Stop()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	if addr == "" {
		addr = cfg.Server.Addr
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.New(a.loader, a.pipe, adj, a.loc),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:  60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		slog.Error("server error", "err", err)
		a.close(context.Background())
		return err
	}
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	// Queued events finish before the pool context is cancelled.
	err = a.close(shutCtx)
	cancel()
	if err != nil {
		slog.Warn("shutdown incomplete", "err", err)
	}
	slog.Info("goodbye")
	return nil
}
