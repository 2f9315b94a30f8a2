package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gyaneshwarpardhi/xpflow/internal/adjust"
	"github.com/gyaneshwarpardhi/xpflow/internal/config"
	"github.com/gyaneshwarpardhi/xpflow/internal/dedup"
	"github.com/gyaneshwarpardhi/xpflow/internal/dispatch"
	"github.com/gyaneshwarpardhi/xpflow/internal/eventlog"
	"github.com/gyaneshwarpardhi/xpflow/internal/gamify"
	"github.com/gyaneshwarpardhi/xpflow/internal/ledger"
	"github.com/gyaneshwarpardhi/xpflow/internal/pipeline"
)

// app is the wired process shared by every subcommand.
type app struct {
	loader *config.Loader
	loc    *time.Location

	log        *eventlog.Log
	keys       *dedup.KeyIndex
	ledger     *ledger.Ledger
	deadLetter *dispatch.DeadLetter
	queue      *dispatch.Queue
	pipe       *pipeline.Pipeline
	redis      *redis.Client
}

func deadLetterPath(cfg *config.Config) string {
	return filepath.Join(cfg.Storage.DataDir, "dead_letter.ndjson")
}

// loadConfig reads and validates the config and installs the default
// logger it describes.
func loadConfig(path string) (*config.Loader, error) {
	loader, err := config.NewLoader(path)
	if err != nil {
		return nil, err
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	setupLogging(cfg.Log)
	return loader, nil
}

func setupLogging(lc config.LogConf) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(lc.Format, "json") {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

// openApp opens the stores under storage.data_dir and builds the pipeline.
// ctx bounds the background pool.
func openApp(ctx context.Context, cfgPath string) (*app, error) {
	loader, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	cfg := loader.Config()
	loc, err := time.LoadLocation(cfg.Storage.Timezone)
	if err != nil {
		return nil, fmt.Errorf("storage.timezone: %w", err)
	}
	a := &app{loader: loader, loc: loc}
	dir := cfg.Storage.DataDir

	if a.log, err = eventlog.Open(filepath.Join(dir, "events"), loc); err != nil {
		return nil, err
	}
	if a.keys, err = dedup.OpenKeyIndex(filepath.Join(dir, "batch_keys.txt")); err != nil {
		a.close(context.Background())
		return nil, err
	}
	if a.ledger, err = ledger.Open(filepath.Join(dir, "ledger.ndjson"), pipeline.LedgerTotals(a.log)); err != nil {
		a.close(context.Background())
		return nil, err
	}
	if a.deadLetter, err = dispatch.OpenDeadLetter(deadLetterPath(cfg)); err != nil {
		a.close(context.Background())
		return nil, err
	}
	a.queue = dispatch.New(dispatch.Options{
		MinInterval: time.Duration(cfg.Dispatch.MinIntervalMs) * time.Millisecond,
		Depth:       cfg.Dispatch.QueueDepth,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		DeadLetter:  a.deadLetter,
	})

	awarder := gamify.New(cfg.Gamify.BaseURL, cfg.Gamify.Token, time.Duration(cfg.Gamify.TimeoutMs)*time.Millisecond)
	if _, dry := awarder.(gamify.DryRun); dry {
		slog.Warn("gamify.base_url not set, awards are logged only")
	}
	a.pipe, err = pipeline.New(ctx, cfg, pipeline.Deps{
		Seen:    dedup.NewSeenSet(time.Duration(cfg.Dedup.SeenTTLSeconds)*time.Second, nil),
		Keys:    a.keys,
		Log:     a.log,
		Ledger:  a.ledger,
		Queue:   a.queue,
		Awarder: awarder,
	})
	if err != nil {
		a.close(context.Background())
		return nil, err
	}

	loader.OnChange(func(newCfg *config.Config) {
		if err := a.pipe.SwapConfig(newCfg); err != nil {
			slog.Warn("hot-reload skipped: reward tables invalid", "err", err)
			return
		}
		setupLogging(newCfg.Log)
		slog.Info("config hot-reloaded", "version", newCfg.Version, "tenants", len(newCfg.Rewards.Tenants))
	})
	slog.Info("stores opened", "data_dir", dir, "batch_keys", a.keys.Len(), "ledger_entries", len(a.ledger.Entries("")))
	return a, nil
}

// adjustService builds the adjustment service with a redis bucket when
// adjustments.redis.addr is set, else an in-process one.
func (a *app) adjustService(ctx context.Context) (*adjust.Service, error) {
	ac := a.loader.Config().Adjustments
	refill := time.Duration(ac.RefillSeconds) * time.Second
	var limiter adjust.Limiter = adjust.NewMemoryLimiter(ac.Capacity, refill)
	if ac.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: ac.Redis.Addr, Password: ac.Redis.Password, DB: ac.Redis.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("adjustments.redis %s: %w", ac.Redis.Addr, err)
		}
		limiter = adjust.NewRedisLimiter(a.redis, ac.Capacity, refill)
		slog.Info("adjustment limiter backed by redis", "addr", ac.Redis.Addr)
	}
	cache := adjust.NewCache(time.Duration(ac.IdempotencyTTLSeconds)*time.Second, nil)
	return adjust.NewService(limiter, cache, a.log, a.pipe), nil
}

// close drains the background pool, then the dispatch queue within ctx,
// then closes the stores.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.pipe != nil {
		a.pipe.Shutdown()
	}
	if a.queue != nil {
		if err := a.queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispatch queue: %w", err))
		}
	}
	if a.deadLetter != nil {
		errs = append(errs, a.deadLetter.Close())
	}
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	if a.keys != nil {
		errs = append(errs, a.keys.Close())
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
