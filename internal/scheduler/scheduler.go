// Package scheduler runs ledger reconciliation on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/gyaneshwarpardhi/xpflow/internal/pipeline"
)

// Reconciler re-settles one period.
type Reconciler interface {
	Reconcile(ctx context.Context, period string) (pipeline.ReconcileReport, error)
}

// Scheduler owns one cron entry. Overlapping runs are skipped.
type Scheduler struct {
	schedule string
	rec      Reconciler
	loc      *time.Location
	now      func() time.Time

	mu     sync.Mutex
	cron   *rcron.Cron
	cancel context.CancelFunc
}

// New validates schedule (standard five-field or @descriptor syntax) and
// returns a stopped scheduler.
func New(schedule string, rec Reconciler, loc *time.Location) (*Scheduler, error) {
	if _, err := rcron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("scheduler: schedule %q: %w", schedule, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{schedule: schedule, rec: rec, loc: loc, now: time.Now}, nil
}

// Start registers the job and starts the cron runner. Cancelling ctx stops
// it as well.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	logger := rcron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn))
	c := rcron.New(
		rcron.WithLocation(s.loc),
		rcron.WithChain(rcron.Recover(logger), rcron.SkipIfStillRunning(logger)),
	)
	runCtx, cancel := context.WithCancel(ctx)
	if _, err := c.AddFunc(s.schedule, func() { s.Run(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("scheduler: register: %w", err)
	}
	s.cron, s.cancel = c, cancel
	c.Start()
	slog.Info("reconcile scheduler started", "schedule", s.schedule)

	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the runner and waits up to five seconds for a running job.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-time.After(5 * time.Second):
		slog.Warn("reconcile scheduler stop timed out waiting for running job")
	}
	slog.Info("reconcile scheduler stopped")
}

// Run reconciles the current period, and the previous one during the
// first day of a month so late sales near the boundary are still settled.
func (s *Scheduler) Run(ctx context.Context) {
	for _, period := range s.periods() {
		rep, err := s.rec.Reconcile(ctx, period)
		if err != nil {
			slog.Error("scheduled reconcile failed", "period", period, "failed", rep.Failed, "err", err)
			continue
		}
		if rep.Steps > 0 {
			slog.Info("scheduled reconcile awarded missed steps", "period", period, "steps", rep.Steps)
		}
	}
}

func (s *Scheduler) periods() []string {
	now := s.now().In(s.loc)
	cur := now.Format("2006-01")
	prev := now.Add(-24 * time.Hour).Format("2006-01")
	if prev == cur {
		return []string{cur}
	}
	return []string{cur, prev}
}
