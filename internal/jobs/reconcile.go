// Package jobs runs periodic maintenance against the waste bank.
package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/bank"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	errMissingReconciler = errors.New("reconciler dependency required")
	errMissingSchedule   = errors.New("schedule must be provided")
)

// Reconciler recomputes every customer's running total.
type Reconciler interface {
	ReconcileAll(ctx context.Context) ([]bank.Reconciliation, error)
}

type ReconcileSchedulerConfig struct {
	Reconciler Reconciler
	Schedule   string
	Timeout    time.Duration
	Logger     *zap.Logger
}

// ReconcileScheduler repairs running-total drift on a cron schedule.
type ReconcileScheduler struct {
	reconciler Reconciler
	timeout    time.Duration
	logger     *zap.Logger
	cron       *cron.Cron

	mu      sync.Mutex
	lastRun RunSummary
}

// RunSummary describes the most recent reconciliation pass.
type RunSummary struct {
	StartedAt time.Time
	Customers int
	Drifted   int
	Err       error
}

func NewReconcileScheduler(cfg ReconcileSchedulerConfig) (*ReconcileScheduler, error) {
	if cfg.Reconciler == nil {
		return nil, errMissingReconciler
	}
	schedule := strings.TrimSpace(cfg.Schedule)
	if schedule == "" {
		return nil, errMissingSchedule
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	scheduler := &ReconcileScheduler{
		reconciler: cfg.Reconciler,
		timeout:    timeout,
		logger:     logger,
		cron:       cron.New(),
	}
	if _, err := scheduler.cron.AddFunc(schedule, func() {
		scheduler.RunOnce(context.Background())
	}); err != nil {
		return nil, err
	}
	return scheduler, nil
}

// Start launches the cron loop in its own goroutine.
func (s *ReconcileScheduler) Start() {
	s.cron.Start()
	s.logger.Info("reconcile scheduler started", zap.Int("entries", len(s.cron.Entries())))
}

// Stop halts scheduling and waits for a running pass to finish or ctx to end.
func (s *ReconcileScheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("reconcile scheduler stop timed out", zap.Error(ctx.Err()))
	}
}

// RunOnce performs a single reconciliation pass and records its summary.
func (s *ReconcileScheduler) RunOnce(ctx context.Context) RunSummary {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	summary := RunSummary{StartedAt: time.Now().UTC()}
	results, err := s.reconciler.ReconcileAll(runCtx)
	summary.Customers = len(results)
	for _, result := range results {
		if result.Drifted() {
			summary.Drifted++
		}
	}
	summary.Err = err

	if err != nil {
		s.logger.Error("scheduled reconciliation failed",
			zap.Int("customers", summary.Customers),
			zap.Error(err))
	} else {
		s.logger.Info("scheduled reconciliation finished",
			zap.Int("customers", summary.Customers),
			zap.Int("drifted", summary.Drifted))
	}

	s.mu.Lock()
	s.lastRun = summary
	s.mu.Unlock()
	return summary
}

// LastRun returns the summary of the latest pass, zero before the first one.
func (s *ReconcileScheduler) LastRun() RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}
