// Package scheduler drives the background pipeline: ledger generation from
// unprocessed telemetry and the daily and monthly rollups. One scheduler
// tick runs every enabled job once; Redis leases keep multi-instance
// deployments from running the same job concurrently.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	aggregatedomain "github.com/iotmca0/autovolt-sub006/internal/aggregate/domain"
	"github.com/iotmca0/autovolt-sub006/internal/clock"
	"github.com/iotmca0/autovolt-sub006/internal/generator"
	obsmetrics "github.com/iotmca0/autovolt-sub006/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

const leaseKeyPrefix = "autovolt:scheduler:lease:"

type Params struct {
	fx.In

	Log          *zap.Logger
	Clock        clock.Clock
	Generator    *generator.Generator
	AggregateSvc aggregatedomain.Service
	Locker       *Locker `optional:"true"`
	Config       Config  `optional:"true"`
}

type Scheduler struct {
	log          *zap.Logger
	cfg          Config
	clock        clock.Clock
	generator    *generator.Generator
	aggregateSvc aggregatedomain.Service
	locker       *Locker

	running atomic.Bool
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Generator == nil || p.AggregateSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		clock:        p.Clock,
		generator:    p.Generator,
		aggregateSvc: p.AggregateSvc,
		locker:       p.Locker,
	}, nil
}

// runJob wraps one job with lease acquisition, timeout, and metrics.
// A deadline hit is treated as a soft timeout: the job made partial
// progress and the next tick resumes where it left off.
func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	schedMetrics := obsmetrics.Scheduler()

	if s.locker != nil {
		key := leaseKeyPrefix + name
		token, ok, err := s.locker.TryLock(parent, key, s.cfg.LeaseTTL)
		if err != nil {
			return fmt.Errorf("%s: acquire lease: %w", name, err)
		}
		if !ok {
			schedMetrics.IncLeaseContended(name)
			s.log.Debug("job lease held elsewhere", zap.String("job", name))
			return nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(parent), key, token); err != nil {
				s.log.Warn("lease release failed", zap.String("job", name), zap.Error(err))
			}
		}()
	}

	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	schedMetrics.IncJobRun(name)
	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	schedMetrics.IncJobError(name, err)
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one tick of every enabled job. Overlapping ticks are
// dropped rather than queued.
func (s *Scheduler) RunOnce(parent context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("previous tick still running, skipping")
		return nil
	}
	defer s.running.Store(false)

	var err error
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"generate_ledger", s.GenerateLedgerJob},
		{"daily_rollup", s.DailyRollupJob},
		{"monthly_rollup", s.MonthlyRollupJob},
	}
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs means every job runs (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) GenerateLedgerJob(ctx context.Context) error {
	stats, err := s.generator.ProcessBatch(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddBatchProcessed("generate_ledger", "entry", stats.Entries)
	schedMetrics.AddBatchProcessed("generate_ledger", "reset_marker", stats.ResetMarkers)
	schedMetrics.AddBatchProcessed("generate_ledger", "rejected", stats.Rejected)
	schedMetrics.AddBatchProcessed("generate_ledger", "insufficient", stats.Insufficient)
	schedMetrics.AddBatchProcessed("generate_ledger", "error", stats.Errors)

	if stats.Fetched > 0 {
		s.log.Info("generation batch complete",
			zap.String("batch_id", stats.BatchID),
			zap.Int("fetched", stats.Fetched),
			zap.Int("entries", stats.Entries),
			zap.Int("reset_markers", stats.ResetMarkers),
			zap.Int("rejected", stats.Rejected),
			zap.Int("errors", stats.Errors),
		)
	}
	return nil
}

// DailyRollupJob refreshes today and yesterday. Yesterday stays in scope
// so entries generated after midnight from late telemetry still land in
// the right day.
func (s *Scheduler) DailyRollupJob(ctx context.Context) error {
	now := s.clock.Now()
	if _, err := s.aggregateSvc.RunDaily(ctx, now); err != nil {
		return err
	}
	if _, err := s.aggregateSvc.RunDaily(ctx, now.Add(-24*time.Hour)); err != nil {
		return err
	}
	return nil
}

// MonthlyRollupJob refreshes the current month, plus the previous month
// during the first two days while stragglers settle.
func (s *Scheduler) MonthlyRollupJob(ctx context.Context) error {
	now := s.clock.Now()
	if _, err := s.aggregateSvc.RunMonthly(ctx, now); err != nil {
		return err
	}
	if now.Day() <= 2 {
		if _, err := s.aggregateSvc.RunMonthly(ctx, now.AddDate(0, 0, -3)); err != nil {
			return err
		}
	}
	return nil
}
