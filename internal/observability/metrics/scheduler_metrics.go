package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

// SchedulerMetrics captures pipeline job health signals.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	leaseContended *prometheus.CounterVec
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer)
	})
	return schedulerMetrics
}

func newSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	m := &SchedulerMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autovolt_scheduler_job_runs_total",
			Help: "Scheduler job executions by job name.",
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autovolt_scheduler_job_duration_seconds",
			Help:    "Scheduler job run duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autovolt_scheduler_job_timeouts_total",
			Help: "Scheduler job soft timeouts.",
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autovolt_scheduler_job_errors_total",
			Help: "Scheduler job errors by type.",
		}, []string{"job", "type"}),
		batchProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autovolt_scheduler_batch_processed_total",
			Help: "Items processed per job batch, by outcome.",
		}, []string{"job", "outcome"}),
		leaseContended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autovolt_scheduler_lease_contended_total",
			Help: "Runs skipped because another instance holds the lease.",
		}, []string{"job"}),
	}

	collectors := []prometheus.Collector{
		m.jobRuns, m.jobDuration, m.jobTimeouts, m.jobErrors, m.batchProcessed, m.leaseContended,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}
	return m
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, classifyError(err)).Inc()
}

func (m *SchedulerMetrics) AddBatchProcessed(job, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, outcome).Add(float64(n))
}

func (m *SchedulerMetrics) IncLeaseContended(job string) {
	if m == nil {
		return
	}
	m.leaseContended.WithLabelValues(job).Inc()
}

func classifyError(err error) string {
	switch {
	case err == nil:
		return SchedulerErrorTypeUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return SchedulerErrorTypeDeadlineExceeded
	default:
		return SchedulerErrorTypeDB
	}
}
