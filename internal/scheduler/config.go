package scheduler

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	LeaseTTL    time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 30 * time.Second,
		BatchSize:   100,
		JobTimeout:  30 * time.Second,
		LeaseTTL:    2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	return c
}

func ProvideConfig() Config {
	cfg := DefaultConfig()
	if v := envInt("SCHEDULER_RUN_INTERVAL_SECONDS"); v > 0 {
		cfg.RunInterval = time.Duration(v) * time.Second
	}
	if v := envInt("SCHEDULER_BATCH_SIZE"); v > 0 {
		cfg.BatchSize = v
	}
	if v := envInt("SCHEDULER_JOB_TIMEOUT_SECONDS"); v > 0 {
		cfg.JobTimeout = time.Duration(v) * time.Second
	}
	if v := envInt("SCHEDULER_LEASE_TTL_SECONDS"); v > 0 {
		cfg.LeaseTTL = time.Duration(v) * time.Second
	}
	if raw := strings.TrimSpace(os.Getenv("SCHEDULER_ENABLED_JOBS")); raw != "" {
		for _, job := range strings.Split(raw, ",") {
			if job = strings.TrimSpace(job); job != "" {
				cfg.EnabledJobs = append(cfg.EnabledJobs, job)
			}
		}
	}
	return cfg
}

func envInt(key string) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}
