package scheduler

import (
	"time"

	"github.com/smallbiznis/renewals/internal/config"
)

// Config controls scheduler intervals, run sizes, and the per-job lock.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	MaxBatches  int
	JobTimeout  time.Duration
	LockTTL     time.Duration
	// EnabledJobs limits which jobs run; empty runs all of them.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 15 * time.Minute,
		JobTimeout:  5 * time.Minute,
		LockTTL:     10 * time.Minute,
	}
}

// ProvideConfig derives the scheduler config from application config.
// Zero batch sizes defer to the renewal config at run time.
func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Scheduler.RunInterval,
		LockTTL:     cfg.Scheduler.LockTTL,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	// A lock that expires mid-job lets a second instance start the same job.
	if c.LockTTL < c.JobTimeout {
		c.LockTTL = c.JobTimeout
	}
	if c.BatchSize < 0 {
		c.BatchSize = 0
	}
	if c.MaxBatches < 0 {
		c.MaxBatches = 0
	}
	return c
}
