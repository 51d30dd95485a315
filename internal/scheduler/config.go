package scheduler

import (
	"time"

	"github.com/smallbiznis/clinicpay/internal/config"
)

// Config controls scheduler intervals, batch sizes and leases.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	EnabledJobs []string
	// StatusCheckLease is how long a claimed status check stays invisible
	// to other schedulers.
	StatusCheckLease time.Duration
	PollLockTTL      time.Duration
	// CancelSyncBackoff spaces gateway cancellation attempts of one request.
	CancelSyncBackoff time.Duration
	JobTimeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       15 * time.Second,
		BatchSize:         50,
		StatusCheckLease:  2 * time.Minute,
		PollLockTTL:       30 * time.Second,
		CancelSyncBackoff: time.Minute,
		JobTimeout:        30 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Scheduler.RunInterval,
		BatchSize:   cfg.Scheduler.BatchSize,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
		PollLockTTL: cfg.Scheduler.PollLockTTL,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.StatusCheckLease <= 0 {
		c.StatusCheckLease = defaults.StatusCheckLease
	}
	if c.PollLockTTL <= 0 {
		c.PollLockTTL = defaults.PollLockTTL
	}
	if c.CancelSyncBackoff <= 0 {
		c.CancelSyncBackoff = defaults.CancelSyncBackoff
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
