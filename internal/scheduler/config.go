package scheduler

import (
	"time"

	"github.com/smallbiznis/tenancy/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval             time.Duration
	BatchSize               int
	JobTimeout              time.Duration
	EnabledJobs             []string
	RetryFailedProvisioning bool
	StuckThreshold          time.Duration
	VerifyInterval          time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    time.Minute,
		BatchSize:      50,
		JobTimeout:     30 * time.Second,
		StuckThreshold: 15 * time.Minute,
		VerifyInterval: 6 * time.Hour,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:             cfg.Scheduler.RunInterval,
		BatchSize:               cfg.Scheduler.BatchSize,
		EnabledJobs:             cfg.Scheduler.EnabledJobs,
		RetryFailedProvisioning: cfg.Scheduler.RetryFailedProvisioning,
		StuckThreshold:          cfg.Provisioning.StuckThreshold,
		VerifyInterval:          cfg.Scheduler.VerifyInterval,
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
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = defaults.StuckThreshold
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = defaults.VerifyInterval
	}
	return c
}
