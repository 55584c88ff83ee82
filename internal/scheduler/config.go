package scheduler

import (
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	MaxEventBatchSize int
	RecomputeWindow   time.Duration

	// EnabledJobs restricts which jobs run. Empty enables everything,
	// which is the single-process default.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		MaxEventBatchSize: 50,
		RecomputeWindow:   48 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.MaxEventBatchSize <= 0 {
		c.MaxEventBatchSize = defaults.MaxEventBatchSize
	}
	if c.RecomputeWindow <= 0 {
		c.RecomputeWindow = defaults.RecomputeWindow
	}
	return c
}
