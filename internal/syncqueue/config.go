package syncqueue

import "time"

// Config controls the outbox worker loop.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	RunTimeout   time.Duration
	JobTimeout   time.Duration
	Lease        time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	Concurrency  int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		PollInterval: time.Second,
		RunTimeout:   30 * time.Second,
		JobTimeout:   5 * time.Second,
		Lease:        time.Minute,
		MaxAttempts:  10,
		BaseBackoff:  time.Second,
		MaxBackoff:   5 * time.Minute,
		Concurrency:  8,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.Lease <= 0 {
		c.Lease = defaults.Lease
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaults.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	return c
}

// retryDelay doubles per attempt, capped at MaxBackoff.
func (c Config) retryDelay(attempts int) time.Duration {
	delay := c.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return delay
}
