package reset

import "time"

// Config controls reset locking and the overdue sweep.
type Config struct {
	LockTTL      time.Duration
	BatchSize    int
	PollInterval time.Duration
	RunTimeout   time.Duration
	SignalGrace  time.Duration
}

func DefaultConfig() Config {
	return Config{
		LockTTL:      30 * time.Second,
		BatchSize:    100,
		PollInterval: time.Minute,
		RunTimeout:   30 * time.Second,
		SignalGrace:  time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	if c.SignalGrace < 0 {
		c.SignalGrace = 0
	}
	return c
}
