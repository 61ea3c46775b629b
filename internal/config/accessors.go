package config

import "time"

// MaxSegmentSizeOrDefault returns the configured segment cap, falling
// back to DefaultConfig's value if somehow unset (e.g. a hand-built
// Config in a test).
func (c *Config) MaxSegmentSizeOrDefault() int64 {
	if c.Storage.MaxSegmentSize <= 0 {
		return DefaultConfig().Storage.MaxSegmentSize
	}
	return c.Storage.MaxSegmentSize
}

// SchedulerIntervalOrDefault returns the configured tick interval,
// falling back to DefaultConfig's value if unset.
func (c *Config) SchedulerIntervalOrDefault() time.Duration {
	if c.Scheduler.Interval <= 0 {
		return DefaultConfig().Scheduler.Interval
	}
	return c.Scheduler.Interval
}

// ClientTimeoutOrDefault returns the configured watchdog timeout,
// falling back to DefaultConfig's value if unset.
func (c *Config) ClientTimeoutOrDefault() time.Duration {
	if c.Scheduler.DefaultClientTimeout <= 0 {
		return DefaultConfig().Scheduler.DefaultClientTimeout
	}
	return c.Scheduler.DefaultClientTimeout
}
