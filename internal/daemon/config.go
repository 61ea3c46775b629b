package daemon

import "time"

// Config carries the domain knobs a Server needs to run: the external
// interface's configuration constants plus the scheduler cadence.
type Config struct {
	// MaxSegmentSize is the per-segment size threshold that triggers a
	// writer-side rollover. Required, must be nonzero (external
	// interface: "max_segment_size_bytes must be nonzero").
	MaxSegmentSize int64

	// OptimalMapSize is the size the stub inflates small read requests
	// up to. The daemon stores it but its read path does not use it: a
	// read is clamped only to the end of its segment.
	OptimalMapSize int64

	// DefaultClientTimeout is the watchdog deadline for a non-writer,
	// non-blocked client with no recent message.
	DefaultClientTimeout time.Duration

	// SchedulerInterval is how often the event loop's timeout fires the
	// flush/cap/evict/watchdog pass.
	SchedulerInterval time.Duration

	// HardCapRatio is the multiplier over SizeCap at which the scheduler
	// forcibly detaches readers rather than waiting for them to finish.
	HardCapRatio float64
}

// DefaultOptimalMapSize is OPTIMAL_MAP_SIZE from the external interfaces
// section: 1 MiB.
const DefaultOptimalMapSize = 1 << 20

// DefaultClientTimeout is DEFAULT_CLIENT_TIMEOUT: one hour.
const DefaultClientTimeout = time.Hour

// DefaultSchedulerInterval is the "every few seconds when any client is
// active" cadence from the scheduler design.
const DefaultSchedulerInterval = 5 * time.Second

// DefaultHardCapRatio is the 1.2x hard-cap override ratio.
const DefaultHardCapRatio = 1.2

// WithDefaults fills any zero-valued field in cfg with its documented
// default and returns the result.
func (cfg Config) WithDefaults() Config {
	if cfg.OptimalMapSize == 0 {
		cfg.OptimalMapSize = DefaultOptimalMapSize
	}
	if cfg.DefaultClientTimeout == 0 {
		cfg.DefaultClientTimeout = DefaultClientTimeout
	}
	if cfg.SchedulerInterval == 0 {
		cfg.SchedulerInterval = DefaultSchedulerInterval
	}
	if cfg.HardCapRatio == 0 {
		cfg.HardCapRatio = DefaultHardCapRatio
	}
	return cfg
}
