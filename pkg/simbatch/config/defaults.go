// Package config provides configuration management for simbatch.
package config

import "time"

// Default configuration values for simbatch.
const (
	// DefaultOverhead is the per-worker fixed memory cost.
	DefaultOverhead = "50MiB"

	// DefaultBase is the host process baseline, counted once.
	DefaultBase = "100MiB"

	// DefaultPath is the directory scanned when none is given.
	DefaultPath = "."

	// DefaultMinSize is the smallest file included in a batch.
	DefaultMinSize = "0"

	// DefaultRetentionDays is how long run history is kept.
	DefaultRetentionDays = 30

	// DefaultMinCapacity is the floor the semaphore never shrinks below.
	DefaultMinCapacity = 1

	// DefaultReevaluateInterval limits how often the semaphore probes memory.
	DefaultReevaluateInterval = 250 * time.Millisecond

	// DefaultPollInterval is how often a blocked acquire rechecks memory.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultSettle is how long a watched file must be quiet.
	DefaultSettle = 2 * time.Second

	// DefaultBatchInterval is how often the watcher flushes settled files.
	DefaultBatchInterval = 10 * time.Second
)

// DefaultExclusions contains paths excluded from scanning by default.
var DefaultExclusions = []string{
	"/proc",
	"/sys",
	"/dev",
	".git",
}
