package resource

import (
	"errors"
	"fmt"
	"math"

	"github.com/jamesainslie/simbatch/pkg/simbatch/types"
)

// ErrInvalidConfig is returned when a ResourceConfig violates its invariants.
var ErrInvalidConfig = errors.New("invalid resource config")

// Defaults for ResourceConfig.
const (
	DefaultEta             = 0.75
	DefaultGamma           = 3.0
	DefaultOverheadBytes   = 50 * types.MiB
	DefaultBaseBytes       = 100 * types.MiB
	DefaultMinWorkers      = 1
	DefaultMaxWorkers      = 16
	DefaultFallbackWorkers = 4
)

// ResourceConfig holds the tunables of the worker-count solver.
type ResourceConfig struct {
	// Eta is the fraction of available memory the batch may use, in (0,1].
	Eta float64 `json:"eta" yaml:"eta"`

	// Gamma multiplies a file's on-disk size to give its in-memory size.
	Gamma float64 `json:"gamma" yaml:"gamma"`

	// OverheadBytes is the fixed per-worker cost added to every file.
	OverheadBytes int64 `json:"overhead_bytes" yaml:"overhead_bytes"`

	// BaseBytes is the host process baseline, counted once per batch.
	BaseBytes int64 `json:"base_bytes" yaml:"base_bytes"`

	MinWorkers      int `json:"min_workers" yaml:"min_workers"`
	MaxWorkers      int `json:"max_workers" yaml:"max_workers"`
	FallbackWorkers int `json:"fallback_workers" yaml:"fallback_workers"`

	// SafetyEnabled turns on memory-based sizing. When false the solver
	// returns FallbackWorkers without probing.
	SafetyEnabled bool `json:"safety_enabled" yaml:"safety_enabled"`

	// CapByCPU additionally limits the worker count to the CPU count.
	CapByCPU bool `json:"cap_by_cpu" yaml:"cap_by_cpu"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() ResourceConfig {
	return ResourceConfig{
		Eta:             DefaultEta,
		Gamma:           DefaultGamma,
		OverheadBytes:   DefaultOverheadBytes,
		BaseBytes:       DefaultBaseBytes,
		MinWorkers:      DefaultMinWorkers,
		MaxWorkers:      DefaultMaxWorkers,
		FallbackWorkers: DefaultFallbackWorkers,
		SafetyEnabled:   true,
	}
}

// Validate checks the configuration invariants.
func (c ResourceConfig) Validate() error {
	switch {
	case math.IsNaN(c.Eta) || c.Eta <= 0 || c.Eta > 1:
		return fmt.Errorf("%w: eta %v must be in (0,1]", ErrInvalidConfig, c.Eta)
	case math.IsNaN(c.Gamma) || c.Gamma < 1:
		return fmt.Errorf("%w: gamma %v must be >= 1", ErrInvalidConfig, c.Gamma)
	case c.OverheadBytes < 0:
		return fmt.Errorf("%w: overhead bytes %d is negative", ErrInvalidConfig, c.OverheadBytes)
	case c.BaseBytes < 0:
		return fmt.Errorf("%w: base bytes %d is negative", ErrInvalidConfig, c.BaseBytes)
	case c.MinWorkers < 1:
		return fmt.Errorf("%w: min workers %d must be >= 1", ErrInvalidConfig, c.MinWorkers)
	case c.FallbackWorkers < c.MinWorkers:
		return fmt.Errorf("%w: fallback workers %d below min workers %d", ErrInvalidConfig, c.FallbackWorkers, c.MinWorkers)
	case c.MaxWorkers < c.FallbackWorkers:
		return fmt.Errorf("%w: max workers %d below fallback workers %d", ErrInvalidConfig, c.MaxWorkers, c.FallbackWorkers)
	}
	return nil
}
