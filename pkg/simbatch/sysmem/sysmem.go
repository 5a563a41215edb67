// Package sysmem reports system memory. It is the only place simbatch talks
// to the operating system about memory.
package sysmem

import (
	"errors"
	"fmt"
)

// ErrUnavailable is returned when the platform cannot report memory.
var ErrUnavailable = errors.New("system memory unavailable")

// Snapshot is a point-in-time reading of system memory.
type Snapshot struct {
	TotalBytes     int64 `json:"total_bytes" yaml:"total_bytes"`
	AvailableBytes int64 `json:"available_bytes" yaml:"available_bytes"`
}

// Validate reports whether the snapshot is internally consistent.
func (s Snapshot) Validate() error {
	if s.TotalBytes < 0 || s.AvailableBytes < 0 {
		return fmt.Errorf("%w: negative reading (total=%d available=%d)", ErrUnavailable, s.TotalBytes, s.AvailableBytes)
	}
	if s.AvailableBytes > s.TotalBytes {
		return fmt.Errorf("%w: available %d exceeds total %d", ErrUnavailable, s.AvailableBytes, s.TotalBytes)
	}
	return nil
}

// Probe reads system memory. Implementations must be safe for concurrent use.
type Probe interface {
	Snapshot() (Snapshot, error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func() (Snapshot, error)

// Snapshot calls f.
func (f ProbeFunc) Snapshot() (Snapshot, error) {
	return f()
}

// StaticProbe always returns the same snapshot.
type StaticProbe Snapshot

// Snapshot returns the fixed reading.
func (p StaticProbe) Snapshot() (Snapshot, error) {
	return Snapshot(p), nil
}

// Conservative figures used when the OS cannot be asked.
const (
	FallbackTotalBytes     int64 = 4 << 30
	FallbackAvailableBytes int64 = 2 << 30
)

// Fallback returns the static probe used when the OS probe fails.
func Fallback() StaticProbe {
	return StaticProbe{TotalBytes: FallbackTotalBytes, AvailableBytes: FallbackAvailableBytes}
}

// OS returns the probe for the running platform.
func OS() Probe {
	return osProbe{}
}

type osProbe struct{}

func (osProbe) Snapshot() (Snapshot, error) {
	snap, err := readSystem()
	if err != nil {
		return Snapshot{}, err
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
