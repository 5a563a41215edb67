// Package resource decides how many workers a batch may run without
// exhausting memory.
//
// A Manager combines a MemoryEstimator with a sysmem.Probe. Given the sizes
// of the pending files it searches downward from the worker ceiling for the
// largest count whose predicted peak fits within eta times the available
// memory. Managers hold no mutable state and are safe for concurrent use.
package resource

import (
	"fmt"
	"math"
	"runtime"

	"github.com/jamesainslie/simbatch/pkg/simbatch/logging"
	"github.com/jamesainslie/simbatch/pkg/simbatch/semaphore"
	"github.com/jamesainslie/simbatch/pkg/simbatch/sysmem"
	"github.com/jamesainslie/simbatch/pkg/simbatch/types"
)

var logger = logging.Get("resource")

// Manager computes worker counts and builds semaphores for a batch.
type Manager struct {
	cfg       ResourceConfig
	estimator MemoryEstimator
	probe     sysmem.Probe
	fallback  sysmem.Probe
	numCPU    func() int
}

// Option configures a Manager.
type Option func(*Manager)

// WithProbe replaces the OS memory probe.
func WithProbe(p sysmem.Probe) Option {
	return func(m *Manager) { m.probe = p }
}

// WithFallbackProbe replaces the probe used when the primary probe fails.
func WithFallbackProbe(p sysmem.Probe) Option {
	return func(m *Manager) { m.fallback = p }
}

// WithCPUCount overrides CPU detection.
func WithCPUCount(fn func() int) Option {
	return func(m *Manager) { m.numCPU = fn }
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg ResourceConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		estimator: NewEstimator(cfg),
		probe:     sysmem.OS(),
		fallback:  sysmem.Fallback(),
		numCPU:    runtime.NumCPU,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the manager's configuration.
func (m *Manager) Config() ResourceConfig {
	return m.cfg
}

// Estimator returns the manager's estimator.
func (m *Manager) Estimator() MemoryEstimator {
	return m.estimator
}

// GetOptimalWorkers returns the number of workers to launch for files of the
// given sizes. The result is always within [MinWorkers, MaxWorkers].
func (m *Manager) GetOptimalWorkers(fileSizes []int64) int {
	workers, _ := m.decide(fileSizes)
	return workers
}

type decision struct {
	snapshot  sysmem.Snapshot
	probed    bool
	budget    int64
	feasible  bool
	upper     int
	estimated int64
}

func (m *Manager) decide(fileSizes []int64) (int, decision) {
	if !m.cfg.SafetyEnabled {
		w := m.cfg.FallbackWorkers
		if m.cfg.CapByCPU {
			w = max(min(w, m.numCPU()), m.cfg.MinWorkers)
		}
		return w, decision{feasible: true}
	}

	snap, probed := m.snapshot()
	d := decision{
		snapshot: snap,
		probed:   probed,
		budget:   budget(m.cfg.Eta, snap.AvailableBytes),
		upper:    m.upperBound(len(fileSizes)),
	}

	for w := d.upper; w >= m.cfg.MinWorkers; w-- {
		est := m.estimator.EstimateBatch(fileSizes, w)
		if est <= d.budget {
			d.feasible = true
			d.estimated = est
			logger.Debug("worker count selected",
				"workers", w,
				"estimated", types.FormatSize(est),
				"budget", types.FormatSize(d.budget),
				"files", len(fileSizes),
			)
			return w, d
		}
	}

	d.estimated = m.estimator.EstimateBatch(fileSizes, m.cfg.MinWorkers)
	logger.Warn("memory budget cannot fit the minimum worker count",
		"workers", m.cfg.MinWorkers,
		"estimated", types.FormatSize(d.estimated),
		"budget", types.FormatSize(d.budget),
		"available", types.FormatSize(snap.AvailableBytes),
	)
	return m.cfg.MinWorkers, d
}

// upperBound is MaxWorkers, limited by the number of files (no phantom
// workers) and optionally the CPU count, but never below MinWorkers.
func (m *Manager) upperBound(files int) int {
	upper := m.cfg.MaxWorkers
	if files > 0 {
		upper = min(upper, files)
	}
	if m.cfg.CapByCPU {
		upper = min(upper, m.numCPU())
	}
	return max(upper, m.cfg.MinWorkers)
}

// snapshot probes memory, falling back to the static reading on error.
// The bool reports whether the primary probe succeeded.
func (m *Manager) snapshot() (sysmem.Snapshot, bool) {
	snap, err := m.probe.Snapshot()
	if err == nil {
		if err = snap.Validate(); err == nil {
			return snap, true
		}
	}

	logger.Warn("memory probe failed, using fallback", "error", err)
	snap, ferr := m.fallback.Snapshot()
	if ferr != nil {
		logger.Warn("fallback probe failed", "error", ferr)
		snap, _ = sysmem.Fallback().Snapshot()
	}
	return snap, false
}

// NewSemaphore returns a DynamicSemaphore sized at the optimal worker count
// for the batch. See NewSemaphoreWithCapacity.
func (m *Manager) NewSemaphore(fileSizes []int64, opts ...semaphore.Option) (*semaphore.DynamicSemaphore, error) {
	return m.NewSemaphoreWithCapacity(m.GetOptimalWorkers(fileSizes), fileSizes, opts...)
}

// NewSemaphoreWithCapacity returns a DynamicSemaphore starting at capacity.
// The mean file size, run through the estimator, is used as the memory held
// per permit. With safety disabled the semaphore never adapts.
func (m *Manager) NewSemaphoreWithCapacity(capacity int, fileSizes []int64, opts ...semaphore.Option) (*semaphore.DynamicSemaphore, error) {
	var probe sysmem.Probe
	base := []semaphore.Option{semaphore.WithMinCapacity(m.cfg.MinWorkers)}
	if m.cfg.SafetyEnabled {
		probe = strictProbe{primary: m.probe}
		base = append(base, semaphore.WithPerPermitBytes(m.estimator.EstimateFile(meanSize(fileSizes))))
	}

	sem, err := semaphore.NewDynamicSemaphore(capacity, probe, m.cfg.Eta, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating semaphore: %w", err)
	}
	return sem, nil
}

// strictProbe reports primary probe failures as errors so the
// semaphore keeps its capacity instead of adapting to fallback figures.
type strictProbe struct {
	primary sysmem.Probe
}

func (p strictProbe) Snapshot() (sysmem.Snapshot, error) {
	snap, err := p.primary.Snapshot()
	if err != nil {
		return sysmem.Snapshot{}, err
	}
	return snap, snap.Validate()
}

func budget(eta float64, available int64) int64 {
	b := eta * float64(max(available, 0))
	if b >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(b)
}

func meanSize(sizes []int64) int64 {
	if len(sizes) == 0 {
		return 0
	}
	var sum float64
	for _, s := range sizes {
		sum += float64(max(s, 0))
	}
	return int64(sum / float64(len(sizes)))
}
