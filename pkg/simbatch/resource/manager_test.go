package resource

import (
	"bytes"
	"context"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/simbatch/pkg/simbatch/logging"
	"github.com/jamesainslie/simbatch/pkg/simbatch/sysmem"
)

func staticProbe(avail int64) sysmem.Probe {
	return sysmem.StaticProbe{TotalBytes: max(avail, 16<<30), AvailableBytes: avail}
}

var failingProbe = sysmem.ProbeFunc(func() (sysmem.Snapshot, error) {
	return sysmem.Snapshot{}, sysmem.ErrUnavailable
})

// captureLogs routes all logging into a buffer for the duration of the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, logging.Init(logging.Config{Level: "debug", Output: &buf}))
	t.Cleanup(func() { _ = logging.Close() })
	return &buf
}

func scenarioConfig() ResourceConfig {
	cfg := DefaultConfig()
	cfg.Eta = 0.75
	cfg.Gamma = 3
	cfg.OverheadBytes = 50_000_000
	cfg.BaseBytes = 100_000_000
	return cfg
}

func newTestManager(t *testing.T, cfg ResourceConfig, avail int64, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(cfg, append([]Option{WithProbe(staticProbe(avail))}, opts...)...)
	require.NoError(t, err)
	return m
}

func TestScenarioSmallFilesPlentyOfMemory(t *testing.T) {
	m := newTestManager(t, scenarioConfig(), 8_000_000_000)
	got := m.GetOptimalWorkers([]int64{10_000_000, 20_000_000, 5_000_000})
	assert.Equal(t, 3, got)
}

func TestScenarioBudgetInfeasible(t *testing.T) {
	logs := captureLogs(t)

	m := newTestManager(t, scenarioConfig(), 100_000_000)
	got := m.GetOptimalWorkers([]int64{500_000_000})
	assert.Equal(t, 1, got)
	assert.Contains(t, logs.String(), "memory budget cannot fit")
}

func TestScenarioSafetyDisabled(t *testing.T) {
	cfg := scenarioConfig()
	cfg.SafetyEnabled = false

	calls := 0
	probe := sysmem.ProbeFunc(func() (sysmem.Snapshot, error) {
		calls++
		return sysmem.Snapshot{TotalBytes: 1, AvailableBytes: 1}, nil
	})
	m, err := NewManager(cfg, WithProbe(probe))
	require.NoError(t, err)

	assert.Equal(t, 4, m.GetOptimalWorkers([]int64{1 << 40}))
	assert.Zero(t, calls)
}

func TestSafetyDisabledCapByCPU(t *testing.T) {
	cfg := scenarioConfig()
	cfg.SafetyEnabled = false
	cfg.CapByCPU = true

	m := newTestManager(t, cfg, 0, WithCPUCount(func() int { return 2 }))
	assert.Equal(t, 2, m.GetOptimalWorkers(nil))
}

func TestEmptyFileListUsesBaseOnly(t *testing.T) {
	m := newTestManager(t, scenarioConfig(), 8_000_000_000)
	assert.Equal(t, 16, m.GetOptimalWorkers(nil))

	tiny := newTestManager(t, scenarioConfig(), 1_000)
	assert.Equal(t, 1, tiny.GetOptimalWorkers(nil))
}

func TestUpperBoundedByFileCount(t *testing.T) {
	cfg := scenarioConfig()
	cfg.MinWorkers, cfg.FallbackWorkers = 2, 4
	m := newTestManager(t, cfg, 8_000_000_000)

	assert.Equal(t, 2, m.GetOptimalWorkers([]int64{1}))
	assert.Equal(t, 5, m.GetOptimalWorkers([]int64{1, 2, 3, 4, 5}))
}

func TestCapByCPU(t *testing.T) {
	cfg := scenarioConfig()
	cfg.CapByCPU = true
	m := newTestManager(t, cfg, 8_000_000_000, WithCPUCount(func() int { return 3 }))

	sizes := make([]int64, 20)
	assert.Equal(t, 3, m.GetOptimalWorkers(sizes))
}

func TestSearchPicksLargestFittingCount(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Eta = 1
	// Each file costs 3*100+50 = 350 MB; base 100 MB. Budget 1.2 GB fits 3.
	m := newTestManager(t, cfg, 1_200_000_000)
	sizes := []int64{100_000_000, 100_000_000, 100_000_000, 100_000_000, 100_000_000}
	assert.Equal(t, 3, m.GetOptimalWorkers(sizes))
}

func TestProbeFailureUsesFallback(t *testing.T) {
	logs := captureLogs(t)
	sizes := []int64{400_000_000, 400_000_000, 400_000_000, 400_000_000}

	m, err := NewManager(scenarioConfig(), WithProbe(failingProbe))
	require.NoError(t, err)
	want := newTestManager(t, scenarioConfig(), sysmem.FallbackAvailableBytes).GetOptimalWorkers(sizes)

	assert.Equal(t, want, m.GetOptimalWorkers(sizes))
	assert.Contains(t, logs.String(), "memory probe failed")

	st := m.GetMemoryStatus(sizes...)
	assert.False(t, st.ProbeAvailable)
	assert.Equal(t, sysmem.FallbackAvailableBytes, st.AvailableBytes)
	assert.Equal(t, sysmem.FallbackTotalBytes, st.TotalBytes)
}

func TestCustomFallbackProbe(t *testing.T) {
	m, err := NewManager(scenarioConfig(),
		WithProbe(failingProbe),
		WithFallbackProbe(staticProbe(100_000_000)),
	)
	require.NoError(t, err)
	assert.Equal(t, 1, m.GetOptimalWorkers([]int64{500_000_000}))
}

func TestInconsistentSnapshotTreatedAsFailure(t *testing.T) {
	bad := sysmem.StaticProbe{TotalBytes: 10, AvailableBytes: 20}
	m, err := NewManager(scenarioConfig(), WithProbe(bad))
	require.NoError(t, err)
	assert.False(t, m.GetMemoryStatus().ProbeAvailable)
}

func TestResultWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		cfg := DefaultConfig()
		cfg.MinWorkers = 1 + rng.Intn(4)
		cfg.FallbackWorkers = cfg.MinWorkers + rng.Intn(4)
		cfg.MaxWorkers = cfg.FallbackWorkers + rng.Intn(20)
		cfg.Eta = 0.05 + rng.Float64()*0.95
		cfg.Gamma = 1 + rng.Float64()*5
		cfg.CapByCPU = rng.Intn(2) == 0

		sizes := make([]int64, rng.Intn(30))
		for j := range sizes {
			sizes[j] = rng.Int63n(2 << 30)
		}
		avail := rng.Int63n(64 << 30)

		m := newTestManager(t, cfg, avail, WithCPUCount(func() int { return 1 + rng.Intn(16) }))
		got := m.GetOptimalWorkers(sizes)
		require.GreaterOrEqual(t, got, cfg.MinWorkers)
		require.LessOrEqual(t, got, cfg.MaxWorkers)
	}
}

func TestMonotonicInEta(t *testing.T) {
	sizes := []int64{300_000_000, 120_000_000, 80_000_000, 60_000_000, 10_000_000, 5_000_000}
	prev := 0
	for eta := 0.05; eta <= 1.0; eta += 0.05 {
		cfg := scenarioConfig()
		cfg.Eta = eta
		got := newTestManager(t, cfg, 2_000_000_000).GetOptimalWorkers(sizes)
		assert.GreaterOrEqual(t, got, prev, "eta=%.2f", eta)
		prev = got
	}
}

func TestMonotonicInGamma(t *testing.T) {
	sizes := []int64{300_000_000, 120_000_000, 80_000_000, 60_000_000, 10_000_000, 5_000_000}
	prev := 1 << 30
	for gamma := 1.0; gamma <= 10; gamma += 0.5 {
		cfg := scenarioConfig()
		cfg.Gamma = gamma
		got := newTestManager(t, cfg, 2_000_000_000).GetOptimalWorkers(sizes)
		assert.LessOrEqual(t, got, prev, "gamma=%.1f", gamma)
		prev = got
	}
}

func TestGetOptimalWorkersDoesNotMutateInput(t *testing.T) {
	m := newTestManager(t, scenarioConfig(), 8_000_000_000)
	sizes := []int64{3, 1, 2}
	m.GetOptimalWorkers(sizes)
	assert.Equal(t, []int64{3, 1, 2}, sizes)
}

func TestGetMemoryStatus(t *testing.T) {
	m := newTestManager(t, scenarioConfig(), 8_000_000_000, WithCPUCount(func() int { return 6 }))
	st := m.GetMemoryStatus(10_000_000, 20_000_000, 5_000_000)

	assert.Equal(t, int64(8_000_000_000), st.AvailableBytes)
	assert.Equal(t, int64(16<<30), st.TotalBytes)
	assert.Equal(t, int64(6_000_000_000), st.BudgetBytes)
	assert.Equal(t, 3, st.RecommendedWorkers)
	assert.True(t, st.Feasible)
	assert.True(t, st.ProbeAvailable)
	assert.True(t, st.SafetyEnabled)
	assert.Equal(t, 0.75, st.Eta)
	assert.Equal(t, 6, st.CPUCount)
	assert.Equal(t, 3, st.Files)
	assert.Equal(t, int64(355_000_000), st.EstimatedBytes)
}

func TestGetMemoryStatusSafetyDisabledStillReportsMemory(t *testing.T) {
	cfg := scenarioConfig()
	cfg.SafetyEnabled = false
	m := newTestManager(t, cfg, 1_000_000_000)

	st := m.GetMemoryStatus()
	assert.Equal(t, 4, st.RecommendedWorkers)
	assert.Equal(t, int64(1_000_000_000), st.AvailableBytes)
	assert.False(t, st.SafetyEnabled)
}

func TestLogStatus(t *testing.T) {
	logs := captureLogs(t)

	m := newTestManager(t, scenarioConfig(), 8_000_000_000)
	m.LogStatus()
	assert.Contains(t, logs.String(), "memory status")

	broken, err := NewManager(scenarioConfig(), WithProbe(failingProbe))
	require.NoError(t, err)
	assert.NotPanics(t, broken.LogStatus)
}

func TestNewSemaphore(t *testing.T) {
	m := newTestManager(t, scenarioConfig(), 8_000_000_000)
	sizes := []int64{10_000_000, 20_000_000, 5_000_000}

	sem, err := m.NewSemaphore(sizes)
	require.NoError(t, err)
	st := sem.State()
	assert.Equal(t, 3, st.InitialCapacity)
	assert.Equal(t, 3, st.Capacity)

	p, err := sem.AcquireWait(context.Background(), 0)
	require.NoError(t, err)
	p.Release()
	assert.Equal(t, 0, sem.State().Outstanding)
}

func TestNewSemaphoreSafetyDisabledIsFixed(t *testing.T) {
	cfg := scenarioConfig()
	cfg.SafetyEnabled = false
	m := newTestManager(t, cfg, 1)

	sem, err := m.NewSemaphore(nil)
	require.NoError(t, err)
	sem.Reevaluate()
	assert.Equal(t, 4, sem.State().Capacity)
}

func TestMeanSize(t *testing.T) {
	assert.Equal(t, int64(0), meanSize(nil))
	assert.Equal(t, int64(2), meanSize([]int64{1, 2, 3}))
	assert.Equal(t, int64(5), meanSize([]int64{-10, 10}))
}

func TestPackageGetOptimalWorkers(t *testing.T) {
	assert.Equal(t, DefaultFallbackWorkers, GetOptimalWorkers([]int64{1 << 40}, false))

	got := GetOptimalWorkers([]int64{1 << 20, 2 << 20}, true)
	assert.GreaterOrEqual(t, got, DefaultMinWorkers)
	assert.LessOrEqual(t, got, 2)
}

func TestLogsMentionWorkers(t *testing.T) {
	logs := captureLogs(t)
	newTestManager(t, scenarioConfig(), 8_000_000_000).GetOptimalWorkers([]int64{1})
	assert.True(t, strings.Contains(logs.String(), "worker count selected"))
}
