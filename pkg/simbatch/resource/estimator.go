package resource

import (
	"math"
	"slices"
)

// MemoryEstimator predicts peak memory for a batch. The model is linear:
// each in-flight file costs gamma*size + overhead, and the host costs base
// once.
type MemoryEstimator struct {
	Gamma         float64
	OverheadBytes int64
	BaseBytes     int64
}

// NewEstimator returns the estimator described by cfg.
func NewEstimator(cfg ResourceConfig) MemoryEstimator {
	return MemoryEstimator{
		Gamma:         cfg.Gamma,
		OverheadBytes: cfg.OverheadBytes,
		BaseBytes:     cfg.BaseBytes,
	}
}

// EstimateFile returns the in-memory footprint of a single file.
func (e MemoryEstimator) EstimateFile(size int64) int64 {
	return addSat(saturate(e.Gamma*float64(max(size, 0))), e.OverheadBytes)
}

// EstimateBatch returns the predicted peak for w concurrent workers, assuming
// they hold the w largest files at once. w <= 0 is treated as 1; w beyond
// len(sizes) uses every file. sizes is not modified.
func (e MemoryEstimator) EstimateBatch(sizes []int64, w int) int64 {
	total := e.BaseBytes
	if len(sizes) == 0 {
		return total
	}
	w = min(max(w, 1), len(sizes))

	sorted := slices.Clone(sizes)
	slices.SortFunc(sorted, func(a, b int64) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		}
		return 0
	})

	for _, s := range sorted[:w] {
		total = addSat(total, e.EstimateFile(s))
	}
	return total
}

func saturate(f float64) int64 {
	if f >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(f)
}

// addSat adds two non-negative values, clamping at MaxInt64.
func addSat(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
