package resource

// GetOptimalWorkers is a convenience wrapper that builds a manager from
// DefaultConfig with the OS memory probe and asks it for a worker count.
// No state is kept between calls.
func GetOptimalWorkers(fileSizes []int64, safetyEnabled bool) int {
	cfg := DefaultConfig()
	cfg.SafetyEnabled = safetyEnabled

	m, err := NewManager(cfg)
	if err != nil {
		// DefaultConfig always validates.
		return cfg.FallbackWorkers
	}
	return m.GetOptimalWorkers(fileSizes)
}
