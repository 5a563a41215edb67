package resource

import (
	"github.com/jamesainslie/simbatch/pkg/simbatch/types"
)

// MemoryStatus summarises the memory situation and the decision it leads to.
type MemoryStatus struct {
	TotalBytes         int64   `json:"total_bytes" yaml:"total_bytes"`
	AvailableBytes     int64   `json:"available_bytes" yaml:"available_bytes"`
	BudgetBytes        int64   `json:"budget_bytes" yaml:"budget_bytes"`
	EstimatedBytes     int64   `json:"estimated_bytes" yaml:"estimated_bytes"`
	RecommendedWorkers int     `json:"recommended_workers" yaml:"recommended_workers"`
	Feasible           bool    `json:"feasible" yaml:"feasible"`
	Eta                float64 `json:"eta" yaml:"eta"`
	SafetyEnabled      bool    `json:"safety_enabled" yaml:"safety_enabled"`
	ProbeAvailable     bool    `json:"probe_available" yaml:"probe_available"`
	CPUCount           int     `json:"cpu_count" yaml:"cpu_count"`
	Files              int     `json:"files" yaml:"files"`
}

// GetMemoryStatus reports current memory and the worker count the manager
// would choose for fileSizes. It has no side effects beyond logging.
func (m *Manager) GetMemoryStatus(fileSizes ...int64) MemoryStatus {
	workers, d := m.decide(fileSizes)

	st := MemoryStatus{
		TotalBytes:         d.snapshot.TotalBytes,
		AvailableBytes:     d.snapshot.AvailableBytes,
		BudgetBytes:        d.budget,
		EstimatedBytes:     d.estimated,
		RecommendedWorkers: workers,
		Feasible:           d.feasible,
		Eta:                m.cfg.Eta,
		SafetyEnabled:      m.cfg.SafetyEnabled,
		ProbeAvailable:     d.probed,
		CPUCount:           m.numCPU(),
		Files:              len(fileSizes),
	}

	// Safety off skips probing in decide; still report memory when we can.
	if !m.cfg.SafetyEnabled {
		snap, probed := m.snapshot()
		st.TotalBytes = snap.TotalBytes
		st.AvailableBytes = snap.AvailableBytes
		st.BudgetBytes = budget(m.cfg.Eta, snap.AvailableBytes)
		st.ProbeAvailable = probed
	}

	return st
}

// LogStatus writes the current memory status to the resource logger.
func (m *Manager) LogStatus() {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("logging memory status failed", "panic", r)
		}
	}()

	st := m.GetMemoryStatus()
	logger.Info("memory status",
		"total", types.FormatSize(st.TotalBytes),
		"available", types.FormatSize(st.AvailableBytes),
		"budget", types.FormatSize(st.BudgetBytes),
		"eta", st.Eta,
		"workers", st.RecommendedWorkers,
		"safety", st.SafetyEnabled,
		"probe", st.ProbeAvailable,
		"cpus", st.CPUCount,
	)
}
