package metrics

import (
	"time"

	"github.com/jamesainslie/simbatch/pkg/simbatch/resource"
	"github.com/jamesainslie/simbatch/pkg/simbatch/semaphore"
)

// ObserveSemaphore records a semaphore state. It has the signature of a
// semaphore state hook.
func ObserveSemaphore(st semaphore.State) {
	SemaphoreCapacity.Set(float64(st.Capacity))
	SemaphoreOutstanding.Set(float64(st.Outstanding))
	SemaphoreWaiting.Set(float64(st.Waiting))
}

// ObserveDecision records the outcome of a worker-count decision.
func ObserveDecision(st resource.MemoryStatus) {
	RecommendedWorkers.Set(float64(st.RecommendedWorkers))
	AvailableMemoryBytes.Set(float64(st.AvailableBytes))
	BudgetBytes.Set(float64(st.BudgetBytes))
	if !st.ProbeAvailable {
		ProbeFailuresTotal.Inc()
	}
}

// ObserveJob records one finished job.
func ObserveJob(status string, d time.Duration) {
	JobsTotal.WithLabelValues(status).Inc()
	if status != StatusSkipped {
		JobDuration.Observe(d.Seconds())
	}
}
