package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/simbatch/pkg/simbatch/resource"
	"github.com/jamesainslie/simbatch/pkg/simbatch/semaphore"
)

func TestMetricsExist(t *testing.T) {
	tests := []struct {
		name   string
		metric interface{}
	}{
		{"SemaphoreCapacity", SemaphoreCapacity},
		{"SemaphoreOutstanding", SemaphoreOutstanding},
		{"SemaphoreWaiting", SemaphoreWaiting},
		{"RecommendedWorkers", RecommendedWorkers},
		{"AvailableMemoryBytes", AvailableMemoryBytes},
		{"BudgetBytes", BudgetBytes},
		{"ProbeFailuresTotal", ProbeFailuresTotal},
		{"JobsTotal", JobsTotal},
		{"JobDuration", JobDuration},
		{"RunsTotal", RunsTotal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.metric == nil {
				t.Errorf("%s metric is nil", tt.name)
			}
		})
	}
}

func TestObserveSemaphore(t *testing.T) {
	ObserveSemaphore(semaphore.State{Capacity: 5, Outstanding: 3, Waiting: 2, InitialCapacity: 8})

	assert.Equal(t, 5.0, testutil.ToFloat64(SemaphoreCapacity))
	assert.Equal(t, 3.0, testutil.ToFloat64(SemaphoreOutstanding))
	assert.Equal(t, 2.0, testutil.ToFloat64(SemaphoreWaiting))
}

func TestObserveDecision(t *testing.T) {
	before := testutil.ToFloat64(ProbeFailuresTotal)

	ObserveDecision(resource.MemoryStatus{
		RecommendedWorkers: 7,
		AvailableBytes:     1000,
		BudgetBytes:        750,
		ProbeAvailable:     true,
	})
	assert.Equal(t, 7.0, testutil.ToFloat64(RecommendedWorkers))
	assert.Equal(t, 1000.0, testutil.ToFloat64(AvailableMemoryBytes))
	assert.Equal(t, 750.0, testutil.ToFloat64(BudgetBytes))
	assert.Equal(t, before, testutil.ToFloat64(ProbeFailuresTotal))

	ObserveDecision(resource.MemoryStatus{RecommendedWorkers: 1})
	assert.Equal(t, before+1, testutil.ToFloat64(ProbeFailuresTotal))
}

func TestObserveJob(t *testing.T) {
	ok := JobsTotal.WithLabelValues(StatusSucceeded)
	failed := JobsTotal.WithLabelValues(StatusFailed)
	okBefore := testutil.ToFloat64(ok)
	failedBefore := testutil.ToFloat64(failed)

	ObserveJob(StatusSucceeded, 20*time.Millisecond)
	ObserveJob(StatusFailed, time.Second)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(ok))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(failed))
}

func TestServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := Serve(ctx, "127.0.0.1:0")
	require.NoError(t, err)

	RunsTotal.Inc()

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "simbatch_runs_total")
}

func TestServeBadAddress(t *testing.T) {
	_, err := Serve(context.Background(), "not-an-address")
	assert.Error(t, err)
}
