// Package runner executes a batch of jobs under the resource manager's
// worker count and adaptive semaphore.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jamesainslie/simbatch/pkg/simbatch/logging"
	"github.com/jamesainslie/simbatch/pkg/simbatch/metrics"
	"github.com/jamesainslie/simbatch/pkg/simbatch/resource"
	"github.com/jamesainslie/simbatch/pkg/simbatch/semaphore"
	"github.com/jamesainslie/simbatch/pkg/simbatch/types"
)

var logger = logging.Get("runner")

// Job is one unit of work. Only Size matters to scheduling.
type Job struct {
	ID   string `json:"id" yaml:"id"`
	Path string `json:"path" yaml:"path"`
	Size int64  `json:"size" yaml:"size"`
}

// Func processes a single job.
type Func func(ctx context.Context, job Job) error

// Job outcomes.
const (
	StatusSucceeded = metrics.StatusSucceeded
	StatusFailed    = metrics.StatusFailed
	StatusSkipped   = metrics.StatusSkipped
)

// Result is the outcome of one job.
type Result struct {
	Job      Job           `json:"job" yaml:"job"`
	Status   string        `json:"status" yaml:"status"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`

	Err error `json:"-" yaml:"-"`
}

// Report summarises a finished batch.
type Report struct {
	RunID       string        `json:"run_id" yaml:"run_id"`
	Workers     int           `json:"workers" yaml:"workers"`
	Jobs        int           `json:"jobs" yaml:"jobs"`
	Succeeded   int           `json:"succeeded" yaml:"succeeded"`
	Failed      int           `json:"failed" yaml:"failed"`
	Skipped     int           `json:"skipped" yaml:"skipped"`
	MinCapacity int           `json:"min_capacity" yaml:"min_capacity"`
	TotalBytes  int64         `json:"total_bytes" yaml:"total_bytes"`
	StartedAt   time.Time     `json:"started_at" yaml:"started_at"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
	Results     []Result      `json:"results,omitempty" yaml:"results,omitempty"`

	// Memory is the decision the batch was sized by. Zero for an empty batch.
	Memory resource.MemoryStatus `json:"memory" yaml:"memory"`
}

// ProgressFunc is called after each job finishes. Calls are serialised.
type ProgressFunc func(done, total int, res Result)

// Runner runs batches. A Runner may be reused; each Run is independent.
type Runner struct {
	manager  *resource.Manager
	workers  int
	failFast bool
	timeout  time.Duration
	progress ProgressFunc
	semOpts  []semaphore.Option
}

// Option configures a Runner.
type Option func(*Runner)

// WithWorkers fixes the worker count instead of asking the manager.
// Zero or negative keeps the manager's choice.
func WithWorkers(n int) Option {
	return func(r *Runner) { r.workers = n }
}

// WithFailFast stops the batch at the first failed job.
func WithFailFast(on bool) Option {
	return func(r *Runner) { r.failFast = on }
}

// WithAcquireTimeout bounds how long a job waits for a permit. A job that
// times out fails with semaphore.ErrTimeout. Zero waits indefinitely.
func WithAcquireTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(r *Runner) { r.progress = fn }
}

// WithSemaphoreOptions passes extra options to the batch semaphore.
func WithSemaphoreOptions(opts ...semaphore.Option) Option {
	return func(r *Runner) { r.semOpts = append(r.semOpts, opts...) }
}

// New creates a Runner backed by m.
func New(m *resource.Manager, opts ...Option) *Runner {
	r := &Runner{manager: m}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes jobs with fn. Job failures are recorded in the report and do
// not fail the run unless fail-fast is on, in which case the first job error
// is returned. A canceled ctx skips the jobs not yet started and returns
// ctx.Err().
func (r *Runner) Run(ctx context.Context, jobs []Job, fn Func) (*Report, error) {
	start := time.Now()
	report := &Report{
		RunID:     uuid.New().String(),
		Jobs:      len(jobs),
		StartedAt: start,
		Results:   make([]Result, len(jobs)),
	}

	sizes := make([]int64, len(jobs))
	for i, j := range jobs {
		sizes[i] = j.Size
		report.TotalBytes += j.Size
		report.Results[i] = Result{Job: j, Status: StatusSkipped}
	}

	if len(jobs) == 0 {
		return report, ctx.Err()
	}

	status := r.manager.GetMemoryStatus(sizes...)
	report.Memory = status
	metrics.ObserveDecision(status)
	metrics.RunsTotal.Inc()

	workers := status.RecommendedWorkers
	if r.workers > 0 {
		workers = r.workers
	}
	workers = min(workers, len(jobs))
	report.Workers = workers

	opts := append([]semaphore.Option{semaphore.WithStateHook(metrics.ObserveSemaphore)}, r.semOpts...)
	sem, err := r.manager.NewSemaphoreWithCapacity(workers, sizes, opts...)
	if err != nil {
		return nil, err
	}
	defer sem.Close()

	logger.Info("starting batch",
		"run", report.RunID,
		"jobs", len(jobs),
		"workers", workers,
		"bytes", types.FormatSize(report.TotalBytes),
		"budget", types.FormatSize(status.BudgetBytes),
	)

	var (
		progressMu sync.Mutex
		done       int
	)
	finish := func(i int, res Result) {
		report.Results[i] = res
		metrics.ObserveJob(res.Status, res.Duration)
		if r.progress == nil {
			return
		}
		progressMu.Lock()
		done++
		r.progress(done, len(jobs), res)
		progressMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	queue := make(chan int)

	g.Go(func() error {
		defer close(queue)
		for i := range jobs {
			select {
			case queue <- i:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := range queue {
				permit, err := sem.AcquireWait(gctx, r.timeout)
				var res Result
				switch {
				case errors.Is(err, semaphore.ErrTimeout):
					res = timedOut(jobs[i], err, r.timeout)
				case err != nil:
					// Canceled while waiting; the job stays skipped.
					return nil
				default:
					res = runJob(gctx, permit, jobs[i], fn)
				}
				finish(i, res)
				if res.Err != nil && r.failFast {
					return fmt.Errorf("job %s: %w", jobs[i].ID, res.Err)
				}
			}
			return nil
		})
	}

	runErr := g.Wait()
	if runErr == nil {
		runErr = ctx.Err()
	}

	for _, res := range report.Results {
		switch res.Status {
		case StatusSucceeded:
			report.Succeeded++
		case StatusFailed:
			report.Failed++
		default:
			report.Skipped++
		}
	}
	report.MinCapacity = sem.State().LowestCapacity
	report.Duration = time.Since(start)

	logger.Info("batch finished",
		"run", report.RunID,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"min_capacity", report.MinCapacity,
		"duration", report.Duration.Round(time.Millisecond),
	)

	return report, runErr
}

func timedOut(job Job, err error, d time.Duration) Result {
	logger.Warn("job timed out waiting for a permit", "job", job.ID, "timeout", d)
	return Result{Job: job, Status: StatusFailed, Error: err.Error(), Duration: d, Err: err}
}

// ErrJobPanicked wraps a panic raised by a job function.
var ErrJobPanicked = errors.New("job panicked")

// runJob runs fn while holding permit. The permit is released even if fn
// panics.
func runJob(ctx context.Context, permit *semaphore.Permit, job Job, fn Func) (res Result) {
	res.Job = job
	start := time.Now()

	defer func() {
		permit.Release()
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
		res.Duration = time.Since(start)
		if res.Err != nil {
			res.Status = StatusFailed
			res.Error = res.Err.Error()
			logger.Warn("job failed", "job", job.ID, "path", job.Path, "error", res.Err)
			return
		}
		res.Status = StatusSucceeded
		logger.Debug("job done", "job", job.ID, "duration", res.Duration)
	}()

	res.Err = fn(ctx, job)
	return res
}
