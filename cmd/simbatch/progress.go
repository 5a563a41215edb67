package main

import (
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/jamesainslie/simbatch/pkg/simbatch/runner"
)

// jobProgress draws a progress bar for a running batch. A nil *jobProgress
// is valid and draws nothing.
type jobProgress struct {
	bar    *progressbar.ProgressBar
	failed int
}

func newJobProgress(w io.Writer, total int, enabled bool) *jobProgress {
	if !enabled || total == 0 {
		return nil
	}
	return &jobProgress{
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription("processing"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetRenderBlankState(true),
		),
	}
}

// Update is a runner.ProgressFunc.
func (p *jobProgress) Update(done, total int, res runner.Result) {
	if p == nil {
		return
	}
	if res.Status == runner.StatusFailed {
		p.failed++
		p.bar.Describe(fmt.Sprintf("processing (%d failed)", p.failed))
	}
	_ = p.bar.Set(done)
}

// Finish completes and clears the bar.
func (p *jobProgress) Finish() {
	if p == nil {
		return
	}
	_ = p.bar.Finish()
}
