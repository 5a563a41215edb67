package output

import (
	"bytes"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/jamesainslie/simbatch/pkg/simbatch/types"
)

// PlainFormatter formats output as tab-aligned text without styling,
// suitable for scripting and piping.
type PlainFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *PlainFormatter) Format(w *bytes.Buffer, r *Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)

	if m := r.Memory; m != nil {
		rows := [][2]string{
			{"total", fmt.Sprintf("%d", m.TotalBytes)},
			{"available", fmt.Sprintf("%d", m.AvailableBytes)},
			{"budget", fmt.Sprintf("%d", m.BudgetBytes)},
			{"eta", fmt.Sprintf("%g", m.Eta)},
			{"workers", fmt.Sprintf("%d", m.RecommendedWorkers)},
			{"feasible", fmt.Sprintf("%t", m.Feasible)},
			{"safety", fmt.Sprintf("%t", m.SafetyEnabled)},
			{"probe", fmt.Sprintf("%t", m.ProbeAvailable)},
			{"cpus", fmt.Sprintf("%d", m.CPUCount)},
		}
		if m.Files > 0 {
			rows = append(rows,
				[2]string{"files", fmt.Sprintf("%d", m.Files)},
				[2]string{"estimated", fmt.Sprintf("%d", m.EstimatedBytes)})
		}
		for _, row := range rows {
			if err := writeRow(tw, row[0], row[1]); err != nil {
				return err
			}
		}
	}

	if r.Files != nil {
		if err := writeRow(tw, "SIZE", "PATH"); err != nil {
			return err
		}
		for _, file := range r.Files {
			if err := writeRow(tw, file.SizeHuman, file.Path); err != nil {
				return err
			}
		}
	}

	if rep := r.Run; rep != nil {
		if err := writeRow(tw, "run", rep.RunID, "jobs", fmt.Sprint(rep.Jobs),
			"succeeded", fmt.Sprint(rep.Succeeded), "failed", fmt.Sprint(rep.Failed),
			"skipped", fmt.Sprint(rep.Skipped), "workers", fmt.Sprint(rep.Workers)); err != nil {
			return err
		}
		for _, res := range r.Failures() {
			if err := writeRow(tw, "FAILED", res.Job.Path, firstLine(res.Error)); err != nil {
				return err
			}
		}
	}

	if r.Runs != nil {
		if err := writeRow(tw, "ID", "STARTED", "JOBS", "OK", "FAIL", "WORKERS", "BYTES", "ELAPSED"); err != nil {
			return err
		}
		for _, rec := range r.Runs {
			if err := writeRow(tw, rec.ID,
				rec.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
				fmt.Sprint(rec.Jobs), fmt.Sprint(rec.Succeeded), fmt.Sprint(rec.Failed),
				fmt.Sprint(rec.Workers), types.FormatSize(rec.TotalBytes),
				rec.Duration().String()); err != nil {
				return err
			}
		}
	}

	for _, warning := range r.Warnings {
		if err := writeRow(tw, "warning", warning); err != nil {
			return err
		}
	}

	return tw.Flush()
}

func writeRow(w io.Writer, cols ...string) error {
	for i, col := range cols {
		sep := "\t"
		if i == len(cols)-1 {
			sep = "\n"
		}
		if _, err := io.WriteString(w, col+sep); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	Register("plain", func() Formatter {
		return &PlainFormatter{}
	})
}

// Ensure PlainFormatter implements Formatter.
var _ Formatter = (*PlainFormatter)(nil)
