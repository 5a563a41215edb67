package output

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/jamesainslie/simbatch/pkg/simbatch/history"
	"github.com/jamesainslie/simbatch/pkg/simbatch/resource"
	"github.com/jamesainslie/simbatch/pkg/simbatch/runner"
)

// PrettyFormatter formats output with colors and boxes using lipgloss.
type PrettyFormatter struct{}

var _ Formatter = (*PrettyFormatter)(nil)

func init() {
	Register("pretty", func() Formatter { return &PrettyFormatter{} })
}

// Format writes the formatted output to the buffer.
func (f *PrettyFormatter) Format(w *bytes.Buffer, r *Result) error {
	if r.Memory != nil {
		w.WriteString(f.formatMemory(r.Source, r.Memory))
		w.WriteString("\n")
	}

	if r.Files != nil {
		w.WriteString(f.formatFiles(r.Files))
	}

	if r.Run != nil {
		w.WriteString(f.formatRun(r.Run))
		w.WriteString("\n")
		if failures := r.Failures(); len(failures) > 0 {
			w.WriteString(f.formatFailures(failures))
		}
	}

	if r.Runs != nil {
		w.WriteString(f.formatRuns(r.Runs))
	}

	if len(r.Warnings) > 0 {
		w.WriteString("\n")
		w.WriteString(f.formatWarnings(r.Warnings))
	}

	return nil
}

func (f *PrettyFormatter) formatMemory(source string, m *resource.MemoryStatus) string {
	var lines []string

	if source != "" {
		lines = append(lines, field("Source:", ValueStyle.Render(source)))
	}

	lines = append(lines, strings.Join([]string{
		field("Total:", SizeStyle.Render(humanize.IBytes(uint64(m.TotalBytes)))),
		field("Available:", SizeStyle.Render(humanize.IBytes(uint64(m.AvailableBytes)))),
		field("Budget:", SizeStyle.Render(humanize.IBytes(uint64(m.BudgetBytes)))),
	}, "  "))

	probe := SuccessStyle.Render("probe: ok")
	if !m.ProbeAvailable {
		probe = WarningStyle.Render("probe: fallback")
	}
	safety := SuccessStyle.Render("safety: on")
	if !m.SafetyEnabled {
		safety = MutedStyle.Render("safety: off")
	}
	lines = append(lines, strings.Join([]string{
		field("Eta:", ValueStyle.Render(fmt.Sprintf("%.2f", m.Eta))),
		field("CPUs:", ValueStyle.Render(fmt.Sprintf("%d", m.CPUCount))),
		probe,
		safety,
	}, "  "))

	workers := ValueStyle.Bold(true).Render(fmt.Sprintf("%d", m.RecommendedWorkers))
	line := field("Workers:", workers)
	if m.Files > 0 {
		line += "  " + field("Files:", ValueStyle.Render(fmt.Sprintf("%d", m.Files)))
		line += "  " + field("Estimated:", SizeStyle.Render(humanize.IBytes(uint64(m.EstimatedBytes))))
	}
	lines = append(lines, line)

	if !m.Feasible {
		lines = append(lines, WarningStyle.Bold(true).Render("Budget cannot fit the minimum worker count"))
	}

	return HeaderBox.Render(strings.Join(lines, "\n"))
}

func (f *PrettyFormatter) formatFiles(files []FileInfo) string {
	if len(files) == 0 {
		return MutedStyle.Render("  No files found matching criteria\n")
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("  %s  %s\n", TableHeaderStyle.Render("SIZE"), TableHeaderStyle.Render("PATH")))

	width := 8
	for _, file := range files {
		if len(file.SizeHuman) > width {
			width = len(file.SizeHuman)
		}
	}

	var total int64
	for _, file := range files {
		total += file.Size
		sb.WriteString(fmt.Sprintf("  %s  %s\n",
			SizeStyle.Render(padLeft(file.SizeHuman, width)),
			PathStyle.Render(file.Path)))
	}

	footer := strings.Join([]string{
		field("Files:", ValueStyle.Render(fmt.Sprintf("%d", len(files)))),
		field("Total:", SizeStyle.Render(humanize.IBytes(uint64(total)))),
	}, "  ")
	sb.WriteString(FooterBox.Render(footer))
	sb.WriteString("\n")

	return sb.String()
}

func (f *PrettyFormatter) formatRun(rep *runner.Report) string {
	var lines []string

	lines = append(lines, TitleStyle.Render("Run "+shortID(rep.RunID)))
	lines = append(lines, strings.Join([]string{
		field("Jobs:", ValueStyle.Render(fmt.Sprintf("%d", rep.Jobs))),
		field("Succeeded:", SuccessStyle.Render(fmt.Sprintf("%d", rep.Succeeded))),
		field("Failed:", failedStyle(rep.Failed).Render(fmt.Sprintf("%d", rep.Failed))),
		field("Skipped:", MutedStyle.Render(fmt.Sprintf("%d", rep.Skipped))),
	}, "  "))
	lines = append(lines, strings.Join([]string{
		field("Workers:", ValueStyle.Render(fmt.Sprintf("%d", rep.Workers))),
		field("Lowest capacity:", ValueStyle.Render(fmt.Sprintf("%d", rep.MinCapacity))),
		field("Data:", SizeStyle.Render(humanize.IBytes(uint64(rep.TotalBytes)))),
		field("Elapsed:", ValueStyle.Render(formatDuration(rep.Duration))),
	}, "  "))

	return FooterBox.Render(strings.Join(lines, "\n"))
}

func (f *PrettyFormatter) formatFailures(failures []runner.Result) string {
	var sb strings.Builder
	sb.WriteString(ErrorStyle.Bold(true).Render("Failures:"))
	sb.WriteString("\n")
	for _, res := range failures {
		sb.WriteString("  ")
		sb.WriteString(PathStyle.Render(res.Job.Path))
		sb.WriteString("\n    ")
		sb.WriteString(ErrorStyle.Render(firstLine(res.Error)))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (f *PrettyFormatter) formatRuns(runs []*history.Record) string {
	if len(runs) == 0 {
		return MutedStyle.Render("  No runs recorded\n")
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("  %s  %s  %s  %s  %s  %s  %s\n",
		TableHeaderStyle.Render(padRight("ID", 8)),
		TableHeaderStyle.Render(padRight("STARTED", 19)),
		TableHeaderStyle.Render(padLeft("JOBS", 6)),
		TableHeaderStyle.Render(padLeft("OK", 6)),
		TableHeaderStyle.Render(padLeft("FAIL", 6)),
		TableHeaderStyle.Render(padLeft("WORKERS", 7)),
		TableHeaderStyle.Render("ELAPSED")))

	for _, rec := range runs {
		sb.WriteString(fmt.Sprintf("  %s  %s  %s  %s  %s  %s  %s\n",
			ValueStyle.Render(padRight(shortID(rec.ID), 8)),
			MutedStyle.Render(rec.StartedAt.Local().Format("2006-01-02 15:04:05")),
			ValueStyle.Render(padLeft(fmt.Sprintf("%d", rec.Jobs), 6)),
			SuccessStyle.Render(padLeft(fmt.Sprintf("%d", rec.Succeeded), 6)),
			failedStyle(rec.Failed).Render(padLeft(fmt.Sprintf("%d", rec.Failed), 6)),
			ValueStyle.Render(padLeft(fmt.Sprintf("%d", rec.Workers), 7)),
			ValueStyle.Render(formatDuration(rec.Duration()))))
	}

	return sb.String()
}

func (f *PrettyFormatter) formatWarnings(warnings []string) string {
	var sb strings.Builder
	sb.WriteString(WarningStyle.Bold(true).Render("Warnings:"))
	sb.WriteString("\n")
	for _, warning := range warnings {
		sb.WriteString(WarningStyle.Render("  " + warning))
		sb.WriteString("\n")
	}
	return sb.String()
}

func field(label, value string) string {
	return LabelStyle.Render(label) + " " + value
}

func failedStyle(n int) lipgloss.Style {
	if n > 0 {
		return ErrorStyle
	}
	return MutedStyle
}

// padLeft pads a string with spaces on the left to achieve the desired width.
func padLeft(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat(" ", width-len(s)) + s
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// formatDuration formats a duration in a human-friendly way.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		s := int(d.Seconds())
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	default:
		s := int(d.Seconds())
		return fmt.Sprintf("%dh %dm", s/3600, (s%3600)/60)
	}
}
