package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/simbatch/pkg/simbatch/config"
	"github.com/jamesainslie/simbatch/pkg/simbatch/logging"
	"github.com/jamesainslie/simbatch/pkg/simbatch/output"
	"github.com/jamesainslie/simbatch/pkg/simbatch/resource"
	"github.com/jamesainslie/simbatch/pkg/simbatch/runner"
	"github.com/jamesainslie/simbatch/pkg/simbatch/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestSplitCommandArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		dash     int
		wantPath []string
		wantArgv []string
		wantErr  bool
	}{
		{"path and command", []string{"./data", "echo", "{}"}, 1, []string{"./data"}, []string{"echo", "{}"}, false},
		{"command only", []string{"echo"}, 0, []string{}, []string{"echo"}, false},
		{"no dash", []string{"./data"}, -1, nil, nil, true},
		{"dash at end", []string{"./data"}, 1, nil, nil, true},
		{"two paths", []string{"a", "b", "echo"}, 2, nil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pathArgs, argv, err := splitCommandArgs(tt.args, tt.dash)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, pathArgs)
			assert.Equal(t, tt.wantArgv, argv)
		})
	}

	_, _, err := splitCommandArgs([]string{"./data"}, -1)
	assert.ErrorIs(t, err, errMissingCommand)
}

func TestBuildJobs(t *testing.T) {
	jobs := buildJobs([]types.FileInfo{
		{Path: "/a", Size: 10},
		{Path: "/b", Size: 5},
	})
	require.Len(t, jobs, 2)
	assert.Equal(t, runner.Job{ID: "1", Path: "/a", Size: 10}, jobs[0])
	assert.Equal(t, runner.Job{ID: "2", Path: "/b", Size: 5}, jobs[1])
	assert.Empty(t, buildJobs(nil))
}

func TestNewRecord(t *testing.T) {
	start := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	rep := &runner.Report{
		RunID:       "run-1",
		Workers:     3,
		Jobs:        5,
		Succeeded:   4,
		Failed:      1,
		MinCapacity: 2,
		TotalBytes:  1000,
		StartedAt:   start,
		Duration:    time.Minute,
		Memory:      resource.MemoryStatus{RecommendedWorkers: 4, AvailableBytes: 800, BudgetBytes: 600, SafetyEnabled: true},
	}

	rec := newRecord("/data", []string{"echo", "{}"}, rep, errors.New("boom"))
	assert.Equal(t, "run-1", rec.ID)
	assert.Equal(t, start.Add(time.Minute), rec.FinishedAt)
	assert.Equal(t, time.Minute, rec.Duration())
	assert.Equal(t, 4, rec.RecommendedWorkers)
	assert.Equal(t, 3, rec.Workers)
	assert.Equal(t, int64(600), rec.BudgetBytes)
	assert.Equal(t, int64(800), rec.AvailableBytes)
	assert.True(t, rec.SafetyEnabled)
	assert.Equal(t, "boom", rec.Error)

	assert.Empty(t, newRecord("/data", nil, rep, nil).Error)
}

func TestBatchError(t *testing.T) {
	ok := &runner.Report{Jobs: 3, Succeeded: 3}
	assert.NoError(t, batchError(ok, nil))

	failed := &runner.Report{Jobs: 3, Succeeded: 2, Failed: 1}
	err := batchError(failed, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 jobs failed")

	err = batchError(&runner.Report{Jobs: 4, Succeeded: 1}, context.Canceled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interrupted after 1 of 4")

	boom := errors.New("boom")
	assert.ErrorIs(t, batchError(failed, boom), boom)
}

func TestBatchQueue(t *testing.T) {
	q := newBatchQueue()
	q.Add(types.FileInfo{Path: "/a", Size: 1})
	q.Add(types.FileInfo{Path: "/b", Size: 3})
	q.Add(types.FileInfo{Path: "/a", Size: 5})
	assert.Equal(t, 2, q.Len())

	files := q.Drain()
	require.Len(t, files, 2)
	assert.Equal(t, "/a", files[0].Path)
	assert.Equal(t, int64(5), files[0].Size)
	assert.Equal(t, "/b", files[1].Path)

	assert.Zero(t, q.Len())
	assert.Empty(t, q.Drain())
}

func TestScannerOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scan.Include = []string{"*.nc"}
	cfg.Scan.MinSize = "1K"

	flags := &scanFlags{exclude: []string{"scratch"}}
	opts, err := flags.scannerOptions(cfg, "/data")
	require.NoError(t, err)
	assert.Equal(t, "/data", opts.Root)
	assert.Equal(t, []string{"*.nc"}, opts.Include)
	assert.Contains(t, opts.Exclude, "scratch")
	assert.Contains(t, opts.Exclude, "/proc")
	assert.Equal(t, types.KiB, opts.MinSize)

	flags = &scanFlags{include: []string{"*.h5"}, minSize: "2M"}
	opts, err = flags.scannerOptions(cfg, "/data")
	require.NoError(t, err)
	assert.Equal(t, []string{"*.h5"}, opts.Include)
	assert.Equal(t, 2*types.MiB, opts.MinSize)

	_, err = (&scanFlags{minSize: "huge"}).scannerOptions(cfg, "/data")
	assert.Error(t, err)

	_, err = (&scanFlags{include: []string{"[bad"}}).scannerOptions(cfg, "/data")
	assert.Error(t, err)
}

func TestExecFlagsResolve(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Workers = 3
	cfg.Semaphore.AcquireTimeout = time.Minute
	cfg.Metrics.Addr = "127.0.0.1:1"

	cmd := &cobra.Command{Use: "x"}
	var f execFlags
	f.register(cmd)

	got := f.resolve(cmd, cfg)
	assert.Equal(t, 3, got.workers)
	assert.Equal(t, time.Minute, got.timeout)
	assert.Equal(t, "127.0.0.1:1", got.metricsAddr)
	assert.False(t, got.noHistory)

	require.NoError(t, cmd.Flags().Parse([]string{"--workers", "7", "--timeout", "5s", "--metrics-addr", "", "--no-history"}))
	got = f.resolve(cmd, cfg)
	assert.Equal(t, 7, got.workers)
	assert.Equal(t, 5*time.Second, got.timeout)
	assert.Equal(t, "", got.metricsAddr)
	assert.True(t, got.noHistory)

	cfg.History.Enabled = false
	assert.True(t, (&execFlags{}).resolve(&cobra.Command{}, cfg).noHistory)
}

func TestResolveRoot(t *testing.T) {
	cfg := testConfig(t)

	root, err := resolveRoot(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultPath, root)

	root, err = resolveRoot(cfg, []string{"/data"})
	require.NoError(t, err)
	assert.Equal(t, "/data", root)
}

func TestSemaphoreOptions(t *testing.T) {
	cfg := testConfig(t)
	assert.Len(t, semaphoreOptions(cfg), 3)

	cfg.Semaphore.MinCapacity = 0
	assert.Len(t, semaphoreOptions(cfg), 2)
}

func TestWriteResultUnknownFormat(t *testing.T) {
	prev := outputFormat
	t.Cleanup(func() { outputFormat = prev })

	outputFormat = "xml"
	err := writeResult(&bytes.Buffer{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "available")
}

func TestWriteResultTemplate(t *testing.T) {
	prevFormat, prevText := outputFormat, templateText
	t.Cleanup(func() { outputFormat, templateText = prevFormat, prevText })

	outputFormat = "template"
	templateText = "{{.Source}}|{{len .Warnings}}"

	var buf bytes.Buffer
	require.NoError(t, writeResult(&buf, &output.Result{Source: "/data", Warnings: []string{"w"}}))
	assert.Equal(t, "/data|1", buf.String())
}

func TestRunCommandEndToEnd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	t.Setenv("SIMBATCH_HISTORY_ENABLED", "false")
	t.Cleanup(func() { _ = logging.Close() })

	dir := t.TempDir()
	for _, name := range []string{"a.h5", "b.h5", "skip.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), make([]byte, 1024), 0o644))
	}
	marker := t.TempDir()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{
		"run", "--include", "*.h5", "--no-progress", "--no-history", "-o", "json", dir,
		"--", "sh", "-c", `touch "` + marker + `/$(basename "$0").done"`, "{}",
	})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		outputFormat = "pretty"
	})

	require.NoError(t, rootCmd.Execute())

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	run := doc["run"].(map[string]interface{})
	assert.Equal(t, float64(2), run["jobs"])
	assert.Equal(t, float64(2), run["succeeded"])
	assert.Equal(t, float64(0), run["failed"])

	done, err := filepath.Glob(filepath.Join(marker, "*.done"))
	require.NoError(t, err)
	assert.Len(t, done, 2)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	runVersion(cmd, nil)
	assert.Contains(t, out.String(), "simbatch dev")
	assert.Contains(t, out.String(), runtime.GOOS)
}
