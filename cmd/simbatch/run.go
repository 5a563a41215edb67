package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/simbatch/pkg/simbatch/config"
	"github.com/jamesainslie/simbatch/pkg/simbatch/output"
	"github.com/jamesainslie/simbatch/pkg/simbatch/resource"
	"github.com/jamesainslie/simbatch/pkg/simbatch/runner"
)

// execFlags holds the execution flags shared by run and watch.
type execFlags struct {
	workers     int
	failFast    bool
	timeout     time.Duration
	noProgress  bool
	noHistory   bool
	metricsAddr string
}

func (f *execFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.workers, "workers", "w", 0, "override worker count (0=auto)")
	cmd.Flags().BoolVar(&f.failFast, "fail-fast", false, "stop at the first failed job")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "maximum wait for a worker slot per job (0=unbounded)")
	cmd.Flags().BoolVar(&f.noProgress, "no-progress", false, "disable the progress bar")
	cmd.Flags().BoolVar(&f.noHistory, "no-history", false, "do not record the run in history")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

// resolve applies the flags that were set on top of cfg.
func (f *execFlags) resolve(cmd *cobra.Command, cfg *config.Config) execFlags {
	out := execFlags{
		workers:     cfg.Run.Workers,
		failFast:    cfg.Run.FailFast,
		timeout:     cfg.Semaphore.AcquireTimeout,
		noProgress:  f.noProgress,
		noHistory:   f.noHistory || !cfg.History.Enabled,
		metricsAddr: cfg.Metrics.Addr,
	}
	changed := cmd.Flags().Changed
	if changed("workers") {
		out.workers = f.workers
	}
	if changed("fail-fast") {
		out.failFast = f.failFast
	}
	if changed("timeout") {
		out.timeout = f.timeout
	}
	if changed("metrics-addr") {
		out.metricsAddr = f.metricsAddr
	}
	return out
}

func (f execFlags) runnerOptions(cfg *config.Config) []runner.Option {
	return []runner.Option{
		runner.WithWorkers(f.workers),
		runner.WithFailFast(f.failFast),
		runner.WithAcquireTimeout(f.timeout),
		runner.WithSemaphoreOptions(semaphoreOptions(cfg)...),
	}
}

var (
	runScanFlags scanFlags
	runExecFlags execFlags
	runDryRun    bool
)

var errMissingCommand = errors.New("missing command: use -- to separate it from the path")

var runCmd = &cobra.Command{
	Use:   "run [path] -- command [args...]",
	Short: "Run a command on every file under a directory",
	Long: `Scan a directory and run a command once per matching file, with as many
concurrent workers as memory allows. The file path replaces {} in the
command arguments, or is appended when no {} is present.

Each command also receives SIMBATCH_JOB_ID, SIMBATCH_JOB_PATH and
SIMBATCH_JOB_SIZE in its environment.

Examples:
  simbatch run ./results -- h5repack -f GZIP=6 {} {}.packed
  simbatch run --include '*.nc' -w 2 ./climate -- ./postprocess.sh
  simbatch run --dry-run ./results -- true`,
	Args: cobra.ArbitraryArgs,
	RunE: runRun,
}

func init() {
	runScanFlags.register(runCmd)
	runExecFlags.register(runCmd)
	runCmd.Flags().BoolVarP(&runDryRun, "dry-run", "n", false, "show the files and worker decision without running")
	rootCmd.AddCommand(runCmd)
}

// splitCommandArgs separates the optional path from the command that
// follows "--". dash is cobra's ArgsLenAtDash.
func splitCommandArgs(args []string, dash int) ([]string, []string, error) {
	if dash < 0 || dash >= len(args) {
		return nil, nil, errMissingCommand
	}
	pathArgs, argv := args[:dash], args[dash:]
	if len(pathArgs) > 1 {
		return nil, nil, fmt.Errorf("expected at most one path before --, got %d", len(pathArgs))
	}
	return pathArgs, argv, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	pathArgs, argv, err := splitCommandArgs(args, cmd.ArgsLenAtDash())
	if err != nil {
		return err
	}

	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	flags := runExecFlags.resolve(cmd, cfg)

	root, err := resolveRoot(cfg, pathArgs)
	if err != nil {
		return err
	}

	m, err := newManager(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := startMetrics(ctx, flags.metricsAddr); err != nil {
		return err
	}

	scan, err := scanFiles(ctx, cfg, &runScanFlags, root)
	if err != nil {
		return err
	}
	jobs := buildJobs(scan.Files)

	if runDryRun {
		status := m.GetMemoryStatus(scan.Sizes()...)
		return writeResult(cmd.OutOrStdout(), &output.Result{
			Source: root,
			Memory: &status,
			Files:  output.NewFileInfos(scan.Files),
		})
	}

	if len(jobs) == 0 {
		printInfo("No files matched under %s", root)
		return nil
	}

	var cmdOut io.Writer = io.Discard
	if getVerbose() {
		cmdOut = cmd.ErrOrStderr()
	}
	fn, err := runner.CommandFunc(argv, cmdOut)
	if err != nil {
		return err
	}

	report, runErr := executeBatch(ctx, cmd, cfg, m, flags, jobs, fn)
	if report == nil {
		return runErr
	}

	if !flags.noHistory {
		recordRun(cfg, newRecord(root, argv, report, runErr))
	}

	result := &output.Result{Source: root, Memory: &report.Memory, Run: report}
	if err := writeResult(cmd.OutOrStdout(), result); err != nil {
		return err
	}

	return batchError(report, runErr)
}

// executeBatch runs jobs with a progress bar on stderr.
func executeBatch(ctx context.Context, cmd *cobra.Command, cfg *config.Config, m *resource.Manager, flags execFlags, jobs []runner.Job, fn runner.Func) (*runner.Report, error) {
	bar := newJobProgress(cmd.ErrOrStderr(), len(jobs), !flags.noProgress && !getQuiet())
	opts := append(flags.runnerOptions(cfg), runner.WithProgress(bar.Update))

	report, err := runner.New(m, opts...).Run(ctx, jobs, fn)
	bar.Finish()
	return report, err
}

// batchError turns a finished report into the command's exit status.
func batchError(report *runner.Report, runErr error) error {
	switch {
	case errors.Is(runErr, context.Canceled):
		return fmt.Errorf("interrupted after %d of %d jobs", report.Succeeded+report.Failed, report.Jobs)
	case runErr != nil:
		return runErr
	case report.Failed > 0:
		return fmt.Errorf("%d of %d jobs failed", report.Failed, report.Jobs)
	}
	return nil
}
