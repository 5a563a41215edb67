package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/simbatch/pkg/simbatch/config"
	"github.com/jamesainslie/simbatch/pkg/simbatch/output"
	"github.com/jamesainslie/simbatch/pkg/simbatch/resource"
	"github.com/jamesainslie/simbatch/pkg/simbatch/runner"
	"github.com/jamesainslie/simbatch/pkg/simbatch/scanner"
	"github.com/jamesainslie/simbatch/pkg/simbatch/types"
	"github.com/jamesainslie/simbatch/pkg/simbatch/watcher"
)

var (
	watchScanFlags     scanFlags
	watchExecFlags     execFlags
	watchSettle        time.Duration
	watchBatchInterval time.Duration
	watchExisting      bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [path] -- command [args...]",
	Short: "Run a command on files as they appear under a directory",
	Long: `Watch a directory tree and run a command on each new or modified file once
it has stopped changing. Settled files are collected and run as a batch
every --batch-interval, with workers sized to the memory available at that
moment.

Examples:
  simbatch watch ./incoming -- ./ingest.sh {}
  simbatch watch --include '*.h5' --settle 5s ./sim/out -- h5check {}
  simbatch watch --existing ./queue -- ./process.sh`,
	Args: cobra.ArbitraryArgs,
	RunE: runWatch,
}

func init() {
	watchScanFlags.register(watchCmd)
	watchExecFlags.register(watchCmd)
	watchCmd.Flags().DurationVar(&watchSettle, "settle", config.DefaultSettle, "quiet period before a file is processed")
	watchCmd.Flags().DurationVar(&watchBatchInterval, "batch-interval", config.DefaultBatchInterval, "how often settled files are run")
	watchCmd.Flags().BoolVar(&watchExisting, "existing", false, "process files already present before watching")
	rootCmd.AddCommand(watchCmd)
}

// batchQueue collects settled files between batches. A file reported twice
// before a drain is queued once with its latest size.
type batchQueue struct {
	mu    sync.Mutex
	files map[string]types.FileInfo
}

func newBatchQueue() *batchQueue {
	return &batchQueue{files: make(map[string]types.FileInfo)}
}

func (q *batchQueue) Add(fi types.FileInfo) {
	q.mu.Lock()
	q.files[fi.Path] = fi
	q.mu.Unlock()
}

func (q *batchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.files)
}

// Drain empties the queue and returns its files largest first.
func (q *batchQueue) Drain() []types.FileInfo {
	q.mu.Lock()
	files := make([]types.FileInfo, 0, len(q.files))
	for _, fi := range q.files {
		files = append(files, fi)
	}
	q.files = make(map[string]types.FileInfo)
	q.mu.Unlock()

	sort.Slice(files, func(i, j int) bool {
		if files[i].Size != files[j].Size {
			return files[i].Size > files[j].Size
		}
		return files[i].Path < files[j].Path
	})
	return files
}

// watchSession runs batches for the watch command.
type watchSession struct {
	cmd     *cobra.Command
	cfg     *config.Config
	manager *resource.Manager
	flags   execFlags
	root    string
	argv    []string
	fn      runner.Func
}

// runBatch processes files and reports the outcome. Batch failures are
// reported but do not stop the session.
func (s *watchSession) runBatch(ctx context.Context, files []types.FileInfo) error {
	if len(files) == 0 {
		return nil
	}

	jobs := buildJobs(files)

	logger.Info("running watch batch", "files", len(files))
	report, runErr := executeBatch(ctx, s.cmd, s.cfg, s.manager, s.flags, jobs, s.fn)
	if report == nil {
		return runErr
	}

	if !s.flags.noHistory {
		recordRun(s.cfg, newRecord(s.root, s.argv, report, runErr))
	}
	if !getQuiet() {
		if err := writeResult(s.cmd.OutOrStdout(), &output.Result{Source: s.root, Run: report}); err != nil {
			return err
		}
	}

	if err := batchError(report, runErr); err != nil && !errors.Is(runErr, context.Canceled) {
		logger.Warn("watch batch finished with errors", "run", report.RunID, "error", err)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	pathArgs, argv, err := splitCommandArgs(args, cmd.ArgsLenAtDash())
	if err != nil {
		return err
	}

	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	flags := watchExecFlags.resolve(cmd, cfg)

	settle := cfg.Watch.Settle
	if cmd.Flags().Changed("settle") {
		settle = watchSettle
	}
	interval := cfg.Watch.BatchInterval
	if cmd.Flags().Changed("batch-interval") {
		interval = watchBatchInterval
	}
	if interval <= 0 {
		interval = config.DefaultBatchInterval
	}

	root, err := resolveRoot(cfg, pathArgs)
	if err != nil {
		return err
	}

	scanOpts, err := watchScanFlags.scannerOptions(cfg, root)
	if err != nil {
		return err
	}

	m, err := newManager(cfg)
	if err != nil {
		return err
	}

	var cmdOut io.Writer = io.Discard
	if getVerbose() {
		cmdOut = cmd.ErrOrStderr()
	}
	fn, err := runner.CommandFunc(argv, cmdOut)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := startMetrics(ctx, flags.metricsAddr); err != nil {
		return err
	}

	w, err := watcher.New(watcher.Options{
		Settle: settle,
		Filter: func(path string) bool { return scanOpts.Match(path, scanOpts.MinSize) },
	})
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Watch(root); err != nil {
		return err
	}

	session := &watchSession{
		cmd:     cmd,
		cfg:     cfg,
		manager: m,
		flags:   flags,
		root:    root,
		argv:    argv,
		fn:      fn,
	}

	if watchExisting {
		scan, err := scanner.New(scanOpts).Scan(ctx)
		if err != nil {
			return err
		}
		if err := session.runBatch(ctx, scan.Files); err != nil {
			return err
		}
	}

	queue := newBatchQueue()
	go w.Run(ctx, func(fi types.FileInfo) {
		if scanOpts.Match(fi.Path, fi.Size) {
			queue.Add(fi)
		}
	})

	printInfo("Watching %s (settle %s, batch every %s). Press Ctrl+C to stop.", root, settle, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if n := queue.Len(); n > 0 {
				logger.Info("watch stopped with files pending", "files", n)
			}
			return nil
		case <-ticker.C:
			if err := session.runBatch(ctx, queue.Drain()); err != nil {
				return err
			}
		}
	}
}
