package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jamesainslie/simbatch/pkg/simbatch/config"
	"github.com/jamesainslie/simbatch/pkg/simbatch/history"
	"github.com/jamesainslie/simbatch/pkg/simbatch/logging"
	"github.com/jamesainslie/simbatch/pkg/simbatch/metrics"
	"github.com/jamesainslie/simbatch/pkg/simbatch/output"
	"github.com/jamesainslie/simbatch/pkg/simbatch/resource"
	"github.com/jamesainslie/simbatch/pkg/simbatch/runner"
	"github.com/jamesainslie/simbatch/pkg/simbatch/scanner"
	"github.com/jamesainslie/simbatch/pkg/simbatch/semaphore"
	"github.com/jamesainslie/simbatch/pkg/simbatch/types"
)

var logger = logging.Get("cli")

// initialize is the root PersistentPreRunE hook. It loads configuration,
// creates the XDG directories and starts logging.
func initialize(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadInto(viper.GetViper(), cfgFile)
	if err != nil {
		return err
	}

	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	if err := config.EnsureDataDir(); err != nil {
		return err
	}
	if err := config.EnsureStateDir(); err != nil {
		return err
	}

	if err := initLogging(cfg); err != nil {
		return err
	}

	appConfig = cfg
	return nil
}

// initLogging starts the logging system from cfg. Verbose mode mirrors debug
// output to stderr.
func initLogging(cfg *config.Config) error {
	logCfg := logging.Config{
		Level:        cfg.Logging.Level,
		Path:         cfg.Logging.Path,
		Rotation:     parseRotationConfig(cfg.Logging.Rotation),
		Components:   cfg.Logging.Components,
		ConsoleLevel: cfg.Logging.Console,
	}
	if getVerbose() {
		logCfg.ConsoleLevel = "debug"
	}

	if err := logging.Init(logCfg); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	return nil
}

// parseRotationConfig converts the config file rotation settings, falling
// back to the default size when max_size is empty or malformed.
func parseRotationConfig(rc config.RotationConfig) logging.RotationConfig {
	maxSize := logging.DefaultRotationConfig().MaxSize
	if rc.MaxSize != "" {
		if n, err := types.ParseSize(rc.MaxSize); err == nil && n > 0 {
			maxSize = n
		}
	}
	return logging.RotationConfig{
		MaxSize:    maxSize,
		MaxAge:     rc.MaxAge,
		MaxBackups: rc.MaxBackups,
		Daily:      rc.Daily,
	}
}

// loadedConfig returns the configuration loaded by initialize, or the
// defaults when a command runs without the root hook (as in tests).
func loadedConfig() (*config.Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}
	return config.Load()
}

// newManager builds a resource manager from the loaded configuration.
func newManager(cfg *config.Config) (*resource.Manager, error) {
	rc, err := cfg.ResourceConfig()
	if err != nil {
		return nil, err
	}
	return resource.NewManager(rc)
}

// semaphoreOptions maps the semaphore section onto semaphore options.
func semaphoreOptions(cfg *config.Config) []semaphore.Option {
	opts := []semaphore.Option{
		semaphore.WithReevaluateInterval(cfg.Semaphore.ReevaluateInterval),
		semaphore.WithPollInterval(cfg.Semaphore.PollInterval),
	}
	if cfg.Semaphore.MinCapacity > 0 {
		opts = append(opts, semaphore.WithMinCapacity(cfg.Semaphore.MinCapacity))
	}
	return opts
}

// scanFlags holds the discovery flags shared by workers, run and watch.
type scanFlags struct {
	include []string
	exclude []string
	minSize string
}

func (f *scanFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.include, "include", nil, "glob patterns for file names to include (default: all)")
	cmd.Flags().StringSliceVarP(&f.exclude, "exclude", "e", nil, "paths or patterns to exclude (added to configured exclusions)")
	cmd.Flags().StringVarP(&f.minSize, "min-size", "s", "", "minimum file size (e.g. 100M)")
}

// scannerOptions merges the flags with the scan section of cfg.
func (f *scanFlags) scannerOptions(cfg *config.Config, root string) (scanner.Options, error) {
	opts := scanner.Options{
		Root:    root,
		Include: cfg.Scan.Include,
		Exclude: append(append([]string(nil), cfg.Scan.Exclude...), f.exclude...),
	}
	if len(f.include) > 0 {
		opts.Include = f.include
	}

	minSize, err := cfg.MinSizeBytes()
	if err != nil {
		return opts, err
	}
	if f.minSize != "" {
		if minSize, err = types.ParseSize(f.minSize); err != nil {
			return opts, fmt.Errorf("invalid min-size %q: %w", f.minSize, err)
		}
	}
	opts.MinSize = minSize

	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// resolveRoot returns the directory argument or the configured default.
func resolveRoot(cfg *config.Config, args []string) (string, error) {
	root := cfg.Scan.DefaultPath
	if len(args) > 0 {
		root = args[0]
	}
	return config.ExpandPath(root)
}

// scanFiles discovers the batch under root.
func scanFiles(ctx context.Context, cfg *config.Config, flags *scanFlags, root string) (*types.ScanResult, error) {
	opts, err := flags.scannerOptions(cfg, root)
	if err != nil {
		return nil, err
	}

	result, err := scanner.New(opts).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	printVerbose("Scanned %d files in %d directories, %d matched (%s)",
		result.FilesScanned, result.DirsScanned, len(result.Files), result.Elapsed.Round(time.Millisecond))
	return result, nil
}

// buildJobs numbers files as jobs in scan order.
func buildJobs(files []types.FileInfo) []runner.Job {
	jobs := make([]runner.Job, len(files))
	for i, f := range files {
		jobs[i] = runner.Job{ID: strconv.Itoa(i + 1), Path: f.Path, Size: f.Size}
	}
	return jobs
}

// newRecord builds the history record for a finished run from the memory
// decision the runner sized the batch with.
func newRecord(root string, argv []string, rep *runner.Report, runErr error) *history.Record {
	status := rep.Memory
	rec := &history.Record{
		ID:                 rep.RunID,
		StartedAt:          rep.StartedAt,
		FinishedAt:         rep.StartedAt.Add(rep.Duration),
		Root:               root,
		Command:            argv,
		Jobs:               rep.Jobs,
		Succeeded:          rep.Succeeded,
		Failed:             rep.Failed,
		Skipped:            rep.Skipped,
		TotalBytes:         rep.TotalBytes,
		Workers:            rep.Workers,
		RecommendedWorkers: status.RecommendedWorkers,
		MinCapacity:        rep.MinCapacity,
		AvailableBytes:     status.AvailableBytes,
		BudgetBytes:        status.BudgetBytes,
		SafetyEnabled:      status.SafetyEnabled,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	return rec
}

// recordRun stores rec in run history when history is enabled. Failures are
// logged rather than returned so a finished batch is never reported as failed
// because of bookkeeping.
func recordRun(cfg *config.Config, rec *history.Record) {
	if !cfg.History.Enabled {
		return
	}

	store, err := history.Open(cfg.HistoryPath())
	if err != nil {
		logger.Warn("opening run history failed", "error", err)
		return
	}
	defer store.Close()

	if err := store.Put(rec); err != nil {
		logger.Warn("recording run failed", "run", rec.ID, "error", err)
		return
	}
	if cfg.History.RetentionDays > 0 {
		if _, err := store.Cleanup(cfg.History.RetentionDays); err != nil {
			logger.Warn("history cleanup failed", "error", err)
		}
	}
}

// startMetrics serves /metrics until ctx is done when an address is set.
func startMetrics(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	bound, err := metrics.Serve(ctx, addr)
	if err != nil {
		return fmt.Errorf("starting metrics server: %w", err)
	}
	printVerbose("Serving metrics on http://%s/metrics", bound)
	logger.Info("metrics server listening", "addr", bound)
	return nil
}

// writeResult renders r in the selected output format.
func writeResult(w io.Writer, r *output.Result) error {
	formatter, err := output.Get(outputFormat)
	if err != nil {
		return fmt.Errorf("%w (available: %v)", err, output.Available())
	}
	if tf, ok := formatter.(*output.TemplateFormatter); ok && templateText != "" {
		tf.SetTemplate(templateText)
	}

	var buf bytes.Buffer
	if err := formatter.Format(&buf, r); err != nil {
		return fmt.Errorf("formatting output: %w", err)
	}
	_, err = w.Write(buf.Bytes())
	return err
}
