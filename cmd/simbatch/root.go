package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jamesainslie/simbatch/pkg/simbatch/config"
)

var (
	cfgFile      string
	outputFormat string
	templateText string

	// appConfig is populated by initialize before any command runs.
	appConfig *config.Config

	rootCmd = &cobra.Command{
		Use:   "simbatch",
		Short: "Run memory-aware batches over simulation files",
		Long: `simbatch processes batches of large simulation files with a worker count
sized to the memory the machine can spare.

Each file is expected to take gamma times its on-disk size in memory plus a
fixed per-worker overhead. simbatch picks the largest worker count whose
worst-case footprint fits in eta times the available memory, then keeps
adjusting concurrency while the batch runs.

Examples:
  simbatch status                          # Show memory and the default decision
  simbatch workers ./results               # Recommended workers for a directory
  simbatch run ./results -- h5repack {}    # Run a command on every file
  simbatch watch ./incoming -- ./ingest.sh # Process files as they arrive
  simbatch history                         # Recent runs`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: initialize,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ~/.config/simbatch/config.yaml)")
	flags.StringVarP(&outputFormat, "output", "o", "pretty", "output format: pretty, plain, json, yaml, template")
	flags.StringVar(&templateText, "template", "", "Go template for -o template")
	flags.BoolP("quiet", "q", false, "minimal output")
	flags.BoolP("verbose", "v", false, "debug output")

	flags.Float64("eta", 0, "fraction of available memory to use, in (0,1]")
	flags.Float64("gamma", 0, "in-memory size as a multiple of on-disk size")
	flags.String("overhead", "", "fixed memory per worker (e.g. 50MiB)")
	flags.String("base", "", "baseline memory of the host process (e.g. 100MiB)")
	flags.Int("min-workers", 0, "lower bound on workers")
	flags.Int("max-workers", 0, "upper bound on workers")
	flags.Int("fallback-workers", 0, "worker count used when safety is off")
	flags.Bool("safety", true, "size workers by available memory")
	flags.Bool("cap-by-cpu", false, "never use more workers than CPUs")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	bind := map[string]string{
		"quiet":                     "quiet",
		"verbose":                   "verbose",
		"resource.eta":              "eta",
		"resource.gamma":            "gamma",
		"resource.overhead":         "overhead",
		"resource.base":             "base",
		"resource.min_workers":      "min-workers",
		"resource.max_workers":      "max-workers",
		"resource.fallback_workers": "fallback-workers",
		"resource.safety_enabled":   "safety",
		"resource.cap_by_cpu":       "cap-by-cpu",
		"logging.level":             "log-level",
	}
	for key, name := range bind {
		_ = viper.BindPFlag(key, flags.Lookup(name))
	}
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		return err
	}
	return nil
}

// getVerbose returns true if verbose mode is enabled.
func getVerbose() bool {
	return viper.GetBool("verbose")
}

// getQuiet returns true if quiet mode is enabled.
func getQuiet() bool {
	return viper.GetBool("quiet")
}

// printVerbose prints a message if verbose mode is enabled.
func printVerbose(format string, args ...interface{}) {
	if getVerbose() && !getQuiet() {
		fmt.Fprintf(os.Stderr, "[DEBUG] "+format+"\n", args...)
	}
}

// printInfo prints a message if quiet mode is not enabled.
func printInfo(format string, args ...interface{}) {
	if !getQuiet() {
		fmt.Printf(format+"\n", args...)
	}
}

// printError prints an error message to stderr.
func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}
