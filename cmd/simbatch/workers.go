package main

import (
	"github.com/spf13/cobra"

	"github.com/jamesainslie/simbatch/pkg/simbatch/output"
)

var (
	workersFlags scanFlags
	workersList  bool
)

var workersCmd = &cobra.Command{
	Use:   "workers [path]",
	Short: "Recommend a worker count for the files under a directory",
	Long: `Scan a directory and report how many workers simbatch would use for the
files found there, given the memory currently available.

Examples:
  simbatch workers ./results
  simbatch workers --include '*.h5' --list ./results
  simbatch workers -o json ./results`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWorkers,
}

func init() {
	workersFlags.register(workersCmd)
	workersCmd.Flags().BoolVarP(&workersList, "list", "l", false, "list the matched files")
	rootCmd.AddCommand(workersCmd)
}

func runWorkers(cmd *cobra.Command, args []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}

	root, err := resolveRoot(cfg, args)
	if err != nil {
		return err
	}

	m, err := newManager(cfg)
	if err != nil {
		return err
	}

	scan, err := scanFiles(cmd.Context(), cfg, &workersFlags, root)
	if err != nil {
		return err
	}

	st := m.GetMemoryStatus(scan.Sizes()...)
	result := &output.Result{Source: root, Memory: &st}
	if workersList {
		result.Files = output.NewFileInfos(scan.Files)
	}
	for _, e := range scan.Errors {
		result.Warnings = append(result.Warnings, e.Path+": "+e.Error)
	}
	if !st.Feasible {
		result.Warnings = append(result.Warnings, "largest files exceed the memory budget even with the minimum worker count")
	}

	return writeResult(cmd.OutOrStdout(), result)
}
