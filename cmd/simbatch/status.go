package main

import (
	"github.com/spf13/cobra"

	"github.com/jamesainslie/simbatch/pkg/simbatch/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memory status and the default worker decision",
	Long: `Probe system memory and show the budget simbatch would work with,
together with the worker count chosen when no file sizes are known.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}

	m, err := newManager(cfg)
	if err != nil {
		return err
	}
	m.LogStatus()

	st := m.GetMemoryStatus()
	result := &output.Result{Source: "system", Memory: &st}
	if !st.ProbeAvailable {
		result.Warnings = append(result.Warnings, "memory probe unavailable, using fallback figures")
	}
	return writeResult(cmd.OutOrStdout(), result)
}
