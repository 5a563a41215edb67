package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/simbatch/pkg/simbatch/config"
	"github.com/jamesainslie/simbatch/pkg/simbatch/history"
	"github.com/jamesainslie/simbatch/pkg/simbatch/output"
	"github.com/jamesainslie/simbatch/pkg/simbatch/types"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View run history",
	Long: `View past batch runs: when they ran, how many jobs succeeded or failed,
and the worker decision that was made for them.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show details of a run",
	Long:  `Display a run by its ID. A unique prefix of the ID is enough.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove old runs",
	Long:  `Remove runs older than the retention period (history.retention_days).`,
	Args:  cobra.NoArgs,
	RunE:  runHistoryClean,
}

var (
	historyLimit     int
	historyRetention int
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "maximum number of runs to show (0=all)")
	historyCleanCmd.Flags().IntVar(&historyRetention, "days", 0, "retention in days (default: history.retention_days)")

	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyCleanCmd)
	rootCmd.AddCommand(historyCmd)
}

// openHistory opens the configured history store.
func openHistory() (*history.Store, *config.Config, error) {
	cfg, err := loadedConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open history: %w", err)
	}
	return store, cfg, nil
}

// runHistory lists recent runs.
func runHistory(cmd *cobra.Command, args []string) error {
	store, _, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.List(historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}

	if len(runs) == 0 && outputFormat == "pretty" {
		printInfo("No runs recorded.")
		printInfo("Use 'simbatch run [path] -- command' to start a batch.")
		return nil
	}

	return writeResult(cmd.OutOrStdout(), &output.Result{Runs: runs})
}

// runHistoryShow displays a single run.
func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, _, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Find(args[0])
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	if outputFormat != "pretty" && outputFormat != "plain" {
		return writeResult(cmd.OutOrStdout(), &output.Result{Runs: []*history.Record{rec}})
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "\nRun Details")
	fmt.Fprintln(w, strings.Repeat("=", 60))
	fmt.Fprintf(w, "ID:           %s\n", rec.ID)
	fmt.Fprintf(w, "Started:      %s\n", rec.StartedAt.Local().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "Duration:     %s\n", rec.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "Root:         %s\n", rec.Root)
	fmt.Fprintf(w, "Command:      %s\n", strings.Join(rec.Command, " "))
	fmt.Fprintf(w, "Jobs:         %d (%d succeeded, %d failed, %d skipped)\n", rec.Jobs, rec.Succeeded, rec.Failed, rec.Skipped)
	fmt.Fprintf(w, "Data:         %s\n", types.FormatSize(rec.TotalBytes))
	fmt.Fprintf(w, "Workers:      %d (recommended %d, lowest capacity %d)\n", rec.Workers, rec.RecommendedWorkers, rec.MinCapacity)
	fmt.Fprintf(w, "Memory:       %s available, %s budget\n", types.FormatSize(rec.AvailableBytes), types.FormatSize(rec.BudgetBytes))
	fmt.Fprintf(w, "Safety:       %t\n", rec.SafetyEnabled)
	if rec.Error != "" {
		fmt.Fprintf(w, "Error:        %s\n", rec.Error)
	}

	return nil
}

// runHistoryClean removes old runs.
func runHistoryClean(cmd *cobra.Command, args []string) error {
	store, cfg, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	days := cfg.History.RetentionDays
	if historyRetention > 0 {
		days = historyRetention
	}
	if days <= 0 {
		days = config.DefaultRetentionDays
	}

	printInfo("Removing runs older than %d days...", days)

	n, err := store.Cleanup(days)
	if err != nil {
		return fmt.Errorf("failed to clean history: %w", err)
	}

	printInfo("Removed %d runs.", n)
	return nil
}
