package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jamesainslie/simbatch/pkg/simbatch/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage simbatch configuration settings.

Configuration is loaded from:
  1. $XDG_CONFIG_HOME/simbatch/config.yaml (if set)
  2. ~/.config/simbatch/config.yaml

Environment variables override config file settings using the SIMBATCH_ prefix:
  SIMBATCH_RESOURCE_ETA=0.5
  SIMBATCH_RESOURCE_MAX_WORKERS=8
  SIMBATCH_METRICS_ADDR=127.0.0.1:9464`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the effective configuration from all sources as YAML.`,
	RunE:  runConfigShow,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit configuration file",
	Long: `Open the configuration file in your default editor.

The editor is determined by:
  1. $VISUAL environment variable
  2. $EDITOR environment variable
  3. Falls back to 'vi'

If the config file doesn't exist, a default one will be created first.`,
	RunE: runConfigEdit,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create default configuration file",
	Long:  `Create a default configuration file if one doesn't exist.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	Long:  `Display the path to the configuration file.`,
	RunE:  runConfigPath,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// effectiveSettings flattens cfg into the YAML shape of the config file.
func effectiveSettings(cfg *config.Config) map[string]interface{} {
	return map[string]interface{}{
		"resource": map[string]interface{}{
			"eta":              cfg.Resource.Eta,
			"gamma":            cfg.Resource.Gamma,
			"overhead":         cfg.Resource.Overhead,
			"base":             cfg.Resource.Base,
			"min_workers":      cfg.Resource.MinWorkers,
			"max_workers":      cfg.Resource.MaxWorkers,
			"fallback_workers": cfg.Resource.FallbackWorkers,
			"safety_enabled":   cfg.Resource.SafetyEnabled,
			"cap_by_cpu":       cfg.Resource.CapByCPU,
		},
		"semaphore": map[string]interface{}{
			"min_capacity":        cfg.Semaphore.MinCapacity,
			"reevaluate_interval": cfg.Semaphore.ReevaluateInterval.String(),
			"poll_interval":       cfg.Semaphore.PollInterval.String(),
			"acquire_timeout":     cfg.Semaphore.AcquireTimeout.String(),
		},
		"scan": map[string]interface{}{
			"default_path": cfg.Scan.DefaultPath,
			"include":      cfg.Scan.Include,
			"exclude":      cfg.Scan.Exclude,
			"min_size":     cfg.Scan.MinSize,
		},
		"run": map[string]interface{}{
			"workers":   cfg.Run.Workers,
			"fail_fast": cfg.Run.FailFast,
		},
		"watch": map[string]interface{}{
			"settle":         cfg.Watch.Settle.String(),
			"batch_interval": cfg.Watch.BatchInterval.String(),
		},
		"history": map[string]interface{}{
			"enabled":        cfg.History.Enabled,
			"path":           cfg.HistoryPath(),
			"retention_days": cfg.History.RetentionDays,
		},
		"logging": map[string]interface{}{
			"level":      cfg.Logging.Level,
			"path":       cfg.Logging.Path,
			"console":    cfg.Logging.Console,
			"components": cfg.Logging.Components,
			"rotation": map[string]interface{}{
				"max_size":    cfg.Logging.Rotation.MaxSize,
				"max_age":     cfg.Logging.Rotation.MaxAge,
				"max_backups": cfg.Logging.Rotation.MaxBackups,
				"daily":       cfg.Logging.Rotation.Daily,
			},
		},
		"metrics": map[string]interface{}{
			"addr": cfg.Metrics.Addr,
		},
	}
}

// runConfigShow displays the effective configuration.
func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if configFile := viper.ConfigFileUsed(); configFile != "" {
		fmt.Fprintf(w, "# Config file: %s\n", configFile)
	} else {
		fmt.Fprintln(w, "# Config file: (using defaults, no file found)")
	}

	if _, err := cfg.ResourceConfig(); err != nil {
		fmt.Fprintf(w, "# WARNING: %v\n", err)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(effectiveSettings(cfg)); err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	return enc.Close()
}

// runConfigEdit opens the config file in an editor.
func runConfigEdit(cmd *cobra.Command, args []string) error {
	configPath, err := config.WriteDefault()
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	if editor == "" {
		editor = "vi"
	}

	printVerbose("Opening %s with %s", configPath, editor)

	editorCmd := exec.Command(editor, configPath)
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr

	if err := editorCmd.Run(); err != nil {
		return fmt.Errorf("editor command failed: %w", err)
	}

	return nil
}

// runConfigInit creates a default config file.
func runConfigInit(cmd *cobra.Command, args []string) error {
	configPath, err := config.ConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		printInfo("Config file already exists: %s", configPath)
		printInfo("Use 'simbatch config edit' to modify it.")
		return nil
	}

	if _, err := config.WriteDefault(); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	printInfo("Created default config file: %s", configPath)
	return nil
}

// runConfigPath shows the config file path.
func runConfigPath(cmd *cobra.Command, args []string) error {
	configPath := cfgFile
	if configPath == "" {
		var err error
		if configPath, err = config.ConfigPath(); err != nil {
			return fmt.Errorf("failed to get config directory: %w", err)
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), configPath)

	if _, err := os.Stat(configPath); err == nil {
		printVerbose("File exists")
	} else if os.IsNotExist(err) {
		printVerbose("File does not exist (will use defaults)")
	}

	return nil
}
