package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/indexsync/pkg/indexsync/config"
	"github.com/jamesainslie/indexsync/pkg/indexsync/output"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage indexsync configuration.

Configuration is loaded from:
  1. $XDG_CONFIG_HOME/indexsync/config.yaml
  2. ~/.config/indexsync/config.yaml

Environment variables with INDEXSYNC_ prefix override file settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create default configuration file",
	Long:  `Create a default configuration file if one doesn't exist.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

func init() {
	configCmd.AddCommand(configShowCmd, configInitCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	return render(cmd, configView(cfg))
}

// configView lists the effective settings of c as dotted keys.
func configView(c *config.Config) *output.Result {
	r := &output.Result{
		Title: "configuration",
		Data:  c,
		Fields: []output.Field{
			{Label: "store.backend", Value: c.Store.Backend},
			{Label: "store.path", Value: c.Store.Path},
			{Label: "index.path", Value: c.Index.Path},
			{Label: "index.search_cache", Value: strconv.Itoa(c.Index.SearchCache)},
			{Label: "sync.interval", Value: c.Sync.Interval.String()},
			{Label: "sync.batch_size", Value: strconv.Itoa(c.Sync.BatchSize)},
			{Label: "sync.cutoff", Value: c.Sync.Cutoff.String()},
			{Label: "snapshots.strategy", Value: c.Snapshots.Strategy},
			{Label: "snapshots.path", Value: c.Snapshots.Path},
			{Label: "snapshots.max_snapshots", Value: strconv.Itoa(c.Snapshots.MaxSnapshots)},
			{Label: "snapshots.schedule", Value: orDash(c.Snapshots.Schedule)},
			{Label: "logging.level", Value: c.Logging.Level},
			{Label: "logging.path", Value: orDash(c.Logging.Path)},
			{Label: "daemon.auto_start", Value: strconv.FormatBool(c.Daemon.AutoStart)},
			{Label: "daemon.socket_path", Value: c.Daemon.SocketPath},
			{Label: "daemon.metrics_addr", Value: orDash(c.Daemon.MetricsAddr)},
		},
	}

	areas := make([]string, 0, len(c.Sync.Areas))
	for _, a := range c.Sync.Areas {
		areas = append(areas, a.Name)
	}
	if len(areas) > 0 {
		r.Fields = append(r.Fields, output.Field{Label: "sync.areas", Value: strings.Join(areas, ",")})
	}
	for _, src := range c.Sources {
		r.Fields = append(r.Fields, output.Field{Label: "sources." + src.Area, Value: src.Path})
	}

	var overrides []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "INDEXSYNC_") {
			overrides = append(overrides, kv)
		}
	}
	if len(overrides) > 0 {
		r.Notes = append(r.Notes, "environment overrides: "+strings.Join(overrides, " "))
	}
	return r
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	path, err := defaultConfigPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		printInfo("Config file already exists: %s", path)
		return nil
	}

	path, err = config.WriteDefault()
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	printInfo("Created default config file: %s", path)
	return nil
}

func runConfigPath(cmd *cobra.Command, _ []string) error {
	path := cfgFile
	if path == "" {
		var err error
		if path, err = defaultConfigPath(); err != nil {
			return err
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		printVerbose("File does not exist (will use defaults)")
	}
	return nil
}

func defaultConfigPath() (string, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(dir, "config.yaml"), nil
}
