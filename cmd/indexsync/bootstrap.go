package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jamesainslie/indexsync/pkg/client"
	"github.com/jamesainslie/indexsync/pkg/indexsync/config"
	"github.com/jamesainslie/indexsync/pkg/indexsync/logging"
	"github.com/jamesainslie/indexsync/pkg/indexsync/output"
)

// initializeLogging loads the configuration, makes sure the config and data
// directories exist and initializes logging. It runs before every command.
func initializeLogging(_ *cobra.Command, _ []string) error {
	loaded, err := config.LoadFile(cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded

	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	if err := os.MkdirAll(config.DataDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	console := ""
	if getVerbose() {
		console = "debug"
	}
	if err := logging.Init(cfg.Logging.Logging(console)); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	return nil
}

// daemonPaths returns the daemon paths of c.
func daemonPaths(c *config.Config) client.DaemonPaths {
	paths := client.PathsFromConfig(c)
	paths.Config = cfgFile
	return paths
}

// maybeStartDaemon starts indexsyncd when auto start is enabled and it is
// not running yet.
func maybeStartDaemon(c *config.Config) error {
	if !c.Daemon.AutoStart || viper.GetBool("no_start") {
		return nil
	}

	paths := daemonPaths(c)
	pidPath := paths.PID
	if pidPath == "" {
		pidPath = client.DefaultPIDPath()
	}
	if client.IsDaemonRunning(pidPath) {
		return nil
	}

	printVerbose("starting daemon...")
	return client.StartDaemon(paths)
}

// withClient connects to the daemon, starting it if needed, and runs fn with
// a context bounded by --timeout.
func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	if err := maybeStartDaemon(cfg); err != nil {
		printVerbose("auto start failed: %v", err)
	}

	timeout := viper.GetDuration("timeout")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	socket := cfg.Daemon.SocketPath
	if socket == "" {
		socket = client.DefaultSocketPath()
	}
	c, err := client.ConnectWithContext(ctx, socket)
	if err != nil {
		return fmt.Errorf("%w (start it with: indexsync daemon start)", err)
	}
	defer c.Close()

	return fn(ctx, c)
}

// render writes r in the --output format.
func render(cmd *cobra.Command, r *output.Result) error {
	name := viper.GetString("output")

	var formatter output.Formatter
	if tmpl := viper.GetString("template"); name == "template" && tmpl != "" {
		formatter = output.NewTemplateFormatter(tmpl)
	} else {
		f, err := output.Get(name)
		if err != nil {
			return fmt.Errorf("%w (available: %v)", err, output.Available())
		}
		formatter = f
	}

	var buf bytes.Buffer
	if err := formatter.Format(&buf, r); err != nil {
		return err
	}
	_, err := cmd.OutOrStdout().Write(buf.Bytes())
	return err
}
