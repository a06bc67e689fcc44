// Command indexsyncd keeps a search index in sync with a document store and
// serves the indexsync admin API on a unix socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jamesainslie/indexsync/pkg/daemon"
	"github.com/jamesainslie/indexsync/pkg/indexsync/config"
	"github.com/jamesainslie/indexsync/pkg/indexsync/logging"
)

// options are the resolved command line settings.
type options struct {
	ConfigPath string
	LogLevel   string
}

func main() {
	if err := newRootCmd(viper.New(), run).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "indexsyncd: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the daemon command. Flags are bound through v, so each
// may also come from an INDEXSYNC_ environment variable.
func newRootCmd(v *viper.Viper, start func(options) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "indexsyncd",
		Short:         "Keep a search index in sync with a document store",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return start(options{
				ConfigPath: v.GetString("config"),
				LogLevel:   v.GetString("log_level"),
			})
		},
	}

	cmd.Flags().String("config", "", "config file (default: ~/.config/indexsync/config.yaml)")
	cmd.Flags().String("log-level", "", "also log to stderr at this level")
	_ = v.BindPFlag("config", cmd.Flags().Lookup("config"))
	_ = v.BindPFlag("log_level", cmd.Flags().Lookup("log-level"))

	v.SetEnvPrefix("INDEXSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return cmd
}

func run(opts options) error {
	cfg, err := config.LoadFile(opts.ConfigPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(config.DataDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := logging.Init(cfg.Logging.Logging(opts.LogLevel)); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = logging.Close() }()
	log := logging.Get("daemon")

	socketPath := cfg.Daemon.SocketPath
	pidPath := cfg.Daemon.PIDPath
	statusPath := daemon.StatusPath(socketPath)

	err = daemon.RecoverFromStaleDaemon(pidPath, socketPath, cfg.Store.Path, cfg.Index.Path)
	if errors.Is(err, daemon.ErrDaemonAlreadyRunning) {
		return errors.New("indexsyncd is already running")
	}

	if err := daemon.WritePIDFile(pidPath); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer func() {
		if err := daemon.RemovePIDFile(pidPath); err != nil {
			log.Warn("failed to remove PID file", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("indexsyncd starting", "pid", os.Getpid(), "socket", socketPath)
	if err := daemon.Run(ctx, cfg); err != nil {
		// Left in place so a starting client can report the failure.
		_ = daemon.WriteStatusError(statusPath, err)
		log.Error("daemon failed", "error", err)
		return err
	}
	_ = daemon.RemoveStatus(statusPath)
	log.Info("indexsyncd stopped")
	return nil
}
