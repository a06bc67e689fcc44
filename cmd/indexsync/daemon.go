package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/indexsync/pkg/client"
)

var errNotRunning = errors.New("daemon is not running")

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the indexsyncd daemon",
	Long: `Manage the indexsyncd daemon, which keeps the index in sync with the
store in the background and serves the commands of this CLI.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start indexsyncd in the background",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop indexsyncd gracefully",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart indexsyncd",
	Args:  cobra.NoArgs,
	RunE:  runDaemonRestart,
}

var daemonRunningCmd = &cobra.Command{
	Use:   "running",
	Short: "Report whether indexsyncd is running",
	Long:  `Exit with status 0 when the daemon is running and 1 otherwise.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonRunning,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonRestartCmd, daemonRunningCmd)
}

func runDaemonStart(_ *cobra.Command, _ []string) error {
	printVerbose("starting daemon...")
	if err := client.StartDaemon(daemonPaths(cfg)); err != nil {
		return err
	}
	printInfo("Daemon started")
	return nil
}

func runDaemonStop(_ *cobra.Command, _ []string) error {
	paths := daemonPaths(cfg)
	printVerbose("PID file: %s, socket: %s", paths.PID, paths.Socket)
	if err := client.StopDaemon(paths); err != nil {
		return err
	}
	printInfo("Daemon stopped")
	return nil
}

func runDaemonRestart(_ *cobra.Command, _ []string) error {
	if err := client.RestartDaemon(daemonPaths(cfg)); err != nil {
		return err
	}
	printInfo("Daemon restarted")
	return nil
}

func runDaemonRunning(_ *cobra.Command, _ []string) error {
	pidPath := daemonPaths(cfg).PID
	if pidPath == "" {
		pidPath = client.DefaultPIDPath()
	}
	if !client.IsDaemonRunning(pidPath) {
		printInfo("Daemon status: not running")
		return errNotRunning
	}
	printInfo("Daemon status: running")
	return nil
}
