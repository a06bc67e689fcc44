package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	indexsyncv1 "github.com/jamesainslie/indexsync/pkg/api/indexsync/v1"
	"github.com/jamesainslie/indexsync/pkg/client"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events",
	Long: `Stream progress, fault, snapshot, task failure and log events until
interrupted.

Kinds: batch_progress, fault_report, snapshot_opened, file_opened,
file_closed, task_failed, log_message.`,
	Example: `  indexsync watch --kinds batch_progress,fault_report
  indexsync watch -o json | jq .`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("kinds", "", "comma-separated event kinds (default: all)")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	kindsFlag, _ := cmd.Flags().GetString("kinds")
	kinds, err := parseKinds(kindsFlag)
	if err != nil {
		return err
	}

	if err := maybeStartDaemon(cfg); err != nil {
		printVerbose("auto start failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := client.ConnectWithContext(connectCtx, cfg.Daemon.SocketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	events, errc, err := c.Watch(ctx, kinds...)
	if err != nil {
		return err
	}

	asJSON := viper.GetString("output") == "json"
	w := cmd.OutOrStdout()
	for ev := range events {
		if err := writeEvent(w, ev, asJSON); err != nil {
			return err
		}
	}
	return <-errc
}

func writeEvent(w io.Writer, ev *indexsyncv1.Event, asJSON bool) error {
	if asJSON {
		line, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", line)
		return err
	}
	_, err := fmt.Fprintf(w, "%s  %-16s %s\n", ev.Time.Local().Format(time.TimeOnly), ev.Kind, ev.Data)
	return err
}
