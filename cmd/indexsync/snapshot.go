package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/indexsync/pkg/client"
	"github.com/jamesainslie/indexsync/pkg/indexsync/output"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage index snapshots",
	Long: `Snapshots let a restarted daemon restore the index and replay only the
changes logged since, instead of rebuilding from scratch.`,
}

var snapshotTakeCmd = &cobra.Command{
	Use:   "take",
	Short: "Write a snapshot now",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotTake,
}

var snapshotListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List stored snapshots, newest first",
	Args:    cobra.NoArgs,
	RunE:    runSnapshotList,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotTakeCmd, snapshotListCmd)
}

func runSnapshotTake(_ *cobra.Command, _ []string) error {
	return withClient(func(ctx context.Context, c *client.Client) error {
		name, err := c.TakeSnapshot(ctx)
		if err != nil {
			return err
		}
		if name == "" {
			printInfo("Snapshots are disabled or paused")
			return nil
		}
		printInfo("Snapshot %s written", name)
		return nil
	})
}

func runSnapshotList(cmd *cobra.Command, _ []string) error {
	return withClient(func(ctx context.Context, c *client.Client) error {
		snaps, err := c.ListSnapshots(ctx)
		if err != nil {
			return err
		}
		return render(cmd, output.Snapshots(snaps))
	})
}
