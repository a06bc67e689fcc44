package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/indexsync/pkg/client"
	"github.com/jamesainslie/indexsync/pkg/indexsync/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, area and index status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Show index initialization progress",
	Args:  cobra.NoArgs,
	RunE:  runProgress,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Poll every area's change log now",
	Long: `Pull one batch per area from the change logs, apply it to the index and
commit. The daemon does this on its own every sync.interval.`,
	Args: cobra.NoArgs,
	RunE: runUpdate,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Rebuild the index",
	Long: `Without --area, purge the index and replay every area from its initial
generation, then take a fresh snapshot.

With --area, re-index that area from --generation without purging. Documents
the log no longer mentions stay in the index.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

var seekCmd = &cobra.Command{
	Use:   "seek AREA GENERATION",
	Short: "Move an area's cursor without touching the index",
	Args:  cobra.ExactArgs(2),
	RunE:  runSeek,
}

var checkCmd = &cobra.Command{
	Use:   "check AREA ID",
	Short: "Reconcile one document between the store and the index",
	Long: `Re-index the document when the store has it, or remove it from the index
when it is gone from the store.`,
	Args: cobra.ExactArgs(2),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(statusCmd, progressCmd, updateCmd, resetCmd, seekCmd, checkCmd)

	resetCmd.Flags().String("area", "", "reset a single area")
	resetCmd.Flags().Int64("generation", 0, "generation to re-index the area from")
	checkCmd.Flags().String("type", "", "content type of the document")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	return withClient(func(ctx context.Context, c *client.Client) error {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		return render(cmd, output.Status(st))
	})
}

func runProgress(cmd *cobra.Command, _ []string) error {
	return withClient(func(ctx context.Context, c *client.Client) error {
		p, err := c.Progress(ctx)
		if err != nil {
			return err
		}
		return render(cmd, output.Progress(p))
	})
}

func runUpdate(cmd *cobra.Command, _ []string) error {
	return withClient(func(ctx context.Context, c *client.Client) error {
		batches, err := c.Update(ctx)
		if err != nil {
			return err
		}
		return render(cmd, output.Batches(batches))
	})
}

func runReset(cmd *cobra.Command, _ []string) error {
	area, _ := cmd.Flags().GetString("area")
	generation, _ := cmd.Flags().GetInt64("generation")
	if area == "" && cmd.Flags().Changed("generation") {
		return fmt.Errorf("--generation requires --area")
	}

	return withClient(func(ctx context.Context, c *client.Client) error {
		if area == "" {
			if err := c.ResetIndex(ctx); err != nil {
				return err
			}
			printInfo("Index rebuilt")
			return nil
		}
		if err := c.ResetArea(ctx, area, generation); err != nil {
			return err
		}
		printInfo("Area %s re-indexed from generation %d", area, generation)
		return nil
	})
}

func runSeek(_ *cobra.Command, args []string) error {
	area := args[0]
	generation, err := parseGeneration(args[1])
	if err != nil {
		return err
	}

	return withClient(func(ctx context.Context, c *client.Client) error {
		moved, err := c.Seek(ctx, area, generation)
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("unknown area %q", area)
		}
		printInfo("Area %s positioned at generation %d", area, generation)
		return nil
	})
}

func runCheck(cmd *cobra.Command, args []string) error {
	contentType, _ := cmd.Flags().GetString("type")

	return withClient(func(ctx context.Context, c *client.Client) error {
		if err := c.Check(ctx, args[0], contentType, args[1]); err != nil {
			return err
		}
		printInfo("Checked %s/%s", args[0], args[1])
		return nil
	})
}
