package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jamesainslie/indexsync/pkg/client"
	"github.com/jamesainslie/indexsync/pkg/daemon"
	"github.com/jamesainslie/indexsync/pkg/daemon/source"
	"github.com/jamesainslie/indexsync/pkg/indexsync/output"
)

var importCmd = &cobra.Command{
	Use:   "import [AREA PATH]",
	Short: "Import a directory tree into the store",
	Long: `Import files into the document store without the daemon.

With no arguments every configured source is imported. With AREA and PATH
only that directory is imported into that area. The daemon must be stopped,
since it holds the store open; it picks the changes up from the change log
when it starts again.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return errors.New("expected no arguments or AREA and PATH")
		}
		return nil
	},
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringSlice("ext", nil, "only import files with these extensions (e.g. .md,.txt)")
	rootCmd.AddCommand(importCmd)
}

type areaCreator interface {
	CreateArea(ctx context.Context, area string) error
}

func runImport(cmd *cobra.Command, args []string) error {
	pidPath := daemonPaths(cfg).PID
	if pidPath == "" {
		pidPath = client.DefaultPIDPath()
	}
	if client.IsDaemonRunning(pidPath) {
		return errors.New("daemon is running; stop it first with: indexsync daemon stop")
	}

	sources := cfg.Sources
	if len(args) == 2 {
		exts, _ := cmd.Flags().GetStringSlice("ext")
		sources = []source.Config{{Area: args[0], Path: args[1], Extensions: exts}}
	}
	if len(sources) == 0 {
		return errors.New("no sources configured; pass AREA and PATH")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := daemon.OpenStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	r := &output.Result{
		Title:   "import",
		Columns: []string{"AREA", "ROOT", "FILES", "UPDATED", "REMOVED", "SKIPPED", "SIZE", "DURATION"},
		Empty:   "Nothing imported.",
	}
	for _, sc := range sources {
		src, err := source.New(sc, st)
		if err != nil {
			return fmt.Errorf("source %s: %w", sc.Area, err)
		}
		if ac, ok := st.(areaCreator); ok {
			if err := ac.CreateArea(ctx, sc.Area); err != nil {
				return err
			}
		}

		res, err := src.Import(ctx, func(p source.Progress) {
			printVerbose("%s: %d files (%s)", p.Area, p.Files, p.CurrentPath)
		})
		_ = src.Close()
		if err != nil {
			return fmt.Errorf("importing %s: %w", sc.Area, err)
		}
		r.Rows = append(r.Rows, importRow(res))
	}
	return render(cmd, r)
}

func importRow(res *source.Result) []string {
	return []string{
		res.Area,
		res.Root,
		strconv.FormatInt(res.Files, 10),
		strconv.FormatInt(res.Updated, 10),
		strconv.FormatInt(res.Removed, 10),
		strconv.FormatInt(res.Skipped, 10),
		humanize.IBytes(uint64(res.Bytes)),
		res.Duration.Round(time.Millisecond).String(),
	}
}
