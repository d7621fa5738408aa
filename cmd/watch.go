package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/ta-cortex/internal/ingest"
)

var (
	watchDir         string
	watchOnce        bool
	watchPatterns    string
	watchSID         string
	watchTailFromEnd bool
)

// watchCmd submits indicators dropped into a directory
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Submit indicators from files in a directory (optionally watch for changes)",
	Long: `Submit indicators read from a directory. JSONL files hold one request per
line and are tailed; JSON files hold one request or an array; CSV files are
Splunk search exports with a header naming data, dataType, tlp, pap,
analyzers and sid.

Examples:
  # Watch mode: tail JSONL appends and reprocess changed JSON/CSV files
  ta-cortex watch --dir ./incoming

  # One-shot: submit existing files and exit
  ta-cortex watch --dir ./incoming --once

  # Only CSV exports, all under one search id
  ta-cortex watch --dir ./exports --pattern "*.csv" --sid 1700000000.42`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchDir, "dir", "", "Directory to read files from (required)")
	watchCmd.MarkFlagRequired("dir")

	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "Process existing files and exit")
	watchCmd.Flags().StringVar(&watchPatterns, "pattern", "*.jsonl,*.json,*.csv", "Comma-separated glob patterns to match")
	watchCmd.Flags().StringVar(&watchSID, "sid", "", "Search id for requests carrying none (default: one per file)")
	watchCmd.Flags().BoolVar(&watchTailFromEnd, "tail-from-end", false, "Start existing JSONL files at their end")
}

func splitPatterns(v string) []string {
	var patterns []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			patterns = append(patterns, s)
		}
	}
	return patterns
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rt, err := openRuntime(ctx, openOptions{component: "watch", source: "folder", needSession: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	opts := ingest.FolderOptions{
		Dir:         resolvePathRelativeToBase(getWorkingDir(), watchDir),
		Watch:       !watchOnce,
		Patterns:    splitPatterns(watchPatterns),
		SID:         watchSID,
		Logger:      rt.logger,
		Debug:       rt.debug,
		TailFromEnd: watchTailFromEnd,
	}
	rt.logger.Printf("Starting watch dir=%s watch=%v patterns=%v", opts.Dir, opts.Watch, opts.Patterns)

	ingestor := ingest.NewFolderIngestor(ingest.SessionSubmitter{Session: rt.session}, opts)
	if err := ingestor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch error: %w", err)
	}
	return nil
}
