package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/BadgerOps/gamescan/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	statusLimit  int
	statusFailed bool
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display scan history and unresolved failures",
		Long: `Display recent scan runs for the configured game, the number of files on
record as verified, and any files whose repair failed and has not since
succeeded.

Use --failed to show only the unresolved failures.`,
		Example: `  gamescan status
  gamescan status --limit 5
  gamescan status --failed`,
		Args: cobra.NoArgs,
		RunE: statusRun,
	}

	cmd.Flags().IntVar(&statusLimit, "limit", 10, "number of runs to show")
	cmd.Flags().BoolVar(&statusFailed, "failed", false, "show only unresolved failed files")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	w := cmd.OutOrStdout()
	game := globalCfg.Game.ID

	failed, err := globalStore.ListFailedFiles(game)
	if err != nil {
		return fmt.Errorf("failed to list failed files: %w", err)
	}

	if !statusFailed {
		runs, err := globalStore.ListScanRuns(game, statusLimit)
		if err != nil {
			return fmt.Errorf("failed to list scan runs: %w", err)
		}
		verified, err := globalStore.CountFileRecords(game)
		if err != nil {
			return fmt.Errorf("failed to count file records: %w", err)
		}

		fmt.Fprintf(w, "Game %s\n", game)
		fmt.Fprintln(w, strings.Repeat("=", 5+len(game)))
		fmt.Fprintf(w, "Files on record: %s\n\n", humanize.Comma(int64(verified)))
		printRuns(w, runs)
		fmt.Fprintln(w)
	}

	if len(failed) == 0 {
		fmt.Fprintln(w, "No unresolved failures")
		return nil
	}
	printFailures(w, failed)
	return nil
}

func printRuns(w io.Writer, runs []store.ScanRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No scans recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tMODE\tLEVEL\tSTATUS\tSTARTED\tCHECKED\tREPAIRED\tDOWNLOADED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			shortHash(r.ID),
			r.Mode,
			r.Strictness,
			r.Status,
			humanize.Time(r.StartTime),
			r.FilesChecked, r.FilesTotal,
			r.FilesRepaired,
			humanize.IBytes(uint64(r.BytesDownloaded)),
		)
	}
	tw.Flush()
}

func printFailures(w io.Writer, failed []store.FailedFileRecord) {
	fmt.Fprintf(w, "Unresolved failures (%d)\n", len(failed))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tSTEP\tRETRIES\tLAST FAILURE\tERROR")
	for _, f := range failed {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", f.Path, f.Step, f.RetryCount, humanize.Time(f.LastFailure), f.Error)
	}
	tw.Flush()
}
