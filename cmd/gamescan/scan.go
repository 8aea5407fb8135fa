package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BadgerOps/gamescan/internal/scanner"
	"github.com/BadgerOps/gamescan/internal/verify"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// errNeedsRepair is returned when the installation does not verify and no
// repair was made.
var errNeedsRepair = errors.New("installation needs repair")

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case errors.Is(err, errNeedsRepair):
		return 2
	case errors.Is(err, scanner.ErrCancelled), errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}

// signalContext is cancelled on SIGINT or SIGTERM so scans stop cleanly and
// keep their partial downloads.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// loadManifest initializes the scan manager from the configured manifest.
func loadManifest(ctx context.Context) error {
	if globalManager == nil {
		return fmt.Errorf("scan manager not initialized")
	}
	if err := globalManager.InitializeFromManifest(ctx); err != nil {
		return err
	}
	return nil
}

func newQuickScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quickscan",
		Short: "Check that every file exists with the expected size",
		Long: `Check that every file listed in the manifest exists with the expected size.
Nothing is hashed, downloaded, or changed. Exits with status 2 when a file
needs repair.`,
		Example: `  gamescan quickscan
  gamescan quickscan --root /games/demo`,
		Args: cobra.NoArgs,
		RunE: quickScanRun,
	}
}

func quickScanRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	if err := loadManifest(ctx); err != nil {
		return err
	}

	ok, err := globalManager.QuickScan(ctx)
	if err != nil {
		return fmt.Errorf("quick scan failed: %w", err)
	}
	if !ok {
		return errNeedsRepair
	}
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: all %d files present\n", globalManager.Root(), globalManager.Manifest().Len())
	}
	return nil
}

var scanStrictness string

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Verify every file and repair what does not match",
		Long: `Verify every file in manifest order and repair the ones that are missing
or damaged. Repaired files are downloaded to the staging directory, checked,
unpacked when needed, checked again, and only then moved into the game
directory.

With --strictness quick only sizes are compared; full also compares SHA-256
hashes. The default comes from scan.strictness in the config file.

Interrupting the scan keeps partial downloads so the next run resumes them.`,
		Example: `  gamescan scan
  gamescan scan --strictness quick`,
		Args: cobra.NoArgs,
		RunE: scanRun,
	}

	cmd.Flags().StringVar(&scanStrictness, "strictness", "", "verification level: quick or full (default from config)")

	return cmd
}

func scanRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	strictness := scanStrictness
	if strictness == "" {
		strictness = globalCfg.Scan.Strictness
	}
	level, err := verify.ParseLevel(strictness)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	if err := loadManifest(ctx); err != nil {
		return err
	}

	log.Info("scan starting", "root", globalManager.Root(), "strictness", level, "files", globalManager.Manifest().Len())

	out := newConsole(cmd.OutOrStdout())
	ok, err := globalManager.ScanAndRepair(ctx, out, out, level)
	out.Done()

	printRunSummary(cmd, out.repaired)

	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	if !ok {
		return errNeedsRepair
	}
	return nil
}

// printRunSummary prints the newest run recorded for the game.
func printRunSummary(cmd *cobra.Command, repaired int) {
	if quiet {
		return
	}
	w := cmd.OutOrStdout()
	if globalStore == nil {
		fmt.Fprintf(w, "Repaired %d files\n", repaired)
		return
	}
	runs, err := globalStore.ListScanRuns(globalCfg.Game.ID, 1)
	if err != nil || len(runs) == 0 {
		fmt.Fprintf(w, "Repaired %d files\n", repaired)
		return
	}
	run := runs[0]
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Run:        %s (%s)\n", run.ID, run.Status)
	fmt.Fprintf(w, "Checked:    %d of %d files\n", run.FilesChecked, run.FilesTotal)
	fmt.Fprintf(w, "Repaired:   %d files\n", run.FilesRepaired)
	fmt.Fprintf(w, "Downloaded: %s\n", humanize.IBytes(uint64(run.BytesDownloaded)))
	if !run.EndTime.IsZero() {
		fmt.Fprintf(w, "Duration:   %s\n", run.EndTime.Sub(run.StartTime).Round(time.Millisecond))
	}
}
