package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/BadgerOps/gamescan/internal/scanner"
	"github.com/spf13/cobra"
)

var checkYes bool

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Pre-launch check: quick scan, and repair on request",
		Long: `Run the pre-launch check. A quick scan runs first; when it finds a problem
you are asked whether to repair. A full repair scan then runs and the quick
scan is repeated, up to scan.gate_attempts times.

Use --yes to repair without asking.`,
		Example: `  gamescan check
  gamescan check --yes`,
		Args: cobra.NoArgs,
		RunE: checkRun,
	}

	cmd.Flags().BoolVarP(&checkYes, "yes", "y", false, "repair without prompting")

	return cmd
}

func checkRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	if err := loadManifest(ctx); err != nil {
		return err
	}

	out := newConsole(cmd.OutOrStdout())
	decide := promptDecider(cmd.InOrStdin(), cmd.OutOrStdout(), checkYes)

	ok, err := globalManager.Gate(ctx, decide, out, out)
	out.Done()
	if err != nil {
		return fmt.Errorf("check failed: %w", err)
	}
	if !ok {
		return errNeedsRepair
	}
	if !quiet {
		fmt.Fprintln(cmd.OutOrStdout(), "Installation verified")
	}
	return nil
}

// promptDecider asks on in whether to repair. EOF counts as no.
func promptDecider(in io.Reader, out io.Writer, yes bool) scanner.DecideFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, attempt int, lastErr error) (bool, error) {
		if lastErr != nil {
			fmt.Fprintf(out, "Previous repair failed: %v\n", lastErr)
		}
		if yes {
			return true, nil
		}
		if attempt == 1 {
			fmt.Fprint(out, "Some game files are missing or damaged. Repair now? [y/N] ")
		} else {
			fmt.Fprint(out, "The installation still does not verify. Try again? [y/N] ")
		}

		answer, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return false, fmt.Errorf("reading answer: %w", err)
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}
