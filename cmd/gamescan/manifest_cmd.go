package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/BadgerOps/gamescan/internal/manifest"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var manifestList bool

func newManifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Fetch and summarize the manifest",
		Long: `Fetch, validate, and summarize the configured manifest. When the manifest
cannot be fetched, the copy cached by the last successful fetch is used.

Use --list to print every entry.`,
		Example: `  gamescan manifest
  gamescan manifest --list`,
		Args: cobra.NoArgs,
		RunE: manifestRun,
	}

	cmd.Flags().BoolVar(&manifestList, "list", false, "list every file in the manifest")

	return cmd
}

func manifestRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	if globalLoader == nil {
		return fmt.Errorf("manifest loader not initialized")
	}
	set, err := globalLoader.Load(ctx)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	archives := map[string]bool{}
	for _, e := range set.Entries() {
		if e.InArchive() {
			archives[e.Archive.ID] = true
		}
	}

	fmt.Fprintf(w, "Game:     %s\n", set.Game)
	if set.Version != "" {
		fmt.Fprintf(w, "Version:  %s\n", set.Version)
	}
	fmt.Fprintf(w, "Files:    %s\n", humanize.Comma(int64(set.Len())))
	fmt.Fprintf(w, "Size:     %s\n", humanize.IBytes(uint64(set.TotalSize())))
	fmt.Fprintf(w, "Archives: %d\n", len(archives))

	if !manifestList {
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tSIZE\tSHA256\tSOURCE")
	for _, e := range set.Entries() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Path, humanize.IBytes(uint64(e.Size)), shortHash(e.SHA256), entrySource(e))
	}
	return tw.Flush()
}

func entrySource(e manifest.Entry) string {
	if e.InArchive() {
		return "archive " + e.Archive.ID
	}
	return string(e.Source.Format)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
