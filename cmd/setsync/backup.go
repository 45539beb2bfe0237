package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ironlog/setsync/internal/migrate"
)

var exportCmd = &cobra.Command{
	Use:     "export FILE",
	GroupID: "advanced",
	Short:   "Write the cache and pending queue to a JSONL file",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		eng := openEngine(ctx, cmd)
		defer closeEngine(eng)

		res, err := migrate.ExportFile(ctx, eng.DB(), args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		fmt.Printf("Exported %d exercise(s) and %d pending operation(s) to %s\n",
			res.Exercises, res.Operations, args[0])
	},
}

var importCmd = &cobra.Command{
	Use:     "import FILE",
	GroupID: "advanced",
	Short:   "Restore the cache and pending queue from a JSONL file",
	Long: `Restore an export into the local database.

Cached exercises are replaced. Pending operations are appended in their
original order; operations already in the queue are skipped, so importing
the same file twice is harmless.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		skipCache, _ := cmd.Flags().GetBool("skip-cache")

		ctx := context.Background()
		eng := openEngine(ctx, cmd)
		defer closeEngine(eng)

		res, err := migrate.ImportFile(ctx, eng.DB(), args[0], migrate.ImportOptions{
			DryRun:    dryRun,
			SkipCache: skipCache,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %d exercise(s) and %d pending operation(s)", verb, res.Exercises, res.Operations)
		if res.SkippedOps > 0 {
			fmt.Printf(", skipped %d already queued", res.SkippedOps)
		}
		fmt.Println()
		for _, e := range res.Errors {
			fmt.Fprintf(os.Stderr, "  %s\n", e)
		}
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "Validate the file without writing")
	importCmd.Flags().Bool("skip-cache", false, "Restore only pending operations")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
