package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ironlog/setsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity, queue and cache status",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		eng := openEngine(ctx, cmd)
		defer closeEngine(eng)

		eng.CheckConnectivity(ctx)
		st, err := eng.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading status: %v\n", err)
			return
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		asYAML, _ := cmd.Flags().GetBool("yaml")
		switch {
		case asJSON:
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(st)
		case asYAML:
			_ = yaml.NewEncoder(os.Stdout).Encode(st)
		default:
			fmt.Println(ui.Status(st))
		}
	},
}

var flushCmd = &cobra.Command{
	Use:     "flush",
	GroupID: "sync",
	Short:   "Send every pending edit now",
	Long: `Drain the pending queue to the training server synchronously.

Unlike the periodic sync, flush does not wait for the connectivity monitor:
it always attempts the request and reports what happened. Records the server
rejects stay queued and are retried on the next sync.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		eng := openEngine(ctx, cmd)
		defer closeEngine(eng)

		res, err := eng.FlushNow(ctx)
		remaining, countErr := eng.DB().CountOps(ctx)
		if countErr != nil {
			fmt.Fprintf(os.Stderr, "Error counting queue: %v\n", countErr)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: sync failed: %v\n", err)
			fmt.Fprintf(os.Stderr, "%d operation(s) remain queued\n", remaining)
			closeEngine(eng)
			os.Exit(1)
		}
		fmt.Println(ui.SyncResult(res, remaining))
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	statusCmd.Flags().Bool("yaml", false, "Output as YAML")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(flushCmd)
}
