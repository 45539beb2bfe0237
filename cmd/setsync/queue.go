package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/ironlog/setsync/internal/db"
	"github.com/ironlog/setsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect the pending operation queue",
	Long: `List edits that have been saved locally but not yet confirmed by the
training server, oldest first.

--before accepts an RFC 3339 timestamp or a phrase such as "yesterday",
"2 hours ago" or "last monday".`,
	Run: func(cmd *cobra.Command, args []string) {
		exerciseID, _ := cmd.Flags().GetString("exercise")
		limit, _ := cmd.Flags().GetInt("limit")
		beforeStr, _ := cmd.Flags().GetString("before")

		now := time.Now()
		filter := db.OpsFilter{ExerciseID: exerciseID, Limit: limit}
		if beforeStr != "" {
			before, err := parseBefore(beforeStr, now)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			filter.Before = before
		}

		ctx := context.Background()
		eng := openEngine(ctx, cmd)
		defer closeEngine(eng)

		ops, err := eng.DB().ListOpsContext(ctx, filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing queue: %v\n", err)
			return
		}
		fmt.Println(ui.Queue(ops, now))
	},
}

// parseBefore accepts RFC 3339 or natural language relative to now.
func parseBefore(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, now.Location()); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	return r.Time, nil
}

func init() {
	queueCmd.Flags().String("exercise", "", "Only show operations for this exercise")
	queueCmd.Flags().IntP("limit", "n", 0, "Show at most this many operations")
	queueCmd.Flags().String("before", "", "Only show operations created before this time")
	rootCmd.AddCommand(queueCmd)
}
