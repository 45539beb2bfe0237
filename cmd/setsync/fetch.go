package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ironlog/setsync/internal/autosave"
	"github.com/ironlog/setsync/internal/db"
	"github.com/ironlog/setsync/internal/engine"
	"github.com/ironlog/setsync/internal/ui"
)

var showCmd = &cobra.Command{
	Use:     "show EXERCISE",
	GroupID: "data",
	Short:   "Show an exercise's sets",
	Long: `Show the sets of one exercise with any unsynced local edits applied.

By default the local cache is used when it has the exercise, and the server
is asked only for exercises never seen before. --refresh always fetches the
latest server record first, keeping queued edits on top of it.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		refresh, _ := cmd.Flags().GetBool("refresh")

		ctx := context.Background()
		eng := openEngine(ctx, cmd)
		defer closeEngine(eng)

		exerciseID := args[0]
		online := eng.CheckConnectivity(ctx)

		var err error
		if refresh && online {
			_, err = eng.Refresh(ctx, exerciseID)
		} else {
			if refresh {
				fmt.Fprintf(os.Stderr, "Offline; showing cached copy\n")
			}
			_, err = openExercise(ctx, eng, exerciseID)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}

		entry, _ := eng.Get(exerciseID)
		fmt.Println(ui.Exercise(entry, unsynced(ctx, eng, exerciseID)))
	},
}

var cachedCmd = &cobra.Command{
	Use:     "cached",
	GroupID: "data",
	Short:   "List exercises in the local cache",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		eng := openEngine(ctx, cmd)
		defer closeEngine(eng)

		entries, err := eng.DB().ListExercisesContext(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		if len(entries) == 0 {
			fmt.Println("No cached exercises.")
			return
		}
		fmt.Println(ui.Cached(entries))
	},
}

// unsynced lists fields of exerciseID that have a debounce timer running or
// an operation still in the queue.
func unsynced(ctx context.Context, eng *engine.Engine, exerciseID string) []autosave.Key {
	keys := eng.Controller().Dirty()
	ops, err := eng.DB().ListOpsContext(ctx, db.OpsFilter{ExerciseID: exerciseID})
	if err != nil {
		return keys
	}
	seen := make(map[autosave.Key]bool, len(keys)+len(ops))
	for _, k := range keys {
		seen[k] = true
	}
	for _, op := range ops {
		k := autosave.Key{ExerciseID: op.ExerciseID, SetID: op.SetID, Field: op.Field}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

func init() {
	showCmd.Flags().Bool("refresh", false, "Fetch the latest server record first")
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(cachedCmd)
}
