package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ironlog/setsync/internal/engine"
	"github.com/ironlog/setsync/internal/schema"
	"github.com/ironlog/setsync/internal/ui"
)

var editCmd = &cobra.Command{
	Use:     "edit EXERCISE SET [FIELD VALUE]...",
	GroupID: "data",
	Short:   "Record values for one set",
	Long: `Record one or more field values for a set, exactly as the app would.

Each value is written to the local cache immediately and queued for sync.
Fields: actualLoad, actualReps, rpe, executionRating, notes. Use "null" to
clear a value. completed is derived from load and reps and cannot be set.

Examples:
  setsync edit bench 3 actualLoad 80 actualReps 8
  setsync edit bench 3 notes "felt heavy"
  setsync edit bench 3 --interactive`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		exerciseID, setID := args[0], args[1]
		pairs := args[2:]
		interactive, _ := cmd.Flags().GetBool("interactive")

		if len(pairs)%2 != 0 {
			fmt.Fprintf(os.Stderr, "Error: FIELD and VALUE must come in pairs\n")
			os.Exit(1)
		}
		if len(pairs) == 0 && !interactive {
			fmt.Fprintf(os.Stderr, "Error: nothing to edit (give FIELD VALUE pairs or --interactive)\n")
			os.Exit(1)
		}

		ctx := context.Background()
		eng := openEngine(ctx, cmd)
		eng.CheckConnectivity(ctx)

		entry, err := openExercise(ctx, eng, exerciseID)
		if err != nil {
			closeEngine(eng)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		set := entry.FindSet(setID)
		if set == nil {
			closeEngine(eng)
			fmt.Fprintf(os.Stderr, "Error: exercise %s has no set %s\n", exerciseID, setID)
			os.Exit(1)
		}

		if interactive {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				closeEngine(eng)
				fmt.Fprintf(os.Stderr, "Error: --interactive needs a terminal\n")
				os.Exit(1)
			}
			formPairs, err := editForm(set)
			if err != nil {
				closeEngine(eng)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			pairs = append(pairs, formPairs...)
		}

		for i := 0; i < len(pairs); i += 2 {
			field, err := schema.ParseField(pairs[i])
			if err == nil {
				err = eng.UpdateField(ctx, exerciseID, setID, field, parseValue(field, pairs[i+1]))
			}
			if err != nil {
				closeEngine(eng)
				fmt.Fprintf(os.Stderr, "Error: %s: %v\n", pairs[i], err)
				os.Exit(1)
			}
		}

		report := eng.ExitGuard(ctx)
		updated, _ := eng.Get(exerciseID)
		fmt.Println(ui.Exercise(updated, unsynced(ctx, eng, exerciseID)))
		fmt.Println()
		fmt.Println(ui.SyncResult(report.Flushed, report.Remaining))
		if report.Err != nil {
			fmt.Fprintf(os.Stderr, "Saved locally; sync will retry: %v\n", report.Err)
		}
		closeEngine(eng)
	},
}

// openExercise loads an exercise from the cache, fetching it when missing.
func openExercise(ctx context.Context, eng *engine.Engine, exerciseID string) (*schema.ExerciseCacheEntry, error) {
	entry, err := eng.Open(ctx, exerciseID)
	if errors.Is(err, engine.ErrNotCached) {
		return nil, fmt.Errorf("%w; connect once to download it", err)
	}
	return entry, err
}

// parseValue turns a command-line string into a value for field. Notes are
// taken verbatim; everything else must be JSON.
func parseValue(field schema.Field, s string) any {
	if s == "" || s == "null" {
		return nil
	}
	if field == schema.FieldNotes {
		return s
	}
	return json.RawMessage(s)
}

// editForm prompts for every mutable field of set and returns FIELD VALUE
// pairs for the ones the user changed.
func editForm(set *schema.SetRecord) ([]string, error) {
	type input struct {
		field schema.Field
		title string
		value string
	}
	inputs := make([]*input, 0, len(schema.MutableFields))
	for _, f := range schema.MutableFields {
		raw, err := set.Value(f)
		if err != nil {
			return nil, err
		}
		current := string(raw)
		if f == schema.FieldNotes {
			current = ""
			if set.Notes != nil {
				current = *set.Notes
			}
		} else if current == "null" {
			current = ""
		}
		inputs = append(inputs, &input{field: f, title: string(f), value: current})
	}

	original := make(map[schema.Field]string, len(inputs))
	fields := make([]huh.Field, 0, len(inputs))
	for _, in := range inputs {
		original[in.field] = in.value
		field := in.field
		fields = append(fields, huh.NewInput().
			Title(in.title).
			Value(&in.value).
			Validate(func(s string) error {
				_, err := schema.EncodeValue(field, parseValue(field, strings.TrimSpace(s)))
				return err
			}))
	}

	form := huh.NewForm(huh.NewGroup(fields...).
		Title(fmt.Sprintf("Set %s", set.SetID)).
		Description("Leave a field empty to clear it."))
	if err := form.Run(); err != nil {
		return nil, err
	}

	var pairs []string
	for _, in := range inputs {
		v := strings.TrimSpace(in.value)
		if v == original[in.field] {
			continue
		}
		if v == "" {
			v = "null"
		}
		pairs = append(pairs, string(in.field), v)
	}
	return pairs, nil
}

func init() {
	editCmd.Flags().BoolP("interactive", "i", false, "Edit the set in a form")
	rootCmd.AddCommand(editCmd)
}
