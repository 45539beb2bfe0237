package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ironlog/setsync/internal/loadtest"
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Measure queue and sync throughput under concurrent edits",
	Long: `Run a self-contained load test against a scratch database and an
in-memory training server.

Many simulated sessions append field edits to the queue at once. The queue
is then drained through the sync scheduler and the server is checked to hold
the last queued value for every field. Your real database is not touched.

Examples:
  setsync loadtest
  setsync loadtest --sessions 50 --edits 100 --exercises 8
  setsync loadtest --json`,
	Run:     runLoadtest,
	GroupID: "advanced",
}

func init() {
	loadtestCmd.Flags().Int("sessions", 20, "Number of concurrent editing sessions")
	loadtestCmd.Flags().Int("edits", 50, "Edits per session")
	loadtestCmd.Flags().Int("exercises", 5, "Exercises in the workout")
	loadtestCmd.Flags().Int("sets", 4, "Sets per exercise")
	loadtestCmd.Flags().Int64("seed", 42, "Random seed for generated edits")
	loadtestCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) {
	sessions, _ := cmd.Flags().GetInt("sessions")
	edits, _ := cmd.Flags().GetInt("edits")
	exercises, _ := cmd.Flags().GetInt("exercises")
	sets, _ := cmd.Flags().GetInt("sets")
	seed, _ := cmd.Flags().GetInt64("seed")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if sessions <= 0 || edits <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --sessions and --edits must be positive\n")
		os.Exit(1)
	}

	dir, err := os.MkdirTemp("", "setsync-loadtest-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	f, err := loadtest.NewFixture(ctx, filepath.Join(dir, "load.db"), loadtest.Options{
		Exercises:       exercises,
		SetsPerExercise: sets,
		Seed:            seed,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	start := time.Now()
	stats, err := f.RunConcurrentEnqueues(ctx, sessions, edits)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	enqueueElapsed := time.Since(start)

	want, err := f.Expected(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	drain, err := f.Drain(ctx, 10)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	convergeErr := f.VerifyConverged(want)

	if jsonOutput {
		out := map[string]any{
			"sessions":       sessions,
			"edits":          edits,
			"enqueue":        stats,
			"enqueueSeconds": enqueueElapsed.Seconds(),
			"opsPerSecond":   float64(stats.Count) / enqueueElapsed.Seconds(),
			"drain":          drain,
			"converged":      convergeErr == nil,
		}
		if convergeErr != nil {
			out["error"] = convergeErr.Error()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}

	fmt.Printf("%d sessions x %d edits over %d exercise(s) of %d set(s)\n\n", sessions, edits, exercises, sets)
	stats.Fprint(os.Stdout)
	fmt.Printf("  Throughput:   %.0f ops/s\n\n", float64(stats.Count)/enqueueElapsed.Seconds())
	fmt.Printf("Drain:\n")
	fmt.Printf("  Flushes:      %d\n", drain.Flushes)
	fmt.Printf("  Payloads:     %d\n", drain.Payloads)
	fmt.Printf("  Confirmed:    %d\n", drain.Confirmed)
	fmt.Printf("  Rejected:     %d\n", drain.Rejected)
	fmt.Printf("  Elapsed:      %v\n\n", drain.Elapsed)
	if convergeErr != nil {
		fmt.Printf("Converged: no (%v)\n", convergeErr)
		return
	}
	fmt.Println("Converged: yes")
}
