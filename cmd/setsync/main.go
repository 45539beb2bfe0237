// Command setsync keeps workout set edits safe while offline and syncs them
// to the training server when connectivity allows.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ironlog/setsync/internal/config"
	"github.com/ironlog/setsync/internal/engine"
	"github.com/ironlog/setsync/internal/logging"
)

var (
	configPath string

	// closers run after the command finishes
	closers []io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "setsync",
	Short: "Offline-first sync for workout sets",
	Long: `setsync records edits to workout sets locally the moment they are made
and delivers them to the training server in the background.

Edits are written to a local SQLite database before anything touches the
network, debounced per field into a durable queue, and sent in grouped
batches whenever the device is online. Server responses are reconciled back
into the local cache without hiding edits that are still in flight.`,
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		for _, c := range closers {
			_ = c.Close()
		}
	},
}

// configFlags maps config keys to the persistent flags that override them.
var configFlags = map[string]string{
	"db.path":    "db",
	"remote.url": "remote",
	"log.level":  "log-level",
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Config file (default "+config.DefaultPath+")")
	flags.String("db", "", "SQLite database path (overrides db.path)")
	flags.String("remote", "", "Training server URL (overrides remote.url)")
	flags.String("log-level", "", "Log level: debug, info, warn, error (overrides log.level)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves configuration for cmd, honoring persistent flags.
func loadConfig(cmd *cobra.Command) *config.Config {
	bound := make(map[string]*pflag.Flag, len(configFlags))
	for key, name := range configFlags {
		bound[key] = cmd.Flags().Lookup(name)
	}

	cfg, err := config.LoadWithFlags(configPath, bound)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// newLogger builds the process logger from cfg. File output is only used by
// long-running commands.
func newLogger(cfg *config.Config, withFile bool) *log.Logger {
	opts := logging.Options{Level: cfg.Log.Level}
	if withFile {
		opts.File = cfg.Log.File
		opts.MaxSizeMB = cfg.Log.MaxSizeMB
		opts.MaxBackups = cfg.Log.MaxBackups
		opts.MaxAgeDays = cfg.Log.MaxAgeDays
	}
	logger, closer := logging.New(opts)
	closers = append(closers, closer)
	return logger
}

// openEngine builds an engine for a short-lived command: no dashboard and
// no background loops.
func openEngine(ctx context.Context, cmd *cobra.Command) *engine.Engine {
	cfg := loadConfig(cmd)
	cfg.Dashboard.Enabled = false

	eng, err := engine.New(ctx, engine.Options{Config: cfg, Logger: newLogger(cfg, false)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return eng
}

// closeEngine closes eng and reports edits that could not be delivered.
func closeEngine(eng *engine.Engine) {
	if err := eng.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
	}
}
