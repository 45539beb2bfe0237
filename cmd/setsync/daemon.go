package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ironlog/setsync/internal/config"
	"github.com/ironlog/setsync/internal/engine"
	"github.com/ironlog/setsync/internal/logging"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync engine in the foreground",
	Long: `Run the sync engine until interrupted.

The daemon will:
  1. Probe the training server and track connectivity
  2. Drain the pending queue every sync.interval while online
  3. Trigger an extra sync as soon as connectivity returns
  4. Broadcast save and sync events on the dashboard WebSocket
  5. Reload log.level and netstat.force_offline when the config file changes

On shutdown it flushes debounced edits and makes one last sync attempt.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		if port, _ := cmd.Flags().GetInt("dashboard-port"); cmd.Flags().Changed("dashboard-port") {
			cfg.Dashboard.Port = port
		}
		if off, _ := cmd.Flags().GetBool("no-dashboard"); off {
			cfg.Dashboard.Enabled = false
		}
		logger := newLogger(cfg, true)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		eng, err := engine.New(ctx, engine.Options{Config: cfg, Logger: logger})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := eng.Start(ctx); err != nil {
			closeEngine(eng)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		watcher, err := config.Watch(cfg, logging.Component(logger, "config"), func(next *config.Config) {
			eng.ApplyConfig(next)
		})
		if err != nil {
			logger.Warn("config reload disabled", "err", err)
		} else {
			defer watcher.Close()
		}

		fmt.Printf("setsync daemon running\n")
		fmt.Printf("   Database: %s\n", cfg.DB.Path)
		fmt.Printf("   Remote:   %s\n", cfg.Remote.URL)
		if st, err := eng.Status(ctx); err == nil && st.Dashboard != "" {
			fmt.Printf("   Dashboard: ws://%s/ws\n", st.Dashboard)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		closeEngine(eng)
	},
}

func init() {
	daemonCmd.Flags().Int("dashboard-port", 7691, "Dashboard WebSocket port (overrides dashboard.port)")
	daemonCmd.Flags().Bool("no-dashboard", false, "Do not start the dashboard")
	rootCmd.AddCommand(daemonCmd)
}
