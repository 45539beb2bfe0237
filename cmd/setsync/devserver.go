package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ironlog/setsync/internal/devserver"
	"github.com/ironlog/setsync/internal/logging"
)

var devserverCmd = &cobra.Command{
	Use:     "devserver",
	GroupID: "advanced",
	Short:   "Run a local training server for development",
	Long: `Run an in-memory training server that speaks the sync protocol.

Exercises are loaded from *.json files in --data. Each file holds one
exercise: {"id": "...", "name": "...", "sets": [...]}. Nothing is written
back to disk; restart to reset state.`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		dataDir, _ := cmd.Flags().GetString("data")
		token, _ := cmd.Flags().GetString("token")

		cfg := loadConfig(cmd)
		logger := newLogger(cfg, false)

		store := devserver.NewStore()
		if dataDir != "" {
			n, err := store.LoadDir(dataDir)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading exercises: %v\n", err)
				os.Exit(1)
			}
			logger.Info("loaded exercises", "count", n, "dir", dataDir)
		}

		srv := devserver.NewServer(store, &devserver.Config{
			Addr:   addr,
			Token:  token,
			Logger: logging.Component(logger, "devserver"),
		})
		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Training server listening on http://%s\n", srv.Addr())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
		}
		fmt.Printf("Accepted %d upsert(s)\n", store.Upserts())
	},
}

func init() {
	devserverCmd.Flags().String("addr", devserver.DefaultConfig().Addr, "Address to listen on")
	devserverCmd.Flags().String("data", "", "Directory of exercise JSON files")
	devserverCmd.Flags().String("token", "", "Require this bearer token")
	rootCmd.AddCommand(devserverCmd)
}
