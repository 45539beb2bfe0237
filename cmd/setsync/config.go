package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ironlog/setsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with default values",
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		path := configPath
		if path == "" {
			path = config.DefaultPath
		}
		expanded, err := config.ExpandPath(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := config.WriteFile(expanded, config.Default(), force); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", expanded)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print configuration after merging defaults, the config file, SETSYNC_*
environment variables and command-line flags. The remote token is masked
unless --show-secrets is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		asYAML, _ := cmd.Flags().GetBool("yaml")
		showSecrets, _ := cmd.Flags().GetBool("show-secrets")

		cfg := loadConfig(cmd)
		format := "toml"
		if asYAML {
			format = "yaml"
		}
		if err := cfg.Encode(os.Stdout, format, showSecrets); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configShowCmd.Flags().Bool("yaml", false, "Print as YAML instead of TOML")
	configShowCmd.Flags().Bool("show-secrets", false, "Print the remote token in clear")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
