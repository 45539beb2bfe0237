package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "data",
	Short:   "Clear the local exercise cache",
	Long: `Evict every cached exercise. Pending edits are kept and will still be
delivered after the next login, unless --discard-pending is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		discard, _ := cmd.Flags().GetBool("discard-pending")
		yes, _ := cmd.Flags().GetBool("yes")

		ctx := context.Background()
		eng := openEngine(ctx, cmd)
		defer closeEngine(eng)

		if discard && !yes {
			pending, err := eng.DB().CountOps(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return
			}
			if pending > 0 {
				if !term.IsTerminal(int(os.Stdin.Fd())) {
					fmt.Fprintf(os.Stderr, "Error: %d unsynced edit(s) would be lost; pass --yes to confirm\n", pending)
					return
				}
				confirmed := false
				err := huh.NewConfirm().
					Title(fmt.Sprintf("Discard %d unsynced edit(s)?", pending)).
					Description("They have not reached the server and cannot be recovered.").
					Affirmative("Discard").
					Negative("Keep").
					Value(&confirmed).
					Run()
				if err != nil || !confirmed {
					fmt.Println("Aborted.")
					return
				}
			}
		}

		evicted, discarded, err := eng.Logout(ctx, discard)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		fmt.Printf("Evicted %d cached exercise(s)", evicted)
		if discard {
			fmt.Printf(", discarded %d pending edit(s)", discarded)
		}
		fmt.Println()
	},
}

func init() {
	logoutCmd.Flags().Bool("discard-pending", false, "Also drop edits not yet synced")
	logoutCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(logoutCmd)
}
