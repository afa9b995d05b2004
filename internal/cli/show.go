package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RIDCorix/Amazcope-sub000/internal/app"
)

var (
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show [entities|alerts|notifications]",
	Short: "Display tracked listings, recent alerts, or notifications",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		what := "entities"
		if len(args) == 1 {
			what = args[0]
		}

		opts := app.ShowOptions{
			What:  what,
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of records to display")
}
