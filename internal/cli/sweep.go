package cli

import (
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single sweep cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Sweep(cmd.Context())
	},
}
