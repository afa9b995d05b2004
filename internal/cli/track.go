package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/RIDCorix/Amazcope-sub000/internal/app"
)

var (
	trackASIN        string
	trackMarketplace string
	trackTitle       string
	trackRefresh     time.Duration
	trackStop        bool
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Track a marketplace listing (or stop tracking with --stop)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if trackASIN == "" {
			return fmt.Errorf("--asin must be provided")
		}
		if trackMarketplace == "" {
			return fmt.Errorf("--marketplace must be provided")
		}

		opts := app.TrackOptions{
			ASIN:         trackASIN,
			Marketplace:  trackMarketplace,
			Title:        trackTitle,
			RefreshEvery: trackRefresh,
			Deactivate:   trackStop,
		}

		return getApp().Track(cmd.Context(), opts)
	},
}

func init() {
	trackCmd.Flags().StringVar(&trackASIN, "asin", "", "Listing identifier")
	trackCmd.Flags().StringVar(&trackMarketplace, "marketplace", "", "Marketplace code (e.g. US, DE)")
	trackCmd.Flags().StringVar(&trackTitle, "title", "", "Optional display title")
	trackCmd.Flags().DurationVar(&trackRefresh, "refresh", 0, "Refresh interval (defaults to config)")
	trackCmd.Flags().BoolVar(&trackStop, "stop", false, "Stop tracking instead of registering")
}
