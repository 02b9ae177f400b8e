package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toneloc/stable-channels/internal/app"
)

var (
	showChannelID string
	showRole      string
	showLimit     int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent Tick Records for a channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showChannelID == "" {
			return fmt.Errorf("--channel is required")
		}
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			ChannelID: showChannelID,
			Role:      showRole,
			Limit:     showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showChannelID, "channel", "", "Channel id to display")
	showCmd.Flags().StringVar(&showRole, "role", "receiver", "Local role for the channel (receiver or provider)")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of tick records to display")
}
