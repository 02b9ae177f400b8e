package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toneloc/stable-channels/internal/app"
)

var (
	exportChannelID string
	exportRole      string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a channel's tick history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportChannelID == "" {
			return fmt.Errorf("--channel is required")
		}

		opts := app.ExportOptions{
			ChannelID: exportChannelID,
			Role:      exportRole,
			CSVPath:   exportCSVPath,
			PNGPath:   exportPNGPath,
			MaxPoints: exportMaxPoints,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportChannelID, "channel", "", "Channel id to export")
	exportCmd.Flags().StringVar(&exportRole, "role", "receiver", "Local role for the channel (receiver or provider)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
