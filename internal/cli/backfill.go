package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toneloc/stable-channels/internal/app"
)

var (
	backfillChannelID string
	backfillRole      string
	backfillDryRun    bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Mirror a channel's audit log into the Postgres index",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillChannelID == "" {
			return fmt.Errorf("--channel is required")
		}

		opts := app.BackfillOptions{
			ChannelID: backfillChannelID,
			Role:      backfillRole,
			DryRun:    backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillChannelID, "channel", "", "Channel id to backfill")
	backfillCmd.Flags().StringVar(&backfillRole, "role", "receiver", "Local role for the channel (receiver or provider)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Read the audit log without writing to Postgres")
}
