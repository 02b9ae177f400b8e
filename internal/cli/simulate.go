package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/toneloc/stable-channels/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run one synthetic tick through the evaluator with static inputs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOpts.ChannelID == "" {
			return errors.New("--channel is required")
		}
		if simulateOpts.USDPerBTC <= 0 {
			return errors.New("--price must be greater than zero")
		}
		return getApp().Simulate(cmd.Context(), simulateOpts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOpts.ChannelID, "channel", "", "Channel id to simulate")
	simulateCmd.Flags().StringVar(&simulateOpts.Role, "role", "receiver", "Local role for the channel (receiver or provider)")
	simulateCmd.Flags().StringVar(&simulateOpts.CounterpartyPeer, "counterparty", "simulated-peer", "Counterparty peer id")
	simulateCmd.Flags().Float64Var(&simulateOpts.PegTargetUSD, "peg", 100, "Peg target in USD")
	simulateCmd.Flags().Float64Var(&simulateOpts.NoOpBandUSD, "band", 1, "No-op band in USD")
	simulateCmd.Flags().Float64Var(&simulateOpts.MaxPaymentUSD, "max-payment", 10, "Per-tick max payment in USD")
	simulateCmd.Flags().Float64Var(&simulateOpts.USDPerBTC, "price", 0, "Simulated reference price in USD/BTC")
	simulateCmd.Flags().Int64Var(&simulateOpts.CapacitySat, "capacity-sat", 1_000_000, "Simulated channel capacity in satoshis")
	simulateCmd.Flags().Int64Var(&simulateOpts.OurSpendableSat, "our-spendable-sat", 500_000, "Simulated our-side spendable satoshis")
	simulateCmd.Flags().Int64Var(&simulateOpts.TheirSpendableSat, "their-spendable-sat", 500_000, "Simulated counterparty-side spendable satoshis")
	simulateCmd.Flags().IntVar(&simulateOpts.RiskLevel, "risk-level", 0, "Operator-set risk level; above the evaluator's threshold, forces an abstain")
	simulateCmd.Flags().BoolVar(&simulateOpts.Execute, "execute", false, "Also execute the resulting payment against an in-memory reference node client")
}
