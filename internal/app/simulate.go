package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/toneloc/stable-channels/internal/agreement"
	"github.com/toneloc/stable-channels/internal/channelstate"
	"github.com/toneloc/stable-channels/internal/evaluator"
	"github.com/toneloc/stable-channels/internal/lnclient"
	"github.com/toneloc/stable-channels/internal/payment"
	"github.com/toneloc/stable-channels/internal/priceagg"
)

// Simulate runs one synthetic tick through the evaluator using a static
// reference price and channel snapshot instead of live dependencies, and
// optionally executes the resulting decision against an in-memory
// reference node client.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	role := agreement.Role(opts.Role)
	ag := agreement.Agreement{
		ChannelID:          opts.ChannelID,
		Role:               role,
		CounterpartyPeerID: opts.CounterpartyPeer,
		PegTargetUSD:       decimal.NewFromFloat(opts.PegTargetUSD),
		NoOpBandUSD:        decimal.NewFromFloat(opts.NoOpBandUSD),
		MaxPaymentUSD:      decimal.NewFromFloat(opts.MaxPaymentUSD),
		RiskLevel:          opts.RiskLevel,
	}
	if err := ag.Validate(); err != nil {
		return fmt.Errorf("app: invalid simulated agreement: %w", err)
	}

	price := priceagg.ReferencePrice{
		USDPerBTC:  decimal.NewFromFloat(opts.USDPerBTC),
		ObservedAt: time.Now(),
		Sources:    []string{"simulated"},
	}

	snap := channelstate.Snapshot{
		ChannelID:         opts.ChannelID,
		CapacitySat:       opts.CapacitySat,
		OurSpendableSat:   opts.OurSpendableSat,
		TheirSpendableSat: opts.TheirSpendableSat,
		ChannelReady:      true,
		PeerConnected:     true,
	}
	if !snap.HoldsCapacityInvariant() {
		return errors.New("app: simulated snapshot violates the channel capacity invariant")
	}

	decision := evaluator.Evaluate(ag, price, snap)
	a.Logger.Info().
		Str("action", string(decision.Action)).
		Str("reason", string(decision.Reason)).
		Str("amount_usd", decision.AmountUSD.String()).
		Int64("amount_sat", decision.AmountSat).
		Msg("simulated decision")

	if !opts.Execute {
		return nil
	}
	if decision.Action != evaluator.ActionReceiverPays && decision.Action != evaluator.ActionProviderPays {
		a.Logger.Info().Msg("no payment to execute for this decision")
		return nil
	}
	if decision.PayerRole != ag.Role {
		// The simulated side is the payee, not the payer; the counterparty
		// acts and this side would observe the result as a balance delta.
		a.Logger.Info().Str("payer_role", string(decision.PayerRole)).Msg("counterparty is payer; not executing")
		return nil
	}

	node := lnclient.New(0, a.Logger)
	executor := payment.New(node, payment.DefaultOptions(), a.Logger)

	outcome, err := executor.Pay(ctx, ag.CounterpartyPeerID, decision.AmountSat, snap.OurSpendableSat, snap.OurReserveSat, "simulate-"+opts.ChannelID)
	if err != nil {
		return fmt.Errorf("app: simulated payment failed: %w", err)
	}

	a.Logger.Info().Str("status", string(outcome.Status)).Int64("fee_sat", outcome.FeeSat).Msg("simulated payment outcome")
	return nil
}
