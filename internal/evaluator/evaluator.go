// Package evaluator implements the Stability Evaluator: a pure function
// from (agreement, reference price, channel snapshot) to a Decision. It
// performs no I/O and must not block.
package evaluator

import (
	"github.com/shopspring/decimal"

	"github.com/toneloc/stable-channels/internal/agreement"
	"github.com/toneloc/stable-channels/internal/channelstate"
	"github.com/toneloc/stable-channels/internal/priceagg"
)

// Reason enumerates why the evaluator chose Abstain.
type Reason string

const (
	ReasonNotReady            Reason = "NotReady"
	ReasonInsolvent           Reason = "Insolvent"
	ReasonStalePrice          Reason = "StalePrice"
	ReasonTickDeadlineExceeded Reason = "TickDeadlineExceeded"
	ReasonHighRisk            Reason = "HighRisk"
)

// riskLevelHighThreshold is the operator-settable risk level above which the
// evaluator refuses to pay regardless of deviation, a manual circuit breaker
// independent of price or balance conditions.
const riskLevelHighThreshold = 100

// Action enumerates the classification outcomes.
type Action string

const (
	ActionAbstain       Action = "Abstain"
	ActionNoOp          Action = "NoOp"
	ActionReceiverPays  Action = "ReceiverPays"
	ActionProviderPays  Action = "ProviderPays"
)

// Decision is the evaluator's pure output for a single tick.
type Decision struct {
	Action Action
	Reason Reason // only meaningful when Action == ActionAbstain

	// PayerRole and PayeeRole are set only for *Pays actions.
	PayerRole agreement.Role
	PayeeRole agreement.Role

	// AmountUSD and AmountSat describe the required payment; both are
	// zero for NoOp and Abstain.
	AmountUSD decimal.Decimal
	AmountSat int64

	// DeltaUSD is V - T, retained for audit even when no payment results.
	DeltaUSD decimal.Decimal
}

var oneHundredMillion = decimal.NewFromInt(100_000_000)

// Evaluate classifies the channel state and computes the required payment
// direction and amount, per the ordered classification rules: NotReady,
// Insolvent, Stable, HighRisk, ReceiverPays, ProviderPays. The same inputs
// always yield the same Decision.
func Evaluate(ag agreement.Agreement, price priceagg.ReferencePrice, snap channelstate.Snapshot) Decision {
	if !snap.ChannelReady || !snap.PeerConnected {
		return Decision{Action: ActionAbstain, Reason: ReasonNotReady}
	}

	receiverSpendableSat := snap.OurSpendableSat
	providerSpendableSat := snap.TheirSpendableSat
	receiverReserveSat := snap.OurReserveSat
	providerReserveSat := snap.TheirReserveSat
	if ag.Role == agreement.RoleProvider {
		receiverSpendableSat, providerSpendableSat = providerSpendableSat, receiverSpendableSat
		receiverReserveSat, providerReserveSat = providerReserveSat, receiverReserveSat
	}

	if receiverSpendableSat < receiverReserveSat || providerSpendableSat < providerReserveSat {
		return Decision{Action: ActionAbstain, Reason: ReasonInsolvent}
	}

	receiverStabilizedSat := receiverSpendableSat - ag.NativeSat
	receiverStabilizedBTC := decimal.NewFromInt(receiverStabilizedSat).Div(oneHundredMillion)
	v := price.USDPerBTC.Mul(receiverStabilizedBTC)
	delta := v.Sub(ag.PegTargetUSD)

	if delta.Abs().LessThanOrEqual(ag.NoOpBandUSD) {
		return Decision{Action: ActionNoOp, DeltaUSD: delta}
	}

	if ag.RiskLevel > riskLevelHighThreshold {
		return Decision{Action: ActionAbstain, Reason: ReasonHighRisk, DeltaUSD: delta}
	}

	maxUSD := ag.EffectiveMaxPaymentUSD()

	if delta.GreaterThan(ag.NoOpBandUSD) {
		amountUSD := decimal.Min(delta, maxUSD)
		amountSat := floorSat(amountUSD, price.USDPerBTC)

		payerSpendable := receiverSpendableSat
		payerReserve := receiverReserveSat
		if amountSat > payerSpendable-payerReserve {
			return Decision{Action: ActionAbstain, Reason: ReasonInsolvent, DeltaUSD: delta}
		}

		return Decision{
			Action:    ActionReceiverPays,
			PayerRole: agreement.RoleReceiver,
			PayeeRole: agreement.RoleProvider,
			AmountUSD: amountUSD,
			AmountSat: amountSat,
			DeltaUSD:  delta,
		}
	}

	amountUSD := decimal.Min(delta.Abs(), maxUSD)
	amountSat := floorSat(amountUSD, price.USDPerBTC)

	payerSpendable := providerSpendableSat
	payerReserve := providerReserveSat
	if amountSat > payerSpendable-payerReserve {
		return Decision{Action: ActionAbstain, Reason: ReasonInsolvent, DeltaUSD: delta}
	}

	return Decision{
		Action:    ActionProviderPays,
		PayerRole: agreement.RoleProvider,
		PayeeRole: agreement.RoleReceiver,
		AmountUSD: amountUSD,
		AmountSat: amountSat,
		DeltaUSD:  delta,
	}
}

// floorSat converts a USD amount to satoshis at the given price, rounding
// down so the payer never overpays (conservative for the payer, per the
// evaluator's numeric policy).
func floorSat(amountUSD, usdPerBTC decimal.Decimal) int64 {
	if usdPerBTC.IsZero() {
		return 0
	}
	sat := amountUSD.Div(usdPerBTC).Mul(oneHundredMillion)
	return sat.Floor().IntPart()
}
