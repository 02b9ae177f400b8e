// Package agreement defines the per-channel Stable Agreement: the fixed
// configuration under which a channel's balance is pinned to a USD peg.
package agreement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Role identifies which side of the channel a party plays.
type Role string

const (
	// RoleReceiver holds a constant USD-denominated balance.
	RoleReceiver Role = "receiver"
	// RoleProvider absorbs bitcoin price volatility.
	RoleProvider Role = "provider"
)

// Valid reports whether r is one of the two recognized roles.
func (r Role) Valid() bool {
	return r == RoleReceiver || r == RoleProvider
}

// Agreement is the immutable per-channel configuration fixed at activation.
// It is created once by the operator and never mutated; the loop only reads
// it.
type Agreement struct {
	ChannelID          string
	Role               Role
	CounterpartyPeerID string

	// PegTargetUSD is the USD value to which the Receiver's stabilized
	// balance is controlled. Strictly positive.
	PegTargetUSD decimal.Decimal

	// NativeSat is the unpegged satoshi component excluded from the
	// stabilized portion of the balance.
	NativeSat int64

	// NoOpBandUSD is the absolute USD tolerance within which no payment
	// is issued.
	NoOpBandUSD decimal.Decimal

	// MaxPaymentUSD caps a single tick's payment in absolute USD.
	MaxPaymentUSD decimal.Decimal

	// MaxPaymentFraction caps a single tick's payment as a fraction of
	// the peg target, e.g. 0.05 for 5%. Zero means unconstrained by this
	// rule (MaxPaymentUSD still applies).
	MaxPaymentFraction decimal.Decimal

	// RiskLevel is an operator-settable circuit breaker, independent of
	// price or balance conditions. Above the evaluator's threshold it
	// forces an abstain regardless of the computed deviation.
	RiskLevel int
}

var (
	// ErrInvalidRole is returned when the role is neither receiver nor provider.
	ErrInvalidRole = errors.New("agreement: role must be receiver or provider")
	// ErrNonPositivePeg is returned when the peg target is not strictly positive.
	ErrNonPositivePeg = errors.New("agreement: peg target must be strictly positive")
	// ErrNegativeBand is returned when the no-op band is negative.
	ErrNegativeBand = errors.New("agreement: no-op band cannot be negative")
	// ErrNonPositiveMax is returned when the per-tick max payment is not positive.
	ErrNonPositiveMax = errors.New("agreement: per-tick max payment must be strictly positive")
	// ErrMissingChannelID is returned when no channel identifier is set.
	ErrMissingChannelID = errors.New("agreement: channel id is required")
	// ErrMissingCounterparty is returned when no counterparty peer id is set.
	ErrMissingCounterparty = errors.New("agreement: counterparty peer id is required")
	// ErrNegativeNativeSat is returned when the native satoshi component is negative.
	ErrNegativeNativeSat = errors.New("agreement: native satoshi component cannot be negative")
	// ErrNegativeRiskLevel is returned when the risk level is negative.
	ErrNegativeRiskLevel = errors.New("agreement: risk level cannot be negative")
)

// Validate checks the invariants stated in the data model: a positive peg
// target, a non-negative band, a positive per-tick cap, and a recognized
// role.
func (a Agreement) Validate() error {
	if a.ChannelID == "" {
		return ErrMissingChannelID
	}
	if !a.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, a.Role)
	}
	if a.CounterpartyPeerID == "" {
		return ErrMissingCounterparty
	}
	if a.PegTargetUSD.Sign() <= 0 {
		return ErrNonPositivePeg
	}
	if a.NativeSat < 0 {
		return ErrNegativeNativeSat
	}
	if a.NoOpBandUSD.Sign() < 0 {
		return ErrNegativeBand
	}
	if a.MaxPaymentUSD.Sign() <= 0 {
		return ErrNonPositiveMax
	}
	if a.MaxPaymentFraction.Sign() < 0 {
		return fmt.Errorf("agreement: max payment fraction cannot be negative")
	}
	if a.RiskLevel < 0 {
		return ErrNegativeRiskLevel
	}
	return nil
}

// EffectiveMaxPaymentUSD resolves the per-tick payment cap, taking the
// tighter of the absolute cap and the fractional-of-peg cap when the
// fraction is configured.
func (a Agreement) EffectiveMaxPaymentUSD() decimal.Decimal {
	if a.MaxPaymentFraction.IsZero() {
		return a.MaxPaymentUSD
	}
	fractional := a.PegTargetUSD.Mul(a.MaxPaymentFraction)
	if fractional.LessThan(a.MaxPaymentUSD) {
		return fractional
	}
	return a.MaxPaymentUSD
}
