package agreement

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func validAgreement() Agreement {
	return Agreement{
		ChannelID:          "chan-1",
		Role:               RoleReceiver,
		CounterpartyPeerID: "peer-1",
		PegTargetUSD:       decimal.NewFromInt(100),
		NativeSat:          0,
		NoOpBandUSD:        decimal.NewFromFloat(0.5),
		MaxPaymentUSD:      decimal.NewFromInt(10),
		MaxPaymentFraction: decimal.Zero,
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := validAgreement().Validate(); err != nil {
		t.Fatalf("expected valid agreement, got %v", err)
	}
}

func TestValidateRejectsBadRole(t *testing.T) {
	a := validAgreement()
	a.Role = "observer"
	if err := a.Validate(); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestValidateRejectsNonPositivePeg(t *testing.T) {
	a := validAgreement()
	a.PegTargetUSD = decimal.Zero
	if err := a.Validate(); !errors.Is(err, ErrNonPositivePeg) {
		t.Fatalf("expected ErrNonPositivePeg, got %v", err)
	}
}

func TestValidateRejectsNegativeBand(t *testing.T) {
	a := validAgreement()
	a.NoOpBandUSD = decimal.NewFromInt(-1)
	if err := a.Validate(); !errors.Is(err, ErrNegativeBand) {
		t.Fatalf("expected ErrNegativeBand, got %v", err)
	}
}

func TestValidateRejectsMissingChannelID(t *testing.T) {
	a := validAgreement()
	a.ChannelID = ""
	if err := a.Validate(); !errors.Is(err, ErrMissingChannelID) {
		t.Fatalf("expected ErrMissingChannelID, got %v", err)
	}
}

func TestValidateRejectsNegativeRiskLevel(t *testing.T) {
	a := validAgreement()
	a.RiskLevel = -1
	if err := a.Validate(); !errors.Is(err, ErrNegativeRiskLevel) {
		t.Fatalf("expected ErrNegativeRiskLevel, got %v", err)
	}
}

func TestEffectiveMaxPaymentUSDTakesTighterBound(t *testing.T) {
	a := validAgreement()
	a.PegTargetUSD = decimal.NewFromInt(100)
	a.MaxPaymentUSD = decimal.NewFromInt(10)
	a.MaxPaymentFraction = decimal.NewFromFloat(0.05) // 5 USD, tighter than the 10 USD cap

	got := a.EffectiveMaxPaymentUSD()
	if !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected 5, got %s", got.String())
	}
}

func TestEffectiveMaxPaymentUSDIgnoresFractionWhenZero(t *testing.T) {
	a := validAgreement()
	a.MaxPaymentUSD = decimal.NewFromInt(10)
	a.MaxPaymentFraction = decimal.Zero

	got := a.EffectiveMaxPaymentUSD()
	if !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected 10, got %s", got.String())
	}
}
