package loop

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/toneloc/stable-channels/internal/agreement"
	"github.com/toneloc/stable-channels/internal/audit"
	"github.com/toneloc/stable-channels/internal/channelstate"
	"github.com/toneloc/stable-channels/internal/payment"
	"github.com/toneloc/stable-channels/internal/priceagg"
)

func noopLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// fakeSource is a priceagg.Source with a fixed, always-fresh quote.
type fakeSource struct {
	usdPerBTC int64
}

func (f fakeSource) Name() string { return "fake" }
func (f fakeSource) Fetch(_ context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(f.usdPerBTC), nil
}

func newAggregator(usdPerBTC int64) *priceagg.Aggregator {
	return priceagg.New([]priceagg.Source{fakeSource{usdPerBTC: usdPerBTC}}, priceagg.DefaultOptions(), noopLogger())
}

// fakeNode returns the queued outcomes in order, one per call, holding on
// the last entry once exhausted.
type fakeNode struct {
	outcomes []payment.Outcome
	calls    int
}

func (f *fakeNode) PayToPeer(_ context.Context, _ string, _ int64, _ string) (payment.Outcome, error) {
	idx := f.calls
	if idx >= len(f.outcomes) {
		idx = len(f.outcomes) - 1
	}
	f.calls++
	return f.outcomes[idx], nil
}

type fakeHealth struct {
	calls []string
}

func (f *fakeHealth) NotifyHealth(_ context.Context, _, signal, _ string) error {
	f.calls = append(f.calls, signal)
	return nil
}

func newTestAgreement(role agreement.Role) agreement.Agreement {
	return agreement.Agreement{
		ChannelID:          "chan-1",
		Role:               role,
		CounterpartyPeerID: "peer-1",
		PegTargetUSD:       decimal.NewFromInt(1000),
		NoOpBandUSD:        decimal.NewFromInt(1),
		MaxPaymentUSD:      decimal.NewFromInt(50),
	}
}

func newTestLoop(t *testing.T, ag agreement.Agreement, node *fakeNode, health HealthNotifier, snap channelstate.Snapshot) (*Loop, *audit.Log, *channelstate.InMemory) {
	t.Helper()
	adapter := channelstate.NewInMemory()
	adapter.UpdateSnapshot(snap)

	agg := newAggregator(50000)
	executor := payment.New(node, payment.DefaultOptions(), noopLogger())
	auditLog := audit.Open(t.TempDir(), ag.ChannelID, ag.Role, audit.Options{})
	t.Cleanup(func() { _ = auditLog.Close() })

	l := New(ag, agg, adapter, executor, auditLog, health, DefaultOptions(), noopLogger())
	return l, auditLog, adapter
}

func TestLoopNoOpStaysIdle(t *testing.T) {
	ag := newTestAgreement(agreement.RoleReceiver)
	// 2,000,000 sat at 50,000 USD/BTC = $1000, exactly the peg target.
	snap := channelstate.Snapshot{
		ChannelID:         ag.ChannelID,
		CapacitySat:       3_000_000,
		OurSpendableSat:   2_000_000,
		TheirSpendableSat: 1_000_000,
		ChannelReady:      true,
		PeerConnected:     true,
	}
	node := &fakeNode{outcomes: []payment.Outcome{{Status: payment.StatusSuccess}}}
	l, auditLog, _ := newTestLoop(t, ag, node, nil, snap)

	l.runTick(context.Background(), DefaultOptions().TickInterval)

	if l.State() != StateIdle {
		t.Fatalf("expected Idle after a NoOp tick, got %v", l.State())
	}
	if node.calls != 0 {
		t.Fatalf("expected no payment attempt, got %d", node.calls)
	}

	records, err := audit.ReadAll(auditLog.Path())
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if len(records) != 1 || records[0].Outcome != audit.OutcomeSuccess {
		t.Fatalf("expected one successful tick record, got %+v", records)
	}
}

func TestLoopPayerSideExecutesPayment(t *testing.T) {
	ag := newTestAgreement(agreement.RoleReceiver)
	// 2,100,000 sat at 50,000 USD/BTC = $1050, $50 over the $1000 peg.
	snap := channelstate.Snapshot{
		ChannelID:         ag.ChannelID,
		CapacitySat:       3_200_000,
		OurSpendableSat:   2_100_000,
		TheirSpendableSat: 1_000_000,
		ChannelReady:      true,
		PeerConnected:     true,
	}
	node := &fakeNode{outcomes: []payment.Outcome{{Status: payment.StatusSuccess}}}
	l, auditLog, _ := newTestLoop(t, ag, node, nil, snap)

	l.runTick(context.Background(), DefaultOptions().TickInterval)

	if node.calls != 1 {
		t.Fatalf("expected exactly one payment attempt, got %d", node.calls)
	}
	if l.State() != StateIdle {
		t.Fatalf("expected Idle after a successful payment, got %v", l.State())
	}

	records, err := audit.ReadAll(auditLog.Path())
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if len(records) != 1 || records[0].PaymentStatus != payment.StatusSuccess {
		t.Fatalf("expected one successful payment record, got %+v", records)
	}
}

// TestLoopNonPayerSideDoesNotPay is the regression test for the bug where
// both sides of a channel, having evaluated identical symmetric data and
// reached the same decision, would each attempt to pay. Only the side whose
// role matches the decision's payer should ever call the executor.
func TestLoopNonPayerSideDoesNotPay(t *testing.T) {
	ag := newTestAgreement(agreement.RoleProvider)
	// From the provider's seat, "their" balance is the receiver's. 2,100,000
	// sat on their side at 50,000 USD/BTC is $1050, $50 over the peg, so the
	// decision is ReceiverPays -- the counterparty, not this loop, is payer.
	snap := channelstate.Snapshot{
		ChannelID:         ag.ChannelID,
		CapacitySat:       3_200_000,
		OurSpendableSat:   1_000_000,
		TheirSpendableSat: 2_100_000,
		ChannelReady:      true,
		PeerConnected:     true,
	}
	node := &fakeNode{outcomes: []payment.Outcome{{Status: payment.StatusSuccess}}}
	l, auditLog, _ := newTestLoop(t, ag, node, nil, snap)

	l.runTick(context.Background(), DefaultOptions().TickInterval)

	if node.calls != 0 {
		t.Fatalf("non-payer side must never call the executor, got %d calls", node.calls)
	}
	if l.State() != StateIdle {
		t.Fatalf("expected Idle, got %v", l.State())
	}

	records, err := audit.ReadAll(auditLog.Path())
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if len(records) != 1 || records[0].Outcome != audit.OutcomeSuccess {
		t.Fatalf("expected one recorded tick awaiting the counterparty's payment, got %+v", records)
	}
}

func TestLoopSkipsTickWhileSettlingUnresolved(t *testing.T) {
	ag := newTestAgreement(agreement.RoleReceiver)
	snap := channelstate.Snapshot{
		ChannelID:         ag.ChannelID,
		CapacitySat:       3_200_000,
		OurSpendableSat:   2_100_000,
		TheirSpendableSat: 1_000_000,
		ChannelReady:      true,
		PeerConnected:     true,
	}
	node := &fakeNode{outcomes: []payment.Outcome{{Status: payment.StatusTimeout}}}
	l, auditLog, _ := newTestLoop(t, ag, node, nil, snap)

	l.runTick(context.Background(), DefaultOptions().TickInterval)
	if l.State() != StateSettling {
		t.Fatalf("expected Settling after a payment timeout, got %v", l.State())
	}

	// Balance has not moved, so settlement cannot be confirmed yet; the next
	// tick must be skipped rather than re-evaluated or re-paid.
	l.runTick(context.Background(), DefaultOptions().TickInterval)
	if node.calls != 1 {
		t.Fatalf("expected no further payment attempt while unresolved, got %d calls", node.calls)
	}
	if l.State() != StateSettling {
		t.Fatalf("expected to remain Settling, got %v", l.State())
	}

	records, err := audit.ReadAll(auditLog.Path())
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records (timeout + skipped), got %d", len(records))
	}
	if records[1].Outcome != audit.OutcomeSkipped {
		t.Fatalf("expected second record to be skipped, got %v", records[1].Outcome)
	}
}

// TestLoopSettlesFromBalanceDelta exercises the timeout -> Settling ->
// confirmed-by-balance-delta -> Idle path.
func TestLoopSettlesFromBalanceDelta(t *testing.T) {
	ag := newTestAgreement(agreement.RoleReceiver)
	snap := channelstate.Snapshot{
		ChannelID:         ag.ChannelID,
		CapacitySat:       3_200_000,
		OurSpendableSat:   2_100_000,
		TheirSpendableSat: 1_000_000,
		ChannelReady:      true,
		PeerConnected:     true,
	}
	node := &fakeNode{outcomes: []payment.Outcome{{Status: payment.StatusTimeout}}}
	l, _, adapter := newTestLoop(t, ag, node, nil, snap)

	l.runTick(context.Background(), DefaultOptions().TickInterval)
	if l.State() != StateSettling {
		t.Fatalf("expected Settling, got %v", l.State())
	}

	// The payment of $50 (100,000 sat) lands: our spendable balance drops
	// by exactly that amount, and the channel settles back to the peg.
	settled := snap
	settled.OurSpendableSat -= 100_000
	adapter.UpdateSnapshot(settled)

	if !l.checkSettled(context.Background()) {
		t.Fatal("expected checkSettled to confirm settlement from the balance delta")
	}
	if l.State() != StateIdle {
		t.Fatalf("expected Idle after settlement is confirmed, got %v", l.State())
	}
}

// TestLoopDegradedAfterTwoConsecutiveTimeouts exercises the drift-detection
// path: two consecutive Unknown payment outcomes, uninterrupted by any
// other outcome, must flip the loop into degraded mode and raise exactly
// one health signal.
func TestLoopDegradedAfterTwoConsecutiveTimeouts(t *testing.T) {
	ag := newTestAgreement(agreement.RoleReceiver)
	// 2,400,000 sat at 50,000 USD/BTC = $1200, $200 over the $1000 peg; the
	// $50 per-tick cap means even a settled payment leaves it over the band,
	// so a second payment attempt follows immediately.
	snap := channelstate.Snapshot{
		ChannelID:         ag.ChannelID,
		CapacitySat:       3_500_000,
		OurSpendableSat:   2_400_000,
		TheirSpendableSat: 1_000_000,
		ChannelReady:      true,
		PeerConnected:     true,
	}
	node := &fakeNode{outcomes: []payment.Outcome{{Status: payment.StatusTimeout}, {Status: payment.StatusTimeout}}}
	health := &fakeHealth{}
	l, _, adapter := newTestLoop(t, ag, node, health, snap)

	l.runTick(context.Background(), DefaultOptions().TickInterval)
	if l.State() != StateSettling {
		t.Fatalf("expected Settling after the first timeout, got %v", l.State())
	}
	if len(health.calls) != 0 {
		t.Fatalf("expected no health signal after a single Unknown outcome, got %v", health.calls)
	}

	// The first $50 payment settles (100,000 sat), but $150 still remains
	// over the peg, so runTick's settlement check succeeds and it proceeds
	// straight into evaluating and paying again within the same call.
	settled := snap
	settled.OurSpendableSat -= 100_000
	adapter.UpdateSnapshot(settled)

	l.runTick(context.Background(), DefaultOptions().TickInterval)

	if node.calls != 2 {
		t.Fatalf("expected a second payment attempt, got %d calls", node.calls)
	}
	if !l.degraded {
		t.Fatal("expected the loop to be in degraded mode after two consecutive Unknown outcomes")
	}
	if len(health.calls) != 1 || health.calls[0] != "degraded" {
		t.Fatalf("expected exactly one degraded health signal, got %v", health.calls)
	}
}

func TestLoopDegradedModeUsesLongerCadence(t *testing.T) {
	ag := newTestAgreement(agreement.RoleReceiver)
	snap := channelstate.Snapshot{
		ChannelID:         ag.ChannelID,
		CapacitySat:       3_000_000,
		OurSpendableSat:   2_000_000,
		TheirSpendableSat: 1_000_000,
		ChannelReady:      true,
		PeerConnected:     true,
	}
	node := &fakeNode{outcomes: []payment.Outcome{{Status: payment.StatusSuccess}}}
	l, _, _ := newTestLoop(t, ag, node, nil, snap)

	l.degraded = true
	l.mu.Lock()
	interval := l.opts.TickInterval
	if l.degraded {
		interval = l.opts.DegradedInterval
	}
	l.mu.Unlock()

	if interval != l.opts.DegradedInterval {
		t.Fatalf("expected degraded mode to select the degraded cadence, got %v", interval)
	}
}

func TestLoopStopTransitionsToStopped(t *testing.T) {
	ag := newTestAgreement(agreement.RoleReceiver)
	snap := channelstate.Snapshot{
		ChannelID:         ag.ChannelID,
		CapacitySat:       1_000_000,
		OurSpendableSat:   500_000,
		TheirSpendableSat: 500_000,
		ChannelReady:      true,
		PeerConnected:     true,
	}
	node := &fakeNode{outcomes: []payment.Outcome{{Status: payment.StatusSuccess}}}
	l, _, _ := newTestLoop(t, ag, node, nil, snap)

	l.Stop()
	if l.State() != StateStopped {
		t.Fatalf("expected Stopped, got %v", l.State())
	}

	// A tick on an already Stopped loop must do nothing and leave it
	// Stopped.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l.runTick(ctx, DefaultOptions().TickInterval)
	if l.State() != StateStopped {
		t.Fatalf("expected to remain Stopped, got %v", l.State())
	}
}
