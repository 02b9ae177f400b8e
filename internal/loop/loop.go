// Package loop implements the Stability Loop: the per-channel state
// machine that coordinates the Price Aggregator, Channel-State Adapter,
// Stability Evaluator, and Payment Executor on a fixed, jittered cadence,
// and appends every tick to the Audit Log.
package loop

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/toneloc/stable-channels/internal/agreement"
	"github.com/toneloc/stable-channels/internal/audit"
	"github.com/toneloc/stable-channels/internal/channelstate"
	"github.com/toneloc/stable-channels/internal/evaluator"
	"github.com/toneloc/stable-channels/internal/payment"
	"github.com/toneloc/stable-channels/internal/priceagg"
)

// State enumerates the Stability Loop's state machine.
type State string

const (
	StateIdle       State = "Idle"
	StateEvaluating State = "Evaluating"
	StatePaying     State = "Paying"
	StateSettling   State = "Settling"
	StateStopped    State = "Stopped"
)

// HealthNotifier surfaces degraded-mode and insolvency signals to an
// operator channel (e.g. Telegram). It is optional; a nil HealthNotifier
// simply means signals are only visible via logs and the audit log.
type HealthNotifier interface {
	NotifyHealth(ctx context.Context, channelID, signal, detail string) error
}

// Mirror tees Tick Records into a secondary store (e.g. Postgres) for
// dashboard queries. It is optional and best-effort: a failed mirror write
// is logged but never blocks or fails a tick, since the append-only audit
// log remains the sole source of truth.
type Mirror interface {
	UpsertTick(ctx context.Context, rec audit.TickRecord) error
}

// Options tune the loop's cadence and clock discipline.
type Options struct {
	// TickInterval is the normal cadence; default 30s, jittered ±10%.
	TickInterval time.Duration
	// DegradedInterval is the cadence entered after two consecutive
	// Unknown outcomes; default 5m.
	DegradedInterval time.Duration
	// StalenessFactor bounds reference-price freshness as a multiple of
	// TickInterval; default 3.
	StalenessFactor int
}

// DefaultOptions returns the spec's stated defaults.
func DefaultOptions() Options {
	return Options{
		TickInterval:     30 * time.Second,
		DegradedInterval: 5 * time.Minute,
		StalenessFactor:  3,
	}
}

// Loop is the per-channel stability control loop.
type Loop struct {
	agreement  agreement.Agreement
	aggregator *priceagg.Aggregator
	adapter    channelstate.Adapter
	executor   *payment.Executor
	auditLog   *audit.Log
	health     HealthNotifier
	mirror     Mirror
	logger     zerolog.Logger
	opts       Options

	mu                 sync.Mutex
	state              State
	tickIndex          uint64
	consecutiveUnknown int
	degraded           bool
	settlingSince      *channelstate.Snapshot
	settlingAmountSat  int64
}

// New constructs a Loop for one channel.
func New(ag agreement.Agreement, aggregator *priceagg.Aggregator, adapter channelstate.Adapter, executor *payment.Executor, auditLog *audit.Log, health HealthNotifier, opts Options, logger zerolog.Logger) *Loop {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultOptions().TickInterval
	}
	if opts.DegradedInterval <= 0 {
		opts.DegradedInterval = DefaultOptions().DegradedInterval
	}
	if opts.StalenessFactor <= 0 {
		opts.StalenessFactor = DefaultOptions().StalenessFactor
	}
	return &Loop{
		agreement:  ag,
		aggregator: aggregator,
		adapter:    adapter,
		executor:   executor,
		auditLog:   auditLog,
		health:     health,
		logger:     logger.With().Str("component", "stability_loop").Str("channel_id", ag.ChannelID).Logger(),
		opts:       opts,
		state:      StateIdle,
	}
}

// WithMirror attaches a secondary tick-record mirror, returning the same
// Loop for chaining at construction time.
func (l *Loop) WithMirror(m Mirror) *Loop {
	l.mirror = m
	return l
}

// State returns the loop's current state, for health surfaces.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Run drives the loop's ticks, jittered ±10% around the current cadence,
// until ctx is cancelled or a channel-close event transitions the loop to
// Stopped.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.mu.Lock()
		interval := l.opts.TickInterval
		if l.degraded {
			interval = l.opts.DegradedInterval
		}
		l.mu.Unlock()

		jittered := jitter(interval)
		timer := time.NewTimer(jittered)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.transitionTo(StateStopped)
			return ctx.Err()
		case <-timer.C:
		}

		l.runTick(ctx, interval)

		l.mu.Lock()
		stopped := l.state == StateStopped
		l.mu.Unlock()
		if stopped {
			return nil
		}
	}
}

// Stop transitions the loop to Stopped, e.g. in response to a
// channel-closed event. It is idempotent.
func (l *Loop) Stop() {
	l.transitionTo(StateStopped)
}

func (l *Loop) transitionTo(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

// runTick executes one tick under a soft deadline equal to the tick
// interval, per the cancellation policy: in-flight price fetches are
// cancelled at the deadline and the tick is recorded as
// Abstain(TickDeadlineExceeded); an in-flight payment is never cancelled.
func (l *Loop) runTick(ctx context.Context, interval time.Duration) {
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()

	if state == StateStopped {
		return
	}
	if state == StatePaying {
		l.recordSkipped()
		return
	}
	if state == StateSettling && !l.checkSettled(ctx) {
		l.recordSkipped()
		return
	}

	l.mu.Lock()
	l.tickIndex++
	tickIndex := l.tickIndex
	l.state = StateEvaluating
	l.mu.Unlock()

	tickCtx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()

	rec := audit.TickRecord{
		TickIndex: tickIndex,
		ChannelID: l.agreement.ChannelID,
		WallClock: time.Now().UTC(),
		Monotonic: time.Now().UnixNano(),
	}

	price, err := l.aggregator.FetchReferencePrice(tickCtx)
	if err != nil {
		if errors.Is(tickCtx.Err(), context.DeadlineExceeded) {
			rec = abstain(rec, evaluator.ReasonTickDeadlineExceeded)
		} else {
			rec = abstain(rec, evaluator.ReasonStalePrice)
		}
		l.finishTick(ctx, rec, StateIdle)
		return
	}
	rec.Price = &audit.PriceRecord{USDPerBTC: price.USDPerBTC, Sources: price.Sources}

	if !price.IsFreshAt(time.Now().UTC(), time.Duration(l.opts.StalenessFactor)*l.opts.TickInterval) {
		rec = abstain(rec, evaluator.ReasonStalePrice)
		l.finishTick(ctx, rec, StateIdle)
		return
	}

	snap, err := l.adapter.Snapshot(tickCtx, l.agreement.ChannelID)
	if err != nil {
		rec = abstain(rec, evaluator.ReasonNotReady)
		rec.Error = err.Error()
		l.finishTick(ctx, rec, StateIdle)
		return
	}
	rec.Snapshot = &snap

	decision := evaluator.Evaluate(l.agreement, price, snap)
	rec = audit.FromDecision(rec, decision)

	switch decision.Action {
	case evaluator.ActionNoOp, evaluator.ActionAbstain:
		rec.Outcome = audit.OutcomeSuccess
		if decision.Action == evaluator.ActionAbstain && decision.Reason == evaluator.ReasonInsolvent && l.health != nil {
			_ = l.health.NotifyHealth(ctx, l.agreement.ChannelID, "insolvent", fmt.Sprintf("delta=%s", decision.DeltaUSD.String()))
		}
		if decision.Action == evaluator.ActionAbstain && decision.Reason == evaluator.ReasonHighRisk && l.health != nil {
			_ = l.health.NotifyHealth(ctx, l.agreement.ChannelID, "high-risk", fmt.Sprintf("risk_level=%d delta=%s", l.agreement.RiskLevel, decision.DeltaUSD.String()))
		}
		l.finishTick(ctx, rec, StateIdle)

	case evaluator.ActionReceiverPays, evaluator.ActionProviderPays:
		if decision.PayerRole != l.agreement.Role {
			// Both sides evaluate the same channel data and reach the same
			// decision; only the payer side acts. The other side observes
			// the payment as a balance delta on a later snapshot.
			rec.Outcome = audit.OutcomeSuccess
			l.logger.Debug().Str("payer_role", string(decision.PayerRole)).Msg("counterparty is payer; awaiting balance delta")
			l.finishTick(ctx, rec, StateIdle)
			return
		}
		l.transitionTo(StatePaying)
		l.executePayment(ctx, tickIndex, rec, decision, snap)
	}
}

func (l *Loop) executePayment(ctx context.Context, tickIndex uint64, rec audit.TickRecord, decision evaluator.Decision, snap channelstate.Snapshot) {
	idempotencyKey := fmt.Sprintf("%s-tick-%d", l.agreement.ChannelID, tickIndex)

	outcome, err := l.executor.Pay(ctx, l.agreement.CounterpartyPeerID, decision.AmountSat, snap.OurSpendableSat, snap.OurReserveSat, idempotencyKey)
	if err != nil && outcome.Status == "" {
		rec.Outcome = audit.OutcomeRetriableFailure
		rec.Error = err.Error()
		l.finishTick(ctx, rec, StateIdle)
		return
	}

	rec.PaymentStatus = outcome.Status
	rec.FeeSat = outcome.FeeSat

	switch outcome.Status {
	case payment.StatusSuccess:
		rec.Outcome = audit.OutcomeSuccess
		l.finishTick(ctx, rec, StateIdle)

	case payment.StatusTimeout:
		rec.Outcome = audit.OutcomeUnknown
		l.mu.Lock()
		l.settlingSince = &snap
		l.settlingAmountSat = decision.AmountSat
		l.mu.Unlock()
		degraded := l.finishTick(ctx, rec, StateSettling)
		if degraded && l.health != nil {
			_ = l.health.NotifyHealth(ctx, l.agreement.ChannelID, "degraded", "two consecutive Unknown payment outcomes")
		}

	default:
		rec.Outcome = audit.OutcomeRetriableFailure
		l.finishTick(ctx, rec, StateIdle)
	}
}

// checkSettled resolves a pending Settling state by comparing the current
// snapshot against the one taken before the timed-out payment. It takes
// l.mu itself to read and clear the settling fields, and releases it
// around the snapshot I/O; callers must not hold l.mu across this call.
func (l *Loop) checkSettled(ctx context.Context) bool {
	l.mu.Lock()
	since := l.settlingSince
	amountSat := l.settlingAmountSat
	l.mu.Unlock()

	if since == nil {
		return true
	}

	snap, err := l.adapter.Snapshot(ctx, l.agreement.ChannelID)
	if err != nil {
		return false
	}

	before, after := since.OurSpendableSat, snap.OurSpendableSat
	if before-after >= amountSat {
		l.mu.Lock()
		l.settlingSince = nil
		l.settlingAmountSat = 0
		l.mu.Unlock()
		l.transitionTo(StateIdle)
		return true
	}
	return false
}

func (l *Loop) recordSkipped() {
	l.mu.Lock()
	l.tickIndex++
	tickIndex := l.tickIndex
	channelID := l.agreement.ChannelID
	l.mu.Unlock()

	rec := audit.TickRecord{
		TickIndex: tickIndex,
		ChannelID: channelID,
		WallClock: time.Now().UTC(),
		Monotonic: time.Now().UnixNano(),
		Outcome:   audit.OutcomeSkipped,
	}
	if err := l.auditLog.Append(rec); err != nil {
		l.logger.Error().Err(err).Msg("failed to append skipped tick record")
	}
}

// finishTick appends rec to the audit log, mirrors it best-effort, advances
// the state machine to next, and tracks the consecutive-Unknown-outcome
// streak that drives degraded mode. It reports whether this tick is the one
// that tripped degraded mode, so the caller can raise a health signal
// exactly once.
func (l *Loop) finishTick(ctx context.Context, rec audit.TickRecord, next State) bool {
	if err := l.auditLog.Append(rec); err != nil {
		l.logger.Error().Err(err).Uint64("tick_index", rec.TickIndex).Msg("audit log write failed; tick not advanced")
		return false
	}
	if l.mirror != nil {
		if err := l.mirror.UpsertTick(ctx, rec); err != nil {
			l.logger.Warn().Err(err).Uint64("tick_index", rec.TickIndex).Msg("tick mirror write failed")
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	justDegraded := false
	if rec.Outcome == audit.OutcomeUnknown {
		l.consecutiveUnknown++
		if l.consecutiveUnknown >= 2 && !l.degraded {
			l.degraded = true
			justDegraded = true
		}
	} else {
		l.consecutiveUnknown = 0
	}
	l.state = next
	return justDegraded
}

func abstain(rec audit.TickRecord, reason evaluator.Reason) audit.TickRecord {
	rec.Classification = evaluator.ActionAbstain
	rec.Reason = reason
	rec.Outcome = audit.OutcomeSuccess
	return rec
}

// jitter applies a uniform ±10% jitter to d, preventing thundering herd
// against public price endpoints.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.10
	offset := (rand.Float64()*2 - 1) * spread
	return d + time.Duration(offset)
}
