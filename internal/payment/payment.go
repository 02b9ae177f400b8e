// Package payment implements the Payment Executor: issuing fiat-sized
// Lightning micropayments to the channel counterparty, idempotent under
// retry and bounded in latency.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status enumerates the Payment Executor's failure taxonomy plus success.
type Status string

const (
	StatusSuccess             Status = "Success"
	StatusNoRoute             Status = "NoRoute"
	StatusInsufficientBalance Status = "InsufficientBalance"
	StatusPeerOffline         Status = "PeerOffline"
	StatusTimeout             Status = "Timeout"
	StatusRejected            Status = "Rejected"
)

// Outcome is the result of one pay() call.
type Outcome struct {
	Status Status
	FeeSat int64
	Err    error
}

// NodeClient is the capability the executor needs from the hosting
// Lightning node: a deadline-bounded pay-to-peer call that results in a
// net balance shift from our side to the peer's.
type NodeClient interface {
	PayToPeer(ctx context.Context, peerID string, amountSat int64, idempotencyKey string) (Outcome, error)
}

// ErrWouldBreachReserve is returned when amount+fee would exceed the
// payer's spendable minus reserve; the executor refuses to attempt such a
// payment.
var ErrWouldBreachReserve = errors.New("payment: amount would breach payer reserve")

type record struct {
	outcome   Outcome
	inFlight  bool
	recordedAt time.Time
}

// Executor issues payments through a NodeClient, deduplicating retries of
// the same idempotency key within a retention window and bounding attempt
// latency to a configurable budget.
type Executor struct {
	node      NodeClient
	retention time.Duration
	budget    time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	records map[string]record
}

// Options configures the Executor's idempotency retention and attempt
// latency budget. Both default per the spec: 24h retention, 30s budget.
type Options struct {
	Retention time.Duration
	Budget    time.Duration
}

// DefaultOptions returns the spec's stated defaults.
func DefaultOptions() Options {
	return Options{Retention: 24 * time.Hour, Budget: 30 * time.Second}
}

// New constructs an Executor.
func New(node NodeClient, opts Options, logger zerolog.Logger) *Executor {
	if opts.Retention <= 0 {
		opts.Retention = DefaultOptions().Retention
	}
	if opts.Budget <= 0 {
		opts.Budget = DefaultOptions().Budget
	}
	return &Executor{
		node:      node,
		retention: opts.Retention,
		budget:    opts.Budget,
		logger:    logger.With().Str("component", "payment_executor").Logger(),
		records:   make(map[string]record),
	}
}

// Pay issues amountSat to counterpartyID, deduplicating on idempotencyKey.
// If idempotencyKey was already recorded as completed within the retention
// window, the prior outcome is returned without contacting the node again.
// If a call with the same key is already in flight, Pay blocks until it
// resolves rather than issuing a second payment.
func (e *Executor) Pay(ctx context.Context, counterpartyID string, amountSat, payerSpendableSat, payerReserveSat int64, idempotencyKey string) (Outcome, error) {
	e.gc()

	if amountSat > payerSpendableSat-payerReserveSat {
		return Outcome{}, fmt.Errorf("%w: amount=%d available=%d", ErrWouldBreachReserve, amountSat, payerSpendableSat-payerReserveSat)
	}

	e.mu.Lock()
	if rec, ok := e.records[idempotencyKey]; ok {
		if !rec.inFlight {
			e.mu.Unlock()
			e.logger.Debug().Str("idempotency_key", idempotencyKey).Msg("returning cached outcome for replayed key")
			return rec.outcome, rec.outcome.Err
		}
		// Another call with this key is in flight; the caller is
		// expected to serialize via single-flight upstream, so this
		// is a defensive wait rather than the common path.
		e.mu.Unlock()
		return e.waitForResolution(ctx, idempotencyKey)
	}
	e.records[idempotencyKey] = record{inFlight: true, recordedAt: time.Now()}
	e.mu.Unlock()

	payCtx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	outcome, err := e.node.PayToPeer(payCtx, counterpartyID, amountSat, idempotencyKey)
	if err != nil && errors.Is(payCtx.Err(), context.DeadlineExceeded) {
		outcome = Outcome{Status: StatusTimeout}
		err = nil
	}

	e.mu.Lock()
	e.records[idempotencyKey] = record{outcome: outcome, recordedAt: time.Now()}
	e.mu.Unlock()

	return outcome, err
}

func (e *Executor) waitForResolution(ctx context.Context, idempotencyKey string) (Outcome, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-ticker.C:
			e.mu.Lock()
			rec, ok := e.records[idempotencyKey]
			e.mu.Unlock()
			if ok && !rec.inFlight {
				return rec.outcome, rec.outcome.Err
			}
		}
	}
}

// gc drops records older than the retention window so the map does not
// grow without bound across the lifetime of a long-running loop.
func (e *Executor) gc() {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := time.Now().Add(-e.retention)
	for key, rec := range e.records {
		if !rec.inFlight && rec.recordedAt.Before(cutoff) {
			delete(e.records, key)
		}
	}
}
