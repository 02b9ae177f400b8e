// Package lnclient provides a reference payment.NodeClient used where no
// live Lightning node connection is configured: simulate runs, tests, and
// demo deployments. A production deployment supplies its own NodeClient
// wired to its node's RPC surface; that integration is outside this
// module's scope.
package lnclient

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/toneloc/stable-channels/internal/payment"
)

// InMemory simulates a Lightning node's pay-to-peer call: it succeeds
// unless the context is already done (then it reports a timeout),
// tracking a running ledger of amounts sent per peer so
// simulate/demo flows and tests can assert on it.
type InMemory struct {
	mu     sync.Mutex
	sentTo map[string]int64
	fee    int64
	logger zerolog.Logger
}

// New constructs an in-memory reference node client. feeSat is the flat fee
// reported on every successful payment.
func New(feeSat int64, logger zerolog.Logger) *InMemory {
	return &InMemory{
		sentTo: make(map[string]int64),
		fee:    feeSat,
		logger: logger.With().Str("component", "lnclient_inmemory").Logger(),
	}
}

// PayToPeer implements payment.NodeClient.
func (c *InMemory) PayToPeer(ctx context.Context, peerID string, amountSat int64, idempotencyKey string) (payment.Outcome, error) {
	select {
	case <-ctx.Done():
		return payment.Outcome{Status: payment.StatusTimeout}, nil
	default:
	}

	c.mu.Lock()
	c.sentTo[peerID] += amountSat
	c.mu.Unlock()

	c.logger.Debug().
		Str("peer_id", peerID).
		Int64("amount_sat", amountSat).
		Str("idempotency_key", idempotencyKey).
		Msg("simulated payment sent")

	return payment.Outcome{Status: payment.StatusSuccess, FeeSat: c.fee}, nil
}

// TotalSentTo reports the cumulative amount simulated as sent to a peer.
func (c *InMemory) TotalSentTo(peerID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentTo[peerID]
}

var _ payment.NodeClient = (*InMemory)(nil)
