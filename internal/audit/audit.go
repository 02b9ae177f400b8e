// Package audit implements the Persistence & Audit Log: a strictly
// append-only, line-delimited, human-readable record of every tick.
package audit

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shopspring/decimal"

	"github.com/toneloc/stable-channels/internal/agreement"
	"github.com/toneloc/stable-channels/internal/channelstate"
	"github.com/toneloc/stable-channels/internal/evaluator"
	"github.com/toneloc/stable-channels/internal/payment"
	"github.com/toneloc/stable-channels/internal/priceagg"
)

// PriceRecord is the subset of a Reference Price retained in a Tick Record.
type PriceRecord struct {
	USDPerBTC decimal.Decimal `json:"usd_per_btc"`
	Sources   []string        `json:"sources"`
}

// ActionRecord describes the attempted action, if any, for a tick.
type ActionRecord struct {
	Kind      evaluator.Action `json:"kind"`
	AmountUSD decimal.Decimal  `json:"amount_usd"`
	AmountSat int64            `json:"amount_sat"`
}

// OutcomeKind enumerates the terminal classes of a tick's outcome.
type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeRetriableFailure OutcomeKind = "retriable_failure"
	OutcomeFatalFailure     OutcomeKind = "fatal_failure"
	OutcomeSkipped          OutcomeKind = "skipped"
	OutcomeUnknown          OutcomeKind = "unknown"
)

// TickRecord is the append-only audit entity for a single tick.
type TickRecord struct {
	TickIndex     uint64                  `json:"tick_index"`
	ChannelID     string                  `json:"channel_id"`
	WallClock     time.Time               `json:"wall_clock"`
	Monotonic     int64                   `json:"monotonic_ns"`
	Price         *PriceRecord            `json:"price,omitempty"`
	Snapshot      *channelstate.Snapshot  `json:"snapshot,omitempty"`
	Classification evaluator.Action       `json:"classification"`
	Reason        evaluator.Reason        `json:"reason,omitempty"`
	Action        *ActionRecord           `json:"action,omitempty"`
	Outcome       OutcomeKind             `json:"outcome"`
	PaymentStatus payment.Status          `json:"payment_status,omitempty"`
	FeeSat        int64                   `json:"fee_sat,omitempty"`
	Error         string                  `json:"error,omitempty"`
	PostSnapshot  *channelstate.Snapshot  `json:"post_snapshot,omitempty"`
}

// FromDecision fills in the classification, reason, and action fields of a
// TickRecord from an evaluator Decision.
func FromDecision(rec TickRecord, d evaluator.Decision) TickRecord {
	rec.Classification = d.Action
	rec.Reason = d.Reason
	if d.Action == evaluator.ActionReceiverPays || d.Action == evaluator.ActionProviderPays {
		rec.Action = &ActionRecord{Kind: d.Action, AmountUSD: d.AmountUSD, AmountSat: d.AmountSat}
	}
	return rec
}

// FromAgreementAndPrice fills in the channel identity and reference price
// fields of a TickRecord.
func FromAgreementAndPrice(ag agreement.Agreement, price priceagg.ReferencePrice, tickIndex uint64) TickRecord {
	return TickRecord{
		TickIndex: tickIndex,
		ChannelID: ag.ChannelID,
		WallClock: time.Now().UTC(),
		Monotonic: time.Now().UnixNano(),
		Price:     &PriceRecord{USDPerBTC: price.USDPerBTC, Sources: price.Sources},
	}
}

// Log is the single-writer, append-only audit log for one channel. Lines
// are JSON objects, one per tick. lumberjack rotates the file by size only
// (MaxSizeMB); there is no daily rotation. Rotated files are never
// rewritten; lumberjack deletes them once they are older than MaxAgeDays
// or outnumber MaxBackups.
type Log struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
	path   string
}

// Options configure rotation. MaxSizeMB and MaxAgeDays both default to
// conservative values if zero.
type Options struct {
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
}

// Open opens (creating if necessary) the append-only log file at path for
// channelID, e.g. "receiver-<channel-id>.log" under the data directory.
func Open(dataDir, channelID string, role agreement.Role, opts Options) *Log {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 100
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = 1
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 30
	}

	filename := fmt.Sprintf("%s-%s.log", role, channelID)
	path := filepath.Join(dataDir, filename)

	return &Log{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSizeMB,
			MaxAge:     opts.MaxAgeDays,
			MaxBackups: opts.MaxBackups,
			LocalTime:  true,
		},
		path: path,
	}
}

// Path returns the log's on-disk path, for readers that want to tail it
// directly.
func (l *Log) Path() string { return l.path }

// Append writes one Tick Record as a single JSON line. Append serializes
// all writers via mu, matching the spec's "exactly one writer per process"
// policy; it returns only after the write syscall completes, so the loop
// may safely report the tick durable once Append returns without error.
func (l *Log) Append(rec TickRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal tick record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(line); err != nil {
		return fmt.Errorf("audit: append tick record: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer.Close()
}
