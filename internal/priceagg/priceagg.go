// Package priceagg aggregates multiple USD-per-BTC price feeds into a
// single quorum-validated Reference Price, rejecting outliers and stale
// feeds before taking the median of survivors.
package priceagg

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Quote is a single source's contribution to one aggregation round.
type Quote struct {
	Source    string
	USDPerBTC decimal.Decimal
	Err       error
}

// ReferencePrice is the aggregator's output: a positive rational USD/BTC
// price, an observation timestamp, the surviving source names, and the raw
// per-source quotes retained for audit. FetchReferencePrice sets
// ObservedAt to a UTC wall-clock time, which carries no monotonic clock
// reading.
type ReferencePrice struct {
	USDPerBTC   decimal.Decimal
	ObservedAt  time.Time
	Sources     []string
	RawQuotes   []Quote
}

// IsFreshAt reports whether the price is still within maxAge of now. The
// subtraction uses monotonic readings only when both times carry one;
// with the UTC times FetchReferencePrice and the loop pass, it compares
// wall-clock time.
func (p ReferencePrice) IsFreshAt(now time.Time, maxAge time.Duration) bool {
	return now.Sub(p.ObservedAt) <= maxAge
}

var (
	// ErrInsufficientSources is returned when fewer than ceil(N/2) sources
	// survive fetching and outlier rejection.
	ErrInsufficientSources = errors.New("priceagg: insufficient sources")
	// ErrRoundTimeout is returned when the round deadline elapses and no
	// source has returned a usable quote.
	ErrRoundTimeout = errors.New("priceagg: round timed out")
	// ErrAllSourcesFailed is returned when every configured source errored.
	ErrAllSourcesFailed = errors.New("priceagg: all sources failed")
)

// Source is any price feed the aggregator can poll: an HTTP JSON endpoint,
// an on-chain contract call, or a test double.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (decimal.Decimal, error)
}

// Options tune the aggregation round.
type Options struct {
	PerSourceTimeout time.Duration
	RoundTimeout     time.Duration
	OutlierFactor    decimal.Decimal // default 0.30 (±30%)
}

// DefaultOptions returns the spec's stated defaults: 5s per-source timeout,
// 10s round timeout, 30% outlier factor.
func DefaultOptions() Options {
	return Options{
		PerSourceTimeout: 5 * time.Second,
		RoundTimeout:     10 * time.Second,
		OutlierFactor:    decimal.NewFromFloat(0.30),
	}
}

// Aggregator fetches all configured sources concurrently and combines them
// into a single Reference Price.
type Aggregator struct {
	sources []Source
	opts    Options
	logger  zerolog.Logger
}

// New constructs an Aggregator over the given sources.
func New(sources []Source, opts Options, logger zerolog.Logger) *Aggregator {
	if opts.PerSourceTimeout <= 0 || opts.RoundTimeout <= 0 {
		d := DefaultOptions()
		if opts.PerSourceTimeout <= 0 {
			opts.PerSourceTimeout = d.PerSourceTimeout
		}
		if opts.RoundTimeout <= 0 {
			opts.RoundTimeout = d.RoundTimeout
		}
	}
	if opts.OutlierFactor.IsZero() {
		opts.OutlierFactor = DefaultOptions().OutlierFactor
	}
	return &Aggregator{
		sources: sources,
		opts:    opts,
		logger:  logger.With().Str("component", "price_aggregator").Logger(),
	}
}

// FetchReferencePrice triggers one aggregation round: concurrent fetch,
// outlier rejection against the running median, quorum check, then median
// of survivors.
func (a *Aggregator) FetchReferencePrice(ctx context.Context) (ReferencePrice, error) {
	n := len(a.sources)
	if n == 0 {
		return ReferencePrice{}, ErrAllSourcesFailed
	}

	roundCtx, cancel := context.WithTimeout(ctx, a.opts.RoundTimeout)
	defer cancel()

	quotes := a.fetchAll(roundCtx)

	var positive []Quote
	for _, q := range quotes {
		if q.Err == nil && q.USDPerBTC.IsPositive() {
			positive = append(positive, q)
		}
	}
	if len(positive) == 0 {
		if errors.Is(roundCtx.Err(), context.DeadlineExceeded) {
			return ReferencePrice{}, ErrRoundTimeout
		}
		return ReferencePrice{}, ErrAllSourcesFailed
	}

	survivors := rejectOutliers(positive, a.opts.OutlierFactor)

	quorum := (n + 1) / 2
	if len(survivors) < quorum {
		a.logger.Warn().
			Int("surviving", len(survivors)).
			Int("quorum", quorum).
			Int("configured", n).
			Msg("insufficient sources for quorum")
		return ReferencePrice{}, fmt.Errorf("%w: %d of %d required, %d survived outlier rejection",
			ErrInsufficientSources, quorum, n, len(survivors))
	}

	median := medianOf(survivors)

	names := make([]string, 0, len(survivors))
	for _, q := range survivors {
		names = append(names, q.Source)
	}

	return ReferencePrice{
		USDPerBTC:  median,
		ObservedAt: time.Now().UTC(),
		Sources:    names,
		RawQuotes:  quotes,
	}, nil
}

func (a *Aggregator) fetchAll(ctx context.Context) []Quote {
	quotes := make([]Quote, len(a.sources))
	var wg sync.WaitGroup
	wg.Add(len(a.sources))

	for i, src := range a.sources {
		i, src := i, src
		go func() {
			defer wg.Done()
			sourceCtx, cancel := context.WithTimeout(ctx, a.opts.PerSourceTimeout)
			defer cancel()

			price, err := src.Fetch(sourceCtx)
			if err != nil {
				a.logger.Debug().Err(err).Str("source", src.Name()).Msg("source fetch failed")
			}
			quotes[i] = Quote{Source: src.Name(), USDPerBTC: price, Err: err}
		}()
	}

	wg.Wait()
	return quotes
}

// rejectOutliers drops quotes that deviate from the running median by more
// than factor, guarding against a single mispriced feed.
func rejectOutliers(quotes []Quote, factor decimal.Decimal) []Quote {
	if len(quotes) <= 2 {
		return quotes
	}

	median := medianOf(quotes)
	survivors := make([]Quote, 0, len(quotes))
	for _, q := range quotes {
		deviation := q.USDPerBTC.Sub(median).Div(median).Abs()
		if deviation.LessThanOrEqual(factor) {
			survivors = append(survivors, q)
		}
	}
	if len(survivors) == 0 {
		return quotes
	}
	return survivors
}

func medianOf(quotes []Quote) decimal.Decimal {
	values := make([]decimal.Decimal, len(quotes))
	for i, q := range quotes {
		values[i] = q.USDPerBTC
	}
	sort.Slice(values, func(i, j int) bool { return values[i].LessThan(values[j]) })

	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return values[mid-1].Add(values[mid]).Div(decimal.NewFromInt(2))
}
