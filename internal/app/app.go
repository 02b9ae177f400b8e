// Package app wires configuration into the stability-loop components and
// exposes the operations the CLI commands drive: running the daemon,
// showing recent tick history, exporting it, backfilling the Postgres
// mirror, and simulating a single tick.
package app

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/toneloc/stable-channels/internal/agreement"
	"github.com/toneloc/stable-channels/internal/alerting"
	"github.com/toneloc/stable-channels/internal/audit"
	"github.com/toneloc/stable-channels/internal/auditindex"
	"github.com/toneloc/stable-channels/internal/channelstate"
	"github.com/toneloc/stable-channels/internal/config"
	"github.com/toneloc/stable-channels/internal/lnclient"
	"github.com/toneloc/stable-channels/internal/loop"
	"github.com/toneloc/stable-channels/internal/payment"
	"github.com/toneloc/stable-channels/internal/priceagg"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newAggregator() (*priceagg.Aggregator, error) {
	sources := make([]priceagg.Source, 0, len(a.Config.PriceSources))
	for _, src := range a.Config.PriceSources {
		timeout := src.Timeout
		switch src.Kind {
		case "http":
			sources = append(sources, priceagg.NewHTTPSource(src.Name, src.Endpoint, src.Path, timeout))
		case "onchain":
			sources = append(sources, priceagg.NewOnChainSource(src.Name, src.RPCURL, src.ContractAddress, src.Decimals, timeout))
		default:
			return nil, fmt.Errorf("app: unsupported price source kind %q for %q", src.Kind, src.Name)
		}
	}
	if len(sources) == 0 {
		return nil, errors.New("app: at least one price source must be configured")
	}
	return priceagg.New(sources, priceagg.DefaultOptions(), a.Logger), nil
}

func (a *App) newChannelStateAdapter(channels []config.ChannelConfig) *channelstate.InMemory {
	inMemory := channelstate.NewInMemory()
	for _, ch := range channels {
		inMemory.UpdateSnapshot(channelstate.Snapshot{
			ChannelID:         ch.ChannelID,
			CapacitySat:       ch.InitialCapacitySat,
			OurSpendableSat:   ch.InitialOurSpendableSat,
			TheirSpendableSat: ch.InitialTheirSpendableSat,
			OurReserveSat:     ch.InitialOurReserveSat,
			TheirReserveSat:   ch.InitialTheirReserveSat,
			ChannelReady:      !a.Config.EventStream.Enabled,
			PeerConnected:     !a.Config.EventStream.Enabled,
		})
	}
	return inMemory
}

func (a *App) newExecutor() *payment.Executor {
	node := lnclient.New(0, a.Logger)
	opts := payment.Options{Retention: a.Config.Payment.RetentionWindow, Budget: a.Config.Payment.Budget}
	return payment.New(node, opts, a.Logger)
}

func (a *App) newHealthNotifier() loop.HealthNotifier {
	if !a.Config.Health.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Health.Telegram
	return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
}

func (a *App) openMirror(ctx context.Context) (*auditindex.Mirror, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := auditindex.NewPool(ctx, auditindex.PoolConfig{
		DSN:             a.Config.Database.DSN,
		MaxOpenConns:    a.Config.Database.MaxOpenConns,
		MaxIdleConns:    a.Config.Database.MaxIdleConns,
		ConnMaxLifetime: a.Config.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, err
	}

	mirror := auditindex.NewMirror(pool)
	return mirror, mirror.Close, nil
}

// advisoryLockKey derives a stable Postgres advisory-lock key from a
// channel id, so two processes racing to drive the same channel hash to
// the same lock regardless of process-local state.
func advisoryLockKey(channelID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(channelID))
	return int64(h.Sum64())
}

func buildAgreement(ch config.ChannelConfig) (agreement.Agreement, error) {
	role := agreement.Role(ch.Role)
	ag := agreement.Agreement{
		ChannelID:          ch.ChannelID,
		Role:               role,
		CounterpartyPeerID: ch.CounterpartyPeerID,
		PegTargetUSD:       ch.PegTargetDecimal(),
		NativeSat:          ch.NativeSat,
		NoOpBandUSD:        ch.NoOpBandDecimal(),
		MaxPaymentUSD:      ch.MaxPaymentDecimal(),
		MaxPaymentFraction: ch.MaxPaymentFractionDecimal(),
		RiskLevel:          ch.RiskLevel,
	}
	if err := ag.Validate(); err != nil {
		return agreement.Agreement{}, err
	}
	return ag, nil
}

// Run starts one stability loop per configured channel and blocks until
// every started loop has returned (on context cancellation, or once a loop
// is stopped). It then returns the first non-cancellation error a loop
// reported, if any.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(a.Config.Channels) == 0 {
		return errors.New("app: no channels configured")
	}

	aggregator, err := a.newAggregator()
	if err != nil {
		return err
	}

	adapter := a.newChannelStateAdapter(a.Config.Channels)

	if a.Config.EventStream.Enabled {
		subscriber := channelstate.NewSubscriber(a.Config.EventStream.URL, adapter, a.Logger)
		go func() {
			if err := subscriber.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("channel event-stream subscriber exited")
			}
		}()
	}

	executor := a.newExecutor()
	health := a.newHealthNotifier()

	mirror, closeMirror, err := a.openMirror(ctx)
	if err != nil {
		return err
	}
	if closeMirror != nil {
		defer closeMirror()
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(a.Config.Channels))

	for _, chCfg := range a.Config.Channels {
		ag, err := buildAgreement(chCfg)
		if err != nil {
			return fmt.Errorf("app: channel %s: %w", chCfg.ChannelID, err)
		}

		var unlock func()
		if mirror != nil {
			u, acquired, lockErr := mirror.TryAdvisoryLock(ctx, advisoryLockKey(ag.ChannelID))
			if lockErr != nil {
				return fmt.Errorf("app: channel %s: advisory lock: %w", ag.ChannelID, lockErr)
			}
			if !acquired {
				a.Logger.Warn().Str("channel_id", ag.ChannelID).Msg("another process already holds this channel's advisory lock; skipping")
				continue
			}
			unlock = u
		}

		auditLog := audit.Open(a.Config.App.DataDir, ag.ChannelID, ag.Role, audit.Options{
			MaxSizeMB:  a.Config.Audit.MaxSizeMB,
			MaxAgeDays: a.Config.Audit.MaxAgeDays,
			MaxBackups: a.Config.Audit.MaxBackups,
		})

		loopOpts := loop.Options{
			TickInterval:     a.Config.Loop.TickInterval,
			DegradedInterval: a.Config.Loop.DegradedInterval,
			StalenessFactor:  a.Config.Loop.StalenessFactor,
		}
		stabilityLoop := loop.New(ag, aggregator, adapter, executor, auditLog, health, loopOpts, a.Logger)
		if mirror != nil {
			stabilityLoop = stabilityLoop.WithMirror(mirror)
		}

		wg.Add(1)
		go func(l *loop.Loop, log *audit.Log, channelID string, unlock func()) {
			defer wg.Done()
			defer log.Close()
			if unlock != nil {
				defer unlock()
			}
			if runErr := l.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
				a.Logger.Error().Err(runErr).Str("channel_id", channelID).Msg("stability loop exited with error")
				errs <- runErr
			}
		}(stabilityLoop, auditLog, ag.ChannelID, unlock)
	}

	a.Logger.Info().Int("channels", len(a.Config.Channels)).Msg("stability loops started")
	wg.Wait()
	close(errs)

	for runErr := range errs {
		return runErr
	}

	a.Logger.Info().Msg("stability loops stopped")
	return nil
}

// ExportOptions hold parameters for exporting a channel's tick history.
type ExportOptions struct {
	ChannelID string
	Role      string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	ChannelID string
	Role      string
	Limit     int
}

// BackfillOptions configure mirroring historical audit-log records into
// the Postgres index.
type BackfillOptions struct {
	ChannelID string
	Role      string
	DryRun    bool
}

// SimulateOptions parameterize a single synthetic tick run against a
// static reference price and channel snapshot, bypassing the aggregator
// and channel-state adapter for demo and manual-testing purposes.
type SimulateOptions struct {
	ChannelID         string
	Role              string
	CounterpartyPeer  string
	PegTargetUSD      float64
	NoOpBandUSD       float64
	MaxPaymentUSD     float64
	USDPerBTC         float64
	CapacitySat       int64
	OurSpendableSat   int64
	TheirSpendableSat int64
	RiskLevel         int
	Execute           bool
}
