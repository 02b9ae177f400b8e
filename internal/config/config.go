// Package config loads stabled's runtime configuration: app metadata,
// logging, loop cadence, price sources, payment tuning, audit rotation,
// the optional Postgres mirror, and per-channel Stable Agreement defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/toneloc/stable-channels/internal/logging"
)

// Config is the root of stabled's configuration tree.
type Config struct {
	App          AppConfig           `mapstructure:"app"`
	Logging      logging.Config      `mapstructure:"logging"`
	Loop         LoopConfig          `mapstructure:"loop"`
	PriceSources []PriceSourceConfig `mapstructure:"price_sources"`
	Payment      PaymentConfig       `mapstructure:"payment"`
	Audit        AuditConfig         `mapstructure:"audit"`
	Database     DatabaseConfig      `mapstructure:"database"`
	EventStream  EventStreamConfig   `mapstructure:"event_stream"`
	Health       HealthConfig        `mapstructure:"health"`
	Channels     []ChannelConfig     `mapstructure:"channels"`
	Export       ExportConfig        `mapstructure:"export"`
}

// AppConfig carries general application metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	DataDir     string `mapstructure:"data_dir"`
}

// LoopConfig governs stability-loop cadence and drift handling.
type LoopConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	DegradedInterval time.Duration `mapstructure:"degraded_interval"`
	StalenessFactor  int           `mapstructure:"staleness_factor"`
}

// PriceSourceConfig describes one configured reference-price feed: either
// an HTTP JSON endpoint with a dotted projection path, or an on-chain
// oracle contract reachable over JSON-RPC.
type PriceSourceConfig struct {
	Name            string        `mapstructure:"name"`
	Kind            string        `mapstructure:"kind"` // "http" or "onchain"
	Endpoint        string        `mapstructure:"endpoint"`
	Path            string        `mapstructure:"path"`
	RPCURL          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	Decimals        int32         `mapstructure:"decimals"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// PaymentConfig governs the Payment Executor's idempotency retention and
// per-attempt latency budget.
type PaymentConfig struct {
	RetentionWindow time.Duration `mapstructure:"retention_window"`
	Budget          time.Duration `mapstructure:"budget"`
}

// AuditConfig governs the append-only audit log's rotation policy.
type AuditConfig struct {
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxAgeDays int `mapstructure:"max_age_days"`
	MaxBackups int `mapstructure:"max_backups"`
}

// DatabaseConfig configures the optional PostgreSQL audit mirror.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// EventStreamConfig points at the hosting Lightning node's channel
// lifecycle event stream, when the node exposes one.
type EventStreamConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// HealthConfig routes degraded-mode and insolvency signals to an operator.
type HealthConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram health-signal routing.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export defaults.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// ChannelConfig is one Stable Agreement's operator-supplied parameters.
type ChannelConfig struct {
	ChannelID          string  `mapstructure:"channel_id"`
	Role               string  `mapstructure:"role"`
	CounterpartyPeerID string  `mapstructure:"counterparty_peer_id"`
	PegTargetUSD       float64 `mapstructure:"peg_target_usd"`
	NativeSat          int64   `mapstructure:"native_sat"`
	NoOpBandUSD        float64 `mapstructure:"no_op_band_usd"`
	MaxPaymentUSD      float64 `mapstructure:"max_payment_usd"`
	MaxPaymentFraction float64 `mapstructure:"max_payment_fraction"`

	// RiskLevel is an operator-settable circuit breaker. Above the
	// evaluator's threshold, payments are refused regardless of deviation.
	RiskLevel int `mapstructure:"risk_level"`

	// The following seed the channel-state adapter's initial view at
	// startup. The event stream, when enabled, changes only the readiness
	// and peer-connectivity flags; app.Run installs no other snapshot
	// source, so the balances keep these values for the life of the
	// process.
	InitialCapacitySat        int64 `mapstructure:"initial_capacity_sat"`
	InitialOurSpendableSat    int64 `mapstructure:"initial_our_spendable_sat"`
	InitialTheirSpendableSat  int64 `mapstructure:"initial_their_spendable_sat"`
	InitialOurReserveSat      int64 `mapstructure:"initial_our_reserve_sat"`
	InitialTheirReserveSat    int64 `mapstructure:"initial_their_reserve_sat"`
}

// PegTargetDecimal converts the configured peg target to a decimal.
func (c ChannelConfig) PegTargetDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.PegTargetUSD)
}

// NoOpBandDecimal converts the configured no-op band to a decimal.
func (c ChannelConfig) NoOpBandDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.NoOpBandUSD)
}

// MaxPaymentDecimal converts the configured per-tick max payment to a decimal.
func (c ChannelConfig) MaxPaymentDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.MaxPaymentUSD)
}

// MaxPaymentFractionDecimal converts the configured fractional cap to a decimal.
func (c ChannelConfig) MaxPaymentFractionDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.MaxPaymentFraction)
}

// Load resolves configuration from an optional file path, environment
// variables prefixed STABLECHANNELS_, and built-in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STABLECHANNELS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("config: read: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "stabled")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.data_dir", "./data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("loop.tick_interval", "30s")
	v.SetDefault("loop.degraded_interval", "5m")
	v.SetDefault("loop.staleness_factor", 3)

	v.SetDefault("payment.retention_window", "24h")
	v.SetDefault("payment.budget", "30s")

	v.SetDefault("audit.max_size_mb", 100)
	v.SetDefault("audit.max_age_days", 1)
	v.SetDefault("audit.max_backups", 30)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("event_stream.enabled", false)

	v.SetDefault("health.telegram.enabled", false)
	v.SetDefault("health.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the decoded configuration.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("config: export.max_data_points must be greater than zero")
	}
	if c.Loop.TickInterval <= 0 {
		return fmt.Errorf("config: loop.tick_interval must be greater than zero")
	}
	if c.Loop.StalenessFactor <= 0 {
		return fmt.Errorf("config: loop.staleness_factor must be greater than zero")
	}
	if c.Health.Telegram.Enabled {
		if c.Health.Telegram.BotToken == "" {
			return fmt.Errorf("config: health.telegram.bot_token is required when enabled")
		}
		if c.Health.Telegram.ChatID == "" {
			return fmt.Errorf("config: health.telegram.chat_id is required when enabled")
		}
	}
	for _, src := range c.PriceSources {
		if src.Name == "" {
			return fmt.Errorf("config: price_sources entries require a name")
		}
		switch src.Kind {
		case "http":
			if src.Endpoint == "" {
				return fmt.Errorf("config: price_sources[%s]: endpoint is required for http sources", src.Name)
			}
		case "onchain":
			if src.RPCURL == "" || src.ContractAddress == "" {
				return fmt.Errorf("config: price_sources[%s]: rpc_url and contract_address are required for onchain sources", src.Name)
			}
		default:
			return fmt.Errorf("config: price_sources[%s]: kind must be http or onchain, got %q", src.Name, src.Kind)
		}
	}
	for _, ch := range c.Channels {
		if ch.ChannelID == "" {
			return fmt.Errorf("config: channels entries require a channel_id")
		}
		if ch.Role != "receiver" && ch.Role != "provider" {
			return fmt.Errorf("config: channels[%s]: role must be receiver or provider", ch.ChannelID)
		}
		if ch.PegTargetUSD <= 0 {
			return fmt.Errorf("config: channels[%s]: peg_target_usd must be greater than zero", ch.ChannelID)
		}
		if ch.MaxPaymentUSD <= 0 {
			return fmt.Errorf("config: channels[%s]: max_payment_usd must be greater than zero", ch.ChannelID)
		}
		if ch.RiskLevel < 0 {
			return fmt.Errorf("config: channels[%s]: risk_level cannot be negative", ch.ChannelID)
		}
	}
	return nil
}

// ResolveMaxPoints returns the CLI override when positive, else the
// configured default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
