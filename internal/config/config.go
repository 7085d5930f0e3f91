// Package config defines the top-level configuration of the arbitrage engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRIARB_* environment variables.
type Config struct {
	Exchange  ExchangeConfig  `toml:"exchange"`
	Engine    EngineConfig    `toml:"engine"`
	Book      BookConfig      `toml:"book"`
	Execution ExecutionConfig `toml:"execution"`
	Session   SessionConfig   `toml:"session"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ExchangeConfig holds KuCoin endpoints and API credentials.
type ExchangeConfig struct {
	BaseURL       string   `toml:"base_url"`
	APIKey        string   `toml:"api_key"`
	APISecret     string   `toml:"api_secret"`
	APIPassphrase string   `toml:"api_passphrase"`
	RequestLimit  int      `toml:"request_limit"`
	RequestWindow duration `toml:"request_window"`
	Timeout       duration `toml:"timeout"`
	WSBuffer      int      `toml:"ws_buffer"`
	// Currencies restricts the pair universe to pairs whose legs are both
	// listed. Empty keeps every enabled pair.
	Currencies []string `toml:"currencies"`
}

// GeneticConfig tunes the evolutionary search.
type GeneticConfig struct {
	SetSize        int     `toml:"set_size"`
	MinHops        int     `toml:"min_hops"`
	MaxHops        int     `toml:"max_hops"`
	MutationRate   float64 `toml:"mutation_rate"`
	MaxGenerations int     `toml:"max_generations"`
}

// EngineConfig holds sequence search and evaluation parameters.
type EngineConfig struct {
	// Strategy is "triangular" or "genetic".
	Strategy           string        `toml:"strategy"`
	Base               string        `toml:"base"`
	LoopDelay          duration      `toml:"loop_delay"`
	SampleSize         int           `toml:"sample_size"`
	Seed               int64         `toml:"seed"`
	Tolerance          float64       `toml:"tolerance"`
	MaxMissing         int           `toml:"max_missing"`
	FlexibleVolume     bool          `toml:"flexible_volume"`
	VolumeScale        float64       `toml:"volume_scale"`
	MinVolume          float64       `toml:"min_volume"`
	MaxPlausibleProfit float64       `toml:"max_plausible_profit"`
	RecentTTL          duration      `toml:"recent_ttl"`
	BanDuration        duration      `toml:"ban_duration"`
	Genetic            GeneticConfig `toml:"genetic"`
}

// BookConfig tunes book synchronization and mirroring.
type BookConfig struct {
	SettleDelay        duration `toml:"settle_delay"`
	Concurrency        int      `toml:"concurrency"`
	ResyncGapThreshold int      `toml:"resync_gap_threshold"`
	SnapshotLimit      int      `toml:"snapshot_limit"`
	SnapshotWindow     duration `toml:"snapshot_window"`
	MirrorInterval     duration `toml:"mirror_interval"`
	MirrorDepth        int      `toml:"mirror_depth"`
	FeeRefreshInterval duration `toml:"fee_refresh_interval"`
}

// ExecutionConfig holds order placement and recovery parameters.
type ExecutionConfig struct {
	// OrderType is "market" or "limit".
	OrderType     string   `toml:"order_type"`
	TimeInForce   string   `toml:"time_in_force"`
	SettleTimeout duration `toml:"settle_timeout"`
	LateWindow    duration `toml:"late_window"`
	PendingTTL    duration `toml:"pending_ttl"`
	Majors        []string `toml:"majors"`
	LockTTL       duration `toml:"lock_ttl"`
	// MaxStartAmount caps the session start currency committed to one
	// sequence; larger balances trade at the cap. 0 disables the cap.
	MaxStartAmount float64 `toml:"max_start_amount"`
	// MaxDrawdown halts trading once realized P/L falls below -MaxDrawdown
	// (a fraction of the starting balance); 0 disables the kill switch.
	MaxDrawdown float64 `toml:"max_drawdown"`
}

// SessionConfig holds the starting ledger and simulated account.
type SessionConfig struct {
	StartCurrency string   `toml:"start_currency"`
	StartBalance  float64  `toml:"start_balance"`
	Tracked       []string `toml:"tracked"`
	// SyncBalances seeds the ledger from the exchange account in live mode.
	SyncBalances  bool               `toml:"sync_balances"`
	PaperBalances map[string]float64 `toml:"paper_balances"`
	PaperLatency  duration           `toml:"paper_latency"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Prefix     string `toml:"prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	Prefix         string `toml:"prefix"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls moving old records to S3.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
	PageSize      int      `toml:"page_size"`
	Prune         bool     `toml:"prune"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP status API parameters.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	APIKey  string `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			BaseURL:       "https://api.kucoin.com",
			RequestLimit:  30,
			RequestWindow: duration{3 * time.Second},
			Timeout:       duration{30 * time.Second},
			WSBuffer:      4096,
		},
		Engine: EngineConfig{
			Strategy:           "triangular",
			Base:               "USDT",
			LoopDelay:          duration{100 * time.Millisecond},
			SampleSize:         50,
			Tolerance:          0.0005,
			MaxMissing:         0,
			FlexibleVolume:     true,
			VolumeScale:        0.6,
			MinVolume:          10,
			MaxPlausibleProfit: 1.5,
			RecentTTL:          duration{20 * time.Second},
			BanDuration:        duration{10 * time.Minute},
			Genetic: GeneticConfig{
				SetSize:        200,
				MinHops:        3,
				MaxHops:        5,
				MutationRate:   0.05,
				MaxGenerations: 20,
			},
		},
		Book: BookConfig{
			SettleDelay:        duration{3 * time.Second},
			Concurrency:        8,
			ResyncGapThreshold: 50,
			SnapshotLimit:      30,
			SnapshotWindow:     duration{3 * time.Second},
			MirrorInterval:     duration{time.Second},
			MirrorDepth:        20,
			FeeRefreshInterval: duration{time.Hour},
		},
		Execution: ExecutionConfig{
			OrderType:     "market",
			TimeInForce:   "FOK",
			SettleTimeout: duration{10 * time.Second},
			LateWindow:    duration{time.Minute},
			PendingTTL:    duration{30 * time.Second},
			Majors:        []string{"USDT", "BTC", "ETH"},
			LockTTL:       duration{time.Minute},
			MaxDrawdown:   0.05,
		},
		Session: SessionConfig{
			StartCurrency: "USDT",
			StartBalance:  1000,
			Tracked:       []string{"BTC", "ETH"},
			SyncBalances:  true,
			PaperBalances: map[string]float64{"USDT": 1000},
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "triarb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Prefix:     "triarb:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "triarb-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{24 * time.Hour},
			RetentionDays: 30,
			PageSize:      500,
			Prune:         true,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Notify: NotifyConfig{
			Events: []string{"sequence_executed", "base_switched", "stranded", "invariant_violation", "engine_halted", "kill_switch"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":    true,
	"paper":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStrategies = map[string]bool{
	"triangular": true,
	"genetic":    true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange credentials must be complete for live trading.
	if c.Exchange.BaseURL == "" {
		errs = append(errs, "exchange: base_url must not be empty")
	}
	k, s, p := c.Exchange.APIKey != "", c.Exchange.APISecret != "", c.Exchange.APIPassphrase != ""
	if (k || s || p) && !(k && s && p) {
		errs = append(errs, "exchange: api_key, api_secret, and api_passphrase must all be set together")
	}
	if c.Mode == "live" && !k {
		errs = append(errs, "exchange: api credentials are required for mode live")
	}

	// Engine
	if !validStrategies[c.Engine.Strategy] {
		errs = append(errs, fmt.Sprintf("engine: unknown strategy %q (valid: triangular, genetic)", c.Engine.Strategy))
	}
	if c.Engine.Base == "" {
		errs = append(errs, "engine: base must not be empty")
	}
	if c.Engine.Tolerance < 0 {
		errs = append(errs, "engine: tolerance must be >= 0")
	}
	if c.Engine.MaxMissing < 0 {
		errs = append(errs, "engine: max_missing must be >= 0")
	}
	if c.Engine.FlexibleVolume && (c.Engine.VolumeScale <= 0 || c.Engine.VolumeScale >= 1) {
		errs = append(errs, "engine: volume_scale must be in (0, 1) when flexible_volume is set")
	}
	if c.Engine.MaxPlausibleProfit <= 0 {
		errs = append(errs, "engine: max_plausible_profit must be > 0")
	}
	if c.Engine.Strategy == "genetic" {
		g := c.Engine.Genetic
		if g.SetSize < 2 {
			errs = append(errs, "engine.genetic: set_size must be >= 2")
		}
		if g.MinHops < 3 || g.MaxHops < g.MinHops {
			errs = append(errs, "engine.genetic: need 3 <= min_hops <= max_hops")
		}
		if g.MutationRate < 0 || g.MutationRate > 1 {
			errs = append(errs, "engine.genetic: mutation_rate must be in [0, 1]")
		}
	}

	// Book
	if c.Book.Concurrency < 1 {
		errs = append(errs, "book: concurrency must be >= 1")
	}
	if c.Book.ResyncGapThreshold < 0 {
		errs = append(errs, "book: resync_gap_threshold must be >= 0")
	}

	// Execution
	switch c.Execution.OrderType {
	case "market":
	case "limit":
		switch c.Execution.TimeInForce {
		case "GTC", "IOC", "FOK":
		default:
			errs = append(errs, fmt.Sprintf("execution: unknown time_in_force %q", c.Execution.TimeInForce))
		}
	default:
		errs = append(errs, fmt.Sprintf("execution: unknown order_type %q (valid: market, limit)", c.Execution.OrderType))
	}
	if c.Execution.SettleTimeout.Duration <= 0 {
		errs = append(errs, "execution: settle_timeout must be > 0")
	}
	if c.Execution.MaxStartAmount < 0 || c.Execution.MaxDrawdown < 0 {
		errs = append(errs, "execution: risk limits must be >= 0")
	}

	// Session
	if c.Session.StartCurrency == "" {
		errs = append(errs, "session: start_currency must not be empty")
	}
	if c.Session.StartBalance < 0 {
		errs = append(errs, "session: start_balance must be >= 0")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}
	if c.Mode == "monitor" && !c.Redis.Enabled {
		errs = append(errs, "redis: must be enabled for mode monitor")
	}
	if c.Mode == "monitor" && !c.Server.Enabled {
		errs = append(errs, "server: must be enabled for mode monitor")
	}

	// Archive
	if c.Archive.Enabled {
		if !c.Postgres.Enabled {
			errs = append(errs, "archive: requires postgres.enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
