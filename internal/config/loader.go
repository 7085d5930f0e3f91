package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path over the built-in defaults,
// applies TRIARB_* environment variable overrides, and returns the result.
// An empty path uses the defaults alone. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites Config fields from well-known TRIARB_*
// environment variables that are set and non-empty, so secrets can be
// injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.BaseURL, "TRIARB_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.APIKey, "TRIARB_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "TRIARB_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.APIPassphrase, "TRIARB_EXCHANGE_API_PASSPHRASE")
	setInt(&cfg.Exchange.RequestLimit, "TRIARB_EXCHANGE_REQUEST_LIMIT")
	setDuration(&cfg.Exchange.RequestWindow, "TRIARB_EXCHANGE_REQUEST_WINDOW")
	setStringSlice(&cfg.Exchange.Currencies, "TRIARB_EXCHANGE_CURRENCIES")

	// ── Engine ──
	setStr(&cfg.Engine.Strategy, "TRIARB_ENGINE_STRATEGY")
	setStr(&cfg.Engine.Base, "TRIARB_ENGINE_BASE")
	setDuration(&cfg.Engine.LoopDelay, "TRIARB_ENGINE_LOOP_DELAY")
	setInt(&cfg.Engine.SampleSize, "TRIARB_ENGINE_SAMPLE_SIZE")
	setInt64(&cfg.Engine.Seed, "TRIARB_ENGINE_SEED")
	setFloat64(&cfg.Engine.Tolerance, "TRIARB_ENGINE_TOLERANCE")
	setInt(&cfg.Engine.MaxMissing, "TRIARB_ENGINE_MAX_MISSING")
	setBool(&cfg.Engine.FlexibleVolume, "TRIARB_ENGINE_FLEXIBLE_VOLUME")
	setFloat64(&cfg.Engine.MinVolume, "TRIARB_ENGINE_MIN_VOLUME")
	setFloat64(&cfg.Engine.MaxPlausibleProfit, "TRIARB_ENGINE_MAX_PLAUSIBLE_PROFIT")

	// ── Execution ──
	setStr(&cfg.Execution.OrderType, "TRIARB_EXECUTION_ORDER_TYPE")
	setStr(&cfg.Execution.TimeInForce, "TRIARB_EXECUTION_TIME_IN_FORCE")
	setDuration(&cfg.Execution.SettleTimeout, "TRIARB_EXECUTION_SETTLE_TIMEOUT")
	setStringSlice(&cfg.Execution.Majors, "TRIARB_EXECUTION_MAJORS")
	setFloat64(&cfg.Execution.MaxStartAmount, "TRIARB_EXECUTION_MAX_START_AMOUNT")
	setFloat64(&cfg.Execution.MaxDrawdown, "TRIARB_EXECUTION_MAX_DRAWDOWN")

	// ── Session ──
	setStr(&cfg.Session.StartCurrency, "TRIARB_SESSION_START_CURRENCY")
	setFloat64(&cfg.Session.StartBalance, "TRIARB_SESSION_START_BALANCE")
	setStringSlice(&cfg.Session.Tracked, "TRIARB_SESSION_TRACKED")
	setBool(&cfg.Session.SyncBalances, "TRIARB_SESSION_SYNC_BALANCES")
	setBalances(&cfg.Session.PaperBalances, "TRIARB_SESSION_PAPER_BALANCES")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "TRIARB_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "TRIARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TRIARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRIARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRIARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRIARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRIARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRIARB_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "TRIARB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TRIARB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TRIARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRIARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRIARB_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "TRIARB_REDIS_TLS_ENABLED")

	// ── S3 / archive ──
	setStr(&cfg.S3.Endpoint, "TRIARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRIARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRIARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRIARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRIARB_S3_SECRET_KEY")
	setBool(&cfg.Archive.Enabled, "TRIARB_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "TRIARB_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRIARB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRIARB_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "TRIARB_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRIARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRIARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRIARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRIARB_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRIARB_MODE")
	setStr(&cfg.LogLevel, "TRIARB_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setBalances parses "USDT:1000,BTC:0.5".
func setBalances(dst *map[string]float64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	out := make(map[string]float64)
	for _, part := range strings.Split(v, ",") {
		cur, amt, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			continue
		}
		if f, err := strconv.ParseFloat(amt, 64); err == nil && cur != "" {
			out[strings.ToUpper(cur)] = f
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
