// Package config loads service settings from built-in defaults, an optional
// YAML file and the process environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime setting of the service.
type Config struct {
	AppEnv         string `mapstructure:"app_env"`
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	HTTPListenAddr string `mapstructure:"http_listen_addr"`
	PublicBasePath string `mapstructure:"public_base_path"`
	APIToken       string `mapstructure:"api_token"`

	DatabaseDriver string `mapstructure:"database_driver"`
	DatabaseURL    string `mapstructure:"database_url"`
	DatabaseSchema string `mapstructure:"database_schema"`
	SQLitePath     string `mapstructure:"sqlite_path"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisTLS      bool   `mapstructure:"redis_tls"`

	MetricsNamespace string `mapstructure:"metrics_namespace"`

	WalletAddress    string        `mapstructure:"ton_wallet_address"`
	TonCenterBaseURL string        `mapstructure:"toncenter_base_url"`
	TonCenterAPIKey  string        `mapstructure:"toncenter_api_key"`
	TonCenterTimeout time.Duration `mapstructure:"toncenter_timeout"`
	LedgerFetchLimit int           `mapstructure:"ledger_fetch_limit"`

	RateBaseURL    string        `mapstructure:"rate_base_url"`
	RateCoinID     string        `mapstructure:"rate_coin_id"`
	RateVsCurrency string        `mapstructure:"rate_vs_currency"`
	RateTimeout    time.Duration `mapstructure:"rate_timeout"`
	RateFallback   float64       `mapstructure:"rate_fallback"`
	RateCacheTTL   time.Duration `mapstructure:"rate_cache_ttl"`

	RetentionWindow     time.Duration `mapstructure:"retention_window"`
	ReconcileInterval   time.Duration `mapstructure:"reconcile_interval"`
	ReconcileDelay      time.Duration `mapstructure:"reconcile_delay"`
	ReconcileTimeout    time.Duration `mapstructure:"reconcile_timeout"`
	CreditRetryAttempts int           `mapstructure:"credit_retry_attempts"`
	CreditRetryBackoff  time.Duration `mapstructure:"credit_retry_backoff"`
	PendingReuseWindow  time.Duration `mapstructure:"pending_reuse_window"`
	CheckCooldown       time.Duration `mapstructure:"check_cooldown"`

	AccessPrice    float64 `mapstructure:"access_price"`
	AccessCurrency string  `mapstructure:"access_currency"`
	BotPrice       float64 `mapstructure:"bot_price"`
	BotCurrency    string  `mapstructure:"bot_currency"`

	TelegramBotToken string `mapstructure:"telegram_bot_token"`
	BotUsername      string `mapstructure:"bot_username"`

	WhatsAppStorePath string `mapstructure:"whatsapp_store_path"`
	WhatsAppLogLevel  string `mapstructure:"whatsapp_log_level"`
	AlertWhatsAppJID  string `mapstructure:"alert_whatsapp_jid"`
}

var defaults = map[string]any{
	"app_env":               "development",
	"log_level":             "info",
	"log_format":            "text",
	"http_listen_addr":      ":8080",
	"public_base_path":      "",
	"api_token":             "",
	"database_driver":       "postgres",
	"database_url":          "",
	"database_schema":       "",
	"sqlite_path":           "data/paygate.db",
	"redis_addr":            "",
	"redis_password":        "",
	"redis_db":              0,
	"redis_tls":             false,
	"metrics_namespace":     "paygate",
	"ton_wallet_address":    "",
	"toncenter_base_url":    "https://toncenter.com/api/v2",
	"toncenter_api_key":     "",
	"toncenter_timeout":     10 * time.Second,
	"ledger_fetch_limit":    100,
	"rate_base_url":         "https://api.coingecko.com/api/v3",
	"rate_coin_id":          "the-open-network",
	"rate_vs_currency":      "usd",
	"rate_timeout":          5 * time.Second,
	"rate_fallback":         2.4,
	"rate_cache_ttl":        0,
	"retention_window":      24 * time.Hour,
	"reconcile_interval":    5 * time.Minute,
	"reconcile_delay":       time.Second,
	"reconcile_timeout":     30 * time.Second,
	"credit_retry_attempts": 5,
	"credit_retry_backoff":  500 * time.Millisecond,
	"pending_reuse_window":  10 * time.Minute,
	"check_cooldown":        3 * time.Second,
	"access_price":          10.0,
	"access_currency":       "USDT",
	"bot_price":             5.0,
	"bot_currency":          "USDT",
	"telegram_bot_token":    "",
	"bot_username":          "",
	"whatsapp_store_path":   "",
	"whatsapp_log_level":    "WARN",
	"alert_whatsapp_jid":    "",
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables are consulted.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))
	cfg.BotUsername = strings.TrimPrefix(strings.TrimSpace(cfg.BotUsername), "@")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings the service cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.WalletAddress) == "" {
		errs = append(errs, errors.New("TON_WALLET_ADDRESS is required"))
	}
	switch c.DatabaseDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DATABASE_DRIVER %q", c.DatabaseDriver))
	}
	if c.RetentionWindow <= 0 {
		errs = append(errs, errors.New("RETENTION_WINDOW must be positive"))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must be positive"))
	}
	if c.LedgerFetchLimit <= 0 {
		errs = append(errs, errors.New("LEDGER_FETCH_LIMIT must be positive"))
	}
	if c.CreditRetryAttempts <= 0 {
		errs = append(errs, errors.New("CREDIT_RETRY_ATTEMPTS must be positive"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the service runs with APP_ENV=production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}
