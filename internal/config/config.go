// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Scraper  ScraperConfig  `mapstructure:"scraper"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	DB       DBConfig       `mapstructure:"db"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP observability server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ScraperConfig governs the target site and check cadence.
type ScraperConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	PageCap       int           `mapstructure:"page_cap"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	MaxParallel   int           `mapstructure:"max_parallel"`
}

// FetchConfig configures the fetch engine.
type FetchConfig struct {
	Strategy       string        `mapstructure:"strategy"` // http, colly or headless
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	MaxConns       int           `mapstructure:"max_conns"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the browser-rendering fetch strategy.
type HeadlessConfig struct {
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	DomainQPS   float64       `mapstructure:"domain_qps"`
}

// CacheConfig bounds result cache entry lifetime.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// DedupConfig bounds how long a delivered fingerprint suppresses
// re-delivery.
type DedupConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// NotifyConfig controls fan-out behavior.
type NotifyConfig struct {
	DeliveryDelay     time.Duration `mapstructure:"delivery_delay"`
	MaxParallelGroups int           `mapstructure:"max_parallel_groups"`
	Locations         []string      `mapstructure:"locations"`
}

// DBConfig controls access to Postgres. An empty DSN selects the
// in-memory stores (development mode).
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// TelegramConfig configures the delivery transport.
type TelegramConfig struct {
	Token     string        `mapstructure:"token"`
	APIBase   string        `mapstructure:"api_base"`
	ParseMode string        `mapstructure:"parse_mode"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WATERBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Empty defaults register the keys so AutomaticEnv can fill them.
	v.SetDefault("scraper.base_url", "")
	v.SetDefault("telegram.token", "")
	v.SetDefault("db.dsn", "")

	v.SetDefault("server.port", 8080)
	v.SetDefault("scraper.page_cap", 5)
	v.SetDefault("scraper.check_interval", "1h")
	v.SetDefault("scraper.max_parallel", 2)
	v.SetDefault("fetch.strategy", "http")
	v.SetDefault("fetch.request_timeout", "15s")
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.max_conns", 4)
	v.SetDefault("fetch.max_body_bytes", 5*1024*1024)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", "25s")
	v.SetDefault("headless.domain_qps", 0.5)
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("dedup.ttl", "336h") // 14 days
	v.SetDefault("notify.delivery_delay", "100ms")
	v.SetDefault("notify.max_parallel_groups", 4)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.parse_mode", "Markdown")
	v.SetDefault("telegram.timeout", "30s")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scraper.BaseURL == "" {
		return fmt.Errorf("scraper.base_url must be set")
	}
	if c.Scraper.PageCap <= 0 {
		return fmt.Errorf("scraper.page_cap must be > 0")
	}
	if c.Scraper.CheckInterval <= 0 {
		return fmt.Errorf("scraper.check_interval must be > 0")
	}
	switch c.Fetch.Strategy {
	case "http", "colly", "headless":
	default:
		return fmt.Errorf("fetch.strategy must be http, colly or headless, got %q", c.Fetch.Strategy)
	}
	if c.Fetch.RequestTimeout <= 0 {
		return fmt.Errorf("fetch.request_timeout must be > 0")
	}
	if c.Fetch.MaxRetries <= 0 {
		return fmt.Errorf("fetch.max_retries must be > 0")
	}
	if c.Fetch.Strategy == "headless" && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when the headless strategy is selected")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0")
	}
	if c.Dedup.TTL <= 0 {
		return fmt.Errorf("dedup.ttl must be > 0")
	}
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token must be set")
	}
	return nil
}
