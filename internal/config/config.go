package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/RIDCorix/Amazcope-sub000/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs sweep cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	SweepDeadline   time.Duration `mapstructure:"sweep_deadline"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ScraperConfig covers the external scraping provider and fetch behaviour.
type ScraperConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Workers        int           `mapstructure:"workers"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
}

// TrackingConfig sets entity defaults applied on import.
type TrackingConfig struct {
	RefreshInterval     time.Duration `mapstructure:"refresh_interval"`
	PriceThresholdPct   float64       `mapstructure:"price_threshold_pct"`
	RankThresholdPct    float64       `mapstructure:"rank_threshold_pct"`
	RatingThresholdPct  float64       `mapstructure:"rating_threshold_pct"`
	ReviewsThresholdPct float64       `mapstructure:"reviews_threshold_pct"`
}

// AlertingConfig defines notification behaviour and routing.
type AlertingConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	RateLimit        int           `mapstructure:"rate_limit"`
	RateWindow       time.Duration `mapstructure:"rate_window"`
	DeliveryAttempts int           `mapstructure:"delivery_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	Retention        time.Duration `mapstructure:"retention"`
	Email            EmailConfig   `mapstructure:"email"`
	Webhook          WebhookConfig `mapstructure:"webhook"`
}

// EmailConfig 描述 SMTP 告警通道参数。
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	From     string `mapstructure:"from"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// WebhookConfig tunes the webhook delivery channel.
type WebhookConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AMAZCOPE")
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
		return nil, fmt.Errorf("unmarshal config: %w", err)
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
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "amazcope")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.sweep_deadline", "30m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x616d7a63))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("scraper.base_url", "https://api.scrapeup.io/v1")
	v.SetDefault("scraper.user_agent", "amazcope/1.0")
	v.SetDefault("scraper.request_timeout", "20s")
	v.SetDefault("scraper.workers", 8)
	v.SetDefault("scraper.max_attempts", 3)
	v.SetDefault("scraper.retry_base_delay", "2s")
	v.SetDefault("scraper.retry_max_delay", "30s")

	v.SetDefault("tracking.refresh_interval", "24h")
	v.SetDefault("tracking.price_threshold_pct", 10.0)
	v.SetDefault("tracking.rank_threshold_pct", 30.0)
	v.SetDefault("tracking.rating_threshold_pct", 5.0)
	v.SetDefault("tracking.reviews_threshold_pct", 20.0)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.rate_limit", 10)
	v.SetDefault("alerting.rate_window", "1h")
	v.SetDefault("alerting.delivery_attempts", 3)
	v.SetDefault("alerting.retry_delay", "5s")
	v.SetDefault("alerting.retention", "2160h")
	v.SetDefault("alerting.email.enabled", false)
	v.SetDefault("alerting.email.port", "587")
	v.SetDefault("alerting.webhook.enabled", true)
	v.SetDefault("alerting.webhook.request_timeout", "10s")
	v.SetDefault("alerting.webhook.user_agent", "amazcope/1.0")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.SweepDeadline <= 0 {
		return fmt.Errorf("scheduler.sweep_deadline must be greater than zero")
	}
	if c.Scraper.Workers <= 0 {
		return fmt.Errorf("scraper.workers must be greater than zero")
	}
	if c.Scraper.MaxAttempts <= 0 {
		return fmt.Errorf("scraper.max_attempts must be greater than zero")
	}
	if c.Tracking.RefreshInterval <= 0 {
		return fmt.Errorf("tracking.refresh_interval must be greater than zero")
	}
	if c.Tracking.PriceThresholdPct < 0 || c.Tracking.RankThresholdPct < 0 ||
		c.Tracking.RatingThresholdPct < 0 || c.Tracking.ReviewsThresholdPct < 0 {
		return fmt.Errorf("tracking threshold percentages cannot be negative")
	}
	if c.Alerting.RateLimit <= 0 {
		return fmt.Errorf("alerting.rate_limit must be greater than zero")
	}
	if c.Alerting.RateWindow <= 0 {
		return fmt.Errorf("alerting.rate_window must be greater than zero")
	}
	if c.Alerting.Email.Enabled {
		if c.Alerting.Email.Host == "" {
			return fmt.Errorf("alerting.email.host 必须配置")
		}
		if c.Alerting.Email.From == "" {
			return fmt.Errorf("alerting.email.from 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
