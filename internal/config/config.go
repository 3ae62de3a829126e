package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"bundlegate/internal/logging"
	"bundlegate/internal/policy"
)

// Oracle backends.
const (
	BackendStatic = "static"
	BackendRedis  = "redis"
	BackendHermes = "hermes"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Policy    policy.Policy   `mapstructure:"policy"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// OracleConfig selects and tunes the price resolver.
type OracleConfig struct {
	Backend    string       `mapstructure:"backend"`
	PricesFile string       `mapstructure:"prices_file"`
	Redis      RedisConfig  `mapstructure:"redis"`
	Hermes     HermesConfig `mapstructure:"hermes"`
}

// RedisConfig points at the price snapshots published by the feeder.
type RedisConfig struct {
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	KeyPrefix      string        `mapstructure:"key_prefix"`
	RefreshChannel string        `mapstructure:"refresh_channel"`
	TTL            time.Duration `mapstructure:"ttl"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

// HermesConfig covers the Pyth Hermes HTTP price service.
type HermesConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for state checkpoints.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs the maintenance cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	CheckpointEvery int           `mapstructure:"checkpoint_every"`
}

// AlertingConfig defines when oracle outages are reported.
type AlertingConfig struct {
	Enabled          bool           `mapstructure:"enabled"`
	FailureThreshold int            `mapstructure:"failure_threshold"`
	Cooldown         time.Duration  `mapstructure:"cooldown"`
	Channels         []string       `mapstructure:"channels"`
	Telegram         TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// Load builds configuration from file, environment, and defaults. A .env
// file next to the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := loadEnvFile(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("BUNDLEGATE")
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

	cfg := Config{Policy: policy.Default()}
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
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
	v.SetDefault("app.name", "bundlegate")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.service", "bundlegate")

	// registered so that BUNDLEGATE_POLICY_* variables are picked up
	def := policy.Default()
	v.SetDefault("policy.features.oracle", def.Features.Oracle)
	v.SetDefault("policy.features.institutional", def.Features.Institutional)
	v.SetDefault("policy.enable_metrics", def.EnableMetrics)
	v.SetDefault("policy.enable_debug_logging", def.EnableDebugLogging)
	v.SetDefault("policy.fees.min_fee_per_tx", def.Fees.MinFeePerTx)
	v.SetDefault("policy.fees.fee_percentage", def.Fees.FeePercentage)
	v.SetDefault("policy.max_bundle_size", def.MaxBundleSize)
	v.SetDefault("policy.oracle.max_price_age_seconds", def.Oracle.MaxPriceAgeSeconds)

	v.SetDefault("oracle.backend", BackendStatic)
	v.SetDefault("oracle.redis.addr", "127.0.0.1:6379")
	v.SetDefault("oracle.redis.key_prefix", "bundlegate:price:")
	v.SetDefault("oracle.redis.refresh_channel", "bundlegate:price:refresh")
	v.SetDefault("oracle.redis.ttl", "2m")
	v.SetDefault("oracle.redis.dial_timeout", "2s")
	v.SetDefault("oracle.hermes.base_url", "https://hermes.pyth.network")
	v.SetDefault("oracle.hermes.request_timeout", "2s")
	v.SetDefault("oracle.hermes.user_agent", "bundlegate/1.0")

	v.SetDefault("scheduler.interval", "1s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x62676174))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.checkpoint_every", 60)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.failure_threshold", 5)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
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
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	switch c.Oracle.Backend {
	case BackendStatic:
	case BackendRedis:
		if c.Oracle.Redis.Addr == "" {
			return fmt.Errorf("oracle.redis.addr must be set for the redis backend")
		}
	case BackendHermes:
		if c.Oracle.Hermes.BaseURL == "" {
			return fmt.Errorf("oracle.hermes.base_url must be set for the hermes backend")
		}
	default:
		return fmt.Errorf("oracle.backend %q is not one of static, redis, hermes", c.Oracle.Backend)
	}
	if c.Alerting.Enabled && c.Alerting.FailureThreshold <= 0 {
		return fmt.Errorf("alerting.failure_threshold must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}
