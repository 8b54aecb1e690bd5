// Package config loads runtime settings from defaults, an optional YAML file,
// a .env file and LEDGER_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/warp/payment-ledger/ledger"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	AMQP      AMQPConfig      `mapstructure:"amqp"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type AppConfig struct {
	Env               string        `mapstructure:"env"`
	Port              int           `mapstructure:"port"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins       []string      `mapstructure:"cors_origins"`
	Seed              string        `mapstructure:"seed"`               // demo scenario loaded on start, empty for none
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"` // 0 disables the sweep
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"` // sqlite file, ":memory:" for ephemeral
}

type RedisConfig struct {
	URL string `mapstructure:"url"` // empty: counter in sqlite, no lock
}

type AMQPConfig struct {
	URL      string `mapstructure:"url"` // empty: events go to the log
	Exchange string `mapstructure:"exchange"`
}

type LoggerConfig struct {
	Level string `mapstructure:"level"`
}

type LedgerConfig struct {
	PaymentPrefix  string        `mapstructure:"payment_prefix"`
	NumberWidth    int           `mapstructure:"number_width"`
	NodeID         int64         `mapstructure:"node_id"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	StorageTimeout time.Duration `mapstructure:"storage_timeout"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
}

type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"` // 0 disables
	Window   time.Duration `mapstructure:"window"`
}

// Options converts the ledger section to engine options.
func (c LedgerConfig) Options() ledger.Options {
	return ledger.Options{
		MaxRetries:     c.MaxRetries,
		RetryBackoff:   c.RetryBackoff,
		StorageTimeout: c.StorageTimeout,
		LockTTL:        c.LockTTL,
	}
}

func (c LedgerConfig) Allocator() ledger.AllocatorConfig {
	return ledger.AllocatorConfig{
		Prefix:  c.PaymentPrefix,
		Width:   c.NumberWidth,
		NodeID:  c.NodeID,
		Timeout: c.StorageTimeout,
	}
}

func setDefaults(v *viper.Viper) {
	d := ledger.DefaultOptions()

	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.shutdown_timeout", 10*time.Second)
	v.SetDefault("app.cors_origins", []string{"http://localhost:*", "http://127.0.0.1:*"})
	v.SetDefault("app.seed", "")
	v.SetDefault("app.reconcile_interval", time.Hour)
	v.SetDefault("database.path", "./data/ledger.db")
	v.SetDefault("redis.url", "")
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "ledger.events")
	v.SetDefault("logger.level", "info")
	v.SetDefault("ledger.payment_prefix", ledger.DefaultPaymentPrefix)
	v.SetDefault("ledger.number_width", ledger.DefaultNumberWidth)
	v.SetDefault("ledger.node_id", 1)
	v.SetDefault("ledger.max_retries", d.MaxRetries)
	v.SetDefault("ledger.retry_backoff", d.RetryBackoff)
	v.SetDefault("ledger.storage_timeout", d.StorageTimeout)
	v.SetDefault("ledger.lock_ttl", d.LockTTL)
	v.SetDefault("ratelimit.requests", 100)
	v.SetDefault("ratelimit.window", time.Minute)
}

// Load reads configuration. path may be empty; a missing .env is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.App.Port <= 0 || c.App.Port > 65535:
		return fmt.Errorf("app.port out of range: %d", c.App.Port)
	case c.Database.Path == "":
		return errors.New("database.path is required")
	case c.Ledger.NodeID < 0 || c.Ledger.NodeID > 1023:
		return fmt.Errorf("ledger.node_id must be 0-1023, got %d", c.Ledger.NodeID)
	case c.Ledger.MaxRetries < 0:
		return fmt.Errorf("ledger.max_retries must not be negative, got %d", c.Ledger.MaxRetries)
	case c.Ledger.StorageTimeout <= 0:
		return errors.New("ledger.storage_timeout must be positive")
	}
	return nil
}
