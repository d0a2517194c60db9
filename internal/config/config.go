package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the application configuration outside of the database pool,
// which internal/database reads on its own.
type Config struct {
	Server struct {
		Port string `mapstructure:"port"`
	} `mapstructure:"server"`
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
	JWT struct {
		SecretKey string `mapstructure:"secret_key"`
	} `mapstructure:"jwt"`
	Ledger        LedgerConfig       `mapstructure:"ledger"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Integrity     struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"integrity"`
	Exchange struct {
		UsdToEur string `mapstructure:"usd_to_eur"`
	} `mapstructure:"exchange"`

	// FromFile reports whether a .env file was read.
	FromFile bool `mapstructure:"-"`
}

// LedgerConfig bounds how long the engine waits for connections and row locks.
type LedgerConfig struct {
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	LockTimeout    time.Duration `mapstructure:"lock_timeout"`
	SystemOwnerID  string        `mapstructure:"system_owner_id"`
}

type NotificationConfig struct {
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

var envBindings = map[string]string{
	"server.port":                "PORT",
	"log.level":                  "LOG_LEVEL",
	"log.development":            "LOG_DEVELOPMENT",
	"database.host":              "DATABASE_HOST",
	"database.port":              "DATABASE_PORT",
	"database.user":              "DATABASE_USER",
	"database.password":          "DATABASE_PASSWORD",
	"database.name":              "DATABASE_NAME",
	"database.ssl_mode":          "DATABASE_SSL_MODE",
	"database.auto_migrate":      "DATABASE_AUTO_MIGRATE",
	"redis.host":                 "REDIS_HOST",
	"redis.port":                 "REDIS_PORT",
	"redis.password":             "REDIS_PASSWORD",
	"redis.db":                   "REDIS_DB",
	"jwt.secret_key":             "JWT_SECRET_KEY",
	"ledger.acquire_timeout":     "LEDGER_ACQUIRE_TIMEOUT",
	"ledger.lock_timeout":        "LEDGER_LOCK_TIMEOUT",
	"ledger.system_owner_id":     "LEDGER_SYSTEM_OWNER_ID",
	"notifications.workers":      "NOTIFICATIONS_WORKERS",
	"notifications.queue_size":   "NOTIFICATIONS_QUEUE_SIZE",
	"notifications.task_timeout": "NOTIFICATIONS_TASK_TIMEOUT",
	"integrity.interval":         "INTEGRITY_INTERVAL",
	"exchange.usd_to_eur":        "EXCHANGE_USD_TO_EUR",
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("ledger.acquire_timeout", 5*time.Second)
	viper.SetDefault("ledger.lock_timeout", 3*time.Second)
	viper.SetDefault("ledger.system_owner_id", "00000000-0000-0000-0000-000000000000")
	viper.SetDefault("notifications.workers", 4)
	viper.SetDefault("notifications.queue_size", 256)
	viper.SetDefault("notifications.task_timeout", 10*time.Second)
	viper.SetDefault("integrity.interval", time.Duration(0))
	viper.SetDefault("exchange.usd_to_eur", "0.92")
}

// Load reads .env (optional) and the environment into a Config.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	setDefaults()

	fromFile := viper.ReadInConfig() == nil

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.FromFile = fromFile

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UsdToEur parses the configured fixed rate.
func (c *Config) UsdToEur() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.Exchange.UsdToEur)
	if err != nil {
		return decimal.Zero, fmt.Errorf("exchange.usd_to_eur: %w", err)
	}
	return rate, nil
}

func (c *Config) validate() error {
	rate, err := c.UsdToEur()
	if err != nil {
		return err
	}
	if !rate.IsPositive() {
		return fmt.Errorf("exchange.usd_to_eur must be positive, got %s", rate)
	}
	if c.Notifications.Workers < 1 {
		return fmt.Errorf("notifications.workers must be at least 1, got %d", c.Notifications.Workers)
	}
	if c.Ledger.AcquireTimeout <= 0 {
		return fmt.Errorf("ledger.acquire_timeout must be positive")
	}
	return nil
}
