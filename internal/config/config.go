package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goodtune/kcafe/internal/billing"
	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Billing BillingConfig `mapstructure:"billing"`
	Session SessionConfig `mapstructure:"session"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Events  EventsConfig  `mapstructure:"events"`
	API     APIConfig     `mapstructure:"api"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	BindAddress string `mapstructure:"bind_address"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type     string         `mapstructure:"type"` // "bolt", "redis" or "postgres"
	Path     string         `mapstructure:"path"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// PostgresConfig defines PostgreSQL connection settings
type PostgresConfig struct {
	URL             string `mapstructure:"url"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BillingConfig defines the currency and price tables
type BillingConfig struct {
	Currency string      `mapstructure:"currency"`
	Rates    RatesConfig `mapstructure:"rates"`
	Print    PrintConfig `mapstructure:"print"`
}

// RatesConfig is the session rate table as decimal strings
type RatesConfig struct {
	PerMinute string `mapstructure:"per_minute"`
	PerHour   string `mapstructure:"per_hour"`
	PerDay    string `mapstructure:"per_day"`
}

// PrintConfig is the per-page print price table as decimal strings
type PrintConfig struct {
	BlackWhite string `mapstructure:"black_white"`
	Color      string `mapstructure:"color"`
}

// SessionConfig defines session liveness and sweep settings
type SessionConfig struct {
	HeartbeatTimeout string `mapstructure:"heartbeat_timeout"`
	SweepInterval    string `mapstructure:"sweep_interval"`
	CloseTimeout     string `mapstructure:"close_timeout"`
}

// LedgerConfig defines ledger read behavior
type LedgerConfig struct {
	ReadRetries  int    `mapstructure:"read_retries"`
	RetryBackoff string `mapstructure:"retry_backoff"`
	HistoryLimit int    `mapstructure:"history_limit"`
}

// AuthConfig defines patron authentication settings
type AuthConfig struct {
	JWTSecret           string `mapstructure:"jwt_secret"`
	TokenTTL            string `mapstructure:"token_ttl"`
	RevocationCacheSize int    `mapstructure:"revocation_cache_size"`
	BcryptCost          int    `mapstructure:"bcrypt_cost"`
}

// EventsConfig defines where lifecycle events are published
type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url"`
}

// APIConfig defines HTTP API settings
type APIConfig struct {
	RateLimit       int      `mapstructure:"rate_limit"`
	LoginRateLimit  int      `mapstructure:"login_rate_limit"`
	RateLimitWindow string   `mapstructure:"rate_limit_window"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
}

// RateTable parses the configured session rates.
func (b BillingConfig) RateTable() (billing.Rates, error) {
	perMinute, err := billing.ParseMoney(b.Rates.PerMinute)
	if err != nil {
		return billing.Rates{}, fmt.Errorf("billing.rates.per_minute: %w", err)
	}
	perHour, err := billing.ParseMoney(b.Rates.PerHour)
	if err != nil {
		return billing.Rates{}, fmt.Errorf("billing.rates.per_hour: %w", err)
	}
	perDay, err := billing.ParseMoney(b.Rates.PerDay)
	if err != nil {
		return billing.Rates{}, fmt.Errorf("billing.rates.per_day: %w", err)
	}
	return billing.Rates{PerMinute: perMinute, PerHour: perHour, PerDay: perDay}, nil
}

// PrintTable parses the configured per-page print rates.
func (b BillingConfig) PrintTable() (billing.PrintRates, error) {
	bw, err := billing.ParseMoney(b.Print.BlackWhite)
	if err != nil {
		return billing.PrintRates{}, fmt.Errorf("billing.print.black_white: %w", err)
	}
	color, err := billing.ParseMoney(b.Print.Color)
	if err != nil {
		return billing.PrintRates{}, fmt.Errorf("billing.print.color: %w", err)
	}
	return billing.PrintRates{BlackWhite: bw, Color: color}, nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KCAFE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "0.0.0.0")

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/kcafe/kcafe.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.postgres.url", "")
	v.SetDefault("storage.postgres.max_open_conns", 25)
	v.SetDefault("storage.postgres.max_idle_conns", 5)
	v.SetDefault("storage.postgres.conn_max_lifetime", "5m")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Billing defaults
	v.SetDefault("billing.currency", "USD")
	v.SetDefault("billing.rates.per_minute", "0.05")
	v.SetDefault("billing.rates.per_hour", "2.50")
	v.SetDefault("billing.rates.per_day", "15.00")
	v.SetDefault("billing.print.black_white", "0.10")
	v.SetDefault("billing.print.color", "0.25")

	// Session defaults
	v.SetDefault("session.heartbeat_timeout", "5m")
	v.SetDefault("session.sweep_interval", "1m")
	v.SetDefault("session.close_timeout", "10s")

	// Ledger defaults
	v.SetDefault("ledger.read_retries", 3)
	v.SetDefault("ledger.retry_backoff", "50ms")
	v.SetDefault("ledger.history_limit", 10)

	// Auth defaults; the secret has no usable default but must be a known
	// key so KCAFE_AUTH_JWT_SECRET is picked up by Unmarshal.
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.revocation_cache_size", 10000)
	v.SetDefault("auth.bcrypt_cost", 12)

	// Events defaults
	v.SetDefault("events.nats_url", "")

	// API defaults
	v.SetDefault("api.rate_limit", 100)
	v.SetDefault("api.login_rate_limit", 5)
	v.SetDefault("api.rate_limit_window", "1m")
	v.SetDefault("api.allowed_origins", []string{})
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Storage.Type {
	case "", "bolt":
		cfg.Storage.Type = "bolt"
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	case "postgres":
		if cfg.Storage.Postgres.URL == "" {
			return fmt.Errorf("storage.postgres.url is required")
		}
	default:
		return fmt.Errorf("unknown storage type: %s (must be bolt, redis, or postgres)", cfg.Storage.Type)
	}

	rates, err := cfg.Billing.RateTable()
	if err != nil {
		return err
	}
	if _, err := billing.NewRateSchedule(rates); err != nil {
		return err
	}
	printRates, err := cfg.Billing.PrintTable()
	if err != nil {
		return err
	}
	if printRates.BlackWhite < 0 || printRates.Color < 0 {
		return fmt.Errorf("print rates must not be negative")
	}

	durations := map[string]string{
		"session.heartbeat_timeout": cfg.Session.HeartbeatTimeout,
		"session.sweep_interval":    cfg.Session.SweepInterval,
		"session.close_timeout":     cfg.Session.CloseTimeout,
		"ledger.retry_backoff":      cfg.Ledger.RetryBackoff,
		"auth.token_ttl":            cfg.Auth.TokenTTL,
		"api.rate_limit_window":     cfg.API.RateLimitWindow,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d <= 0 && key != "ledger.retry_backoff" {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	if cfg.Ledger.ReadRetries < 0 {
		return fmt.Errorf("ledger.read_retries must not be negative")
	}
	if cfg.Ledger.HistoryLimit <= 0 || cfg.Ledger.HistoryLimit > 100 {
		return fmt.Errorf("ledger.history_limit must be between 1 and 100")
	}

	if len(cfg.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth.jwt_secret must be at least 16 characters")
	}

	return nil
}

// Defaults returns the configuration produced by defaults alone, without
// validation.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

// KnownKeys returns the set of recognized configuration keys.
func KnownKeys() map[string]bool {
	v := viper.New()
	setDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// Duration parses a duration setting, falling back when it is empty or
// malformed. Load has already rejected malformed values.
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
