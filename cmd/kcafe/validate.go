package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/kcafe/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the kcafe configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Warning: could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults())
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := config.KnownKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Println("\n[server]")
	dumpField("  api_port", cfg.Server.APIPort, defaultCfg.Server.APIPort, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)

	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  path", cfg.Storage.Path, defaultCfg.Storage.Path, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)
	_, _ = cyan.Println("  [storage.postgres]")
	dumpField("    url", redactURL(cfg.Storage.Postgres.URL), redactURL(defaultCfg.Storage.Postgres.URL), yellow, green)
	dumpField("    max_open_conns", cfg.Storage.Postgres.MaxOpenConns, defaultCfg.Storage.Postgres.MaxOpenConns, yellow, green)
	dumpField("    max_idle_conns", cfg.Storage.Postgres.MaxIdleConns, defaultCfg.Storage.Postgres.MaxIdleConns, yellow, green)
	dumpField("    conn_max_lifetime", cfg.Storage.Postgres.ConnMaxLifetime, defaultCfg.Storage.Postgres.ConnMaxLifetime, yellow, green)

	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	_, _ = cyan.Println("\n[billing]")
	dumpField("  currency", cfg.Billing.Currency, defaultCfg.Billing.Currency, yellow, green)
	dumpField("  rates.per_minute", cfg.Billing.Rates.PerMinute, defaultCfg.Billing.Rates.PerMinute, yellow, green)
	dumpField("  rates.per_hour", cfg.Billing.Rates.PerHour, defaultCfg.Billing.Rates.PerHour, yellow, green)
	dumpField("  rates.per_day", cfg.Billing.Rates.PerDay, defaultCfg.Billing.Rates.PerDay, yellow, green)
	dumpField("  print.black_white", cfg.Billing.Print.BlackWhite, defaultCfg.Billing.Print.BlackWhite, yellow, green)
	dumpField("  print.color", cfg.Billing.Print.Color, defaultCfg.Billing.Print.Color, yellow, green)

	_, _ = cyan.Println("\n[session]")
	dumpField("  heartbeat_timeout", cfg.Session.HeartbeatTimeout, defaultCfg.Session.HeartbeatTimeout, yellow, green)
	dumpField("  sweep_interval", cfg.Session.SweepInterval, defaultCfg.Session.SweepInterval, yellow, green)
	dumpField("  close_timeout", cfg.Session.CloseTimeout, defaultCfg.Session.CloseTimeout, yellow, green)

	_, _ = cyan.Println("\n[ledger]")
	dumpField("  read_retries", cfg.Ledger.ReadRetries, defaultCfg.Ledger.ReadRetries, yellow, green)
	dumpField("  retry_backoff", cfg.Ledger.RetryBackoff, defaultCfg.Ledger.RetryBackoff, yellow, green)
	dumpField("  history_limit", cfg.Ledger.HistoryLimit, defaultCfg.Ledger.HistoryLimit, yellow, green)

	_, _ = cyan.Println("\n[auth]")
	dumpField("  jwt_secret", redactPassword(cfg.Auth.JWTSecret), redactPassword(defaultCfg.Auth.JWTSecret), yellow, green)
	dumpField("  token_ttl", cfg.Auth.TokenTTL, defaultCfg.Auth.TokenTTL, yellow, green)
	dumpField("  revocation_cache_size", cfg.Auth.RevocationCacheSize, defaultCfg.Auth.RevocationCacheSize, yellow, green)
	dumpField("  bcrypt_cost", cfg.Auth.BcryptCost, defaultCfg.Auth.BcryptCost, yellow, green)

	_, _ = cyan.Println("\n[events]")
	dumpField("  nats_url", cfg.Events.NATSURL, defaultCfg.Events.NATSURL, yellow, green)

	_, _ = cyan.Println("\n[api]")
	dumpField("  rate_limit", cfg.API.RateLimit, defaultCfg.API.RateLimit, yellow, green)
	dumpField("  login_rate_limit", cfg.API.LoginRateLimit, defaultCfg.API.LoginRateLimit, yellow, green)
	dumpField("  rate_limit_window", cfg.API.RateLimitWindow, defaultCfg.API.RateLimitWindow, yellow, green)
	dumpField("  allowed_origins", cfg.API.AllowedOrigins, defaultCfg.API.AllowedOrigins, yellow, green)

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}

// redactURL hides the credentials of a connection URL.
func redactURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return raw
	}
	return raw[:scheme+3] + "***REDACTED***" + raw[at:]
}
