package main

import (
	"fmt"
	"os"
	"time"

	"github.com/goodtune/kcafe/internal/auth"
	"github.com/goodtune/kcafe/internal/billing"
	"github.com/goodtune/kcafe/internal/config"
	"github.com/goodtune/kcafe/internal/events"
	"github.com/goodtune/kcafe/internal/ledger"
	"github.com/goodtune/kcafe/internal/printing"
	"github.com/goodtune/kcafe/internal/session"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/goodtune/kcafe/internal/storage/bolt"
	"github.com/goodtune/kcafe/internal/storage/postgres"
	"github.com/goodtune/kcafe/internal/storage/redis"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// app holds the wired services shared by the server and admin commands.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	store     storage.Store
	publisher events.Publisher
	ledger    *ledger.Ledger
	engine    *session.Engine
	gate      *auth.Gate
	printer   *printing.Adapter
}

// newApp opens storage and the event publisher and builds the services on
// top of them.
func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	rates, err := cfg.Billing.RateTable()
	if err != nil {
		return nil, err
	}
	schedule, err := billing.NewRateSchedule(rates)
	if err != nil {
		return nil, err
	}
	printRates, err := cfg.Billing.PrintTable()
	if err != nil {
		return nil, err
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	logger.Info().
		Str("type", cfg.Storage.Type).
		Msg("Storage initialized")

	publisher, err := openPublisher(cfg.Events, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize event publisher: %w", err)
	}

	accounts := ledger.New(store.Ledger(), ledger.Config{
		ReadRetries:  cfg.Ledger.ReadRetries,
		RetryBackoff: config.Duration(cfg.Ledger.RetryBackoff, 50*time.Millisecond),
		HistoryLimit: cfg.Ledger.HistoryLimit,
		Publisher:    publisher,
	}, logger)

	engine := session.NewEngine(store.Sessions(), accounts, schedule, session.Config{
		HeartbeatTimeout: config.Duration(cfg.Session.HeartbeatTimeout, session.DefaultHeartbeatTimeout),
		CloseTimeout:     config.Duration(cfg.Session.CloseTimeout, session.DefaultCloseTimeout),
		Publisher:        publisher,
	}, logger)

	gate := auth.NewGate(store.Patrons(), auth.Config{
		JWTSecret:           cfg.Auth.JWTSecret,
		TokenTTL:            config.Duration(cfg.Auth.TokenTTL, auth.DefaultTokenTTL),
		BcryptCost:          cfg.Auth.BcryptCost,
		RevocationCacheSize: cfg.Auth.RevocationCacheSize,
	}, logger)

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		publisher: publisher,
		ledger:    accounts,
		engine:    engine,
		gate:      gate,
		printer:   printing.NewAdapter(accounts, printRates, logger),
	}, nil
}

// Close releases the publisher and storage.
func (a *app) Close() {
	if err := a.publisher.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to close event publisher")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to close storage")
	}
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "bolt"
	}

	switch storageType {
	case "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	case "postgres":
		return postgres.New(cfg.Postgres)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (must be bolt, redis, or postgres)", storageType)
	}
}

// openPublisher connects to NATS when a URL is configured. Without one,
// lifecycle events are dropped.
func openPublisher(cfg config.EventsConfig, logger zerolog.Logger) (events.Publisher, error) {
	if cfg.NATSURL == "" {
		return &events.NoopPublisher{}, nil
	}

	publisher, err := events.NewNATSPublisher(cfg.NATSURL,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, err
	}

	logger.Info().Str("url", cfg.NATSURL).Msg("Publishing events to NATS")
	return publisher, nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// loadApp loads configuration and wires the services for a subcommand.
func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return newApp(cfg, setupLogger(cfg.Logging))
}
