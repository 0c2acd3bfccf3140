package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/goodtune/kcafe/internal/config"
	"github.com/goodtune/kcafe/internal/events"
	"github.com/rs/zerolog"
)

func TestOpenStorage(t *testing.T) {
	store, err := openStorage(config.StorageConfig{Type: "bolt", Path: filepath.Join(t.TempDir(), "kcafe.bolt")})
	if err != nil {
		t.Fatalf("openStorage(bolt) failed: %v", err)
	}
	_ = store.Close()

	if _, err := openStorage(config.StorageConfig{Type: "sqlite"}); err == nil {
		t.Error("expected error for unsupported storage type")
	}
}

func TestOpenPublisherWithoutURL(t *testing.T) {
	publisher, err := openPublisher(config.EventsConfig{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("openPublisher failed: %v", err)
	}
	if _, ok := publisher.(*events.NoopPublisher); !ok {
		t.Errorf("expected NoopPublisher, got %T", publisher)
	}
}

func TestNewAppWiresServices(t *testing.T) {
	cfg := config.Defaults()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "kcafe.bolt")
	cfg.Auth.JWTSecret = "0123456789abcdef0123"

	a, err := newApp(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.Close()

	if a.engine == nil || a.ledger == nil || a.gate == nil || a.printer == nil {
		t.Fatal("expected all services to be wired")
	}
	if got := a.engine.HeartbeatTimeout().String(); got != "5m0s" {
		t.Errorf("expected heartbeat timeout 5m0s, got %s", got)
	}
}

func TestFindUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kcafe.yaml")
	body := "server:\n  api_port: 8080\n  dns_port: 53\nbilling:\n  rates:\n    per_hour: \"3.00\"\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	unknown, err := findUnknownKeys(path)
	if err != nil {
		t.Fatalf("findUnknownKeys failed: %v", err)
	}
	if len(unknown) != 1 || unknown[0] != "server.dns_port" {
		t.Errorf("expected [server.dns_port], got %v", unknown)
	}
}

func TestRedactURL(t *testing.T) {
	tests := map[string]string{
		"postgres://kcafe:secret@db:5432/kcafe": "postgres://***REDACTED***@db:5432/kcafe",
		"postgres://db:5432/kcafe":              "postgres://db:5432/kcafe",
		"":                                      "",
	}
	for in, want := range tests {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSetupLoggerLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	_ = setupLogger(config.LoggingConfig{Level: "warn", Format: "text"})
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Errorf("expected warn level, got %s", zerolog.GlobalLevel())
	}
}
