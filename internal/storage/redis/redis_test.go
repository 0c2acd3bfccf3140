package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/kcafe/internal/config"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/goodtune/kcafe/internal/storage/storagetest"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so the port field stays unset
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		store, _ := setupTestStore(t)
		return store
	})
}

func TestOpenRejectsBadTimeouts(t *testing.T) {
	_, err := Open(config.RedisConfig{Host: "127.0.0.1", Port: 6379, DialTimeout: "soon", ReadTimeout: "1s", WriteTimeout: "1s"})
	if err == nil {
		t.Fatal("expected error for invalid dial_timeout")
	}
}

func TestSessionIndexesFollowLifecycle(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	session := storage.Session{ID: "ses-1", PatronID: "pat-1", StartedAt: now, LastHeartbeatAt: now}
	if _, err := store.Sessions().Open(ctx, session); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if ok, _ := mr.SIsMember(activeSessionsKey, "ses-1"); !ok {
		t.Error("Expected session in active set")
	}
	if got, _ := mr.Get(patronSessionKey("pat-1")); got != "ses-1" {
		t.Errorf("Expected patron index to point at ses-1, got %q", got)
	}

	_, err := store.Sessions().Close(ctx, "ses-1", storage.Closure{
		State:         storage.SessionAbandoned,
		EndedAt:       now.Add(5 * time.Minute),
		ChargedAmount: 25,
		TransactionID: "txn-1",
	})
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if ok, _ := mr.SIsMember(activeSessionsKey, "ses-1"); ok {
		t.Error("Expected session removed from active set")
	}
	if mr.Exists(patronSessionKey("pat-1")) {
		t.Error("Expected patron index to be removed")
	}
	if state := mr.HGet(sessionKey("ses-1"), "state"); state != "abandoned" {
		t.Errorf("Expected state abandoned, got %q", state)
	}
	if charged := mr.HGet(sessionKey("ses-1"), "charged_amount"); charged != "25" {
		t.Errorf("Expected charged_amount 25, got %q", charged)
	}
}

func TestLedgerKeysAfterDebit(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	storagetest.SeedAccount(t, store, "pat-1", 1000)

	_, err := store.Ledger().ApplyDebit(ctx, storage.Entry{
		TransactionID: "txn-1",
		PatronID:      "pat-1",
		Amount:        210,
		Kind:          storage.KindSessionCharge,
		Description:   "Internet session 42m",
		Reference:     "ses-1",
		CreatedAt:     now,
	})
	if err != nil {
		t.Fatalf("ApplyDebit failed: %v", err)
	}

	if balance := mr.HGet(accountKey("pat-1"), "balance"); balance != "790" {
		t.Errorf("Expected balance 790, got %q", balance)
	}
	if ref := mr.HGet(txnRefsKey("pat-1"), "ses-1"); ref != "txn-1" {
		t.Errorf("Expected reference index to hold txn-1, got %q", ref)
	}
	list, err := mr.List(txnListKey("pat-1"))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[0] != "txn-1" {
		t.Errorf("Expected txn-1 at the head of the history list, got %v", list)
	}
}
