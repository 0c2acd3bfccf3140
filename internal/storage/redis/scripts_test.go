package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestOpenSessionScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		sessionID  string
		patronID   string
		wantStatus int64
	}{
		{name: "first session for patron", sessionID: "ses-1", patronID: "pat-1", wantStatus: 1},
		{name: "second session for same patron", sessionID: "ses-2", patronID: "pat-1", wantStatus: 0},
		{name: "reused session id", sessionID: "ses-1", patronID: "pat-2", wantStatus: -1},
		{name: "different patron", sessionID: "ses-3", patronID: "pat-2", wantStatus: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := []string{sessionKey(tt.sessionID), activeSessionsKey, patronSessionKey(tt.patronID)}
			got, err := client.Eval(ctx, openSessionScript, keys,
				tt.sessionID, tt.patronID, "2024-03-01T09:00:00Z", "2024-03-01T09:00:00Z").Int64()
			if err != nil {
				t.Fatalf("Script execution failed: %v", err)
			}
			if got != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, got)
			}
		})
	}

	members, err := mr.Members(activeSessionsKey)
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("Expected 2 active sessions, got %v", members)
	}
}

func TestHeartbeatScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	mr.HSet(sessionKey("ses-open"), "state", "active", "last_heartbeat_at", "old")
	mr.HSet(sessionKey("ses-done"), "state", "closed", "last_heartbeat_at", "old")

	tests := []struct {
		sessionID  string
		wantStatus int64
	}{
		{"ses-open", 1},
		{"ses-done", -1},
		{"ses-missing", 0},
	}

	for _, tt := range tests {
		got, err := client.Eval(ctx, heartbeatScript, []string{sessionKey(tt.sessionID)}, "new").Int64()
		if err != nil {
			t.Fatalf("Script execution failed: %v", err)
		}
		if got != tt.wantStatus {
			t.Errorf("%s: expected status %d, got %d", tt.sessionID, tt.wantStatus, got)
		}
	}

	if got := mr.HGet(sessionKey("ses-open"), "last_heartbeat_at"); got != "new" {
		t.Errorf("Expected heartbeat to be updated, got %q", got)
	}
	if got := mr.HGet(sessionKey("ses-done"), "last_heartbeat_at"); got != "old" {
		t.Errorf("Expected closed session to be untouched, got %q", got)
	}
}

func TestApplyEntryScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	mr.HSet(accountKey("pat-1"), "patron_id", "pat-1", "balance", "500", "version", "0", "updated_at", "t0")
	maxBalance := int64(storage.MaxBalance)

	run := func(txnID string, amount int64, reference, allowPartial, direction string) []interface{} {
		t.Helper()
		keys := []string{accountKey("pat-1"), txnListKey("pat-1"), txnRefsKey("pat-1"), txnKey(txnID)}
		result, err := client.Eval(ctx, applyEntryScript, keys,
			txnID, "pat-1", amount, "session_charge", "desc", reference, allowPartial, "t1", direction, maxBalance).Slice()
		if err != nil {
			t.Fatalf("Script execution failed: %v", err)
		}
		return result
	}

	if got := run("txn-1", 200, "", "0", "debit"); got[0] != int64(1) {
		t.Fatalf("Expected debit to apply, got %v", got)
	}
	if balance := mr.HGet(accountKey("pat-1"), "balance"); balance != "300" {
		t.Errorf("Expected balance 300, got %q", balance)
	}
	if amount := mr.HGet(txnKey("txn-1"), "amount"); amount != "-200" {
		t.Errorf("Expected amount -200, got %q", amount)
	}

	if got := run("txn-2", 400, "", "0", "debit"); got[0] != int64(0) {
		t.Errorf("Expected insufficient funds, got %v", got)
	}
	if mr.Exists(txnKey("txn-2")) {
		t.Error("Rejected debit must not write a transaction")
	}

	got := run("txn-3", 400, "ses-9", "1", "debit")
	if got[0] != int64(1) {
		t.Fatalf("Expected partial debit to apply, got %v", got)
	}
	if shortfall := mr.HGet(txnKey("txn-3"), "shortfall"); shortfall != "100" {
		t.Errorf("Expected shortfall 100, got %q", shortfall)
	}
	if balance := mr.HGet(accountKey("pat-1"), "balance"); balance != "0" {
		t.Errorf("Expected balance 0, got %q", balance)
	}

	got = run("txn-4", 400, "ses-9", "1", "debit")
	if got[0] != int64(2) || got[1] != "txn-3" {
		t.Errorf("Expected replay of txn-3, got %v", got)
	}

	if got := run("txn-5", 1000, "", "0", "credit"); got[0] != int64(1) {
		t.Fatalf("Expected credit to apply, got %v", got)
	}
	if balance := mr.HGet(accountKey("pat-1"), "balance"); balance != "1000" {
		t.Errorf("Expected balance 1000, got %q", balance)
	}
	if version := mr.HGet(accountKey("pat-1"), "version"); version != "3" {
		t.Errorf("Expected version 3, got %q", version)
	}

	if got := run("txn-7", maxBalance, "", "0", "credit"); got[0] != int64(3) {
		t.Errorf("Expected balance limit status, got %v", got)
	}
	if mr.Exists(txnKey("txn-7")) {
		t.Error("Rejected credit must not write a transaction")
	}
	if balance := mr.HGet(accountKey("pat-1"), "balance"); balance != "1000" {
		t.Errorf("Expected balance 1000 after rejected credit, got %q", balance)
	}

	keys := []string{accountKey("pat-x"), txnListKey("pat-x"), txnRefsKey("pat-x"), txnKey("txn-6")}
	result, err := client.Eval(ctx, applyEntryScript, keys, "txn-6", "pat-x", 1, "print_charge", "", "", "0", "t1", "debit", maxBalance).Slice()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if result[0] != int64(-1) {
		t.Errorf("Expected unknown account status, got %v", result)
	}
}
