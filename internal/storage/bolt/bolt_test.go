package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
	"github.com/goodtune/kcafe/internal/storage/storagetest"
)

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return openTestStore(t)
	})
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kcafe.db")
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	storagetest.SeedAccount(t, store, "pat-1", 1000)
	session := storage.Session{ID: "ses-1", PatronID: "pat-1", StartedAt: start, LastHeartbeatAt: start}
	if _, err := store.Sessions().Open(ctx, session); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen bolt store: %v", err)
	}
	defer func() { _ = store.Close() }()

	active, err := store.Sessions().ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].ID != "ses-1" {
		t.Fatalf("expected ses-1 to survive restart, got %+v", active)
	}
	if !active[0].StartedAt.Equal(start) {
		t.Errorf("started_at changed across restart: %s", active[0].StartedAt)
	}

	account, err := store.Ledger().GetAccount(ctx, "pat-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Balance != 1000 {
		t.Errorf("expected balance 10.00, got %s", account.Balance)
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kcafe.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
