// Package storagetest holds behavioural tests shared by every storage backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goodtune/kcafe/internal/billing"
	"github.com/goodtune/kcafe/internal/storage"
)

// Factory returns a fresh, empty store for one test.
type Factory func(t *testing.T) storage.Store

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// Run exercises the full storage contract against the backend built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Patrons", func(t *testing.T) { testPatrons(t, newStore(t)) })
	t.Run("LedgerCreditDebit", func(t *testing.T) { testLedgerCreditDebit(t, newStore(t)) })
	t.Run("LedgerInsufficientFunds", func(t *testing.T) { testLedgerInsufficientFunds(t, newStore(t)) })
	t.Run("LedgerBalanceLimit", func(t *testing.T) { testLedgerBalanceLimit(t, newStore(t)) })
	t.Run("LedgerPartialDebit", func(t *testing.T) { testLedgerPartialDebit(t, newStore(t)) })
	t.Run("LedgerReferenceIdempotency", func(t *testing.T) { testLedgerReference(t, newStore(t)) })
	t.Run("LedgerHistoryOrder", func(t *testing.T) { testLedgerHistory(t, newStore(t)) })
	t.Run("LedgerUnknownPatron", func(t *testing.T) { testLedgerUnknownPatron(t, newStore(t)) })
	t.Run("LedgerConcurrentDebits", func(t *testing.T) { testLedgerConcurrentDebits(t, newStore(t)) })
	t.Run("SessionLifecycle", func(t *testing.T) { testSessionLifecycle(t, newStore(t)) })
	t.Run("SessionCloseIdempotent", func(t *testing.T) { testSessionCloseIdempotent(t, newStore(t)) })
	t.Run("SessionFindStale", func(t *testing.T) { testSessionFindStale(t, newStore(t)) })
	t.Run("SessionConcurrentOpen", func(t *testing.T) { testSessionConcurrentOpen(t, newStore(t)) })
}

// SeedAccount creates a patron account holding balance.
func SeedAccount(t *testing.T, store storage.Store, patronID string, balance billing.Money) {
	t.Helper()
	ctx := context.Background()

	if err := store.Ledger().OpenAccount(ctx, patronID, epoch); err != nil {
		t.Fatalf("open account: %v", err)
	}
	if balance > 0 {
		_, err := store.Ledger().ApplyCredit(ctx, storage.Entry{
			TransactionID: "txn-seed-" + patronID,
			PatronID:      patronID,
			Amount:        balance,
			Kind:          storage.KindManualCredit,
			Description:   "seed",
			CreatedAt:     epoch,
		})
		if err != nil {
			t.Fatalf("seed credit: %v", err)
		}
	}
}

func balanceOf(t *testing.T, store storage.Store, patronID string) billing.Money {
	t.Helper()
	account, err := store.Ledger().GetAccount(context.Background(), patronID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return account.Balance
}

func debitEntry(id, patronID string, amount billing.Money, at time.Time) storage.Entry {
	return storage.Entry{
		TransactionID: id,
		PatronID:      patronID,
		Amount:        amount,
		Kind:          storage.KindSessionCharge,
		Description:   "session",
		CreatedAt:     at,
	}
}

func testPatrons(t *testing.T, store storage.Store) {
	ctx := context.Background()
	patrons := store.Patrons()

	alice := storage.Patron{ID: "pat-alice", Name: "Alice", Email: "Alice@Example.com", PasswordHash: "hash", CreatedAt: epoch}
	if err := patrons.Create(ctx, alice); err != nil {
		t.Fatalf("create patron: %v", err)
	}

	dup := storage.Patron{ID: "pat-other", Name: "Other", Email: "alice@example.com", CreatedAt: epoch}
	if err := patrons.Create(ctx, dup); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists for duplicate email, got %v", err)
	}

	got, err := patrons.GetByEmail(ctx, "ALICE@example.com")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if got.ID != alice.ID || got.PasswordHash != "hash" {
		t.Errorf("unexpected patron: %+v", got)
	}

	got, err = patrons.Get(ctx, alice.ID)
	if err != nil {
		t.Fatalf("get patron: %v", err)
	}
	if got.Email != "alice@example.com" {
		t.Errorf("expected normalized email, got %q", got.Email)
	}

	if _, err := patrons.Get(ctx, "pat-missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := patrons.GetByEmail(ctx, "nobody@example.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	all, err := patrons.List(ctx)
	if err != nil {
		t.Fatalf("list patrons: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 patron, got %d", len(all))
	}
}

func testLedgerCreditDebit(t *testing.T, store storage.Store) {
	ctx := context.Background()
	ledger := store.Ledger()

	SeedAccount(t, store, "pat-1", 1000)

	// Opening again must not reset the balance.
	if err := ledger.OpenAccount(ctx, "pat-1", epoch); err != nil {
		t.Fatalf("reopen account: %v", err)
	}
	if got := balanceOf(t, store, "pat-1"); got != 1000 {
		t.Fatalf("expected balance 10.00, got %s", got)
	}

	txn, err := ledger.ApplyDebit(ctx, debitEntry("txn-d1", "pat-1", 210, epoch.Add(time.Minute)))
	if err != nil {
		t.Fatalf("apply debit: %v", err)
	}
	if txn.Amount != -210 || txn.BalanceAfter != 790 || txn.Shortfall != 0 {
		t.Errorf("unexpected debit transaction: %+v", txn)
	}
	if got := balanceOf(t, store, "pat-1"); got != 790 {
		t.Errorf("expected balance 7.90, got %s", got)
	}

	txn, err = ledger.ApplyCredit(ctx, storage.Entry{
		TransactionID: "txn-c1",
		PatronID:      "pat-1",
		Amount:        500,
		Kind:          storage.KindManualCredit,
		Description:   "top-up",
		CreatedAt:     epoch.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("apply credit: %v", err)
	}
	if txn.Amount != 500 || txn.BalanceAfter != 1290 {
		t.Errorf("unexpected credit transaction: %+v", txn)
	}

	account, err := ledger.GetAccount(ctx, "pat-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Version < 3 {
		t.Errorf("expected version to advance with each write, got %d", account.Version)
	}
}

func testLedgerInsufficientFunds(t *testing.T, store storage.Store) {
	ctx := context.Background()
	SeedAccount(t, store, "pat-1", 100)

	_, err := store.Ledger().ApplyDebit(ctx, debitEntry("txn-d1", "pat-1", 101, epoch.Add(time.Minute)))
	if !errors.Is(err, storage.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := balanceOf(t, store, "pat-1"); got != 100 {
		t.Errorf("balance changed after failed debit: %s", got)
	}

	history, err := store.Ledger().ListTransactions(ctx, "pat-1", 10)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("expected only the seed transaction, got %d", len(history))
	}
}

func testLedgerBalanceLimit(t *testing.T, store storage.Store) {
	ctx := context.Background()
	SeedAccount(t, store, "pat-1", storage.MaxBalance-5)

	credit := func(id string, amount billing.Money) (*storage.Transaction, error) {
		return store.Ledger().ApplyCredit(ctx, storage.Entry{
			TransactionID: id,
			PatronID:      "pat-1",
			Amount:        amount,
			Kind:          storage.KindManualCredit,
			CreatedAt:     epoch.Add(time.Minute),
		})
	}

	txn, err := credit("txn-c1", 5)
	if err != nil {
		t.Fatalf("credit up to the limit: %v", err)
	}
	if txn.BalanceAfter != storage.MaxBalance {
		t.Errorf("expected balance at the limit, got %s", txn.BalanceAfter)
	}

	for _, amount := range []billing.Money{1, billing.Money(math.MaxInt64)} {
		if _, err := credit(fmt.Sprintf("txn-over-%d", amount), amount); !errors.Is(err, storage.ErrBalanceLimit) {
			t.Errorf("credit %d: expected ErrBalanceLimit, got %v", int64(amount), err)
		}
	}
	if got := balanceOf(t, store, "pat-1"); got != storage.MaxBalance {
		t.Errorf("balance changed after rejected credit: %d", int64(got))
	}

	history, err := store.Ledger().ListTransactions(ctx, "pat-1", 10)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("expected seed and one credit, got %d transactions", len(history))
	}
}

func testLedgerPartialDebit(t *testing.T, store storage.Store) {
	ctx := context.Background()
	SeedAccount(t, store, "pat-1", 150)

	entry := debitEntry("txn-d1", "pat-1", 400, epoch.Add(time.Minute))
	entry.AllowPartial = true
	txn, err := store.Ledger().ApplyDebit(ctx, entry)
	if err != nil {
		t.Fatalf("apply partial debit: %v", err)
	}
	if txn.Amount != -150 || txn.Shortfall != 250 || txn.BalanceAfter != 0 {
		t.Errorf("unexpected partial debit: %+v", txn)
	}

	// A second partial debit against an empty balance still records the charge.
	entry = debitEntry("txn-d2", "pat-1", 50, epoch.Add(2*time.Minute))
	entry.AllowPartial = true
	txn, err = store.Ledger().ApplyDebit(ctx, entry)
	if err != nil {
		t.Fatalf("apply debit on empty balance: %v", err)
	}
	if txn.Amount != 0 || txn.Shortfall != 50 {
		t.Errorf("unexpected empty-balance debit: %+v", txn)
	}
	if got := balanceOf(t, store, "pat-1"); got != 0 {
		t.Errorf("balance went negative: %s", got)
	}
}

func testLedgerReference(t *testing.T, store storage.Store) {
	ctx := context.Background()
	SeedAccount(t, store, "pat-1", 1000)

	entry := debitEntry("txn-first", "pat-1", 300, epoch.Add(time.Minute))
	entry.Reference = "ses-abc"
	first, err := store.Ledger().ApplyDebit(ctx, entry)
	if err != nil {
		t.Fatalf("first debit: %v", err)
	}

	retry := debitEntry("txn-retry", "pat-1", 999, epoch.Add(time.Hour))
	retry.Reference = "ses-abc"
	second, err := store.Ledger().ApplyDebit(ctx, retry)
	if err != nil {
		t.Fatalf("retried debit: %v", err)
	}
	if second.ID != first.ID || second.Amount != -300 {
		t.Errorf("expected the original transaction back, got %+v", second)
	}
	if got := balanceOf(t, store, "pat-1"); got != 700 {
		t.Errorf("expected a single charge, balance is %s", got)
	}
}

func testLedgerHistory(t *testing.T, store storage.Store) {
	ctx := context.Background()
	SeedAccount(t, store, "pat-1", 10000)

	for i := 1; i <= 5; i++ {
		entry := debitEntry(fmt.Sprintf("txn-%d", i), "pat-1", billing.Money(i), epoch.Add(time.Duration(i)*time.Minute))
		if _, err := store.Ledger().ApplyDebit(ctx, entry); err != nil {
			t.Fatalf("debit %d: %v", i, err)
		}
	}

	history, err := store.Ledger().ListTransactions(ctx, "pat-1", 3)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 transactions, got %d", len(history))
	}
	for i, want := range []string{"txn-5", "txn-4", "txn-3"} {
		if history[i].ID != want {
			t.Errorf("history[%d] = %s, want %s", i, history[i].ID, want)
		}
	}

	history, err = store.Ledger().ListTransactions(ctx, "pat-1", 100)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(history) != 6 {
		t.Errorf("expected 6 transactions including the seed, got %d", len(history))
	}
}

func testLedgerUnknownPatron(t *testing.T, store storage.Store) {
	ctx := context.Background()
	ledger := store.Ledger()

	if _, err := ledger.GetAccount(ctx, "pat-ghost"); !errors.Is(err, storage.ErrUnknownPatron) {
		t.Errorf("GetAccount: expected ErrUnknownPatron, got %v", err)
	}
	if _, err := ledger.ApplyDebit(ctx, debitEntry("txn-1", "pat-ghost", 1, epoch)); !errors.Is(err, storage.ErrUnknownPatron) {
		t.Errorf("ApplyDebit: expected ErrUnknownPatron, got %v", err)
	}
	_, err := ledger.ApplyCredit(ctx, storage.Entry{TransactionID: "txn-2", PatronID: "pat-ghost", Amount: 1, Kind: storage.KindManualCredit, CreatedAt: epoch})
	if !errors.Is(err, storage.ErrUnknownPatron) {
		t.Errorf("ApplyCredit: expected ErrUnknownPatron, got %v", err)
	}
	if _, err := ledger.ListTransactions(ctx, "pat-ghost", 10); !errors.Is(err, storage.ErrUnknownPatron) {
		t.Errorf("ListTransactions: expected ErrUnknownPatron, got %v", err)
	}
}

func testLedgerConcurrentDebits(t *testing.T, store storage.Store) {
	ctx := context.Background()
	SeedAccount(t, store, "pat-1", 1000)

	const workers = 20
	var succeeded, insufficient atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry := debitEntry(fmt.Sprintf("txn-race-%02d", i), "pat-1", 100, epoch.Add(time.Duration(i+1)*time.Second))
			_, err := store.Ledger().ApplyDebit(ctx, entry)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, storage.ErrInsufficientFunds):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected debit error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded.Load() != 10 || insufficient.Load() != 10 {
		t.Errorf("expected 10 successes and 10 rejections, got %d and %d", succeeded.Load(), insufficient.Load())
	}
	if got := balanceOf(t, store, "pat-1"); got != 0 {
		t.Errorf("expected balance 0.00, got %s", got)
	}
}

func newSession(id, patronID string, at time.Time) storage.Session {
	return storage.Session{ID: id, PatronID: patronID, StartedAt: at, LastHeartbeatAt: at}
}

func testSessionLifecycle(t *testing.T, store storage.Store) {
	ctx := context.Background()
	sessions := store.Sessions()

	opened, err := sessions.Open(ctx, newSession("ses-1", "pat-1", epoch))
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if opened.State != storage.SessionActive {
		t.Errorf("expected active state, got %s", opened.State)
	}

	if _, err := sessions.Open(ctx, newSession("ses-2", "pat-1", epoch)); !errors.Is(err, storage.ErrSessionAlreadyActive) {
		t.Fatalf("expected ErrSessionAlreadyActive, got %v", err)
	}

	active, err := sessions.ActiveFor(ctx, "pat-1")
	if err != nil || active == nil || active.ID != "ses-1" {
		t.Fatalf("ActiveFor = %+v, %v; want ses-1", active, err)
	}

	beat := epoch.Add(30 * time.Second)
	updated, err := sessions.Heartbeat(ctx, "ses-1", beat)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !updated.LastHeartbeatAt.Equal(beat) {
		t.Errorf("heartbeat not recorded: %s", updated.LastHeartbeatAt)
	}

	if _, err := sessions.Heartbeat(ctx, "ses-missing", beat); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	listed, err := sessions.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(listed) != 1 {
		t.Errorf("expected 1 active session, got %d", len(listed))
	}

	closed, err := sessions.Close(ctx, "ses-1", storage.Closure{
		State:         storage.SessionClosed,
		EndedAt:       epoch.Add(42 * time.Minute),
		ChargedAmount: 210,
		TransactionID: "txn-1",
	})
	if err != nil {
		t.Fatalf("close session: %v", err)
	}
	if closed.State != storage.SessionClosed || closed.ChargedAmount != 210 || closed.EndedAt == nil {
		t.Errorf("unexpected closed session: %+v", closed)
	}

	if _, err := sessions.Heartbeat(ctx, "ses-1", beat); !errors.Is(err, storage.ErrSessionNotActive) {
		t.Errorf("expected ErrSessionNotActive, got %v", err)
	}
	if active, err := sessions.ActiveFor(ctx, "pat-1"); err != nil || active != nil {
		t.Errorf("ActiveFor after close = %+v, %v; want nil", active, err)
	}
	if _, err := sessions.Get(ctx, "ses-missing"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	// The patron may start again once the previous session is closed.
	if _, err := sessions.Open(ctx, newSession("ses-2", "pat-1", epoch.Add(time.Hour))); err != nil {
		t.Errorf("reopen after close: %v", err)
	}

	archived, err := sessions.Get(ctx, "ses-1")
	if err != nil {
		t.Fatalf("get archived session: %v", err)
	}
	if archived.TransactionID != "txn-1" {
		t.Errorf("closed session not retained: %+v", archived)
	}
}

func testSessionCloseIdempotent(t *testing.T, store storage.Store) {
	ctx := context.Background()
	sessions := store.Sessions()

	if _, err := sessions.Open(ctx, newSession("ses-1", "pat-1", epoch)); err != nil {
		t.Fatalf("open session: %v", err)
	}
	first, err := sessions.Close(ctx, "ses-1", storage.Closure{State: storage.SessionClosed, EndedAt: epoch.Add(time.Minute), ChargedAmount: 5, TransactionID: "txn-1"})
	if err != nil {
		t.Fatalf("first close: %v", err)
	}
	second, err := sessions.Close(ctx, "ses-1", storage.Closure{State: storage.SessionAbandoned, EndedAt: epoch.Add(time.Hour), ChargedAmount: 250, TransactionID: "txn-2"})
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if second.State != first.State || second.ChargedAmount != first.ChargedAmount || second.TransactionID != first.TransactionID {
		t.Errorf("second close changed the session: %+v vs %+v", second, first)
	}
	if _, err := sessions.Close(ctx, "ses-missing", storage.Closure{State: storage.SessionClosed, EndedAt: epoch}); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func testSessionFindStale(t *testing.T, store storage.Store) {
	ctx := context.Background()
	sessions := store.Sessions()

	for _, s := range []storage.Session{
		newSession("ses-fresh", "pat-1", epoch),
		newSession("ses-stale", "pat-2", epoch),
		newSession("ses-closed", "pat-3", epoch),
	} {
		if _, err := sessions.Open(ctx, s); err != nil {
			t.Fatalf("open %s: %v", s.ID, err)
		}
	}
	if _, err := sessions.Heartbeat(ctx, "ses-fresh", epoch.Add(9*time.Minute)); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := sessions.Close(ctx, "ses-closed", storage.Closure{State: storage.SessionClosed, EndedAt: epoch.Add(time.Minute)}); err != nil {
		t.Fatalf("close: %v", err)
	}

	stale, err := sessions.FindStale(ctx, epoch.Add(10*time.Minute), 5*time.Minute)
	if err != nil {
		t.Fatalf("find stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "ses-stale" {
		t.Errorf("expected only ses-stale, got %+v", stale)
	}
}

func testSessionConcurrentOpen(t *testing.T, store storage.Store) {
	ctx := context.Background()

	const workers = 16
	var opened, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Sessions().Open(ctx, newSession(fmt.Sprintf("ses-%02d", i), "pat-1", epoch))
			switch {
			case err == nil:
				opened.Add(1)
			case errors.Is(err, storage.ErrSessionAlreadyActive):
				rejected.Add(1)
			default:
				t.Errorf("unexpected open error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if opened.Load() != 1 || rejected.Load() != workers-1 {
		t.Errorf("expected exactly one open, got %d opened and %d rejected", opened.Load(), rejected.Load())
	}
	active, err := store.Sessions().ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("expected 1 active session, got %d", len(active))
	}
}
