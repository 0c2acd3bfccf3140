package printing

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/goodtune/kcafe/internal/billing"
	"github.com/goodtune/kcafe/internal/ledger"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/goodtune/kcafe/internal/storage/bolt"
	"github.com/rs/zerolog"
)

func newTestAdapter(t *testing.T, balance billing.Money) (*Adapter, *ledger.Ledger) {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "print.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	l := ledger.New(store.Ledger(), ledger.Config{}, zerolog.Nop())
	ctx := context.Background()
	if err := l.OpenAccount(ctx, "pat-1"); err != nil {
		t.Fatalf("open account: %v", err)
	}
	if balance > 0 {
		if _, err := l.Credit(ctx, "pat-1", balance, storage.KindManualCredit, "top-up"); err != nil {
			t.Fatalf("credit: %v", err)
		}
	}
	return NewAdapter(l, billing.DefaultPrintRates(), zerolog.Nop()), l
}

func TestChargeForJob(t *testing.T) {
	tests := []struct {
		name        string
		job         Job
		wantAmount  billing.Money
		wantBalance billing.Money
		wantErr     error
	}{
		{"black and white", Job{PatronID: "pat-1", Pages: 3, ColorMode: billing.ColorBlackWhite}, -30, 470, nil},
		{"color", Job{PatronID: "pat-1", Pages: 4, ColorMode: billing.ColorFull}, -100, 400, nil},
		{"zero pages", Job{PatronID: "pat-1", Pages: 0, ColorMode: billing.ColorFull}, 0, 500, ErrInvalidPageCount},
		{"unknown mode", Job{PatronID: "pat-1", Pages: 1, ColorMode: "sepia"}, 0, 500, ErrUnknownColorMode},
		{"too expensive", Job{PatronID: "pat-1", Pages: 21, ColorMode: billing.ColorFull}, 0, 500, ErrInsufficientFunds},
		{"page count overflows price", Job{PatronID: "pat-1", Pages: 368934881474191033, ColorMode: billing.ColorFull}, 0, 500, ErrInvalidPageCount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, l := newTestAdapter(t, 500)
			ctx := context.Background()

			txn, err := adapter.ChargeForJob(ctx, tt.job)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ChargeForJob() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil {
				if txn.Amount != tt.wantAmount || txn.Kind != storage.KindPrintCharge {
					t.Errorf("unexpected transaction: %+v", txn)
				}
			}

			balance, err := l.GetBalance(ctx, "pat-1")
			if err != nil {
				t.Fatalf("GetBalance failed: %v", err)
			}
			if balance != tt.wantBalance {
				t.Errorf("balance = %s, want %s", balance, tt.wantBalance)
			}
		})
	}
}

func TestChargeForJobIsIdempotentByJobID(t *testing.T) {
	adapter, l := newTestAdapter(t, 500)
	ctx := context.Background()
	job := Job{PatronID: "pat-1", JobID: "job-42", Pages: 2, ColorMode: billing.ColorBlackWhite}

	first, err := adapter.ChargeForJob(ctx, job)
	if err != nil {
		t.Fatalf("first charge failed: %v", err)
	}
	second, err := adapter.ChargeForJob(ctx, job)
	if err != nil {
		t.Fatalf("second charge failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("retry created a new transaction: %s then %s", first.ID, second.ID)
	}
	if first.Reference != "print:job-42" {
		t.Errorf("reference = %q, want print:job-42", first.Reference)
	}

	balance, _ := l.GetBalance(ctx, "pat-1")
	if balance != 480 {
		t.Errorf("balance = %s, want 4.80", balance)
	}
}

func TestChargeForJobFreeRate(t *testing.T) {
	_, l := newTestAdapter(t, 0)
	adapter := NewAdapter(l, billing.PrintRates{BlackWhite: 0, Color: 25}, zerolog.Nop())

	txn, err := adapter.ChargeForJob(context.Background(), Job{PatronID: "pat-1", Pages: 5, ColorMode: billing.ColorBlackWhite})
	if err != nil {
		t.Fatalf("ChargeForJob failed: %v", err)
	}
	if txn != nil {
		t.Errorf("expected no transaction for a free job, got %+v", txn)
	}
}
