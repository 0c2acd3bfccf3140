package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kcafe/internal/billing"
	"github.com/goodtune/kcafe/internal/storage"
)

const transactionColumns = "id, patron_id, amount, kind, description, reference, shortfall, balance_after, created_at"

type ledgerStore struct {
	db *sql.DB
}

func scanTransaction(row scannable) (*storage.Transaction, error) {
	var (
		t    storage.Transaction
		kind string
	)
	err := row.Scan(&t.ID, &t.PatronID, &t.Amount, &kind, &t.Description,
		&t.Reference, &t.Shortfall, &t.BalanceAfter, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if t.Kind, err = storage.ParseTransactionKind(kind); err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

// OpenAccount creates a zero-balance account if the patron has none
func (s *ledgerStore) OpenAccount(ctx context.Context, patronID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (patron_id, balance, version, updated_at) VALUES ($1, 0, 0, $2)
		 ON CONFLICT (patron_id) DO NOTHING`,
		patronID, now.UTC())
	if err != nil {
		return fmt.Errorf("open account: %w", err)
	}
	return nil
}

// GetAccount retrieves the patron's account
func (s *ledgerStore) GetAccount(ctx context.Context, patronID string) (*storage.Account, error) {
	var a storage.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT patron_id, balance, version, updated_at FROM accounts WHERE patron_id = $1`, patronID).
		Scan(&a.PatronID, &a.Balance, &a.Version, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrUnknownPatron
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// ApplyDebit atomically decrements the balance and records the charge
func (s *ledgerStore) ApplyDebit(ctx context.Context, entry storage.Entry) (*storage.Transaction, error) {
	return s.apply(ctx, entry, func(balance billing.Money) (storage.Transaction, error) {
		collected, shortfall, err := storage.DebitOutcome(balance, entry)
		if err != nil {
			return storage.Transaction{}, err
		}
		return storage.NewDebitTransaction(entry, collected, shortfall, balance-collected), nil
	})
}

// ApplyCredit atomically increments the balance and records the credit
func (s *ledgerStore) ApplyCredit(ctx context.Context, entry storage.Entry) (*storage.Transaction, error) {
	return s.apply(ctx, entry, func(balance billing.Money) (storage.Transaction, error) {
		after, err := storage.CreditOutcome(balance, entry)
		if err != nil {
			return storage.Transaction{}, err
		}
		return storage.NewCreditTransaction(entry, after), nil
	})
}

// apply locks the account row, replays a known reference, and otherwise
// inserts the transaction built by build and moves the balance to match.
func (s *ledgerStore) apply(ctx context.Context, entry storage.Entry, build func(billing.Money) (storage.Transaction, error)) (*storage.Transaction, error) {
	var result *storage.Transaction

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var (
			balance billing.Money
			version int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT balance, version FROM accounts WHERE patron_id = $1 FOR UPDATE`, entry.PatronID).
			Scan(&balance, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrUnknownPatron
		}
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}

		if entry.Reference != "" {
			existing, err := scanTransaction(tx.QueryRowContext(ctx,
				`SELECT `+transactionColumns+` FROM transactions WHERE patron_id = $1 AND reference = $2`,
				entry.PatronID, entry.Reference))
			if err == nil {
				result = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lookup reference: %w", err)
			}
		}

		txn, err := build(balance)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO transactions (`+transactionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			txn.ID, txn.PatronID, int64(txn.Amount), string(txn.Kind), txn.Description,
			txn.Reference, int64(txn.Shortfall), int64(txn.BalanceAfter), txn.CreatedAt.UTC())
		if isUniqueViolation(err, "transactions_pkey") {
			return storage.ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = $1, version = version + 1, updated_at = $2
			 WHERE patron_id = $3 AND version = $4`,
			int64(txn.BalanceAfter), txn.CreatedAt.UTC(), entry.PatronID, version)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update balance: %w", err)
		} else if n != 1 {
			return fmt.Errorf("update balance: account %s changed concurrently", entry.PatronID)
		}

		result = &txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListTransactions returns up to limit transactions, most recent first
func (s *ledgerStore) ListTransactions(ctx context.Context, patronID string, limit int) ([]storage.Transaction, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE patron_id = $1)`, patronID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check account: %w", err)
	}
	if !exists {
		return nil, storage.ErrUnknownPatron
	}
	if limit <= 0 {
		return []storage.Transaction{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE patron_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		patronID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	transactions := make([]storage.Transaction, 0, limit)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *txn)
	}
	return transactions, rows.Err()
}
