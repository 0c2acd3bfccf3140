package bolt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
	"go.etcd.io/bbolt"
)

type ledgerStore struct {
	db *bbolt.DB
}

// OpenAccount creates a zero-balance account if the patron has none.
func (s *ledgerStore) OpenAccount(ctx context.Context, patronID string, now time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		accounts := tx.Bucket([]byte(bucketAccounts))
		if accounts.Get([]byte(patronID)) != nil {
			return nil
		}
		return putValue(accounts, []byte(patronID), storage.Account{
			PatronID:  patronID,
			UpdatedAt: now,
		})
	})
}

// GetAccount returns the patron's account.
func (s *ledgerStore) GetAccount(ctx context.Context, patronID string) (*storage.Account, error) {
	account, err := getBucketValue[storage.Account](ctx, s.db, bucketAccounts, patronID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.ErrUnknownPatron
	}
	return account, err
}

// ApplyDebit decrements the balance and appends the charge in one transaction.
func (s *ledgerStore) ApplyDebit(ctx context.Context, entry storage.Entry) (*storage.Transaction, error) {
	return s.apply(ctx, entry, func(account *storage.Account) (storage.Transaction, error) {
		collected, shortfall, err := storage.DebitOutcome(account.Balance, entry)
		if err != nil {
			return storage.Transaction{}, err
		}
		account.Balance -= collected
		return storage.NewDebitTransaction(entry, collected, shortfall, account.Balance), nil
	})
}

// ApplyCredit increments the balance and appends the credit in one transaction.
func (s *ledgerStore) ApplyCredit(ctx context.Context, entry storage.Entry) (*storage.Transaction, error) {
	return s.apply(ctx, entry, func(account *storage.Account) (storage.Transaction, error) {
		after, err := storage.CreditOutcome(account.Balance, entry)
		if err != nil {
			return storage.Transaction{}, err
		}
		account.Balance = after
		return storage.NewCreditTransaction(entry, after), nil
	})
}

func (s *ledgerStore) apply(ctx context.Context, entry storage.Entry, change func(*storage.Account) (storage.Transaction, error)) (*storage.Transaction, error) {
	var result *storage.Transaction
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		accounts := tx.Bucket([]byte(bucketAccounts))
		account, err := getValue[storage.Account](accounts, entry.PatronID)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ErrUnknownPatron
		}
		if err != nil {
			return err
		}

		history, err := tx.Bucket([]byte(bucketTransactions)).CreateBucketIfNotExists([]byte(entry.PatronID))
		if err != nil {
			return fmt.Errorf("create transaction bucket: %w", err)
		}
		refs, err := tx.Bucket([]byte(bucketTransactionRefs)).CreateBucketIfNotExists([]byte(entry.PatronID))
		if err != nil {
			return fmt.Errorf("create reference bucket: %w", err)
		}

		if entry.Reference != "" {
			if key := refs.Get([]byte(entry.Reference)); key != nil {
				existing, err := getValue[storage.Transaction](history, string(key))
				if err != nil {
					return fmt.Errorf("load referenced transaction: %w", err)
				}
				result = existing
				return nil
			}
		}

		record, err := change(account)
		if err != nil {
			return err
		}
		account.Version++
		account.UpdatedAt = entry.CreatedAt
		if err := putValue(accounts, []byte(account.PatronID), account); err != nil {
			return err
		}

		key := timeKey(record.CreatedAt, record.ID)
		if err := putValue(history, key, record); err != nil {
			return err
		}
		if entry.Reference != "" {
			if err := refs.Put([]byte(entry.Reference), key); err != nil {
				return err
			}
		}
		result = &record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListTransactions returns up to limit transactions, most recent first.
func (s *ledgerStore) ListTransactions(ctx context.Context, patronID string, limit int) ([]storage.Transaction, error) {
	items := make([]storage.Transaction, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(bucketAccounts)).Get([]byte(patronID)) == nil {
			return storage.ErrUnknownPatron
		}
		history := tx.Bucket([]byte(bucketTransactions)).Bucket([]byte(patronID))
		if history == nil {
			return nil
		}
		c := history.Cursor()
		for k, v := c.Last(); k != nil && len(items) < limit; k, v = c.Prev() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var item storage.Transaction
			if err := unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}
