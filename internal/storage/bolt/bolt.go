package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketPatrons         = "patrons"
	bucketPatronEmails    = "patron_emails"
	bucketAccounts        = "accounts"
	bucketTransactions    = "transactions"
	bucketTransactionRefs = "transaction_refs"
	bucketSessions        = "sessions"
	bucketActiveSessions  = "active_sessions"
)

// Store implements the storage.Store interface using bbolt.
//
// bbolt allows a single writer at a time, so every check-and-set performed
// inside one Update transaction is atomic with respect to all other writers.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := []string{
			bucketPatrons,
			bucketPatronEmails,
			bucketAccounts,
			bucketTransactions,
			bucketTransactionRefs,
			bucketSessions,
			bucketActiveSessions,
		}

		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sessions returns the session store.
func (s *Store) Sessions() storage.SessionStore { return &sessionStore{db: s.db} }

// Ledger returns the ledger store.
func (s *Store) Ledger() storage.LedgerStore { return &ledgerStore{db: s.db} }

// Patrons returns the patron store.
func (s *Store) Patrons() storage.PatronStore { return &patronStore{db: s.db} }

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

// timeKey orders records by timestamp, breaking ties with id.
func timeKey(ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d-%s", ts.UnixNano(), id))
}

func listBucket[T any](ctx context.Context, db *bbolt.DB, bucket string) ([]T, error) {
	items := make([]T, 0)
	return items, db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var item T
			if err := unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, item)
			return nil
		})
	})
}

func getBucketValue[T any](ctx context.Context, db *bbolt.DB, bucket string, key string) (*T, error) {
	var item *T
	err := db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result, err := getValue[T](tx.Bucket([]byte(bucket)), key)
		if err != nil {
			return err
		}
		item = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// getValue decodes key from b inside an open transaction.
func getValue[T any](b *bbolt.Bucket, key string) (*T, error) {
	if b == nil {
		return nil, storage.ErrNotFound
	}
	value := b.Get([]byte(key))
	if value == nil {
		return nil, storage.ErrNotFound
	}
	var result T
	if err := unmarshal(value, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func putValue(b *bbolt.Bucket, key []byte, value any) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}
