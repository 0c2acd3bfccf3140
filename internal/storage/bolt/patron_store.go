package bolt

import (
	"context"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
	"go.etcd.io/bbolt"
)

type patronStore struct {
	db *bbolt.DB
}

// Create stores a new patron. Both the id and the email must be unused.
func (s *patronStore) Create(ctx context.Context, patron storage.Patron) error {
	patron.Email = storage.NormalizeEmail(patron.Email)
	if patron.CreatedAt.IsZero() {
		patron.CreatedAt = time.Now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		patrons := tx.Bucket([]byte(bucketPatrons))
		emails := tx.Bucket([]byte(bucketPatronEmails))
		if patrons.Get([]byte(patron.ID)) != nil || emails.Get([]byte(patron.Email)) != nil {
			return storage.ErrAlreadyExists
		}
		if err := putValue(patrons, []byte(patron.ID), patron); err != nil {
			return err
		}
		return emails.Put([]byte(patron.Email), []byte(patron.ID))
	})
}

// Get retrieves a patron by id.
func (s *patronStore) Get(ctx context.Context, id string) (*storage.Patron, error) {
	return getBucketValue[storage.Patron](ctx, s.db, bucketPatrons, id)
}

// GetByEmail retrieves a patron by login email.
func (s *patronStore) GetByEmail(ctx context.Context, email string) (*storage.Patron, error) {
	var patron *storage.Patron
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		id := tx.Bucket([]byte(bucketPatronEmails)).Get([]byte(storage.NormalizeEmail(email)))
		if id == nil {
			return storage.ErrNotFound
		}
		found, err := getValue[storage.Patron](tx.Bucket([]byte(bucketPatrons)), string(id))
		if err != nil {
			return err
		}
		patron = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return patron, nil
}

// List retrieves all patrons.
func (s *patronStore) List(ctx context.Context) ([]storage.Patron, error) {
	return listBucket[storage.Patron](ctx, s.db, bucketPatrons)
}
