package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
	"github.com/redis/go-redis/v9"
)

var createPatron = redis.NewScript(createPatronScript)

type patronStore struct {
	client *redis.Client
}

// Create stores a new patron; the id and email must be unused
func (s *patronStore) Create(ctx context.Context, patron storage.Patron) error {
	patron.Email = storage.NormalizeEmail(patron.Email)
	if patron.CreatedAt.IsZero() {
		patron.CreatedAt = time.Now()
	}

	keys := []string{patronKey(patron.ID), patronEmailKey(patron.Email), patronsKey}
	args := []interface{}{
		patron.ID,
		patron.Name,
		patron.Email,
		patron.PasswordHash,
		formatTime(patron.CreatedAt),
	}

	created, err := createPatron.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("create patron: %w", err)
	}
	if created == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

// Get retrieves a patron by ID
func (s *patronStore) Get(ctx context.Context, id string) (*storage.Patron, error) {
	data, err := s.client.HGetAll(ctx, patronKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return parsePatron(data)
}

// GetByEmail retrieves a patron by login email
func (s *patronStore) GetByEmail(ctx context.Context, email string) (*storage.Patron, error) {
	id, err := s.client.Get(ctx, patronEmailKey(storage.NormalizeEmail(email))).Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// List retrieves all patrons
func (s *patronStore) List(ctx context.Context) ([]storage.Patron, error) {
	ids, err := s.client.SMembers(ctx, patronsKey).Result()
	if err != nil {
		return nil, err
	}

	patrons := make([]storage.Patron, 0, len(ids))
	for _, id := range ids {
		patron, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		patrons = append(patrons, *patron)
	}
	return patrons, nil
}
