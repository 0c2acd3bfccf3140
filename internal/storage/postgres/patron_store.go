package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
)

const patronColumns = "id, name, email, password_hash, created_at"

type patronStore struct {
	db *sql.DB
}

func scanPatron(row scannable) (*storage.Patron, error) {
	var p storage.Patron
	if err := row.Scan(&p.ID, &p.Name, &p.Email, &p.PasswordHash, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

// Create stores a new patron; the id and email must be unused
func (s *patronStore) Create(ctx context.Context, patron storage.Patron) error {
	patron.Email = storage.NormalizeEmail(patron.Email)
	if patron.CreatedAt.IsZero() {
		patron.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patrons (`+patronColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		patron.ID, patron.Name, patron.Email, patron.PasswordHash, patron.CreatedAt.UTC())
	if isUniqueViolation(err, "") {
		return storage.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert patron: %w", err)
	}
	return nil
}

// Get retrieves a patron by ID
func (s *patronStore) Get(ctx context.Context, id string) (*storage.Patron, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patronColumns+` FROM patrons WHERE id = $1`, id)
	patron, err := scanPatron(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return patron, err
}

// GetByEmail retrieves a patron by login email
func (s *patronStore) GetByEmail(ctx context.Context, email string) (*storage.Patron, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patronColumns+` FROM patrons WHERE email = $1`,
		storage.NormalizeEmail(email))
	patron, err := scanPatron(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return patron, err
}

// List retrieves all patrons
func (s *patronStore) List(ctx context.Context) ([]storage.Patron, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+patronColumns+` FROM patrons ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list patrons: %w", err)
	}
	defer rows.Close()

	patrons := make([]storage.Patron, 0)
	for rows.Next() {
		patron, err := scanPatron(rows)
		if err != nil {
			return nil, err
		}
		patrons = append(patrons, *patron)
	}
	return patrons, rows.Err()
}
