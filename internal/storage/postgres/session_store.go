package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
)

const sessionColumns = "id, patron_id, started_at, last_heartbeat_at, state, ended_at, charged_amount, shortfall, transaction_id"

type sessionStore struct {
	db *sql.DB
}

func scanSession(row scannable) (*storage.Session, error) {
	var (
		s       storage.Session
		state   string
		endedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.PatronID, &s.StartedAt, &s.LastHeartbeatAt, &state,
		&endedAt, &s.ChargedAmount, &s.Shortfall, &s.TransactionID)
	if err != nil {
		return nil, err
	}
	if s.State, err = storage.ParseSessionState(state); err != nil {
		return nil, err
	}
	s.StartedAt = s.StartedAt.UTC()
	s.LastHeartbeatAt = s.LastHeartbeatAt.UTC()
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		s.EndedAt = &t
	}
	return &s, nil
}

// Open creates an active session unless the patron already has one
func (s *sessionStore) Open(ctx context.Context, session storage.Session) (*storage.Session, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, patron_id, started_at, last_heartbeat_at, state)
		 VALUES ($1, $2, $3, $4, 'active')`,
		session.ID, session.PatronID, session.StartedAt.UTC(), session.LastHeartbeatAt.UTC())
	switch {
	case isUniqueViolation(err, "sessions_one_active_per_patron"):
		return nil, storage.ErrSessionAlreadyActive
	case isUniqueViolation(err, "sessions_pkey"):
		return nil, storage.ErrAlreadyExists
	case err != nil:
		return nil, fmt.Errorf("open session: %w", err)
	}

	session.State = storage.SessionActive
	session.EndedAt = nil
	return &session, nil
}

// Heartbeat refreshes the liveness timestamp of an active session
func (s *sessionStore) Heartbeat(ctx context.Context, sessionID string, now time.Time) (*storage.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE sessions SET last_heartbeat_at = $2 WHERE id = $1 AND state = 'active'
		 RETURNING `+sessionColumns,
		sessionID, now.UTC())
	session, err := scanSession(row)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("heartbeat session: %w", err)
	}

	// Nothing updated: tell a missing session from a closed one.
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return nil, storage.ErrSessionNotActive
}

// Close moves an active session to a terminal state; closing twice is a no-op
func (s *sessionStore) Close(ctx context.Context, sessionID string, closure storage.Closure) (*storage.Session, error) {
	var result *storage.Session

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := scanSession(tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, sessionID))
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		if !current.IsActive() {
			result = current
			return nil
		}

		result, err = scanSession(tx.QueryRowContext(ctx,
			`UPDATE sessions SET state = $2, ended_at = $3, charged_amount = $4, shortfall = $5, transaction_id = $6
			 WHERE id = $1 RETURNING `+sessionColumns,
			sessionID, string(closure.State), closure.EndedAt.UTC(),
			int64(closure.ChargedAmount), int64(closure.Shortfall), closure.TransactionID))
		if err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get retrieves a session by ID
func (s *sessionStore) Get(ctx context.Context, sessionID string) (*storage.Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// ActiveFor returns the patron's active session or nil
func (s *sessionStore) ActiveFor(ctx context.Context, patronID string) (*storage.Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE patron_id = $1 AND state = 'active'`, patronID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active session: %w", err)
	}
	return session, nil
}

// ListActive returns all active sessions
func (s *sessionStore) ListActive(ctx context.Context) ([]storage.Session, error) {
	return s.query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE state = 'active' ORDER BY started_at, id`)
}

// FindStale returns active sessions whose last heartbeat is older than timeout
func (s *sessionStore) FindStale(ctx context.Context, now time.Time, timeout time.Duration) ([]storage.Session, error) {
	return s.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE state = 'active' AND last_heartbeat_at < $1
		 ORDER BY last_heartbeat_at, id`,
		now.Add(-timeout).UTC())
}

func (s *sessionStore) query(ctx context.Context, query string, args ...any) ([]storage.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]storage.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}
