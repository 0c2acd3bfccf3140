package bolt

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
	"go.etcd.io/bbolt"
)

type sessionStore struct {
	db *bbolt.DB
}

// Open records a new active session unless the patron already has one.
func (s *sessionStore) Open(ctx context.Context, session storage.Session) (*storage.Session, error) {
	session.State = storage.SessionActive
	session.EndedAt = nil

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		active := tx.Bucket([]byte(bucketActiveSessions))
		if active.Get([]byte(session.PatronID)) != nil {
			return storage.ErrSessionAlreadyActive
		}
		sessions := tx.Bucket([]byte(bucketSessions))
		if sessions.Get([]byte(session.ID)) != nil {
			return storage.ErrAlreadyExists
		}
		if err := putValue(sessions, []byte(session.ID), session); err != nil {
			return err
		}
		return active.Put([]byte(session.PatronID), []byte(session.ID))
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Heartbeat refreshes the liveness timestamp of an active session.
func (s *sessionStore) Heartbeat(ctx context.Context, sessionID string, now time.Time) (*storage.Session, error) {
	var updated *storage.Session
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sessions := tx.Bucket([]byte(bucketSessions))
		session, err := getSession(sessions, sessionID)
		if err != nil {
			return err
		}
		if !session.IsActive() {
			return storage.ErrSessionNotActive
		}
		session.LastHeartbeatAt = now
		if err := putValue(sessions, []byte(session.ID), session); err != nil {
			return err
		}
		updated = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Close moves an active session to its terminal state. Closing a session
// that is already closed returns it unchanged.
func (s *sessionStore) Close(ctx context.Context, sessionID string, closure storage.Closure) (*storage.Session, error) {
	var closed *storage.Session
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sessions := tx.Bucket([]byte(bucketSessions))
		session, err := getSession(sessions, sessionID)
		if err != nil {
			return err
		}
		closed = session
		if !session.IsActive() {
			return nil
		}

		endedAt := closure.EndedAt
		session.State = closure.State
		session.EndedAt = &endedAt
		session.ChargedAmount = closure.ChargedAmount
		session.Shortfall = closure.Shortfall
		session.TransactionID = closure.TransactionID
		if err := putValue(sessions, []byte(session.ID), session); err != nil {
			return err
		}

		active := tx.Bucket([]byte(bucketActiveSessions))
		if string(active.Get([]byte(session.PatronID))) == session.ID {
			return active.Delete([]byte(session.PatronID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// Get returns a session by id.
func (s *sessionStore) Get(ctx context.Context, sessionID string) (*storage.Session, error) {
	session, err := getBucketValue[storage.Session](ctx, s.db, bucketSessions, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.ErrSessionNotFound
	}
	return session, err
}

// ActiveFor returns the patron's active session, or nil when there is none.
func (s *sessionStore) ActiveFor(ctx context.Context, patronID string) (*storage.Session, error) {
	var session *storage.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		id := tx.Bucket([]byte(bucketActiveSessions)).Get([]byte(patronID))
		if id == nil {
			return nil
		}
		found, err := getSession(tx.Bucket([]byte(bucketSessions)), string(id))
		if err != nil {
			return err
		}
		session = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListActive returns every active session.
func (s *sessionStore) ListActive(ctx context.Context) ([]storage.Session, error) {
	return s.collectActive(ctx, func(*storage.Session) bool { return true })
}

// FindStale returns active sessions whose last heartbeat is older than timeout.
func (s *sessionStore) FindStale(ctx context.Context, now time.Time, timeout time.Duration) ([]storage.Session, error) {
	return s.collectActive(ctx, func(session *storage.Session) bool {
		return session.IsStale(now, timeout)
	})
}

func (s *sessionStore) collectActive(ctx context.Context, keep func(*storage.Session) bool) ([]storage.Session, error) {
	result := make([]storage.Session, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		sessions := tx.Bucket([]byte(bucketSessions))
		return tx.Bucket([]byte(bucketActiveSessions)).ForEach(func(_, id []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			session, err := getSession(sessions, string(id))
			if err != nil {
				return err
			}
			if keep(session) {
				result = append(result, *session)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func getSession(b *bbolt.Bucket, id string) (*storage.Session, error) {
	session, err := getValue[storage.Session](b, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.ErrSessionNotFound
	}
	return session, err
}
