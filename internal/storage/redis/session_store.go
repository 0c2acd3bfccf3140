package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
	"github.com/redis/go-redis/v9"
)

var (
	openSession  = redis.NewScript(openSessionScript)
	heartbeat    = redis.NewScript(heartbeatScript)
	closeSession = redis.NewScript(closeSessionScript)
)

type sessionStore struct {
	client *redis.Client
}

// Open creates an active session unless the patron already has one
func (s *sessionStore) Open(ctx context.Context, session storage.Session) (*storage.Session, error) {
	keys := []string{sessionKey(session.ID), activeSessionsKey, patronSessionKey(session.PatronID)}
	args := []interface{}{
		session.ID,
		session.PatronID,
		formatTime(session.StartedAt),
		formatTime(session.LastHeartbeatAt),
	}

	status, err := openSession.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	switch status {
	case 0:
		return nil, storage.ErrSessionAlreadyActive
	case -1:
		return nil, storage.ErrAlreadyExists
	}

	session.State = storage.SessionActive
	session.EndedAt = nil
	return &session, nil
}

// Heartbeat refreshes the liveness timestamp of an active session
func (s *sessionStore) Heartbeat(ctx context.Context, sessionID string, now time.Time) (*storage.Session, error) {
	status, err := heartbeat.Run(ctx, s.client, []string{sessionKey(sessionID)}, formatTime(now)).Int()
	if err != nil {
		return nil, fmt.Errorf("heartbeat session: %w", err)
	}
	switch status {
	case 0:
		return nil, storage.ErrSessionNotFound
	case -1:
		return nil, storage.ErrSessionNotActive
	}
	return s.Get(ctx, sessionID)
}

// Close moves an active session to a terminal state; closing twice is a no-op
func (s *sessionStore) Close(ctx context.Context, sessionID string, closure storage.Closure) (*storage.Session, error) {
	// patron_id never changes, so reading it outside the script is safe.
	patronID, err := s.client.HGet(ctx, sessionKey(sessionID), "patron_id").Result()
	if err == redis.Nil {
		return nil, storage.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	keys := []string{sessionKey(sessionID), activeSessionsKey, patronSessionKey(patronID)}
	args := []interface{}{
		sessionID,
		string(closure.State),
		formatTime(closure.EndedAt),
		int64(closure.ChargedAmount),
		int64(closure.Shortfall),
		closure.TransactionID,
	}

	status, err := closeSession.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return nil, fmt.Errorf("close session: %w", err)
	}
	if status == 0 {
		return nil, storage.ErrSessionNotFound
	}
	return s.Get(ctx, sessionID)
}

// Get retrieves a session by ID
func (s *sessionStore) Get(ctx context.Context, sessionID string) (*storage.Session, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	return parseSession(data)
}

// ActiveFor returns the patron's active session or nil
func (s *sessionStore) ActiveFor(ctx context.Context, patronID string) (*storage.Session, error) {
	id, err := s.client.Get(ctx, patronSessionKey(patronID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// ListActive returns all active sessions
func (s *sessionStore) ListActive(ctx context.Context) ([]storage.Session, error) {
	// Get all active session IDs
	sessionIDs, err := s.client.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		return nil, err
	}

	if len(sessionIDs) == 0 {
		return []storage.Session{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(sessionIDs))

	for i, id := range sessionIDs {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	// Parse results, skipping sessions closed since SMEMBERS ran
	sessions := make([]storage.Session, 0, len(sessionIDs))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		session, err := parseSession(data)
		if err != nil {
			return nil, err
		}
		if session.IsActive() {
			sessions = append(sessions, *session)
		}
	}

	return sessions, nil
}

// FindStale returns active sessions whose last heartbeat is older than timeout
func (s *sessionStore) FindStale(ctx context.Context, now time.Time, timeout time.Duration) ([]storage.Session, error) {
	active, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	stale := make([]storage.Session, 0)
	for _, session := range active {
		if session.IsStale(now, timeout) {
			stale = append(stale, session)
		}
	}
	return stale, nil
}
