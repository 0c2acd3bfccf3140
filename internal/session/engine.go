// Package session meters patron access sessions and bills them on close.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kcafe/internal/billing"
	"github.com/goodtune/kcafe/internal/clock"
	"github.com/goodtune/kcafe/internal/events"
	"github.com/goodtune/kcafe/internal/idgen"
	"github.com/goodtune/kcafe/internal/ledger"
	"github.com/goodtune/kcafe/internal/metrics"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/rs/zerolog"
)

var (
	ErrSessionAlreadyActive = storage.ErrSessionAlreadyActive
	ErrSessionNotFound      = storage.ErrSessionNotFound
	ErrSessionNotActive     = storage.ErrSessionNotActive
	ErrInsufficientFunds    = storage.ErrInsufficientFunds
	ErrUnknownPatron        = storage.ErrUnknownPatron
	ErrInvalidDuration      = billing.ErrInvalidDuration
)

const (
	// DefaultHeartbeatTimeout is how long a session may go without a
	// heartbeat before the sweep abandons it
	DefaultHeartbeatTimeout = 5 * time.Minute

	// DefaultCloseTimeout bounds the settle-and-close sequence of a stop
	DefaultCloseTimeout = 10 * time.Second

	// DefaultSettleWait is how long a stop that finds its charge already
	// settled waits for the other stopper to close the session
	DefaultSettleWait = 2 * time.Second

	settlePollInterval = 20 * time.Millisecond
)

// Accounts is the part of the ledger the engine bills through.
type Accounts interface {
	GetBalance(ctx context.Context, patronID string) (billing.Money, error)
	SettleOnce(ctx context.Context, charge ledger.Charge) (*storage.Transaction, bool, error)
}

// Config holds engine configuration
type Config struct {
	HeartbeatTimeout time.Duration
	CloseTimeout     time.Duration
	SettleWait       time.Duration
	Clock            clock.Clock
	Publisher        events.Publisher
}

// Engine drives the session state machine:
// NoSession -> Active -> Closed, and Active -> Abandoned via Reconcile.
type Engine struct {
	sessions storage.SessionStore
	accounts Accounts
	rates    *billing.RateSchedule
	config   Config
	logger   zerolog.Logger
}

// NewEngine creates a session engine
func NewEngine(sessions storage.SessionStore, accounts Accounts, rates *billing.RateSchedule, config Config, logger zerolog.Logger) *Engine {
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = DefaultCloseTimeout
	}
	if config.SettleWait <= 0 {
		config.SettleWait = DefaultSettleWait
	}
	if config.Clock == nil {
		config.Clock = clock.RealClock{}
	}
	if config.Publisher == nil {
		config.Publisher = &events.NoopPublisher{}
	}

	return &Engine{
		sessions: sessions,
		accounts: accounts,
		rates:    rates,
		config:   config,
		logger:   logger.With().Str("component", "session-engine").Logger(),
	}
}

// HeartbeatTimeout returns the configured liveness window.
func (e *Engine) HeartbeatTimeout() time.Duration {
	return e.config.HeartbeatTimeout
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.config.Clock.Now()
}

// Start opens a session for an authenticated patron.
func (e *Engine) Start(ctx context.Context, patronID string) (*storage.Session, error) {
	if _, err := e.accounts.GetBalance(ctx, patronID); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	id, err := idgen.NewSessionID()
	if err != nil {
		return nil, err
	}

	now := e.config.Clock.Now()
	session, err := e.sessions.Open(ctx, storage.Session{
		ID:              id,
		PatronID:        patronID,
		StartedAt:       now,
		LastHeartbeatAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	metrics.SessionsStarted.Inc()
	metrics.ActiveSessions.Inc()

	e.logger.Info().
		Str("session_id", session.ID).
		Str("patron_id", patronID).
		Msg("Started metered session")

	e.publish(ctx, events.TopicSessionStarted, events.SessionStarted{
		SessionID: session.ID,
		PatronID:  patronID,
		StartedAt: session.StartedAt,
	})
	return session, nil
}

// Heartbeat records client liveness for an active session.
func (e *Engine) Heartbeat(ctx context.Context, sessionID string) (*storage.Session, error) {
	session, err := e.sessions.Heartbeat(ctx, sessionID, e.config.Clock.Now())
	if err != nil {
		return nil, fmt.Errorf("heartbeat %s: %w", sessionID, err)
	}
	return session, nil
}

// Session returns the stored session.
func (e *Engine) Session(ctx context.Context, sessionID string) (*storage.Session, error) {
	session, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return session, nil
}

// ActiveFor returns the patron's active session, or nil.
func (e *Engine) ActiveFor(ctx context.Context, patronID string) (*storage.Session, error) {
	return e.sessions.ActiveFor(ctx, patronID)
}

// Status reports elapsed time and the cost accrued so far.
func (e *Engine) Status(ctx context.Context, sessionID string) (*Status, error) {
	session, err := e.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	status := &Status{
		SessionID:       session.ID,
		PatronID:        session.PatronID,
		State:           session.State,
		StartedAt:       session.StartedAt,
		LastHeartbeatAt: session.LastHeartbeatAt,
		Elapsed:         session.Duration(e.config.Clock.Now()),
	}

	if !session.IsActive() {
		status.CurrentCost = session.ChargedAmount
		return status, nil
	}
	if status.Elapsed > 0 {
		cost, err := e.rates.Compute(status.Elapsed)
		if err != nil {
			return nil, err
		}
		status.CurrentCost = cost
	}
	return status, nil
}

// Stop ends a session, bills it and returns the receipt. Stopping a session
// that is already closed returns its stored receipt without charging again.
//
// Settling and closing run detached from ctx cancellation, bounded by the
// close timeout, so an impatient caller cannot leave a session half-closed.
func (e *Engine) Stop(ctx context.Context, sessionID string, reason Reason) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.CloseTimeout)
	defer cancel()

	session, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("stop %s: %w", sessionID, err)
	}
	return e.stop(ctx, session, reason, e.config.Clock.Now())
}

func (e *Engine) stop(ctx context.Context, session *storage.Session, reason Reason, now time.Time) (*Receipt, error) {
	if !session.IsActive() {
		return receiptFrom(session), nil
	}

	state := storage.SessionClosed
	endedAt := now
	if reason == ReasonAbandoned {
		state = storage.SessionAbandoned
		if deadline := session.LastHeartbeatAt.Add(e.config.HeartbeatTimeout); deadline.Before(endedAt) {
			endedAt = deadline
		}
	}
	if endedAt.Before(session.StartedAt) {
		endedAt = session.StartedAt
	}
	duration := endedAt.Sub(session.StartedAt)

	closure := storage.Closure{State: state, EndedAt: endedAt}

	var amount billing.Money
	if duration > 0 {
		var err error
		if amount, err = e.rates.Compute(duration); err != nil {
			return nil, fmt.Errorf("stop %s: %w", session.ID, err)
		}
		replayed, err := e.settle(ctx, session, amount, duration, &closure)
		if err != nil {
			return nil, err
		}
		// Another stop settled first and owns the closing record.
		if replayed {
			if settled := e.awaitClose(ctx, session.ID); settled != nil {
				return receiptFrom(settled), nil
			}
			e.logger.Warn().
				Str("session_id", session.ID).
				Str("transaction_id", closure.TransactionID).
				Msg("Settled session was not closed by its settler, closing it here")
		}
	}

	closed, err := e.sessions.Close(ctx, session.ID, closure)
	if err != nil {
		return nil, fmt.Errorf("close %s: %w", session.ID, err)
	}

	receipt := receiptFrom(closed)
	if closed.State == state && closed.EndedAt != nil && closed.EndedAt.Equal(endedAt) {
		e.recordClose(ctx, receipt, amount)
	}
	return receipt, nil
}

// settle bills the session through the ledger and fills in closure from the
// resulting transaction. The reference ties the charge to the session, so a
// retried or racing stop reuses the first transaction; replayed reports that.
func (e *Engine) settle(ctx context.Context, session *storage.Session, amount billing.Money, duration time.Duration, closure *storage.Closure) (bool, error) {
	if !amount.IsPositive() {
		return false, nil
	}

	txn, applied, err := e.accounts.SettleOnce(ctx, ledger.Charge{
		PatronID:     session.PatronID,
		Amount:       amount,
		Kind:         storage.KindSessionCharge,
		Description:  fmt.Sprintf("Internet session %s", duration.Round(time.Second)),
		Reference:    session.ID,
		AllowPartial: true,
	})
	switch {
	case errors.Is(err, ErrUnknownPatron):
		// No account to bill: close anyway and report the whole charge.
		e.logger.Error().Err(err).
			Str("session_id", session.ID).
			Str("patron_id", session.PatronID).
			Msg("Session closed without an account to bill")
		closure.Shortfall = amount
		return false, nil
	case err != nil:
		return false, fmt.Errorf("settle %s: %w", session.ID, err)
	}

	closure.ChargedAmount = txn.Collected()
	closure.Shortfall = txn.Shortfall
	closure.TransactionID = txn.ID
	return !applied, nil
}

// awaitClose polls until the session leaves Active and returns it, or returns
// nil once the settle wait or ctx runs out.
func (e *Engine) awaitClose(ctx context.Context, sessionID string) *storage.Session {
	ctx, cancel := context.WithTimeout(ctx, e.config.SettleWait)
	defer cancel()

	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()

	for {
		session, err := e.sessions.Get(ctx, sessionID)
		if err == nil && !session.IsActive() {
			return session
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) recordClose(ctx context.Context, receipt *Receipt, computed billing.Money) {
	metrics.SessionsEnded.WithLabelValues(string(receipt.State)).Inc()
	metrics.ActiveSessions.Dec()
	metrics.SessionDuration.Observe(receipt.Duration.Seconds())

	event := e.logger.Info()
	if receipt.BillingFailed {
		event = e.logger.Warn().Str("shortfall", receipt.Shortfall.String())
	}
	event.
		Str("session_id", receipt.SessionID).
		Str("patron_id", receipt.PatronID).
		Str("state", string(receipt.State)).
		Dur("duration", receipt.Duration).
		Str("computed", computed.String()).
		Str("charged", receipt.AmountCharged.String()).
		Msg("Closed metered session")

	topic := events.TopicSessionStopped
	if receipt.State == storage.SessionAbandoned {
		topic = events.TopicSessionAbandoned
	}
	e.publish(ctx, topic, events.SessionEnded{
		SessionID:       receipt.SessionID,
		PatronID:        receipt.PatronID,
		State:           string(receipt.State),
		DurationSeconds: int64(receipt.Duration / time.Second),
		AmountCharged:   receipt.AmountCharged,
		Shortfall:       receipt.Shortfall,
		TransactionID:   receipt.TransactionID,
		EndedAt:         receipt.EndedAt,
	})
}

// Reconcile abandons every session whose heartbeat went stale before now.
// It works from a snapshot and stops each session through the normal path;
// a failure on one session is logged and counted without ending the sweep.
func (e *Engine) Reconcile(ctx context.Context, now time.Time) (ReconcileResult, error) {
	var result ReconcileResult
	started := time.Now()
	metrics.ReconcileSweeps.Inc()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(started).Seconds()) }()

	stale, err := e.sessions.FindStale(ctx, now, e.config.HeartbeatTimeout)
	if err != nil {
		return result, fmt.Errorf("find stale sessions: %w", err)
	}
	result.Scanned = len(stale)

	for i := range stale {
		outcome := e.reconcileOne(ctx, stale[i].ID, now)
		metrics.ReconcileSessions.WithLabelValues(outcome).Inc()
		switch outcome {
		case "abandoned":
			result.Abandoned++
		case "already_closed":
			result.AlreadyClosed++
		case "skipped":
			result.Skipped++
		default:
			result.Failed++
		}
	}

	if result.Scanned > 0 {
		e.logger.Info().
			Int("scanned", result.Scanned).
			Int("abandoned", result.Abandoned).
			Int("already_closed", result.AlreadyClosed).
			Int("skipped", result.Skipped).
			Int("failed", result.Failed).
			Msg("Reconciled stale sessions")
	}
	return result, nil
}

func (e *Engine) reconcileOne(ctx context.Context, sessionID string, now time.Time) string {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.CloseTimeout)
	defer cancel()

	// Re-read: the owner may have stopped or heartbeated since the snapshot.
	session, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		e.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to load stale session")
		return "failed"
	}
	if !session.IsActive() {
		return "already_closed"
	}
	if !session.IsStale(now, e.config.HeartbeatTimeout) {
		return "skipped"
	}

	receipt, err := e.stop(ctx, session, ReasonAbandoned, now)
	if err != nil {
		e.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to abandon stale session")
		return "failed"
	}
	if receipt.State != storage.SessionAbandoned {
		return "already_closed"
	}
	return "abandoned"
}

func (e *Engine) publish(ctx context.Context, topic string, event any) {
	if err := e.config.Publisher.Publish(ctx, topic, event); err != nil {
		e.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish session event")
	}
}
