// Package events publishes session and ledger lifecycle events.
package events

import (
	"context"
	"time"

	"github.com/goodtune/kcafe/internal/billing"
)

// Event topic constants
const (
	TopicSessionStarted   = "kcafe.session.started"
	TopicSessionStopped   = "kcafe.session.stopped"
	TopicSessionAbandoned = "kcafe.session.abandoned"
	TopicLedgerDebited    = "kcafe.ledger.debited"
	TopicLedgerCredited   = "kcafe.ledger.credited"
)

// Event types

type SessionStarted struct {
	SessionID string    `json:"session_id"`
	PatronID  string    `json:"patron_id"`
	StartedAt time.Time `json:"started_at"`
}

// SessionEnded is published on both the stopped and abandoned topics.
type SessionEnded struct {
	SessionID       string        `json:"session_id"`
	PatronID        string        `json:"patron_id"`
	State           string        `json:"state"`
	DurationSeconds int64         `json:"duration_seconds"`
	AmountCharged   billing.Money `json:"amount_charged"`
	Shortfall       billing.Money `json:"shortfall"`
	TransactionID   string        `json:"transaction_id,omitempty"`
	EndedAt         time.Time     `json:"ended_at"`
}

type LedgerEntry struct {
	TransactionID string        `json:"transaction_id"`
	PatronID      string        `json:"patron_id"`
	Kind          string        `json:"kind"`
	Amount        billing.Money `json:"amount"`
	Shortfall     billing.Money `json:"shortfall"`
	BalanceAfter  billing.Money `json:"balance_after"`
	Reference     string        `json:"reference,omitempty"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
