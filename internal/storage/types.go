package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/kcafe/internal/billing"
)

// SessionState is the lifecycle state of a metered session.
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionClosed    SessionState = "closed"
	SessionAbandoned SessionState = "abandoned"
)

// ParseSessionState normalizes and validates a stored state value.
func ParseSessionState(s string) (SessionState, error) {
	state := SessionState(strings.ToLower(s))
	switch state {
	case SessionActive, SessionClosed, SessionAbandoned:
		return state, nil
	default:
		return "", fmt.Errorf("invalid session state: %s (must be active, closed, or abandoned)", s)
	}
}

// UnmarshalJSON implements json.Unmarshaler to normalize the state to lowercase.
func (s *SessionState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	state, err := ParseSessionState(raw)
	if err != nil {
		return err
	}
	*s = state
	return nil
}

// TransactionKind classifies a ledger transaction.
type TransactionKind string

const (
	KindSessionCharge TransactionKind = "session_charge"
	KindPrintCharge   TransactionKind = "print_charge"
	KindManualCredit  TransactionKind = "manual_credit"
)

// ParseTransactionKind validates a stored transaction kind.
func ParseTransactionKind(s string) (TransactionKind, error) {
	kind := TransactionKind(strings.ToLower(s))
	switch kind {
	case KindSessionCharge, KindPrintCharge, KindManualCredit:
		return kind, nil
	default:
		return "", fmt.Errorf("invalid transaction kind: %s", s)
	}
}

// Patron is a kiosk customer.
type Patron struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Account holds a patron's prepaid balance.
type Account struct {
	PatronID  string        `json:"patron_id"`
	Balance   billing.Money `json:"balance"`
	Version   int64         `json:"version"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Transaction is an immutable ledger record. Amount is negative for charges
// and positive for credits.
type Transaction struct {
	ID           string          `json:"id"`
	PatronID     string          `json:"patron_id"`
	Amount       billing.Money   `json:"amount"`
	Kind         TransactionKind `json:"kind"`
	Description  string          `json:"description"`
	Reference    string          `json:"reference,omitempty"`
	Shortfall    billing.Money   `json:"shortfall"`
	BalanceAfter billing.Money   `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Collected returns the magnitude actually moved by the transaction.
func (t *Transaction) Collected() billing.Money {
	if t.Amount < 0 {
		return -t.Amount
	}
	return t.Amount
}

// Entry is a request to move money. Amount is always a positive magnitude;
// the direction is chosen by ApplyDebit or ApplyCredit.
type Entry struct {
	TransactionID string
	PatronID      string
	Amount        billing.Money
	Kind          TransactionKind
	Description   string
	// Reference is an optional idempotency key.
	Reference string
	// AllowPartial collects whatever balance is available instead of failing
	// with ErrInsufficientFunds. The uncollected remainder becomes Shortfall.
	AllowPartial bool
	CreatedAt    time.Time
}

// Session is a metered access session.
type Session struct {
	ID              string        `json:"id"`
	PatronID        string        `json:"patron_id"`
	StartedAt       time.Time     `json:"started_at"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at"`
	State           SessionState  `json:"state"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	ChargedAmount   billing.Money `json:"charged_amount"`
	Shortfall       billing.Money `json:"shortfall"`
	TransactionID   string        `json:"transaction_id,omitempty"`
}

// IsActive reports whether the session is still open.
func (s *Session) IsActive() bool {
	return s.State == SessionActive
}

// Duration returns the billed length of a closed session, or the time elapsed
// until now for an active one.
func (s *Session) Duration(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// IsStale reports whether an active session missed its heartbeat window.
func (s *Session) IsStale(now time.Time, timeout time.Duration) bool {
	return s.IsActive() && now.Sub(s.LastHeartbeatAt) > timeout
}

// Closure describes how an active session ends.
type Closure struct {
	State         SessionState
	EndedAt       time.Time
	ChargedAmount billing.Money
	Shortfall     billing.Money
	TransactionID string
}
