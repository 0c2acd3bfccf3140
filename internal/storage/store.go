package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrAlreadyExists is returned when a unique record is created twice.
var ErrAlreadyExists = errors.New("storage: record already exists")

// Domain conditions reported by the stores. Service packages re-export these
// so callers can match them with errors.Is without importing storage.
var (
	ErrSessionAlreadyActive = errors.New("session: patron already has an active session")
	ErrSessionNotFound      = errors.New("session: not found")
	ErrSessionNotActive     = errors.New("session: not active")
	ErrInsufficientFunds    = errors.New("ledger: insufficient funds")
	ErrUnknownPatron        = errors.New("ledger: unknown patron")
	ErrBalanceLimit         = errors.New("ledger: balance limit exceeded")
)

// Store represents the root storage interface.
type Store interface {
	Close() error
	Sessions() SessionStore
	Ledger() LedgerStore
	Patrons() PatronStore
}

// SessionStore persists metered sessions. Open and Close are atomic per
// patron: a patron never has more than one active session.
type SessionStore interface {
	Open(ctx context.Context, session Session) (*Session, error)
	Heartbeat(ctx context.Context, sessionID string, now time.Time) (*Session, error)
	Close(ctx context.Context, sessionID string, closure Closure) (*Session, error)
	Get(ctx context.Context, sessionID string) (*Session, error)
	ActiveFor(ctx context.Context, patronID string) (*Session, error)
	ListActive(ctx context.Context) ([]Session, error)
	FindStale(ctx context.Context, now time.Time, timeout time.Duration) ([]Session, error)
}

// LedgerStore owns account balances and the append-only transaction log.
// ApplyDebit and ApplyCredit change the balance and append the transaction in
// one atomic unit, and return the existing transaction unchanged when an
// entry with the same non-empty reference was already applied.
type LedgerStore interface {
	OpenAccount(ctx context.Context, patronID string, now time.Time) error
	GetAccount(ctx context.Context, patronID string) (*Account, error)
	ApplyDebit(ctx context.Context, entry Entry) (*Transaction, error)
	ApplyCredit(ctx context.Context, entry Entry) (*Transaction, error)
	ListTransactions(ctx context.Context, patronID string, limit int) ([]Transaction, error)
}

// PatronStore manages patron records and their credentials.
type PatronStore interface {
	Create(ctx context.Context, patron Patron) error
	Get(ctx context.Context, id string) (*Patron, error)
	GetByEmail(ctx context.Context, email string) (*Patron, error)
	List(ctx context.Context) ([]Patron, error)
}
