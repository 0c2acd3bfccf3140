// Package ledger is the account ledger service: it validates amounts, assigns
// transaction ids, retries reads and reports every balance change.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kcafe/internal/billing"
	"github.com/goodtune/kcafe/internal/clock"
	"github.com/goodtune/kcafe/internal/events"
	"github.com/goodtune/kcafe/internal/idgen"
	"github.com/goodtune/kcafe/internal/metrics"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/rs/zerolog"
)

var (
	ErrInsufficientFunds = storage.ErrInsufficientFunds
	ErrUnknownPatron     = storage.ErrUnknownPatron
	ErrBalanceLimit      = storage.ErrBalanceLimit
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")
)

const (
	// DefaultHistoryLimit is used when History is called with limit <= 0.
	DefaultHistoryLimit = 10

	// MaxHistoryLimit caps a single History page.
	MaxHistoryLimit = 100
)

// Config holds ledger configuration
type Config struct {
	ReadRetries  int
	RetryBackoff time.Duration
	HistoryLimit int
	Clock        clock.Clock
	Publisher    events.Publisher
}

// Charge is a debit request. A non-empty Reference makes Settle idempotent.
type Charge struct {
	PatronID     string
	Amount       billing.Money
	Kind         storage.TransactionKind
	Description  string
	Reference    string
	AllowPartial bool
}

// Ledger manages patron balances over a storage.LedgerStore.
type Ledger struct {
	store  storage.LedgerStore
	config Config
	logger zerolog.Logger
}

// New creates a ledger service
func New(store storage.LedgerStore, config Config, logger zerolog.Logger) *Ledger {
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultHistoryLimit
	}
	if config.Clock == nil {
		config.Clock = clock.RealClock{}
	}
	if config.Publisher == nil {
		config.Publisher = &events.NoopPublisher{}
	}
	return &Ledger{
		store:  store,
		config: config,
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// OpenAccount creates a zero-balance account for a new patron.
func (l *Ledger) OpenAccount(ctx context.Context, patronID string) error {
	if err := l.store.OpenAccount(ctx, patronID, l.config.Clock.Now()); err != nil {
		return fmt.Errorf("open account %s: %w", patronID, err)
	}
	return nil
}

// GetBalance returns the patron's current balance.
func (l *Ledger) GetBalance(ctx context.Context, patronID string) (billing.Money, error) {
	var account *storage.Account
	err := l.read(ctx, "get_balance", func() error {
		var err error
		account, err = l.store.GetAccount(ctx, patronID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// History returns up to limit transactions, most recent first.
func (l *Ledger) History(ctx context.Context, patronID string, limit int) ([]storage.Transaction, error) {
	limit = storage.ClampLimit(limit, l.config.HistoryLimit, MaxHistoryLimit)

	var txns []storage.Transaction
	err := l.read(ctx, "history", func() error {
		var err error
		txns, err = l.store.ListTransactions(ctx, patronID, limit)
		return err
	})
	return txns, err
}

// Debit charges amount in full or fails with ErrInsufficientFunds.
func (l *Ledger) Debit(ctx context.Context, patronID string, amount billing.Money, kind storage.TransactionKind, description string) (*storage.Transaction, error) {
	return l.Settle(ctx, Charge{
		PatronID:    patronID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
	})
}

// Settle applies a charge. When a transaction with the same reference already
// exists it is returned unchanged. With AllowPartial an uncovered charge
// collects the available balance and records the rest as shortfall.
func (l *Ledger) Settle(ctx context.Context, charge Charge) (*storage.Transaction, error) {
	txn, _, err := l.SettleOnce(ctx, charge)
	return txn, err
}

// SettleOnce is Settle that also reports whether this call applied the
// charge. It returns false when the reference had already been settled.
func (l *Ledger) SettleOnce(ctx context.Context, charge Charge) (*storage.Transaction, bool, error) {
	if err := validAmount(charge.Amount); err != nil {
		return nil, false, err
	}

	id, err := idgen.NewTransactionID()
	if err != nil {
		return nil, false, err
	}

	txn, err := l.store.ApplyDebit(ctx, storage.Entry{
		TransactionID: id,
		PatronID:      charge.PatronID,
		Amount:        charge.Amount,
		Kind:          charge.Kind,
		Description:   charge.Description,
		Reference:     charge.Reference,
		AllowPartial:  charge.AllowPartial,
		CreatedAt:     l.config.Clock.Now(),
	})
	if err != nil {
		metrics.LedgerOperations.WithLabelValues("debit", resultLabel(err)).Inc()
		return nil, false, fmt.Errorf("debit %s for %s: %w", charge.Amount, charge.PatronID, err)
	}

	if txn.ID != id {
		l.logger.Debug().
			Str("patron_id", charge.PatronID).
			Str("reference", charge.Reference).
			Str("transaction_id", txn.ID).
			Msg("Charge already settled")
		metrics.LedgerOperations.WithLabelValues("debit", "replayed").Inc()
		return txn, false, nil
	}

	metrics.LedgerOperations.WithLabelValues("debit", "ok").Inc()
	metrics.AmountCharged.WithLabelValues(string(txn.Kind)).Add(txn.Collected().Decimal().InexactFloat64())
	if txn.Shortfall > 0 {
		metrics.AmountShortfall.Add(txn.Shortfall.Decimal().InexactFloat64())
		l.logger.Warn().
			Str("patron_id", txn.PatronID).
			Str("reference", txn.Reference).
			Str("charged", charge.Amount.String()).
			Str("shortfall", txn.Shortfall.String()).
			Msg("Charge only partially collected")
	}

	l.logger.Info().
		Str("patron_id", txn.PatronID).
		Str("transaction_id", txn.ID).
		Str("kind", string(txn.Kind)).
		Str("amount", txn.Collected().String()).
		Str("balance_after", txn.BalanceAfter.String()).
		Msg("Debited account")

	l.publish(ctx, events.TopicLedgerDebited, txn)
	return txn, true, nil
}

// Credit adds amount to the patron's balance.
func (l *Ledger) Credit(ctx context.Context, patronID string, amount billing.Money, kind storage.TransactionKind, description string) (*storage.Transaction, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}

	id, err := idgen.NewTransactionID()
	if err != nil {
		return nil, err
	}

	txn, err := l.store.ApplyCredit(ctx, storage.Entry{
		TransactionID: id,
		PatronID:      patronID,
		Amount:        amount,
		Kind:          kind,
		Description:   description,
		CreatedAt:     l.config.Clock.Now(),
	})
	if err != nil {
		metrics.LedgerOperations.WithLabelValues("credit", resultLabel(err)).Inc()
		return nil, fmt.Errorf("credit %s for %s: %w", amount, patronID, err)
	}

	metrics.LedgerOperations.WithLabelValues("credit", "ok").Inc()
	l.logger.Info().
		Str("patron_id", patronID).
		Str("transaction_id", txn.ID).
		Str("amount", amount.String()).
		Str("balance_after", txn.BalanceAfter.String()).
		Msg("Credited account")

	l.publish(ctx, events.TopicLedgerCredited, txn)
	return txn, nil
}

// validAmount accepts positive amounts no larger than the balance limit.
func validAmount(amount billing.Money) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if amount > storage.MaxBalance {
		return fmt.Errorf("%w: %s", billing.ErrAmountOutOfRange, amount)
	}
	return nil
}

// read runs fn, retrying infrastructure errors with a linear backoff.
func (l *Ledger) read(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !retryable(err) || attempt >= l.config.ReadRetries {
			return err
		}

		metrics.LedgerReadRetries.Inc()
		l.logger.Warn().Err(err).
			Str("operation", op).
			Int("attempt", attempt+1).
			Msg("Ledger read failed, retrying")

		select {
		case <-time.After(l.config.RetryBackoff * time.Duration(attempt+1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func retryable(err error) bool {
	return !errors.Is(err, ErrUnknownPatron) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrUnknownPatron):
		return "unknown_patron"
	case errors.Is(err, ErrBalanceLimit):
		return "balance_limit"
	default:
		return "error"
	}
}

func (l *Ledger) publish(ctx context.Context, topic string, txn *storage.Transaction) {
	event := events.LedgerEntry{
		TransactionID: txn.ID,
		PatronID:      txn.PatronID,
		Kind:          string(txn.Kind),
		Amount:        txn.Amount,
		Shortfall:     txn.Shortfall,
		BalanceAfter:  txn.BalanceAfter,
		Reference:     txn.Reference,
	}
	if err := l.config.Publisher.Publish(ctx, topic, event); err != nil {
		l.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish ledger event")
	}
}
