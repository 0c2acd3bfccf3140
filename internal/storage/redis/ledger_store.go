package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
	"github.com/redis/go-redis/v9"
)

var (
	openAccount = redis.NewScript(openAccountScript)
	applyEntry  = redis.NewScript(applyEntryScript)
)

type ledgerStore struct {
	client *redis.Client
}

// OpenAccount creates a zero-balance account if the patron has none
func (s *ledgerStore) OpenAccount(ctx context.Context, patronID string, now time.Time) error {
	return openAccount.Run(ctx, s.client, []string{accountKey(patronID)}, patronID, formatTime(now)).Err()
}

// GetAccount retrieves the patron's account
func (s *ledgerStore) GetAccount(ctx context.Context, patronID string) (*storage.Account, error) {
	data, err := s.client.HGetAll(ctx, accountKey(patronID)).Result()
	if err != nil {
		return nil, err
	}
	return parseAccount(data)
}

// ApplyDebit atomically decrements the balance and records the charge
func (s *ledgerStore) ApplyDebit(ctx context.Context, entry storage.Entry) (*storage.Transaction, error) {
	return s.apply(ctx, entry, "debit")
}

// ApplyCredit atomically increments the balance and records the credit
func (s *ledgerStore) ApplyCredit(ctx context.Context, entry storage.Entry) (*storage.Transaction, error) {
	return s.apply(ctx, entry, "credit")
}

func (s *ledgerStore) apply(ctx context.Context, entry storage.Entry, direction string) (*storage.Transaction, error) {
	allowPartial := "0"
	if entry.AllowPartial {
		allowPartial = "1"
	}

	keys := []string{
		accountKey(entry.PatronID),
		txnListKey(entry.PatronID),
		txnRefsKey(entry.PatronID),
		txnKey(entry.TransactionID),
	}
	args := []interface{}{
		entry.TransactionID,
		entry.PatronID,
		int64(entry.Amount),
		string(entry.Kind),
		entry.Description,
		entry.Reference,
		allowPartial,
		formatTime(entry.CreatedAt),
		direction,
		int64(storage.MaxBalance),
	}

	result, err := applyEntry.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", direction, err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("apply %s: empty script reply", direction)
	}

	status, _ := result[0].(int64)
	switch status {
	case -1:
		return nil, storage.ErrUnknownPatron
	case 0:
		return nil, fmt.Errorf("%w: charge %s", storage.ErrInsufficientFunds, entry.Amount)
	case 3:
		return nil, fmt.Errorf("%w: credit %s", storage.ErrBalanceLimit, entry.Amount)
	}
	if len(result) < 2 {
		return nil, fmt.Errorf("apply %s: missing transaction id", direction)
	}
	id, _ := result[1].(string)
	return s.getTransaction(ctx, id)
}

func (s *ledgerStore) getTransaction(ctx context.Context, id string) (*storage.Transaction, error) {
	data, err := s.client.HGetAll(ctx, txnKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return parseTransaction(data)
}

// ListTransactions returns up to limit transactions, most recent first
func (s *ledgerStore) ListTransactions(ctx context.Context, patronID string, limit int) ([]storage.Transaction, error) {
	exists, err := s.client.Exists(ctx, accountKey(patronID)).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, storage.ErrUnknownPatron
	}

	if limit <= 0 {
		return []storage.Transaction{}, nil
	}

	// LPUSH keeps the newest id at the head of the list
	ids, err := s.client.LRange(ctx, txnListKey(patronID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []storage.Transaction{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, txnKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	transactions := make([]storage.Transaction, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		txn, err := parseTransaction(data)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *txn)
	}
	return transactions, nil
}
