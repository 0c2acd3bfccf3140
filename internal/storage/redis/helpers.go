package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/kcafe/internal/billing"
	"github.com/goodtune/kcafe/internal/storage"
)

func sessionKey(id string) string       { return fmt.Sprintf("kcafe:session:%s", id) }
func patronSessionKey(id string) string { return fmt.Sprintf("kcafe:sessions:patron:%s", id) }
func accountKey(id string) string       { return fmt.Sprintf("kcafe:account:%s", id) }
func txnListKey(id string) string       { return fmt.Sprintf("kcafe:account:%s:txns", id) }
func txnRefsKey(id string) string       { return fmt.Sprintf("kcafe:account:%s:refs", id) }
func txnKey(id string) string           { return fmt.Sprintf("kcafe:txn:%s", id) }
func patronKey(id string) string        { return fmt.Sprintf("kcafe:patron:%s", id) }
func patronEmailKey(e string) string    { return fmt.Sprintf("kcafe:patron:email:%s", e) }

const (
	activeSessionsKey = "kcafe:sessions:active"
	patronsKey        = "kcafe:patrons"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseMoney reads an amount written by a Lua script. Scripts format
// integers, but a float rendering is tolerated.
func parseMoney(value string) (billing.Money, error) {
	if value == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return billing.Money(n), nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	return billing.Money(int64(f)), nil
}

// parseSession converts a Redis hash to Session
func parseSession(data map[string]string) (*storage.Session, error) {
	if len(data) == 0 {
		return nil, storage.ErrSessionNotFound
	}

	startedAt, err := time.Parse(time.RFC3339Nano, data["started_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}

	lastHeartbeat, err := time.Parse(time.RFC3339Nano, data["last_heartbeat_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_heartbeat_at: %w", err)
	}

	state, err := storage.ParseSessionState(data["state"])
	if err != nil {
		return nil, err
	}

	charged, err := parseMoney(data["charged_amount"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse charged_amount: %w", err)
	}

	shortfall, err := parseMoney(data["shortfall"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse shortfall: %w", err)
	}

	session := &storage.Session{
		ID:              data["id"],
		PatronID:        data["patron_id"],
		StartedAt:       startedAt,
		LastHeartbeatAt: lastHeartbeat,
		State:           state,
		ChargedAmount:   charged,
		Shortfall:       shortfall,
		TransactionID:   data["transaction_id"],
	}

	if raw := data["ended_at"]; raw != "" {
		endedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ended_at: %w", err)
		}
		session.EndedAt = &endedAt
	}

	return session, nil
}

// parseAccount converts a Redis hash to Account
func parseAccount(data map[string]string) (*storage.Account, error) {
	if len(data) == 0 {
		return nil, storage.ErrUnknownPatron
	}

	balance, err := parseMoney(data["balance"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse balance: %w", err)
	}

	version, err := strconv.ParseInt(data["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse version: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &storage.Account{
		PatronID:  data["patron_id"],
		Balance:   balance,
		Version:   version,
		UpdatedAt: updatedAt,
	}, nil
}

// parseTransaction converts a Redis hash to Transaction
func parseTransaction(data map[string]string) (*storage.Transaction, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	amount, err := parseMoney(data["amount"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse amount: %w", err)
	}

	shortfall, err := parseMoney(data["shortfall"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse shortfall: %w", err)
	}

	balanceAfter, err := parseMoney(data["balance_after"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse balance_after: %w", err)
	}

	kind, err := storage.ParseTransactionKind(data["kind"])
	if err != nil {
		return nil, err
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	return &storage.Transaction{
		ID:           data["id"],
		PatronID:     data["patron_id"],
		Amount:       amount,
		Kind:         kind,
		Description:  data["description"],
		Reference:    data["reference"],
		Shortfall:    shortfall,
		BalanceAfter: balanceAfter,
		CreatedAt:    createdAt,
	}, nil
}

// parsePatron converts a Redis hash to Patron
func parsePatron(data map[string]string) (*storage.Patron, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	return &storage.Patron{
		ID:           data["id"],
		Name:         data["name"],
		Email:        data["email"],
		PasswordHash: data["password_hash"],
		CreatedAt:    createdAt,
	}, nil
}
