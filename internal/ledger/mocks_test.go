package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
	"github.com/stretchr/testify/mock"
)

type MockLedgerStore struct {
	mock.Mock
}

func (m *MockLedgerStore) OpenAccount(ctx context.Context, patronID string, now time.Time) error {
	args := m.Called(ctx, patronID, now)
	return args.Error(0)
}

func (m *MockLedgerStore) GetAccount(ctx context.Context, patronID string) (*storage.Account, error) {
	args := m.Called(ctx, patronID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.Account), args.Error(1)
}

func (m *MockLedgerStore) ApplyDebit(ctx context.Context, entry storage.Entry) (*storage.Transaction, error) {
	args := m.Called(ctx, entry)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.Transaction), args.Error(1)
}

func (m *MockLedgerStore) ApplyCredit(ctx context.Context, entry storage.Entry) (*storage.Transaction, error) {
	args := m.Called(ctx, entry)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.Transaction), args.Error(1)
}

func (m *MockLedgerStore) ListTransactions(ctx context.Context, patronID string, limit int) ([]storage.Transaction, error) {
	args := m.Called(ctx, patronID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]storage.Transaction), args.Error(1)
}

// recordingPublisher captures published topics.
type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}
