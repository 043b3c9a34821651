package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
)

// MemoryStore implements Repository in memory. Exchanges are lost on exit.
type MemoryStore struct {
	mu        sync.Mutex
	exchanges map[string]*domain.PendingExchange
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{exchanges: make(map[string]*domain.PendingExchange)}
}

func clone(ex *domain.PendingExchange) *domain.PendingExchange {
	cp := *ex
	cp.Messages = append([]domain.StoredMessage(nil), ex.Messages...)
	return &cp
}

func (m *MemoryStore) SaveExchange(_ context.Context, ex *domain.PendingExchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := clone(ex)
	if prev, ok := m.exchanges[ex.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	m.exchanges[ex.ID] = cp
	return nil
}

func (m *MemoryStore) GetExchange(_ context.Context, id string) (*domain.PendingExchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.exchanges[id]
	if !ok {
		return nil, nil
	}
	return clone(ex), nil
}

func (m *MemoryStore) ListExchanges(_ context.Context, localKey string) ([]*domain.PendingExchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.PendingExchange
	for _, ex := range m.exchanges {
		if localKey == "" || ex.LocalKey == localKey {
			out = append(out, clone(ex))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) AssignConversation(_ context.Context, localKey string, conversationID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, ex := range m.exchanges {
		if ex.LocalKey == localKey && ex.ConversationID == 0 {
			ex.ConversationID = conversationID
			ex.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteExchange(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.exchanges, id)
	return nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }
func (m *MemoryStore) Close() error                 { return nil }

var (
	_ Repository = (*MemoryStore)(nil)
	_ Repository = (*SQLiteStore)(nil)
)
