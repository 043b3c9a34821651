package backend

import "sync"

// TokenStore keeps the session credentials. How they are persisted is up to
// the implementation.
type TokenStore interface {
	Tokens() (access, refresh string)
	SetTokens(access, refresh string)
	Clear()
}

// MemoryTokens is a TokenStore that lives for the process lifetime.
type MemoryTokens struct {
	mu      sync.RWMutex
	access  string
	refresh string
}

// NewMemoryTokens returns an empty in-memory token store.
func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{}
}

func (m *MemoryTokens) Tokens() (string, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.access, m.refresh
}

func (m *MemoryTokens) SetTokens(access, refresh string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access, m.refresh = access, refresh
}

func (m *MemoryTokens) Clear() {
	m.SetTokens("", "")
}
