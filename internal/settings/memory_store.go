package settings

import (
	"context"
	"sync"
)

// MemoryStore keeps the settings in process.
type MemoryStore struct {
	mu  sync.RWMutex
	cur *PaymentSetting
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Get(_ context.Context) (PaymentSetting, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cur == nil {
		return PaymentSetting{}, false, nil
	}
	return *m.cur, true, nil
}

func (m *MemoryStore) Put(_ context.Context, s PaymentSetting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur = &s
	return nil
}
