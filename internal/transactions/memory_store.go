package transactions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/safehold/safehold/internal/pagination"
)

// MemoryStore is an in-memory transaction store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	byRef map[string]*Transaction
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRef: make(map[string]*Transaction)}
}

func clone(t *Transaction) *Transaction {
	cp := *t
	cp.Metadata = make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		cp.Metadata[k] = v
	}
	if t.SettledAt != nil {
		at := *t.SettledAt
		cp.SettledAt = &at
	}
	return &cp
}

func (m *MemoryStore) Record(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byRef[tx.Reference]; ok {
		return ErrDuplicateReference
	}
	m.byRef[tx.Reference] = clone(tx)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, reference string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byRef[reference]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

func (m *MemoryStore) Update(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byRef[tx.Reference]; !ok {
		return ErrNotFound
	}
	m.byRef[tx.Reference] = clone(tx)
	return nil
}

func (m *MemoryStore) MarkPending(_ context.Context, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byRef[reference]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusInitiated {
		return ErrInvalidTransition
	}
	next := clone(t)
	next.Status = StatusPending
	next.UpdatedAt = time.Now().UTC()
	m.byRef[reference] = next
	return nil
}

// sorted returns matching rows newest first. Caller holds m.mu.
func (m *MemoryStore) sorted(keep func(*Transaction) bool) []*Transaction {
	out := make([]*Transaction, 0)
	for _, t := range m.byRef {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func cloneAll(in []*Transaction) []*Transaction {
	out := make([]*Transaction, len(in))
	for i, t := range in {
		out[i] = clone(t)
	}
	return out
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.sorted(func(t *Transaction) bool {
		return t.UserID == userID && cursor.After(t.CreatedAt, t.ID)
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return cloneAll(rows), nil
}

func (m *MemoryStore) List(_ context.Context, offset, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.sorted(func(*Transaction) bool { return true })
	if offset >= len(rows) {
		return []*Transaction{}, nil
	}
	rows = rows[offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return cloneAll(rows), nil
}

func (m *MemoryStore) ListPendingOlderThan(_ context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.sorted(func(t *Transaction) bool {
		return t.Status == StatusPending && t.CreatedAt.Before(before)
	})
	// oldest first
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return cloneAll(rows), nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byRef), nil
}

// Restore puts back a previously read copy; Delete removes a row. The
// in-memory ledger uses both to undo a partially applied unit of work.
func (m *MemoryStore) Restore(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byRef[tx.Reference] = clone(tx)
}

func (m *MemoryStore) Delete(reference string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byRef, reference)
}

var _ Store = (*MemoryStore)(nil)
