package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/safehold/safehold/internal/apperr"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
	chats   map[string]*Chat
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		chats:   make(map[string]*Chat),
	}
}

func cloneChat(c *Chat) *Chat {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	cp.Messages = append([]ChatMessage(nil), c.Messages...)
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[e.ID]; ok {
		return apperr.New(apperr.KindStateConflict, "escrow_exists", "Escrow already exists")
	}
	e.Version = 1
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.Clone(), nil
}

// update performs the version check. Caller holds m.mu.
func (m *MemoryStore) update(e *Escrow) error {
	cur, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if cur.Version != e.Version {
		return ErrConcurrentUpdate
	}
	e.Version++
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) Update(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.update(e)
}

func (m *MemoryStore) Accept(_ context.Context, e *Escrow, chat *Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.update(e); err != nil {
		return err
	}
	m.chats[chat.ID] = cloneChat(chat)
	return nil
}

func (m *MemoryStore) GetChat(_ context.Context, id string) (*Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[id]
	if !ok {
		return nil, ErrChatNotFound
	}
	return cloneChat(c), nil
}

func matches(e *Escrow, f Filter) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.PaymentStatus != "" && e.PaymentStatus != f.PaymentStatus {
		return false
	}
	if f.UserID != "" && e.CreatorID != f.UserID && e.CounterpartyID != f.UserID {
		return false
	}
	return true
}

// page sorts newest first and slices. Caller holds m.mu.
func (m *MemoryStore) page(keep func(*Escrow) bool, offset, limit int) ([]*Escrow, int) {
	rows := make([]*Escrow, 0)
	for _, e := range m.escrows {
		if keep(e) {
			rows = append(rows, e)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	total := len(rows)
	if offset >= total {
		return []*Escrow{}, total
	}
	rows = rows[offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]*Escrow, len(rows))
	for i, e := range rows {
		out[i] = e.Clone()
	}
	return out, total
}

func (m *MemoryStore) ListForUser(_ context.Context, userID, email string, f Filter, offset, limit int) ([]*Escrow, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, total := m.page(func(e *Escrow) bool {
		mine := e.CreatorID == userID || e.CounterpartyID == userID || (email != "" && e.CounterpartyEmail == email)
		return mine && matches(e, f)
	}, offset, limit)
	return rows, total, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter, offset, limit int) ([]*Escrow, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, total := m.page(func(e *Escrow) bool { return matches(e, f) }, offset, limit)
	return rows, total, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[Status]int)
	for _, e := range m.escrows {
		counts[e.Status]++
	}
	return counts, nil
}

// Restore overwrites an escrow with a previously read copy, keeping the
// copy's version. The in-memory ledger uses it to undo a unit of work.
func (m *MemoryStore) Restore(e *Escrow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[e.ID] = e.Clone()
}

var _ Store = (*MemoryStore)(nil)
