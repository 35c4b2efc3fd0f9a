package dispute

import (
	"context"
	"sort"
	"sync"

	"github.com/safehold/safehold/internal/escrow"
)

// MemoryStore keeps disputes in memory and writes the escrow side of Open
// through the shared escrow store.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	escrows  escrow.Store
}

// NewMemoryStore creates an empty store bound to escrows.
func NewMemoryStore(escrows escrow.Store) *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		escrows:  escrows,
	}
}

// openFor returns the open dispute on escrowID other than skipID. Caller
// holds m.mu.
func (m *MemoryStore) openFor(escrowID, skipID string) *Dispute {
	for _, d := range m.disputes {
		if d.EscrowID == escrowID && d.Status == StatusOpen && d.ID != skipID {
			return d
		}
	}
	return nil
}

func (m *MemoryStore) Open(ctx context.Context, d *Dispute, e *escrow.Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openFor(d.EscrowID, "") != nil {
		return ErrAlreadyOpen
	}
	if err := m.escrows.Update(ctx, e); err != nil {
		return err
	}
	m.disputes[d.ID] = d.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	if d.Status == StatusOpen && m.openFor(d.EscrowID, d.ID) != nil {
		return ErrAlreadyOpen
	}
	m.disputes[d.ID] = d.clone()
	return nil
}

func (m *MemoryStore) OpenForEscrow(_ context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d := m.openFor(escrowID, ""); d != nil {
		return d.clone(), nil
	}
	return nil, nil
}

// page sorts newest first and slices. Caller holds m.mu.
func (m *MemoryStore) page(keep func(*Dispute) bool, offset, limit int) ([]*Dispute, int) {
	rows := make([]*Dispute, 0)
	for _, d := range m.disputes {
		if keep(d) {
			rows = append(rows, d)
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
		return []*Dispute{}, total
	}
	rows = rows[offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]*Dispute, len(rows))
	for i, d := range rows {
		out[i] = d.clone()
	}
	return out, total
}

func (m *MemoryStore) ListForUser(_ context.Context, userID string, offset, limit int) ([]*Dispute, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, total := m.page(func(d *Dispute) bool { return d.Involves(userID) }, offset, limit)
	return rows, total, nil
}

func (m *MemoryStore) List(_ context.Context, status Status, offset, limit int) ([]*Dispute, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, total := m.page(func(d *Dispute) bool { return status == "" || d.Status == status }, offset, limit)
	return rows, total, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.disputes), nil
}

var _ Store = (*MemoryStore)(nil)
