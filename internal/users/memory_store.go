package users

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory user store.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*User)}
}

func clone(u *User) *User {
	cp := *u
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrEmailTaken
		}
		if existing.Username == u.Username {
			return ErrUsernameTaken
		}
	}
	m.users[u.ID] = clone(u)
	return nil
}

func (m *MemoryStore) find(match func(*User) bool) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if match(u) {
			return clone(u), nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*User, error) {
	return m.find(func(u *User) bool { return u.ID == id })
}

func (m *MemoryStore) GetByEmail(_ context.Context, email string) (*User, error) {
	return m.find(func(u *User) bool { return u.Email == email })
}

func (m *MemoryStore) GetByUsername(_ context.Context, username string) (*User, error) {
	return m.find(func(u *User) bool { return u.Username == username })
}

func (m *MemoryStore) GetByCustomerReference(_ context.Context, ref string) (*User, error) {
	return m.find(func(u *User) bool { return u.CustomerReference == ref })
}

func (m *MemoryStore) Update(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return ErrUserNotFound
	}
	m.users[u.ID] = clone(u)
	return nil
}

func (m *MemoryStore) List(_ context.Context, offset, limit int) ([]*User, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		all = append(all, u)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	if offset >= total {
		return []*User{}, total, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]*User, len(all))
	for i, u := range all {
		out[i] = clone(u)
	}
	return out, total, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

var _ Store = (*MemoryStore)(nil)
