package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/money"
)

var errWalletExists = apperr.New(apperr.KindStateConflict, "wallet_exists", "Wallet already exists")

// MemoryStore is an in-memory wallet store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet // by user id
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wallets: make(map[string]*Wallet)}
}

func clone(w *Wallet) *Wallet {
	cp := *w
	if w.Bank != nil {
		b := *w.Bank
		cp.Bank = &b
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[w.UserID]; ok {
		return errWalletExists
	}
	m.wallets[w.UserID] = clone(w)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return clone(w), nil
}

func (m *MemoryStore) Apply(_ context.Context, userID string, op Op, amount decimal.Decimal) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	next := clone(w)
	if err := next.Apply(op, amount); err != nil {
		return nil, err
	}
	m.wallets[userID] = next
	return clone(next), nil
}

func (m *MemoryStore) SetBank(_ context.Context, userID string, bank *BankInfo) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	next := clone(w)
	if bank != nil {
		b := *bank
		next.Bank = &b
	} else {
		next.Bank = nil
	}
	next.UpdatedAt = time.Now().UTC()
	m.wallets[userID] = next
	return clone(next), nil
}

func (m *MemoryStore) Summary(_ context.Context) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := &Summary{TotalAvailable: money.Zero, TotalLocked: money.Zero, Total: money.Zero}
	for _, w := range m.wallets {
		s.Total = s.Total.Add(w.TotalBalance)
		s.TotalLocked = s.TotalLocked.Add(w.LockedBalance)
	}
	s.TotalAvailable = s.Total.Sub(s.TotalLocked)
	return s, nil
}

// Restore overwrites a wallet with a previously read copy; Delete removes
// one. The in-memory ledger uses both to undo a partially applied unit of
// work.
func (m *MemoryStore) Restore(w *Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[w.UserID] = clone(w)
}

func (m *MemoryStore) Delete(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.wallets, userID)
}

var _ Store = (*MemoryStore)(nil)
