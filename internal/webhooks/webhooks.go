// Package webhooks receives gateway and KYC provider callbacks.
//
// Every delivery is authenticated against the raw request body before it is
// parsed. A payment callback is only a hint: the reference it names is
// re-verified with the gateway and the verified outcome is settled. Each
// delivery is recorded with its result for support and audit.
package webhooks

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Source names the sender of a delivery.
type Source string

const (
	SourcePaystack    Source = "paystack"
	SourceFlutterwave Source = "flutterwave"
	SourceKYC         Source = "kyc"
)

// Result is what the handler did with a delivery.
type Result string

const (
	ResultSettled          Result = "settled"
	ResultDuplicate        Result = "duplicate"
	ResultPending          Result = "pending"
	ResultIgnored          Result = "ignored"
	ResultNotFound         Result = "not_found"
	ResultInvalidSignature Result = "invalid_signature"
	ResultMalformed        Result = "malformed"
	ResultApplied          Result = "applied"
	ResultError            Result = "error"
)

// Delivery is one received callback.
type Delivery struct {
	ID         string          `json:"id"`
	Source     Source          `json:"source"`
	Event      string          `json:"event"`
	Reference  string          `json:"reference,omitempty"`
	Result     Result          `json:"result"`
	Detail     string          `json:"detail,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Store records deliveries.
type Store interface {
	Record(ctx context.Context, d *Delivery) error
	List(ctx context.Context, source Source, offset, limit int) ([]*Delivery, int, error)
}

// MemoryStore keeps deliveries in memory.
type MemoryStore struct {
	mu         sync.RWMutex
	deliveries []*Delivery
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Record(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deliveries = append(m.deliveries, &cp)
	return nil
}

func (m *MemoryStore) List(_ context.Context, source Source, offset, limit int) ([]*Delivery, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]*Delivery, 0)
	for _, d := range m.deliveries {
		if source == "" || d.Source == source {
			cp := *d
			rows = append(rows, &cp)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ReceivedAt.After(rows[j].ReceivedAt) })

	total := len(rows)
	if offset >= total {
		return []*Delivery{}, total, nil
	}
	rows = rows[offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, total, nil
}

var _ Store = (*MemoryStore)(nil)
