package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/safehold/safehold/internal/dbx"
	"github.com/safehold/safehold/internal/logging"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/wallet"
)

// AuditEntry records one wallet change with the balances around it.
type AuditEntry struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"userId"`
	ActorType   string    `json:"actorType"`
	ActorID     string    `json:"actorId,omitempty"`
	Operation   string    `json:"operation"`
	Amount      string    `json:"amount"`
	Reference   string    `json:"reference,omitempty"`
	BeforeState string    `json:"beforeState"`
	AfterState  string    `json:"afterState"`
	RequestID   string    `json:"requestId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AuditLogger persists audit entries.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry *AuditEntry) error
	QueryAudit(ctx context.Context, userID string, limit int) ([]*AuditEntry, error)
}

// balanceSnapshot returns a JSON string representing the wallet state.
func balanceSnapshot(w *wallet.Wallet) string {
	if w == nil {
		return "{}"
	}
	b, _ := json.Marshal(map[string]string{
		"total":     money.Format(w.TotalBalance),
		"locked":    money.Format(w.LockedBalance),
		"available": money.Format(w.AvailableBalance()),
	})
	return string(b)
}

// newAuditEntry attributes the change to the request's user, or to the
// system for webhook and sweep traffic.
func newAuditEntry(ctx context.Context, userID, op string, amount decimal.Decimal, ref string, before, after *wallet.Wallet) *AuditEntry {
	actorType, actorID := "system", logging.UserID(ctx)
	if actorID != "" {
		actorType = "user"
	}
	return &AuditEntry{
		UserID:      userID,
		ActorType:   actorType,
		ActorID:     actorID,
		Operation:   op,
		Amount:      money.Format(amount),
		Reference:   ref,
		BeforeState: balanceSnapshot(before),
		AfterState:  balanceSnapshot(after),
		RequestID:   logging.RequestID(ctx),
		CreatedAt:   time.Now().UTC(),
	}
}

// --- PostgresAuditLogger ---

// PostgresAuditLogger writes audit entries to PostgreSQL. Bound to a
// transaction, entries commit or roll back with the change they describe.
type PostgresAuditLogger struct {
	q dbx.Querier
}

// NewPostgresAuditLogger creates an audit logger on q.
func NewPostgresAuditLogger(q dbx.Querier) *PostgresAuditLogger {
	return &PostgresAuditLogger{q: q}
}

func (l *PostgresAuditLogger) LogAudit(ctx context.Context, entry *AuditEntry) error {
	_, err := l.q.ExecContext(ctx, `
		INSERT INTO ledger_audit (user_id, actor_type, actor_id, operation, amount, reference, before_state, after_state, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7::JSONB, $8::JSONB, $9, $10)
	`, entry.UserID, entry.ActorType, dbx.NullString(entry.ActorID), entry.Operation, entry.Amount,
		dbx.NullString(entry.Reference), entry.BeforeState, entry.AfterState, dbx.NullString(entry.RequestID), entry.CreatedAt)
	return err
}

func (l *PostgresAuditLogger) QueryAudit(ctx context.Context, userID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.q.QueryContext(ctx, `
		SELECT id, user_id, actor_type, COALESCE(actor_id, ''), operation, amount::TEXT,
			COALESCE(reference, ''), before_state::TEXT, after_state::TEXT, COALESCE(request_id, ''), created_at
		FROM ledger_audit WHERE user_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAuditRows(rows)
}

func scanAuditRows(rows *sql.Rows) ([]*AuditEntry, error) {
	entries := make([]*AuditEntry, 0)
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.ActorType, &e.ActorID, &e.Operation, &e.Amount,
			&e.Reference, &e.BeforeState, &e.AfterState, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- MemoryAuditLogger ---

// MemoryAuditLogger stores audit entries in memory for demo/testing.
type MemoryAuditLogger struct {
	mu      sync.RWMutex
	entries []*AuditEntry
	nextID  int64
}

// NewMemoryAuditLogger creates an in-memory audit logger.
func NewMemoryAuditLogger() *MemoryAuditLogger {
	return &MemoryAuditLogger{}
}

func (l *MemoryAuditLogger) LogAudit(_ context.Context, entry *AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	cp := *entry
	cp.ID = l.nextID
	l.entries = append(l.entries, &cp)
	return nil
}

func (l *MemoryAuditLogger) QueryAudit(_ context.Context, userID string, limit int) ([]*AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	result := make([]*AuditEntry, 0)
	for i := len(l.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if e := l.entries[i]; e.UserID == userID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Entries returns all stored audit entries (for testing).
func (l *MemoryAuditLogger) Entries() []*AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]*AuditEntry, len(l.entries))
	copy(result, l.entries)
	return result
}
