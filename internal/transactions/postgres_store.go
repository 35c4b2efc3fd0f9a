package transactions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/safehold/safehold/internal/dbx"
	"github.com/safehold/safehold/internal/pagination"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	q dbx.Querier
}

// NewPostgresStore creates a transaction store on q (pool or open tx).
func NewPostgresStore(q dbx.Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

const txColumns = `id, reference, user_id, escrow_id, wallet_id, direction, type, amount, fee,
	currency, gateway, status, metadata, created_at, updated_at, settled_at`

func (p *PostgresStore) Record(ctx context.Context, t *Transaction) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.ID, t.Reference, t.UserID, dbx.NullString(t.EscrowID), dbx.NullString(t.WalletID),
		string(t.Direction), string(t.Type), t.Amount, t.Fee,
		t.Currency, dbx.NullString(t.Gateway), string(t.Status), meta,
		t.CreatedAt, t.UpdatedAt, dbx.NullTime(t.SettledAt),
	)
	if dbx.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, t.Reference)
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, reference string) (*Transaction, error) {
	return p.get(ctx, reference, "")
}

// GetForUpdate row-locks the transaction for the enclosing database
// transaction, serializing concurrent settlements of one reference.
func (p *PostgresStore) GetForUpdate(ctx context.Context, reference string) (*Transaction, error) {
	return p.get(ctx, reference, " FOR UPDATE")
}

func (p *PostgresStore) get(ctx context.Context, reference, suffix string) (*Transaction, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE reference = $1`+suffix, reference)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Transaction) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}
	res, err := p.q.ExecContext(ctx, `
		UPDATE transactions SET status = $2, metadata = $3, updated_at = $4, settled_at = $5, gateway = $6
		WHERE reference = $1`,
		t.Reference, string(t.Status), meta, t.UpdatedAt, dbx.NullTime(t.SettledAt), dbx.NullString(t.Gateway),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) MarkPending(ctx context.Context, reference string) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE transactions SET status = 'pending', updated_at = NOW()
		WHERE reference = $1 AND status = 'initiated'`, reference)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.Get(ctx, reference); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = p.q.QueryContext(ctx, `
			SELECT `+txColumns+` FROM transactions
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	} else {
		rows, err = p.q.QueryContext(ctx, `
			SELECT `+txColumns+` FROM transactions
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, userID, cursor.CreatedAt, cursor.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) List(ctx context.Context, offset, limit int) ([]*Transaction, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListPendingOlderThan(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := p.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n)
	return n, err
}

func scanTransaction(row dbx.Scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		escrowID, walletID, gateway sql.NullString
		direction, typ, status      string
		meta                        []byte
		settledAt                   sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Reference, &t.UserID, &escrowID, &walletID, &direction, &typ,
		&t.Amount, &t.Fee, &t.Currency, &gateway, &status, &meta, &t.CreatedAt, &t.UpdatedAt, &settledAt)
	if err != nil {
		return nil, err
	}
	t.EscrowID, t.WalletID, t.Gateway = escrowID.String, walletID.String, gateway.String
	t.Direction, t.Type, t.Status = Direction(direction), Type(typ), Status(status)
	t.SettledAt = dbx.TimePtr(settledAt)
	t.Metadata = map[string]string{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	out := make([]*Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
