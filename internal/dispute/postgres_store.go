package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/safehold/safehold/internal/dbx"
	"github.com/safehold/safehold/internal/escrow"
)

// openIndex is the partial unique index that allows one open dispute per
// escrow.
const openIndex = "disputes_one_open_per_escrow"

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	q dbx.Querier
}

// NewPostgresStore creates a dispute store on q.
func NewPostgresStore(q dbx.Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

const disputeColumns = `id, escrow_id, complainant_id, complainee_id, reason, files, status,
	handled_by, created_at, updated_at`

// Open writes the escrow through the escrow store on the same transaction.
func (p *PostgresStore) Open(ctx context.Context, d *Dispute, e *escrow.Escrow) error {
	version := e.Version
	run := func(q dbx.Querier) error {
		if err := escrow.NewPostgresStore(q).Update(ctx, e); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO disputes (`+disputeColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			d.ID, d.EscrowID, d.ComplainantID, d.ComplaineeID, d.Reason, pq.Array(d.Files), string(d.Status),
			dbx.NullString(d.HandledBy), d.CreatedAt, d.UpdatedAt)
		if dbx.IsUniqueViolation(err, openIndex) {
			return ErrAlreadyOpen
		}
		return err
	}

	var err error
	if db, ok := p.q.(*sql.DB); ok {
		err = dbx.InTx(ctx, db, nil, func(tx *sql.Tx) error { return run(tx) })
	} else {
		err = run(p.q)
	}
	if err != nil {
		e.Version = version
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE disputes SET reason = $2, status = $3, handled_by = $4, updated_at = $5
		WHERE id = $1`,
		d.ID, d.Reason, string(d.Status), dbx.NullString(d.HandledBy), d.UpdatedAt)
	if dbx.IsUniqueViolation(err, openIndex) {
		return ErrAlreadyOpen
	}
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) OpenForEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	row := p.q.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE escrow_id = $1 AND status = 'open'`, escrowID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (p *PostgresStore) list(ctx context.Context, cond string, args []any, offset, limit int) ([]*Dispute, int, error) {
	var total int
	if err := p.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM disputes`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := p.q.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+disputeColumns+` FROM disputes`+cond+`
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Dispute, 0)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

func (p *PostgresStore) ListForUser(ctx context.Context, userID string, offset, limit int) ([]*Dispute, int, error) {
	return p.list(ctx, ` WHERE (complainant_id = $1 OR complainee_id = $1)`, []any{userID}, offset, limit)
}

func (p *PostgresStore) List(ctx context.Context, status Status, offset, limit int) ([]*Dispute, int, error) {
	if status == "" {
		return p.list(ctx, "", nil, offset, limit)
	}
	return p.list(ctx, ` WHERE status = $1`, []any{string(status)}, offset, limit)
}

func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := p.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM disputes`).Scan(&n)
	return n, err
}

func scanDispute(row dbx.Scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status    string
		handledBy sql.NullString
	)
	err := row.Scan(&d.ID, &d.EscrowID, &d.ComplainantID, &d.ComplaineeID, &d.Reason, pq.Array(&d.Files),
		&status, &handledBy, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.HandledBy = handledBy.String
	if d.Files == nil {
		d.Files = []string{}
	}
	return d, nil
}

var _ Store = (*PostgresStore)(nil)
