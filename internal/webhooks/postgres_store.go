package webhooks

import (
	"context"
	"fmt"

	"github.com/safehold/safehold/internal/dbx"
)

// PostgresStore persists deliveries in the webhook_deliveries table.
type PostgresStore struct {
	q dbx.Querier
}

// NewPostgresStore creates a PostgreSQL-backed delivery log.
func NewPostgresStore(q dbx.Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

func (p *PostgresStore) Record(ctx context.Context, d *Delivery) error {
	var payload any
	if len(d.Payload) > 0 {
		payload = []byte(d.Payload)
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, source, event, reference, result, detail, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.ID, string(d.Source), d.Event, dbx.NullString(d.Reference), string(d.Result),
		dbx.NullString(d.Detail), payload, d.ReceivedAt)
	if err != nil {
		return fmt.Errorf("record webhook delivery: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, source Source, offset, limit int) ([]*Delivery, int, error) {
	cond, args := "", []any{}
	if source != "" {
		cond, args = ` WHERE source = $1`, []any{string(source)}
	}

	var total int
	if err := p.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_deliveries`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := p.q.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, source, event, COALESCE(reference, ''), result, COALESCE(detail, ''), payload, received_at
		FROM webhook_deliveries`+cond+`
		ORDER BY received_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Delivery, 0)
	for rows.Next() {
		d := &Delivery{}
		var source, result string
		var payload []byte
		if err := rows.Scan(&d.ID, &source, &d.Event, &d.Reference, &result, &d.Detail, &payload, &d.ReceivedAt); err != nil {
			return nil, 0, err
		}
		d.Source = Source(source)
		d.Result = Result(result)
		if len(payload) > 0 {
			d.Payload = payload
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
