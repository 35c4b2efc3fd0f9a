package settings

import (
	"context"
	"database/sql"
	"errors"

	"github.com/safehold/safehold/internal/dbx"
)

// PostgresStore keeps the settings in a single-row table.
type PostgresStore struct {
	q dbx.Querier
}

// NewPostgresStore creates a settings store on q.
func NewPostgresStore(q dbx.Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

func (p *PostgresStore) Get(ctx context.Context) (PaymentSetting, bool, error) {
	var (
		s                    PaymentSetting
		merchant, status, by string
	)
	err := p.q.QueryRowContext(ctx, `
		SELECT fee_percentage, merchant, currency, status, updated_by, updated_at
		FROM payment_settings WHERE id = 1`).
		Scan(&s.FeePercentage, &merchant, &s.Currency, &status, &by, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PaymentSetting{}, false, nil
	}
	if err != nil {
		return PaymentSetting{}, false, err
	}
	s.Merchant, s.Status, s.UpdatedBy = Merchant(merchant), Status(status), by
	return s, true, nil
}

func (p *PostgresStore) Put(ctx context.Context, s PaymentSetting) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO payment_settings (id, fee_percentage, merchant, currency, status, updated_by, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			fee_percentage = EXCLUDED.fee_percentage,
			merchant = EXCLUDED.merchant,
			currency = EXCLUDED.currency,
			status = EXCLUDED.status,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at`,
		s.FeePercentage, string(s.Merchant), s.Currency, string(s.Status), s.UpdatedBy, s.UpdatedAt)
	return err
}
