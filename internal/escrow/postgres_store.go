package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/safehold/safehold/internal/dbx"
)

// PostgresStore persists escrows and chats in PostgreSQL. It runs against
// the pool or an open transaction.
type PostgresStore struct {
	q dbx.Querier
}

// NewPostgresStore creates an escrow store on q.
func NewPostgresStore(q dbx.Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

// atomically runs fn in a transaction, or directly when already inside one.
func (p *PostgresStore) atomically(ctx context.Context, fn func(*PostgresStore) error) error {
	db, ok := p.q.(*sql.DB)
	if !ok {
		return fn(p)
	}
	return dbx.InTx(ctx, db, nil, func(tx *sql.Tx) error {
		return fn(NewPostgresStore(tx))
	})
}

const escrowColumns = `id, creator_id, creator_email, creator_role, counterparty_email, counterparty_id,
	buyer_id, seller_id, amount, currency, category, fee_policy, buyer_fee, seller_fee,
	description, terms, status, payment_status, paid_with, chat_id, version,
	created_at, updated_at, accepted_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	e.Version = 1
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		e.ID, e.CreatorID, e.CreatorEmail, string(e.CreatorRole), e.CounterpartyEmail, dbx.NullString(e.CounterpartyID),
		dbx.NullString(e.BuyerID), dbx.NullString(e.SellerID), e.Amount, e.Currency, e.Category, string(e.FeePolicy),
		e.BuyerFee, e.SellerFee, e.Description, pq.Array(e.Terms), string(e.Status), string(e.PaymentStatus),
		dbx.NullString(string(e.PaidWith)), dbx.NullString(e.ChatID), e.Version,
		e.CreatedAt, e.UpdatedAt, dbx.NullTime(e.AcceptedAt), dbx.NullTime(e.CompletedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Update writes every mutable column if the stored version still matches.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE escrows SET
			counterparty_id = $3, buyer_id = $4, seller_id = $5, buyer_fee = $6, seller_fee = $7,
			status = $8, payment_status = $9, paid_with = $10, chat_id = $11,
			updated_at = $12, accepted_at = $13, completed_at = $14, version = version + 1
		WHERE id = $1 AND version = $2`,
		e.ID, e.Version,
		dbx.NullString(e.CounterpartyID), dbx.NullString(e.BuyerID), dbx.NullString(e.SellerID), e.BuyerFee, e.SellerFee,
		string(e.Status), string(e.PaymentStatus), dbx.NullString(string(e.PaidWith)), dbx.NullString(e.ChatID),
		e.UpdatedAt, dbx.NullTime(e.AcceptedAt), dbx.NullTime(e.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, e.ID); err != nil {
			return err
		}
		return ErrConcurrentUpdate
	}
	e.Version++
	return nil
}

func (p *PostgresStore) Accept(ctx context.Context, e *Escrow, chat *Chat) error {
	participants := pq.Array(chat.Participants)
	messages, err := json.Marshal(chat.Messages)
	if err != nil {
		return err
	}
	version := e.Version
	err = p.atomically(ctx, func(s *PostgresStore) error {
		if err := s.Update(ctx, e); err != nil {
			return err
		}
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO chats (id, escrow_id, participants, messages, active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			chat.ID, chat.EscrowID, participants, messages, chat.Active, chat.CreatedAt)
		return err
	})
	if err != nil {
		e.Version = version
	}
	return err
}

func (p *PostgresStore) GetChat(ctx context.Context, id string) (*Chat, error) {
	c := &Chat{}
	var messages []byte
	err := p.q.QueryRowContext(ctx, `
		SELECT id, escrow_id, participants, messages, active, created_at
		FROM chats WHERE id = $1`, id).
		Scan(&c.ID, &c.EscrowID, pq.Array(&c.Participants), &messages, &c.Active, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(messages, &c.Messages); err != nil {
		return nil, fmt.Errorf("decode chat messages: %w", err)
	}
	return c, nil
}

// where builds the filter clause. args are appended after any fixed ones.
func where(f Filter, clauses []string, args []any) (string, []any) {
	if f.Status != "" {
		args = append(args, string(f.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.PaymentStatus != "" {
		args = append(args, string(f.PaymentStatus))
		clauses = append(clauses, fmt.Sprintf("payment_status = $%d", len(args)))
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		clauses = append(clauses, fmt.Sprintf("(creator_id = $%d OR counterparty_id = $%d)", len(args), len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (p *PostgresStore) list(ctx context.Context, cond string, args []any, offset, limit int) ([]*Escrow, int, error) {
	var total int
	if err := p.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM escrows`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := p.q.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+escrowColumns+` FROM escrows`+cond+`
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Escrow, 0)
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (p *PostgresStore) ListForUser(ctx context.Context, userID, email string, f Filter, offset, limit int) ([]*Escrow, int, error) {
	cond, args := where(f,
		[]string{"(creator_id = $1 OR counterparty_id = $1 OR counterparty_email = $2)"},
		[]any{userID, email})
	return p.list(ctx, cond, args, offset, limit)
}

func (p *PostgresStore) List(ctx context.Context, f Filter, offset, limit int) ([]*Escrow, int, error) {
	cond, args := where(f, nil, nil)
	return p.list(ctx, cond, args, offset, limit)
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM escrows GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	counts := make(map[Status]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[Status(st)] = n
	}
	return counts, rows.Err()
}

func scanEscrow(row dbx.Scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		counterpartyID, buyerID, sellerID, paidWith, chatID sql.NullString
		role, feePolicy, status, paymentStatus              string
		acceptedAt, completedAt                             sql.NullTime
	)
	err := row.Scan(&e.ID, &e.CreatorID, &e.CreatorEmail, &role, &e.CounterpartyEmail, &counterpartyID,
		&buyerID, &sellerID, &e.Amount, &e.Currency, &e.Category, &feePolicy, &e.BuyerFee, &e.SellerFee,
		&e.Description, pq.Array(&e.Terms), &status, &paymentStatus, &paidWith, &chatID, &e.Version,
		&e.CreatedAt, &e.UpdatedAt, &acceptedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	e.CreatorRole, e.FeePolicy = Role(role), FeePolicy(feePolicy)
	e.Status, e.PaymentStatus, e.PaidWith = Status(status), PaymentStatus(paymentStatus), PaidWith(paidWith.String)
	e.CounterpartyID, e.BuyerID, e.SellerID, e.ChatID = counterpartyID.String, buyerID.String, sellerID.String, chatID.String
	e.AcceptedAt, e.CompletedAt = dbx.TimePtr(acceptedAt), dbx.TimePtr(completedAt)
	return e, nil
}

var _ Store = (*PostgresStore)(nil)
