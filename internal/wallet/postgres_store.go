package wallet

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/safehold/safehold/internal/dbx"
)

// PostgresStore persists wallets in PostgreSQL. It runs against either the
// pool or an open transaction.
type PostgresStore struct {
	q dbx.Querier
}

// NewPostgresStore creates a wallet store on q.
func NewPostgresStore(q dbx.Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

const walletColumns = `id, user_id, total_balance, locked_balance, currency, bank, created_at, updated_at`

// Each op is one conditional UPDATE so the balance check and write cannot
// interleave with another writer. The table CHECK constraint backs this up.
var applySQL = map[Op]string{
	OpDeposit: `UPDATE wallets SET total_balance = total_balance + $2, updated_at = NOW()
		WHERE user_id = $1`,
	OpWithdraw: `UPDATE wallets SET total_balance = total_balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND total_balance - locked_balance >= $2`,
	OpLock: `UPDATE wallets SET locked_balance = locked_balance + $2, updated_at = NOW()
		WHERE user_id = $1 AND total_balance - locked_balance >= $2`,
	OpUnlock: `UPDATE wallets SET locked_balance = locked_balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND locked_balance >= $2`,
	OpDeductLocked: `UPDATE wallets SET locked_balance = locked_balance - $2,
		total_balance = total_balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND locked_balance >= $2`,
}

func (p *PostgresStore) Create(ctx context.Context, w *Wallet) error {
	bank, err := marshalBank(w.Bank)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, total_balance, locked_balance, currency, bank, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.UserID, w.TotalBalance, w.LockedBalance, w.Currency, bank, w.CreatedAt, w.UpdatedAt,
	)
	if dbx.IsUniqueViolation(err) {
		return errWalletExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Wallet, error) {
	return p.get(ctx, userID, "")
}

// GetForUpdate reads the wallet and row-locks it for the enclosing
// transaction.
func (p *PostgresStore) GetForUpdate(ctx context.Context, userID string) (*Wallet, error) {
	return p.get(ctx, userID, " FOR UPDATE")
}

func (p *PostgresStore) get(ctx context.Context, userID, suffix string) (*Wallet, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`+suffix, userID)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	return w, err
}

func (p *PostgresStore) Apply(ctx context.Context, userID string, op Op, amount decimal.Decimal) (*Wallet, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	query, ok := applySQL[op]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOp, op)
	}

	row := p.q.QueryRowContext(ctx, query+` RETURNING `+walletColumns, userID, amount)
	w, err := scanWallet(row)
	if err == nil {
		return w, nil
	}
	if dbx.IsCheckViolation(err) {
		return nil, insufficientFor(op)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("apply %s: %w", op, err)
	}

	// No row updated: either the wallet is missing or the guard failed.
	if _, getErr := p.Get(ctx, userID); getErr != nil {
		return nil, getErr
	}
	return nil, insufficientFor(op)
}

func insufficientFor(op Op) error {
	if op == OpUnlock || op == OpDeductLocked {
		return ErrInsufficientLockedFunds
	}
	return ErrInsufficientAvailableBalance
}

func (p *PostgresStore) SetBank(ctx context.Context, userID string, bank *BankInfo) (*Wallet, error) {
	raw, err := marshalBank(bank)
	if err != nil {
		return nil, err
	}
	row := p.q.QueryRowContext(ctx, `
		UPDATE wallets SET bank = $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING `+walletColumns, userID, raw)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	return w, err
}

func (p *PostgresStore) Summary(ctx context.Context) (*Summary, error) {
	s := &Summary{}
	err := p.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_balance - locked_balance), 0),
		       COALESCE(SUM(locked_balance), 0),
		       COALESCE(SUM(total_balance), 0)
		FROM wallets`).Scan(&s.TotalAvailable, &s.TotalLocked, &s.Total)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func marshalBank(b *BankInfo) (any, error) {
	if b == nil {
		return nil, nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func scanWallet(row dbx.Scanner) (*Wallet, error) {
	w := &Wallet{}
	var bank []byte
	if err := row.Scan(&w.ID, &w.UserID, &w.TotalBalance, &w.LockedBalance, &w.Currency, &bank, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if len(bank) > 0 {
		w.Bank = &BankInfo{}
		if err := json.Unmarshal(bank, w.Bank); err != nil {
			return nil, fmt.Errorf("decode bank: %w", err)
		}
	}
	return w, nil
}

var _ Store = (*PostgresStore)(nil)
