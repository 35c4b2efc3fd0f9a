// Package transactions is the append-mostly log of money movements. Every
// row is keyed by a unique external reference, which doubles as the
// idempotency key for gateway reconciliation.
package transactions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/idgen"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/pagination"
)

var (
	ErrNotFound               = apperr.New(apperr.KindNotFound, "transaction_not_found", "Transaction not found")
	ErrDuplicateReference     = apperr.New(apperr.KindStateConflict, "duplicate_reference", "A transaction with this reference is already in flight")
	ErrInconsistentSettlement = apperr.New(apperr.KindInconsistentSettlement, "inconsistent_settlement", "Transaction already settled with a different outcome")
	ErrInvalidTransition      = apperr.New(apperr.KindStateConflict, "invalid_transaction_transition", "Transaction cannot move to that status")
	ErrStillPending           = apperr.New(apperr.KindPending, "payment_pending", "Payment is still being processed, try again shortly")
)

// Direction is credit or debit from the user's point of view.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// Type is the semantic kind of money movement.
type Type string

const (
	TypeEscrowPayment    Type = "escrow_payment"
	TypeWalletDeposit    Type = "wallet_deposit"
	TypeWalletWithdrawal Type = "wallet_withdrawal"
	TypeWalletTransfer   Type = "wallet_transfer"
	TypeEscrowRelease    Type = "escrow_release"
	TypeRefund           Type = "refund"
)

// Status only moves forward: initiated -> pending -> success|failed.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
)

// IsTerminal reports success or failed.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Metadata keys written by the payment orchestrator.
const (
	MetaType      = "type"
	MetaEscrowID  = "escrowId"
	MetaReason    = "failureReason"
	MetaSellerFee = "sellerFee"
	MetaEffect    = "effect"

	MetaTypeEscrowPayment = "escrowPayment"
	MetaTypeAddFunds      = "addFunds"
	MetaTypeWithdrawal    = "withdrawal"
)

// Transaction is one log entry.
type Transaction struct {
	ID        string            `json:"id"`
	Reference string            `json:"reference"`
	UserID    string            `json:"userId"`
	EscrowID  string            `json:"escrowId,omitempty"`
	WalletID  string            `json:"walletId,omitempty"`
	Direction Direction         `json:"direction"`
	Type      Type              `json:"type"`
	Amount    decimal.Decimal   `json:"amount"`
	Fee       decimal.Decimal   `json:"fee"`
	Currency  string            `json:"currency"`
	Gateway   string            `json:"gateway,omitempty"`
	Status    Status            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	SettledAt *time.Time        `json:"settledAt,omitempty"`
}

// MarshalJSON renders amounts with two decimals.
func (t *Transaction) MarshalJSON() ([]byte, error) {
	type alias Transaction
	return json.Marshal(struct {
		*alias
		Amount string `json:"amount"`
		Fee    string `json:"fee"`
	}{(*alias)(t), money.Format(t.Amount), money.Format(t.Fee)})
}

// Total is amount plus fee, the sum actually moved.
func (t *Transaction) Total() decimal.Decimal {
	return t.Amount.Add(t.Fee)
}

// Meta returns a metadata value or "".
func (t *Transaction) Meta(key string) string {
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata[key]
}

// Settle moves t to a terminal outcome. It reports applied=false when t was
// already settled with the same outcome, and ErrInconsistentSettlement when
// it was settled the other way.
func (t *Transaction) Settle(outcome Status, at time.Time) (applied bool, err error) {
	if !outcome.IsTerminal() {
		return false, fmt.Errorf("%w: %s", ErrInvalidTransition, outcome)
	}
	if t.Status.IsTerminal() {
		if t.Status == outcome {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s is %s, got %s", ErrInconsistentSettlement, t.Reference, t.Status, outcome)
	}
	t.Status = outcome
	t.UpdatedAt = at
	t.SettledAt = &at
	return true, nil
}

// Store persists transactions. Record must fail with ErrDuplicateReference
// when the reference exists.
type Store interface {
	Record(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, reference string) (*Transaction, error)
	// Update writes status, metadata and timestamps for an existing row.
	Update(ctx context.Context, tx *Transaction) error
	// MarkPending moves initiated -> pending and fails otherwise.
	MarkPending(ctx context.Context, reference string) error
	ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error)
	List(ctx context.Context, offset, limit int) ([]*Transaction, error)
	ListPendingOlderThan(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
	Count(ctx context.Context) (int, error)
}

// NewRecord fills in identity and timestamps for a new entry.
func NewRecord(reference, userID string, dir Direction, typ Type, amount, fee decimal.Decimal, currency, gateway string) *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		ID:        idgen.WithPrefix("txn_"),
		Reference: reference,
		UserID:    userID,
		Direction: dir,
		Type:      typ,
		Amount:    amount,
		Fee:       fee,
		Currency:  currency,
		Gateway:   gateway,
		Status:    StatusInitiated,
		Metadata:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Service implements the log's operations.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a transaction log service.
func NewService(store Store) *Service {
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Record inserts tx with status initiated, or pending when a gateway call
// is about to be made.
func (s *Service) Record(ctx context.Context, tx *Transaction) error {
	if tx.Status != StatusInitiated && tx.Status != StatusPending {
		return fmt.Errorf("%w: cannot record as %s", ErrInvalidTransition, tx.Status)
	}
	if !tx.Amount.IsPositive() {
		return apperr.Validation("Amount must be greater than zero", nil)
	}
	return s.store.Record(ctx, tx)
}

// MarkPending moves initiated -> pending.
func (s *Service) MarkPending(ctx context.Context, reference string) error {
	return s.store.MarkPending(ctx, reference)
}

// Settle records a terminal outcome with no ledger effect. Money-moving
// settlement goes through the ledger, which uses the same rules.
func (s *Service) Settle(ctx context.Context, reference string, outcome Status, reason string) (*Transaction, bool, error) {
	tx, err := s.store.Get(ctx, reference)
	if err != nil {
		return nil, false, err
	}
	applied, err := tx.Settle(outcome, s.now())
	if err != nil || !applied {
		return tx, false, err
	}
	if reason != "" {
		tx.Metadata[MetaReason] = reason
	}
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, false, err
	}
	return tx, true, nil
}

// Get returns a transaction by reference.
func (s *Service) Get(ctx context.Context, reference string) (*Transaction, error) {
	return s.store.Get(ctx, reference)
}

// Confirm is the polling read for a payment: success returns the row,
// pending returns ErrStillPending, and anything else is surfaced as an
// error of its own.
func (s *Service) Confirm(ctx context.Context, reference string) (*Transaction, error) {
	tx, err := s.store.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	switch tx.Status {
	case StatusSuccess:
		return tx, nil
	case StatusPending:
		return tx, ErrStillPending
	case StatusFailed:
		return tx, apperr.New(apperr.KindStateConflict, "payment_failed", "Payment failed")
	default:
		return tx, apperr.New(apperr.KindInternal, "transaction_not_submitted",
			fmt.Sprintf("transaction %s is %s", tx.Reference, tx.Status))
	}
}

// ListByUser pages a user's history newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	return s.store.ListByUser(ctx, userID, cursor, limit)
}

// List pages all transactions newest first.
func (s *Service) List(ctx context.Context, page pagination.Page) ([]*Transaction, int, error) {
	total, err := s.store.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	items, err := s.store.List(ctx, page.Offset(), page.Limit)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListPendingOlderThan returns pending rows created before now - age.
func (s *Service) ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]*Transaction, error) {
	return s.store.ListPendingOlderThan(ctx, s.now().Add(-age), limit)
}

// Count returns the number of transactions.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}
