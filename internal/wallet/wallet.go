// Package wallet keeps each user's balance. A wallet has a total and a locked
// balance; the available balance is always derived as total - locked and the
// invariant 0 <= locked <= total holds after every operation.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/idgen"
	"github.com/safehold/safehold/internal/money"
)

var (
	ErrWalletNotFound               = apperr.New(apperr.KindNotFound, "wallet_not_found", "Wallet not found")
	ErrInvalidAmount                = apperr.New(apperr.KindValidation, "invalid_amount", "Amount must be greater than zero")
	ErrInsufficientAvailableBalance = apperr.New(apperr.KindInsufficientFunds, "insufficient_available_balance", "Insufficient available balance")
	ErrInsufficientLockedFunds      = apperr.New(apperr.KindInsufficientFunds, "insufficient_locked_funds", "Insufficient locked funds")
	ErrUnknownOp                    = apperr.New(apperr.KindInternal, "unknown_wallet_op", "Unknown wallet operation")
)

// DefaultCurrency is used when a wallet is provisioned without one.
const DefaultCurrency = "NGN"

// Op names a balance mutation.
type Op string

const (
	OpDeposit      Op = "deposit"
	OpWithdraw     Op = "withdraw"
	OpLock         Op = "lock"
	OpUnlock       Op = "unlock"
	OpDeductLocked Op = "deduct_locked"
)

// BankInfo is the payout destination for withdrawals.
type BankInfo struct {
	BankCode      string `json:"bankCode"`
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
	RecipientCode string `json:"recipientCode,omitempty"`
	Verified      bool   `json:"verified"`
}

// Wallet belongs to exactly one user.
type Wallet struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	TotalBalance  decimal.Decimal `json:"totalBalance"`
	LockedBalance decimal.Decimal `json:"lockedBalance"`
	Currency      string          `json:"currency"`
	Bank          *BankInfo       `json:"bank,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// New returns an empty wallet for userID.
func New(userID, currency string) *Wallet {
	if currency == "" {
		currency = DefaultCurrency
	}
	now := time.Now().UTC()
	return &Wallet{
		ID:            idgen.WithPrefix("wal_"),
		UserID:        userID,
		TotalBalance:  money.Zero,
		LockedBalance: money.Zero,
		Currency:      currency,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// AvailableBalance is total minus locked.
func (w *Wallet) AvailableBalance() decimal.Decimal {
	return w.TotalBalance.Sub(w.LockedBalance)
}

// MarshalJSON renders balances with two decimals and adds availableBalance.
func (w *Wallet) MarshalJSON() ([]byte, error) {
	type alias Wallet
	return json.Marshal(struct {
		*alias
		TotalBalance     string `json:"totalBalance"`
		LockedBalance    string `json:"lockedBalance"`
		AvailableBalance string `json:"availableBalance"`
	}{
		alias:            (*alias)(w),
		TotalBalance:     money.Format(w.TotalBalance),
		LockedBalance:    money.Format(w.LockedBalance),
		AvailableBalance: money.Format(w.AvailableBalance()),
	})
}

// Apply performs op on the in-memory value. The wallet is left untouched
// when an error is returned.
func (w *Wallet) Apply(op Op, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	total, locked := w.TotalBalance, w.LockedBalance
	available := total.Sub(locked)

	switch op {
	case OpDeposit:
		total = total.Add(amount)
	case OpWithdraw:
		if available.LessThan(amount) {
			return ErrInsufficientAvailableBalance
		}
		total = total.Sub(amount)
	case OpLock:
		if available.LessThan(amount) {
			return ErrInsufficientAvailableBalance
		}
		locked = locked.Add(amount)
	case OpUnlock:
		if locked.LessThan(amount) {
			return ErrInsufficientLockedFunds
		}
		locked = locked.Sub(amount)
	case OpDeductLocked:
		if locked.LessThan(amount) {
			return ErrInsufficientLockedFunds
		}
		locked = locked.Sub(amount)
		total = total.Sub(amount)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOp, op)
	}

	w.TotalBalance, w.LockedBalance = total, locked
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// Summary aggregates every wallet for the admin dashboard.
type Summary struct {
	TotalAvailable decimal.Decimal `json:"totalAvailable"`
	TotalLocked    decimal.Decimal `json:"totalLocked"`
	Total          decimal.Decimal `json:"total"`
}

// Store persists wallets. Apply must be atomic: the invariant is checked and
// the new balances written in one step.
type Store interface {
	Create(ctx context.Context, w *Wallet) error
	Get(ctx context.Context, userID string) (*Wallet, error)
	Apply(ctx context.Context, userID string, op Op, amount decimal.Decimal) (*Wallet, error)
	SetBank(ctx context.Context, userID string, bank *BankInfo) (*Wallet, error)
	Summary(ctx context.Context) (*Summary, error)
}

// Service exposes wallet operations.
type Service struct {
	store Store
}

// NewService creates a wallet service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Get returns userID's wallet.
func (s *Service) Get(ctx context.Context, userID string) (*Wallet, error) {
	return s.store.Get(ctx, userID)
}

// Ensure returns userID's wallet, creating it if needed.
func (s *Service) Ensure(ctx context.Context, userID, currency string) (*Wallet, error) {
	w, err := s.store.Get(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}
	w = New(userID, currency)
	if err := s.store.Create(ctx, w); err != nil {
		// Lost a race with a concurrent Ensure; the row exists now.
		if existing, getErr := s.store.Get(ctx, userID); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	return w, nil
}

// Deposit adds amount to the total balance.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*Wallet, error) {
	return s.store.Apply(ctx, userID, OpDeposit, amount)
}

// Withdraw removes amount from the available balance.
func (s *Service) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*Wallet, error) {
	return s.store.Apply(ctx, userID, OpWithdraw, amount)
}

// LockFunds reserves amount of the available balance.
func (s *Service) LockFunds(ctx context.Context, userID string, amount decimal.Decimal) (*Wallet, error) {
	return s.store.Apply(ctx, userID, OpLock, amount)
}

// UnlockFunds releases a reservation.
func (s *Service) UnlockFunds(ctx context.Context, userID string, amount decimal.Decimal) (*Wallet, error) {
	return s.store.Apply(ctx, userID, OpUnlock, amount)
}

// DeductLocked consumes reserved funds, lowering both balances.
func (s *Service) DeductLocked(ctx context.Context, userID string, amount decimal.Decimal) (*Wallet, error) {
	return s.store.Apply(ctx, userID, OpDeductLocked, amount)
}

// AddBank records payout details. They stay unverified until a payout
// succeeds.
func (s *Service) AddBank(ctx context.Context, userID string, bank BankInfo) (*Wallet, error) {
	bank.Verified = false
	return s.store.SetBank(ctx, userID, &bank)
}

// Summary returns totals across all wallets.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	return s.store.Summary(ctx)
}
