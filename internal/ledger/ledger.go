// Package ledger is the only place where a write spans wallets, escrows and
// transactions. Each operation runs as one unit of work: every write in it
// lands or none does.
//
// Flow:
//  1. Buyer pays from the wallet: funds are locked, the escrow is marked
//     paid and the payment transaction succeeds together.
//  2. A gateway outcome is settled once per reference and applies its
//     effect (escrow paid, wallet deposit, withdrawal consumed or released).
//  3. The buyer confirms delivery: locked funds are consumed and the seller
//     is credited.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/escrow"
	"github.com/safehold/safehold/internal/idgen"
	"github.com/safehold/safehold/internal/logging"
	"github.com/safehold/safehold/internal/metrics"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/transactions"
	"github.com/safehold/safehold/internal/wallet"
)

var (
	ErrWrongType     = apperr.New(apperr.KindInternal, "wrong_transaction_type", "Transaction type does not match the operation")
	ErrMissingEscrow = apperr.New(apperr.KindInternal, "transaction_without_escrow", "Escrow payment has no escrow id")
)

// Effects recorded on settlements and in metrics.
const (
	EffectNone             = "none"
	EffectEscrowPaid       = "escrow_paid"
	EffectDeposit          = "wallet_deposit"
	EffectWithdrawalDone   = "withdrawal_consumed"
	EffectWithdrawalUndone = "withdrawal_released"
	EffectCreditedToWallet = "credited_to_wallet"
)

// Stores are the repositories bound to one unit of work.
type Stores struct {
	Wallets      wallet.Store
	Escrows      escrow.Store
	Transactions transactions.Store
	Audit        AuditLogger
}

// Runner executes fn as one atomic unit. fn may be called more than once
// when the backing store asks for a retry, so it must not have side effects
// outside the given stores.
type Runner interface {
	Run(ctx context.Context, fn func(s Stores) error) error
}

// Row locks are optional: the Postgres stores provide them, the in-memory
// runner serializes units instead.
type txLocker interface {
	GetForUpdate(ctx context.Context, reference string) (*transactions.Transaction, error)
}

type walletLocker interface {
	GetForUpdate(ctx context.Context, userID string) (*wallet.Wallet, error)
}

func lockTransaction(ctx context.Context, s Stores, ref string) (*transactions.Transaction, error) {
	if l, ok := s.Transactions.(txLocker); ok {
		return l.GetForUpdate(ctx, ref)
	}
	return s.Transactions.Get(ctx, ref)
}

func lockWallet(ctx context.Context, s Stores, userID string) (*wallet.Wallet, error) {
	if l, ok := s.Wallets.(walletLocker); ok {
		return l.GetForUpdate(ctx, userID)
	}
	return s.Wallets.Get(ctx, userID)
}

// Settlement is the result of Settle.
type Settlement struct {
	Transaction *transactions.Transaction
	// Applied is false when the reference was already settled the same way.
	Applied bool
	Effect  string
	Escrow  *escrow.Escrow
	Wallet  *wallet.Wallet
}

// Payment is the result of PayWithWallet.
type Payment struct {
	Transaction *transactions.Transaction
	Escrow      *escrow.Escrow
	Wallet      *wallet.Wallet
}

// Ledger runs the cross-aggregate operations.
type Ledger struct {
	runner Runner
	audit  AuditLogger
	now    func() time.Time
}

// New creates a ledger on runner.
func New(runner Runner) *Ledger {
	return &Ledger{runner: runner, now: func() time.Time { return time.Now().UTC() }}
}

// WithAuditReader enables AuditTrail.
func (l *Ledger) WithAuditReader(a AuditLogger) *Ledger {
	l.audit = a
	return l
}

// AuditTrail returns the newest wallet changes for userID.
func (l *Ledger) AuditTrail(ctx context.Context, userID string, limit int) ([]*AuditEntry, error) {
	if l.audit == nil {
		return []*AuditEntry{}, nil
	}
	return l.audit.QueryAudit(ctx, userID, limit)
}

// apply changes a wallet and writes an audit entry with both snapshots.
func (l *Ledger) apply(ctx context.Context, s Stores, userID string, op wallet.Op, amount decimal.Decimal, ref string) (*wallet.Wallet, error) {
	before, err := lockWallet(ctx, s, userID)
	if err != nil {
		return nil, err
	}
	after, err := s.Wallets.Apply(ctx, userID, op, amount)
	if err != nil {
		return nil, err
	}
	if s.Audit != nil {
		if err := s.Audit.LogAudit(ctx, newAuditEntry(ctx, userID, string(op), amount, ref, before, after)); err != nil {
			return nil, fmt.Errorf("audit %s: %w", op, err)
		}
	}
	return after, nil
}

// PayWithWallet funds an escrow from the buyer's wallet. tx is a new
// escrow_payment transaction; it is recorded in the same unit that locks its
// amount plus fee, so no half-recorded payment survives a crash. When the
// unit fails nothing is applied and tx is recorded as failed.
func (l *Ledger) PayWithWallet(ctx context.Context, tx *transactions.Transaction) (*Payment, error) {
	if tx.Type != transactions.TypeEscrowPayment {
		return nil, ErrWrongType
	}
	var out *Payment
	err := l.runner.Run(ctx, func(s Stores) error {
		out = nil
		rec := copyTransaction(tx)
		e, err := s.Escrows.Get(ctx, rec.EscrowID)
		if err != nil {
			return err
		}
		if err := escrow.CheckPayable(e, rec.UserID); err != nil {
			return err
		}
		w, err := l.apply(ctx, s, rec.UserID, wallet.OpLock, rec.Total(), rec.Reference)
		if err != nil {
			return err
		}
		now := l.now()
		sellerFee, _ := decimal.NewFromString(rec.Meta(transactions.MetaSellerFee))
		if err := escrow.MarkPaid(e, escrow.PaidWithWallet, rec.Fee, sellerFee, now); err != nil {
			return err
		}
		if err := s.Escrows.Update(ctx, e); err != nil {
			return err
		}
		if _, err := rec.Settle(transactions.StatusSuccess, now); err != nil {
			return err
		}
		rec.WalletID = w.ID
		if err := s.Transactions.Record(ctx, rec); err != nil {
			return err
		}
		out = &Payment{Transaction: rec, Escrow: e, Wallet: w}
		return nil
	})
	if err != nil {
		if !errors.Is(err, transactions.ErrDuplicateReference) {
			l.recordFailed(ctx, tx, err)
		}
		return nil, err
	}
	metrics.TransactionsTotal.WithLabelValues(string(transactions.TypeEscrowPayment), string(transactions.StatusSuccess)).Inc()
	logging.L(ctx).Info("escrow paid from wallet",
		"reference", tx.Reference, "escrowId", out.Escrow.ID, "userId", out.Transaction.UserID,
		"amount", money.Format(out.Transaction.Total()))
	return out, nil
}

// recordFailed stores tx as failed after its unit rolled back.
func (l *Ledger) recordFailed(ctx context.Context, tx *transactions.Transaction, cause error) {
	rec := copyTransaction(tx)
	if _, err := rec.Settle(transactions.StatusFailed, l.now()); err != nil {
		return
	}
	rec.Metadata[transactions.MetaReason] = cause.Error()
	err := l.runner.Run(ctx, func(s Stores) error {
		return s.Transactions.Record(ctx, copyTransaction(rec))
	})
	if err != nil {
		logging.L(ctx).Error("CRITICAL: could not record failed payment",
			"reference", tx.Reference, "cause", cause, "error", err)
		return
	}
	metrics.TransactionsTotal.WithLabelValues(string(tx.Type), string(transactions.StatusFailed)).Inc()
}

func copyTransaction(tx *transactions.Transaction) *transactions.Transaction {
	rec := *tx
	rec.Metadata = make(map[string]string, len(tx.Metadata)+1)
	for k, v := range tx.Metadata {
		rec.Metadata[k] = v
	}
	return &rec
}

// Settle records a verified gateway outcome and applies its ledger effect
// exactly once. A replay with the same outcome is a no-op; a conflicting
// outcome returns transactions.ErrInconsistentSettlement.
func (l *Ledger) Settle(ctx context.Context, reference string, outcome transactions.Status, reason string) (*Settlement, error) {
	var out *Settlement
	err := l.runner.Run(ctx, func(s Stores) error {
		out = nil
		tx, err := lockTransaction(ctx, s, reference)
		if err != nil {
			return err
		}
		now := l.now()
		applied, err := tx.Settle(outcome, now)
		if err != nil {
			return err
		}
		out = &Settlement{Transaction: tx, Applied: applied, Effect: EffectNone}
		if !applied {
			return nil
		}
		if reason != "" {
			tx.Metadata[transactions.MetaReason] = reason
		}
		if err := l.settleEffect(ctx, s, tx, out, now); err != nil {
			return err
		}
		if out.Effect != EffectNone {
			tx.Metadata[transactions.MetaEffect] = out.Effect
		}
		return s.Transactions.Update(ctx, tx)
	})
	if errors.Is(err, transactions.ErrInconsistentSettlement) {
		logging.L(ctx).Error("CRITICAL: inconsistent settlement", "reference", reference, "outcome", outcome, "error", err)
	}
	if err != nil {
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues(string(outcome), out.Effect).Inc()
	if out.Applied {
		metrics.TransactionsTotal.WithLabelValues(string(out.Transaction.Type), string(outcome)).Inc()
		logging.L(ctx).Info("transaction settled",
			"reference", reference, "userId", out.Transaction.UserID, "escrowId", out.Transaction.EscrowID,
			"amount", money.Format(out.Transaction.Total()), "outcome", outcome, "effect", out.Effect)
	}
	return out, nil
}

func (l *Ledger) settleEffect(ctx context.Context, s Stores, tx *transactions.Transaction, out *Settlement, now time.Time) error {
	var err error
	switch {
	case tx.Status == transactions.StatusSuccess && tx.Type == transactions.TypeEscrowPayment:
		return l.markEscrowPaid(ctx, s, tx, out, now)
	case tx.Status == transactions.StatusSuccess && tx.Type == transactions.TypeWalletDeposit:
		out.Wallet, err = l.apply(ctx, s, tx.UserID, wallet.OpDeposit, tx.Amount, tx.Reference)
		out.Effect = EffectDeposit
	case tx.Status == transactions.StatusSuccess && tx.Type == transactions.TypeWalletWithdrawal:
		out.Wallet, err = l.apply(ctx, s, tx.UserID, wallet.OpDeductLocked, tx.Total(), tx.Reference)
		out.Effect = EffectWithdrawalDone
	case tx.Status == transactions.StatusFailed && tx.Type == transactions.TypeWalletWithdrawal:
		out.Wallet, err = l.apply(ctx, s, tx.UserID, wallet.OpUnlock, tx.Total(), tx.Reference)
		out.Effect = EffectWithdrawalUndone
	}
	return err
}

// markEscrowPaid flips the escrow to paid via gateway. When the escrow can
// no longer take the payment (paid twice, or disputed meanwhile) the money
// already arrived, so it is credited to the payer's wallet instead.
func (l *Ledger) markEscrowPaid(ctx context.Context, s Stores, tx *transactions.Transaction, out *Settlement, now time.Time) error {
	if tx.EscrowID == "" {
		return ErrMissingEscrow
	}
	e, err := s.Escrows.Get(ctx, tx.EscrowID)
	if err != nil {
		return err
	}
	sellerFee, _ := decimal.NewFromString(tx.Meta(transactions.MetaSellerFee))
	if err := escrow.MarkPaid(e, escrow.PaidWithGateway, tx.Fee, sellerFee, now); err != nil {
		logging.L(ctx).Warn("escrow cannot take payment, crediting wallet",
			"reference", tx.Reference, "escrowId", e.ID, "userId", tx.UserID, "reason", err)
		out.Wallet, err = l.apply(ctx, s, tx.UserID, wallet.OpDeposit, tx.Total(), tx.Reference)
		out.Effect = EffectCreditedToWallet
		return err
	}
	if err := s.Escrows.Update(ctx, e); err != nil {
		return err
	}
	out.Escrow = e
	out.Effect = EffectEscrowPaid
	return nil
}

// ReserveWithdrawal locks the withdrawal total and records tx as pending.
func (l *Ledger) ReserveWithdrawal(ctx context.Context, tx *transactions.Transaction) (*wallet.Wallet, error) {
	if tx.Type != transactions.TypeWalletWithdrawal {
		return nil, ErrWrongType
	}
	var out *wallet.Wallet
	err := l.runner.Run(ctx, func(s Stores) error {
		w, err := l.apply(ctx, s, tx.UserID, wallet.OpLock, tx.Total(), tx.Reference)
		if err != nil {
			return err
		}
		rec := *tx
		rec.Status = transactions.StatusPending
		rec.WalletID = w.ID
		if err := s.Transactions.Record(ctx, &rec); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	tx.Status = transactions.StatusPending
	tx.WalletID = out.ID
	logging.L(ctx).Info("withdrawal reserved", "reference", tx.Reference, "userId", tx.UserID, "amount", money.Format(tx.Total()))
	return out, nil
}

// CreditWallet deposits tx.Amount and records tx as successful.
func (l *Ledger) CreditWallet(ctx context.Context, tx *transactions.Transaction) (*wallet.Wallet, error) {
	if tx.Type != transactions.TypeWalletDeposit {
		return nil, ErrWrongType
	}
	var out *wallet.Wallet
	err := l.runner.Run(ctx, func(s Stores) error {
		w, err := l.apply(ctx, s, tx.UserID, wallet.OpDeposit, tx.Amount, tx.Reference)
		if err != nil {
			return err
		}
		now := l.now()
		rec := *tx
		rec.Status = transactions.StatusSuccess
		rec.WalletID = w.ID
		rec.SettledAt = &now
		if err := s.Transactions.Record(ctx, &rec); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	tx.Status = transactions.StatusSuccess
	tx.WalletID = out.ID
	metrics.TransactionsTotal.WithLabelValues(string(tx.Type), string(tx.Status)).Inc()
	logging.L(ctx).Info("wallet credited", "reference", tx.Reference, "userId", tx.UserID, "amount", money.Format(tx.Amount))
	return out, nil
}

// Release completes a paid escrow: the buyer's locked total is consumed
// (wallet-funded escrows only) and the seller receives amount minus the
// seller fee as an escrow_release transaction.
func (l *Ledger) Release(ctx context.Context, escrowID, actorID string) (*escrow.Escrow, error) {
	var out *escrow.Escrow
	reference := idgen.Reference("rel_")
	err := l.runner.Run(ctx, func(s Stores) error {
		out = nil
		e, err := s.Escrows.Get(ctx, escrowID)
		if err != nil {
			return err
		}
		if err := escrow.CheckReleasable(e, actorID); err != nil {
			return err
		}
		if e.PaidWith == escrow.PaidWithWallet {
			if _, err := l.apply(ctx, s, e.BuyerID, wallet.OpDeductLocked, e.Amount.Add(e.BuyerFee), reference); err != nil {
				return err
			}
		}
		payout := e.Amount.Sub(e.SellerFee)
		if err := ensureWallet(ctx, s, e.SellerID, e.Currency); err != nil {
			return err
		}
		w, err := l.apply(ctx, s, e.SellerID, wallet.OpDeposit, payout, reference)
		if err != nil {
			return err
		}

		now := l.now()
		rel := transactions.NewRecord(reference, e.SellerID, transactions.Credit, transactions.TypeEscrowRelease,
			payout, decimal.Zero, e.Currency, "")
		rel.EscrowID = e.ID
		rel.WalletID = w.ID
		rel.Status = transactions.StatusSuccess
		rel.SettledAt = &now
		rel.Metadata[transactions.MetaEscrowID] = e.ID
		rel.Metadata[transactions.MetaSellerFee] = money.Format(e.SellerFee)
		if err := s.Transactions.Record(ctx, rel); err != nil {
			return err
		}

		e.Status = escrow.StatusCompleted
		e.CompletedAt = &now
		e.UpdatedAt = now
		if err := s.Escrows.Update(ctx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.TransactionsTotal.WithLabelValues(string(transactions.TypeEscrowRelease), string(transactions.StatusSuccess)).Inc()
	logging.L(ctx).Info("escrow released",
		"reference", reference, "escrowId", escrowID, "userId", out.SellerID, "amount", money.Format(out.Amount.Sub(out.SellerFee)))
	return out, nil
}

func ensureWallet(ctx context.Context, s Stores, userID, currency string) error {
	_, err := s.Wallets.Get(ctx, userID)
	if errors.Is(err, wallet.ErrWalletNotFound) {
		return s.Wallets.Create(ctx, wallet.New(userID, currency))
	}
	return err
}

var _ escrow.Releaser = (*Ledger)(nil)
