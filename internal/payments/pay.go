package payments

import (
	"context"
	"errors"

	"github.com/safehold/safehold/internal/escrow"
	"github.com/safehold/safehold/internal/gateway"
	"github.com/safehold/safehold/internal/idgen"
	"github.com/safehold/safehold/internal/logging"
	"github.com/safehold/safehold/internal/metrics"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/traces"
	"github.com/safehold/safehold/internal/transactions"
)

// PayEscrow funds escrowID on behalf of payerID. Wallet payments settle
// synchronously; gateway payments return the checkout and settle through
// Reconcile.
func (s *Service) PayEscrow(ctx context.Context, payerID, escrowID string, method Method) (result *PaymentResult, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.PayEscrow",
		traces.EscrowID(escrowID), traces.UserID(payerID), traces.Method(string(method)))
	defer func() { traces.End(span, err) }()

	if method != MethodWallet && method != MethodGateway {
		return nil, ErrInvalidMethod
	}

	e, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	payer, err := s.users.GetByID(ctx, payerID)
	if err != nil {
		return nil, err
	}
	w, err := s.wallets.Get(ctx, payerID)
	if err != nil {
		return nil, err
	}
	setting, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	if err := escrow.CheckPayable(e, payerID); err != nil {
		return nil, err
	}

	buyerFee, sellerFee := Fees(e.Amount, setting.FeePercentage, e.FeePolicy)
	ref := idgen.Reference("pay_")
	tx := transactions.NewRecord(ref, payerID, transactions.Debit, transactions.TypeEscrowPayment,
		e.Amount, buyerFee, e.Currency, string(MethodWallet))
	tx.EscrowID = e.ID
	tx.WalletID = w.ID
	tx.Metadata[transactions.MetaType] = transactions.MetaTypeEscrowPayment
	tx.Metadata[transactions.MetaEscrowID] = e.ID
	tx.Metadata[transactions.MetaSellerFee] = money.Format(sellerFee)
	tx.Metadata[metaMethod] = string(method)

	result = &PaymentResult{
		Reference: ref,
		Method:    method,
		Amount:    money.Format(tx.Amount),
		Fee:       money.Format(tx.Fee),
		Total:     money.Format(tx.Total()),
	}
	metrics.PaymentsInitiatedTotal.WithLabelValues(string(method)).Inc()
	log := logging.L(ctx).With("reference", ref, "escrowId", e.ID, "userId", payerID, "amount", result.Total)
	viewer := escrow.Viewer{UserID: payer.ID, Email: payer.Email}

	if method == MethodWallet {
		p, err := s.ledger.PayWithWallet(ctx, tx)
		if err != nil {
			return nil, err
		}
		result.Status = p.Transaction.Status
		result.Transaction = p.Transaction
		result.Escrow = p.Escrow.View(viewer)
		result.Wallet = p.Wallet
		s.notify(payerID, "wallet.updated", p.Wallet)
		s.notify(e.SellerID, "payment.settled", settledPayload(e.ID, ref))
		s.publish(ctx, "escrow.paid", e.ID, p.Escrow)
		return result, nil
	}

	gw, _, err := s.activeGateway(ctx)
	if err != nil {
		return nil, err
	}
	tx.Gateway = gw.Name()
	tx.Status = transactions.StatusPending
	if err := s.txs.Record(ctx, tx); err != nil {
		return nil, err
	}

	charge, err := gw.CreateCharge(ctx, gateway.ChargeRequest{
		Reference:   ref,
		Email:       payer.Email,
		Amount:      tx.Total(),
		Currency:    e.Currency,
		CallbackURL: s.callbackURL,
		Metadata: map[string]string{
			transactions.MetaEscrowID: e.ID,
			transactions.MetaType:     transactions.MetaTypeEscrowPayment,
		},
	})
	if err != nil {
		return nil, s.chargeFailed(ctx, ref, err)
	}

	log.Info("escrow payment checkout created", "gateway", gw.Name())
	result.Status = transactions.StatusPending
	result.Charge = charge
	result.Escrow = e.View(viewer)
	return result, nil
}

// chargeFailed settles a charge that never reached the provider, or that it
// refused, as failed. Any other error leaves the transaction pending: a
// timeout is not a refusal.
func (s *Service) chargeFailed(ctx context.Context, reference string, cause error) error {
	if !gateway.NotSubmitted(cause) {
		logging.L(ctx).Warn("gateway outcome unknown, transaction left pending", "reference", reference, "error", cause)
		return pendingError(reference, cause)
	}
	if _, err := s.ledger.Settle(ctx, reference, transactions.StatusFailed, cause.Error()); err != nil {
		logging.L(ctx).Error("CRITICAL: could not fail rejected charge", "reference", reference, "cause", cause, "error", err)
	}
	return cause
}

// ConfirmPayment is the polling read for a reference. It returns the
// transaction when settled successfully and transactions.ErrStillPending
// while the gateway has not answered. Only the owner or an admin may read.
func (s *Service) ConfirmPayment(ctx context.Context, userID string, isAdmin bool, reference string) (*transactions.Transaction, error) {
	tx, err := s.txs.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	if !isAdmin && tx.UserID != userID {
		return nil, transactions.ErrNotFound
	}
	tx, err = s.txs.Confirm(ctx, reference)
	if err != nil && !errors.Is(err, transactions.ErrStillPending) {
		return nil, err
	}
	return tx, err
}

func settledPayload(escrowID, reference string) map[string]string {
	return map[string]string{"escrowId": escrowID, "reference": reference}
}
