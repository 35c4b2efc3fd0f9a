package payments

import (
	"context"
	"errors"

	"github.com/safehold/safehold/internal/gateway"
	"github.com/safehold/safehold/internal/ledger"
	"github.com/safehold/safehold/internal/logging"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/traces"
	"github.com/safehold/safehold/internal/transactions"
)

// Reconcile re-verifies reference with the gateway that carries it and
// settles the verified outcome through the ledger. The caller's claim about
// the outcome is never used. A reference still pending at the gateway
// returns transactions.ErrStillPending and changes nothing.
//
// Settled references are verified again: a replay with the same outcome is
// a no-op, while a later reversal at the gateway returns
// transactions.ErrInconsistentSettlement instead of being acked.
func (s *Service) Reconcile(ctx context.Context, reference string) (settlement *ledger.Settlement, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.Reconcile", traces.Reference(reference))
	defer func() { traces.End(span, err) }()

	unlock, err := s.verifying.Lock(ctx, reference)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.txs.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	log := logging.L(ctx).With("reference", reference, "userId", tx.UserID, "escrowId", tx.EscrowID,
		"amount", money.Format(tx.Total()), "gateway", tx.Gateway)

	v, err := s.verify(ctx, tx)
	if tx.Status.IsTerminal() {
		if err != nil || !v.Outcome.IsTerminal() {
			// Nothing newer to compare against; settle with the recorded outcome.
			log.Info("settled reference not re-verified", "status", tx.Status, "error", err)
			return s.ledger.Settle(ctx, reference, tx.Status, "")
		}
		verified := outcomeStatus(v.Outcome)
		if verified == tx.Status {
			return s.ledger.Settle(ctx, reference, tx.Status, "")
		}
		log.Error("CRITICAL: gateway outcome changed after settlement",
			"recorded", tx.Status, "verified", verified, "reason", v.Reason)
	} else if err != nil {
		return nil, err
	}

	if !v.Outcome.IsTerminal() {
		log.Info("gateway reports transaction still pending")
		return nil, transactions.ErrStillPending
	}
	if v.Outcome == gateway.OutcomeSuccess && !v.Amount.Equal(tx.Total()) {
		log.Error("CRITICAL: verified amount differs from recorded total", "verifiedAmount", money.Format(v.Amount))
		return nil, ErrAmountMismatch
	}

	settlement, err = s.ledger.Settle(ctx, reference, outcomeStatus(v.Outcome), v.Reason)
	if err != nil {
		return nil, err
	}
	if settlement.Applied {
		s.announce(ctx, settlement)
	}
	return settlement, nil
}

// verify asks tx's gateway for the outcome of tx.
func (s *Service) verify(ctx context.Context, tx *transactions.Transaction) (*gateway.Verification, error) {
	gw, err := s.gateways.Get(tx.Gateway)
	if err != nil {
		return nil, err
	}
	if tx.Type == transactions.TypeWalletWithdrawal {
		return gw.VerifyPayout(ctx, tx.Reference)
	}
	return gw.VerifyCharge(ctx, tx.Reference)
}

func (s *Service) announce(ctx context.Context, st *ledger.Settlement) {
	tx := st.Transaction
	payload := map[string]string{
		"reference": tx.Reference,
		"type":      string(tx.Type),
		"status":    string(tx.Status),
		"effect":    st.Effect,
	}
	s.notify(tx.UserID, "payment.settled", payload)
	if st.Wallet != nil {
		s.notify(tx.UserID, "wallet.updated", st.Wallet)
	}
	if st.Escrow != nil {
		s.notify(st.Escrow.SellerID, "payment.settled", settledPayload(st.Escrow.ID, tx.Reference))
		s.publish(ctx, "escrow.paid", st.Escrow.ID, st.Escrow)
	}
	s.publish(ctx, "transaction.settled", tx.Reference, tx)
}

// IsPending reports the still-pending answer of Reconcile and ConfirmPayment.
func IsPending(err error) bool {
	return errors.Is(err, transactions.ErrStillPending)
}
