package payments

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/safehold/safehold/internal/gateway"
	"github.com/safehold/safehold/internal/idgen"
	"github.com/safehold/safehold/internal/logging"
	"github.com/safehold/safehold/internal/metrics"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/transactions"
	"github.com/safehold/safehold/internal/wallet"
)

// AddFunds starts a gateway checkout that credits userID's wallet once the
// gateway confirms it.
func (s *Service) AddFunds(ctx context.Context, userID string, amount decimal.Decimal) (*PaymentResult, error) {
	if !money.Positive(amount) {
		return nil, wallet.ErrInvalidAmount
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	w, err := s.wallets.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	gw, _, err := s.activeGateway(ctx)
	if err != nil {
		return nil, err
	}

	ref := idgen.Reference("dep_")
	tx := transactions.NewRecord(ref, userID, transactions.Credit, transactions.TypeWalletDeposit,
		money.Round2(amount), decimal.Zero, w.Currency, gw.Name())
	tx.WalletID = w.ID
	tx.Status = transactions.StatusPending
	tx.Metadata[transactions.MetaType] = transactions.MetaTypeAddFunds
	if err := s.txs.Record(ctx, tx); err != nil {
		return nil, err
	}
	metrics.TransactionsTotal.WithLabelValues(string(tx.Type), string(tx.Status)).Inc()

	charge, err := gw.CreateCharge(ctx, gateway.ChargeRequest{
		Reference:   ref,
		Email:       user.Email,
		Amount:      tx.Amount,
		Currency:    tx.Currency,
		CallbackURL: s.callbackURL,
		Metadata: map[string]string{
			transactions.MetaType: transactions.MetaTypeAddFunds,
			metaUserID:            userID,
		},
	})
	if err != nil {
		return nil, s.chargeFailed(ctx, ref, err)
	}

	logging.L(ctx).Info("add-funds checkout created",
		"reference", ref, "userId", userID, "amount", money.Format(tx.Amount), "gateway", gw.Name())
	return &PaymentResult{
		Reference: ref,
		Status:    transactions.StatusPending,
		Amount:    money.Format(tx.Amount),
		Fee:       money.Format(tx.Fee),
		Total:     money.Format(tx.Total()),
		Charge:    charge,
	}, nil
}

// Withdrawal is the state of a withdrawal request.
type Withdrawal struct {
	Reference string              `json:"reference"`
	Status    transactions.Status `json:"status"`
	Amount    string              `json:"amount"`
	Wallet    *wallet.Wallet      `json:"wallet"`
}

// RequestWithdrawal locks amount and asks the gateway to pay it out to the
// wallet's bank account. Verified success consumes the locked funds;
// failure or reversal unlocks them.
func (s *Service) RequestWithdrawal(ctx context.Context, userID string, amount decimal.Decimal) (*Withdrawal, error) {
	if !money.Positive(amount) {
		return nil, wallet.ErrInvalidAmount
	}
	amount = money.Round2(amount)
	w, err := s.wallets.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w.Bank == nil || w.Bank.AccountNumber == "" {
		return nil, ErrBankRequired
	}
	bank := *w.Bank
	if amount.GreaterThan(w.AvailableBalance()) {
		return nil, wallet.ErrInsufficientAvailableBalance
	}
	gw, _, err := s.activeGateway(ctx)
	if err != nil {
		return nil, err
	}

	ref := idgen.Reference("wd_")
	tx := transactions.NewRecord(ref, userID, transactions.Debit, transactions.TypeWalletWithdrawal,
		amount, decimal.Zero, w.Currency, gw.Name())
	tx.Metadata[transactions.MetaType] = transactions.MetaTypeWithdrawal
	w, err = s.ledger.ReserveWithdrawal(ctx, tx)
	if err != nil {
		return nil, err
	}
	log := logging.L(ctx).With("reference", ref, "userId", userID, "amount", money.Format(amount))
	out := &Withdrawal{Reference: ref, Status: transactions.StatusPending, Amount: money.Format(amount), Wallet: w}

	res, err := gw.Payout(ctx, gateway.PayoutRequest{
		Reference: ref,
		Amount:    amount,
		Currency:  tx.Currency,
		Bank:      bank,
		Reason:    "SafeHold wallet withdrawal",
	})
	if err != nil {
		if !gateway.NotSubmitted(err) {
			log.Warn("payout outcome unknown, withdrawal left pending", "error", err)
			return nil, pendingError(ref, err)
		}
		st, serr := s.ledger.Settle(ctx, ref, transactions.StatusFailed, err.Error())
		if serr != nil {
			log.Error("CRITICAL: could not release unsubmitted withdrawal", "cause", err, "error", serr)
		} else if st.Wallet != nil {
			s.notify(userID, "wallet.updated", st.Wallet)
		}
		return nil, err
	}

	if res.Outcome.IsTerminal() {
		st, err := s.ledger.Settle(ctx, ref, outcomeStatus(res.Outcome), "")
		if err != nil {
			return nil, err
		}
		out.Status = st.Transaction.Status
		if st.Wallet != nil {
			out.Wallet = st.Wallet
		}
	}
	log.Info("withdrawal submitted", "gateway", gw.Name(), "status", out.Status)
	s.notify(userID, "wallet.updated", out.Wallet)
	return out, nil
}

func outcomeStatus(o gateway.Outcome) transactions.Status {
	if o == gateway.OutcomeSuccess {
		return transactions.StatusSuccess
	}
	return transactions.StatusFailed
}
