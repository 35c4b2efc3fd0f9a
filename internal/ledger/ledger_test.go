package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/escrow"
	"github.com/safehold/safehold/internal/transactions"
	"github.com/safehold/safehold/internal/wallet"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	wallets *wallet.MemoryStore
	escrows *escrow.MemoryStore
	txs     *transactions.MemoryStore
	audit   *MemoryAuditLogger
	ledger  *Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		wallets: wallet.NewMemoryStore(),
		escrows: escrow.NewMemoryStore(),
		txs:     transactions.NewMemoryStore(),
		audit:   NewMemoryAuditLogger(),
	}
	f.ledger = New(NewMemoryRunner(f.wallets, f.escrows, f.txs, f.audit)).WithAuditReader(f.audit)
	ctx := context.Background()
	for _, id := range []string{"usr_alice", "usr_bob"} {
		require.NoError(t, f.wallets.Create(ctx, wallet.New(id, "NGN")))
	}
	return f
}

func (f *fixture) fund(t *testing.T, userID, amount string) {
	t.Helper()
	_, err := f.wallets.Apply(context.Background(), userID, wallet.OpDeposit, d(amount))
	require.NoError(t, err)
}

// activeEscrow creates an accepted escrow with alice as buyer.
func (f *fixture) activeEscrow(t *testing.T, id string) *escrow.Escrow {
	t.Helper()
	now := time.Now().UTC()
	e := &escrow.Escrow{
		ID: id, CreatorID: "usr_alice", CreatorRole: escrow.RoleBuyer, CounterpartyEmail: "bob@example.com",
		CounterpartyID: "usr_bob", BuyerID: "usr_alice", SellerID: "usr_bob",
		Amount: d("1000"), Currency: "NGN", FeePolicy: escrow.FeeBuyer, BuyerFee: decimal.Zero, SellerFee: decimal.Zero,
		Terms: []string{"t"}, Status: escrow.StatusActive, PaymentStatus: escrow.Unpaid, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.escrows.Create(context.Background(), e))
	return e
}

func newPaymentTx(ref, escrowID, fee, sellerFee string) *transactions.Transaction {
	tx := transactions.NewRecord(ref, "usr_alice", transactions.Debit, transactions.TypeEscrowPayment, d("1000"), d(fee), "NGN", "wallet")
	tx.EscrowID = escrowID
	tx.Metadata[transactions.MetaType] = transactions.MetaTypeEscrowPayment
	tx.Metadata[transactions.MetaEscrowID] = escrowID
	tx.Metadata[transactions.MetaSellerFee] = sellerFee
	return tx
}

// paymentTx records an escrow payment awaiting a gateway outcome.
func (f *fixture) paymentTx(t *testing.T, ref, escrowID, fee, sellerFee string) *transactions.Transaction {
	t.Helper()
	tx := newPaymentTx(ref, escrowID, fee, sellerFee)
	require.NoError(t, f.txs.Record(context.Background(), tx))
	return tx
}

func (f *fixture) wallet(t *testing.T, userID string) *wallet.Wallet {
	t.Helper()
	w, err := f.wallets.Get(context.Background(), userID)
	require.NoError(t, err)
	return w
}

func TestPayWithWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "usr_alice", "1025")
	f.activeEscrow(t, "esc_1")

	p, err := f.ledger.PayWithWallet(ctx, newPaymentTx("pay_1", "esc_1", "25", "0"))
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusSuccess, p.Transaction.Status)
	stored, err := f.txs.Get(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusSuccess, stored.Status)
	assert.NotNil(t, stored.SettledAt)
	assert.Equal(t, escrow.Paid, p.Escrow.PaymentStatus)
	assert.Equal(t, escrow.PaidWithWallet, p.Escrow.PaidWith)
	assert.True(t, p.Escrow.BuyerFee.Equal(d("25")))

	w := f.wallet(t, "usr_alice")
	assert.True(t, w.LockedBalance.Equal(d("1025")))
	assert.True(t, w.AvailableBalance().IsZero())

	entries, err := f.ledger.AuditTrail(ctx, "usr_alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(wallet.OpLock), entries[0].Operation)
	assert.Equal(t, "system", entries[0].ActorType)
}

func TestPayWithWallet_InsufficientRollsBackAndFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "usr_alice", "1000")
	f.activeEscrow(t, "esc_1")

	_, err := f.ledger.PayWithWallet(ctx, newPaymentTx("pay_1", "esc_1", "25", "0"))
	assert.ErrorIs(t, err, wallet.ErrInsufficientAvailableBalance)
	assert.Equal(t, apperr.KindInsufficientFunds, apperr.KindOf(err))

	w := f.wallet(t, "usr_alice")
	assert.True(t, w.TotalBalance.Equal(d("1000")))
	assert.True(t, w.LockedBalance.IsZero())

	e, _ := f.escrows.Get(ctx, "esc_1")
	assert.Equal(t, escrow.Unpaid, e.PaymentStatus)

	tx, _ := f.txs.Get(ctx, "pay_1")
	assert.Equal(t, transactions.StatusFailed, tx.Status)
	assert.NotEmpty(t, tx.Meta(transactions.MetaReason))
	assert.Empty(t, f.audit.Entries())
}

func TestPayWithWallet_ConcurrentPaymentsOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "usr_alice", "10000")
	f.activeEscrow(t, "esc_1")
	refs := []string{"pay_a", "pay_b", "pay_c", "pay_d"}

	var wins int32
	var wg sync.WaitGroup
	for _, ref := range refs {
		wg.Add(1)
		go func(ref string) {
			defer wg.Done()
			if _, err := f.ledger.PayWithWallet(ctx, newPaymentTx(ref, "esc_1", "25", "0")); err == nil {
				atomic.AddInt32(&wins, 1)
			} else {
				assert.ErrorIs(t, err, escrow.ErrAlreadyPaid)
			}
		}(ref)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
	assert.True(t, f.wallet(t, "usr_alice").LockedBalance.Equal(d("1025")))
}

func TestPayWithWallet_DuplicateReferenceChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "usr_alice", "5000")
	f.activeEscrow(t, "esc_1")
	f.activeEscrow(t, "esc_2")

	_, err := f.ledger.PayWithWallet(ctx, newPaymentTx("pay_1", "esc_1", "25", "0"))
	require.NoError(t, err)

	_, err = f.ledger.PayWithWallet(ctx, newPaymentTx("pay_1", "esc_2", "25", "0"))
	assert.ErrorIs(t, err, transactions.ErrDuplicateReference)

	assert.True(t, f.wallet(t, "usr_alice").LockedBalance.Equal(d("1025")))
	e, _ := f.escrows.Get(ctx, "esc_2")
	assert.Equal(t, escrow.Unpaid, e.PaymentStatus)
	stored, _ := f.txs.Get(ctx, "pay_1")
	assert.Equal(t, transactions.StatusSuccess, stored.Status)
	assert.Equal(t, "esc_1", stored.EscrowID)
}

func TestSettle_EscrowPaymentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activeEscrow(t, "esc_1")
	f.paymentTx(t, "pay_1", "esc_1", "12.5", "12.5")
	require.NoError(t, f.txs.MarkPending(ctx, "pay_1"))

	s, err := f.ledger.Settle(ctx, "pay_1", transactions.StatusSuccess, "")
	require.NoError(t, err)
	assert.True(t, s.Applied)
	assert.Equal(t, EffectEscrowPaid, s.Effect)
	assert.Equal(t, escrow.PaidWithGateway, s.Escrow.PaidWith)
	assert.True(t, s.Escrow.SellerFee.Equal(d("12.5")))

	again, err := f.ledger.Settle(ctx, "pay_1", transactions.StatusSuccess, "")
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Equal(t, EffectNone, again.Effect)

	_, err = f.ledger.Settle(ctx, "pay_1", transactions.StatusFailed, "")
	assert.ErrorIs(t, err, transactions.ErrInconsistentSettlement)

	tx, _ := f.txs.Get(ctx, "pay_1")
	assert.Equal(t, transactions.StatusSuccess, tx.Status)
}

func TestSettle_ConcurrentReplaysApplyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dep := transactions.NewRecord("dep_1", "usr_alice", transactions.Credit, transactions.TypeWalletDeposit, d("500"), decimal.Zero, "NGN", "Paystack")
	dep.Status = transactions.StatusPending
	require.NoError(t, f.txs.Record(ctx, dep))

	var applied int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := f.ledger.Settle(ctx, "dep_1", transactions.StatusSuccess, "")
			require.NoError(t, err)
			if s.Applied {
				atomic.AddInt32(&applied, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), applied)
	assert.True(t, f.wallet(t, "usr_alice").TotalBalance.Equal(d("500")))
}

func TestSettle_FailedPaymentHasNoEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activeEscrow(t, "esc_1")
	f.paymentTx(t, "pay_1", "esc_1", "25", "0")

	s, err := f.ledger.Settle(ctx, "pay_1", transactions.StatusFailed, "card declined")
	require.NoError(t, err)
	assert.True(t, s.Applied)
	assert.Equal(t, EffectNone, s.Effect)
	assert.Equal(t, "card declined", s.Transaction.Meta(transactions.MetaReason))

	e, _ := f.escrows.Get(ctx, "esc_1")
	assert.Equal(t, escrow.Unpaid, e.PaymentStatus)
}

func TestSettle_PaymentForPaidEscrowCreditsWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "usr_alice", "1025")
	f.activeEscrow(t, "esc_1")
	f.paymentTx(t, "pay_card", "esc_1", "25", "0")

	_, err := f.ledger.PayWithWallet(ctx, newPaymentTx("pay_wallet", "esc_1", "25", "0"))
	require.NoError(t, err)

	s, err := f.ledger.Settle(ctx, "pay_card", transactions.StatusSuccess, "")
	require.NoError(t, err)
	assert.Equal(t, EffectCreditedToWallet, s.Effect)
	w := f.wallet(t, "usr_alice")
	assert.True(t, w.TotalBalance.Equal(d("2050")))
	assert.True(t, w.AvailableBalance().Equal(d("1025")))
}

func TestWithdrawal_ReserveThenSettle(t *testing.T) {
	for _, tc := range []struct {
		outcome       transactions.Status
		effect        string
		total, locked string
	}{
		{transactions.StatusSuccess, EffectWithdrawalDone, "200", "0"},
		{transactions.StatusFailed, EffectWithdrawalUndone, "500", "0"},
	} {
		t.Run(string(tc.outcome), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.fund(t, "usr_alice", "500")

			tx := transactions.NewRecord("wd_1", "usr_alice", transactions.Debit, transactions.TypeWalletWithdrawal, d("300"), decimal.Zero, "NGN", "Paystack")
			w, err := f.ledger.ReserveWithdrawal(ctx, tx)
			require.NoError(t, err)
			assert.True(t, w.LockedBalance.Equal(d("300")))
			stored, _ := f.txs.Get(ctx, "wd_1")
			assert.Equal(t, transactions.StatusPending, stored.Status)

			s, err := f.ledger.Settle(ctx, "wd_1", tc.outcome, "")
			require.NoError(t, err)
			assert.Equal(t, tc.effect, s.Effect)
			w = f.wallet(t, "usr_alice")
			assert.True(t, w.TotalBalance.Equal(d(tc.total)), w.TotalBalance.String())
			assert.True(t, w.LockedBalance.Equal(d(tc.locked)))
		})
	}
}

func TestReserveWithdrawal_InsufficientRecordsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "usr_alice", "100")

	tx := transactions.NewRecord("wd_1", "usr_alice", transactions.Debit, transactions.TypeWalletWithdrawal, d("300"), decimal.Zero, "NGN", "Paystack")
	_, err := f.ledger.ReserveWithdrawal(ctx, tx)
	assert.ErrorIs(t, err, wallet.ErrInsufficientAvailableBalance)
	_, err = f.txs.Get(ctx, "wd_1")
	assert.ErrorIs(t, err, transactions.ErrNotFound)
}

func TestReserveWithdrawal_DuplicateReferenceUndoesLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "usr_alice", "1000")

	tx := transactions.NewRecord("wd_1", "usr_alice", transactions.Debit, transactions.TypeWalletWithdrawal, d("300"), decimal.Zero, "NGN", "Paystack")
	_, err := f.ledger.ReserveWithdrawal(ctx, tx)
	require.NoError(t, err)

	dup := transactions.NewRecord("wd_1", "usr_alice", transactions.Debit, transactions.TypeWalletWithdrawal, d("300"), decimal.Zero, "NGN", "Paystack")
	_, err = f.ledger.ReserveWithdrawal(ctx, dup)
	assert.ErrorIs(t, err, transactions.ErrDuplicateReference)
	assert.True(t, f.wallet(t, "usr_alice").LockedBalance.Equal(d("300")))
}

func TestCreditWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := transactions.NewRecord("adm_1", "usr_bob", transactions.Credit, transactions.TypeWalletDeposit, d("75.50"), decimal.Zero, "NGN", "admin")
	w, err := f.ledger.CreditWallet(ctx, tx)
	require.NoError(t, err)
	assert.True(t, w.TotalBalance.Equal(d("75.5")))
	stored, _ := f.txs.Get(ctx, "adm_1")
	assert.Equal(t, transactions.StatusSuccess, stored.Status)
	assert.NotNil(t, stored.SettledAt)
}

func TestRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "usr_alice", "1012.5")
	f.activeEscrow(t, "esc_1")
	_, err := f.ledger.PayWithWallet(ctx, newPaymentTx("pay_1", "esc_1", "12.5", "12.5"))
	require.NoError(t, err)

	_, err = f.ledger.Release(ctx, "esc_1", "usr_bob")
	assert.ErrorIs(t, err, escrow.ErrReleaseNotAllowed)

	e, err := f.ledger.Release(ctx, "esc_1", "usr_alice")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCompleted, e.Status)
	require.NotNil(t, e.CompletedAt)

	buyer := f.wallet(t, "usr_alice")
	assert.True(t, buyer.TotalBalance.IsZero())
	assert.True(t, buyer.LockedBalance.IsZero())
	seller := f.wallet(t, "usr_bob")
	assert.True(t, seller.TotalBalance.Equal(d("987.5")), seller.TotalBalance.String())

	_, err = f.ledger.Release(ctx, "esc_1", "usr_alice")
	assert.ErrorIs(t, err, escrow.ErrNotActive)
}

func TestRelease_GatewayFundedCreatesSellerWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.activeEscrow(t, "esc_1")
	e.SellerID = "usr_carol"
	require.NoError(t, f.escrows.Update(ctx, e))
	f.paymentTx(t, "pay_1", "esc_1", "25", "0")
	_, err := f.ledger.Settle(ctx, "pay_1", transactions.StatusSuccess, "")
	require.NoError(t, err)

	_, err = f.ledger.Release(ctx, "esc_1", "usr_alice")
	require.NoError(t, err)
	assert.True(t, f.wallet(t, "usr_carol").TotalBalance.Equal(d("1000")))
	assert.True(t, f.wallet(t, "usr_alice").TotalBalance.IsZero())
}

func TestMemoryRunner_RollsBackEveryWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "usr_alice", "100")
	f.activeEscrow(t, "esc_1")
	runner := NewMemoryRunner(f.wallets, f.escrows, f.txs, f.audit)

	boom := errors.New("boom")
	err := runner.Run(ctx, func(s Stores) error {
		if _, err := s.Wallets.Apply(ctx, "usr_alice", wallet.OpLock, d("40")); err != nil {
			return err
		}
		e, err := s.Escrows.Get(ctx, "esc_1")
		if err != nil {
			return err
		}
		e.PaymentStatus = escrow.Paid
		if err := s.Escrows.Update(ctx, e); err != nil {
			return err
		}
		if err := s.Wallets.Create(ctx, wallet.New("usr_new", "NGN")); err != nil {
			return err
		}
		tx := transactions.NewRecord("x_1", "usr_alice", transactions.Debit, transactions.TypeRefund, d("1"), decimal.Zero, "NGN", "")
		if err := s.Transactions.Record(ctx, tx); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.True(t, f.wallet(t, "usr_alice").LockedBalance.IsZero())
	e, _ := f.escrows.Get(ctx, "esc_1")
	assert.Equal(t, escrow.Unpaid, e.PaymentStatus)
	_, err = f.wallets.Get(ctx, "usr_new")
	assert.ErrorIs(t, err, wallet.ErrWalletNotFound)
	_, err = f.txs.Get(ctx, "x_1")
	assert.ErrorIs(t, err, transactions.ErrNotFound)
}
