package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/circuitbreaker"
	"github.com/safehold/safehold/internal/escrow"
	"github.com/safehold/safehold/internal/gateway"
	"github.com/safehold/safehold/internal/ledger"
	"github.com/safehold/safehold/internal/pagination"
	"github.com/safehold/safehold/internal/retry"
	"github.com/safehold/safehold/internal/settings"
	"github.com/safehold/safehold/internal/transactions"
	"github.com/safehold/safehold/internal/users"
	"github.com/safehold/safehold/internal/wallet"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type userDirectory map[string]*users.User

func (u userDirectory) GetByID(_ context.Context, id string) (*users.User, error) {
	if usr, ok := u[id]; ok {
		return usr, nil
	}
	return nil, users.ErrUserNotFound
}

// stubGateway answers from its fields and records what it was asked.
type stubGateway struct {
	mu         sync.Mutex
	chargeErr  error
	payoutErr  error
	payout     gateway.Outcome
	verdicts   map[string]*gateway.Verification
	charges    []gateway.ChargeRequest
	payouts    []gateway.PayoutRequest
	verifyErr  error
	verifyHits int
}

func newStubGateway() *stubGateway {
	return &stubGateway{payout: gateway.OutcomePending, verdicts: map[string]*gateway.Verification{}}
}

func (g *stubGateway) Name() string { return gateway.NamePaystack }

func (g *stubGateway) CreateCharge(_ context.Context, req gateway.ChargeRequest) (*gateway.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges = append(g.charges, req)
	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	return &gateway.Charge{Gateway: g.Name(), Reference: req.Reference, RedirectURL: "https://checkout.test/" + req.Reference}, nil
}

func (g *stubGateway) verify(reference string) (*gateway.Verification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyHits++
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	if v, ok := g.verdicts[reference]; ok {
		return v, nil
	}
	return &gateway.Verification{Reference: reference, Outcome: gateway.OutcomePending}, nil
}

func (g *stubGateway) VerifyCharge(_ context.Context, reference string) (*gateway.Verification, error) {
	return g.verify(reference)
}

func (g *stubGateway) Payout(_ context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payouts = append(g.payouts, req)
	if g.payoutErr != nil {
		return nil, g.payoutErr
	}
	return &gateway.PayoutResult{Reference: req.Reference, Outcome: g.payout}, nil
}

func (g *stubGateway) VerifyPayout(_ context.Context, reference string) (*gateway.Verification, error) {
	return g.verify(reference)
}

func (g *stubGateway) succeed(reference string, amount string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verdicts[reference] = &gateway.Verification{Reference: reference, Outcome: gateway.OutcomeSuccess, Amount: d(amount)}
}

func (g *stubGateway) fail(reference string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verdicts[reference] = &gateway.Verification{Reference: reference, Outcome: gateway.OutcomeFailed, Reason: "declined"}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(userID, event string, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, userID+":"+event)
}

type fixture struct {
	svc      *Service
	gw       *stubGateway
	wallets  *wallet.MemoryStore
	escrows  *escrow.MemoryStore
	txs      *transactions.Service
	settings *settings.MemoryStore
	notes    *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		gw:       newStubGateway(),
		wallets:  wallet.NewMemoryStore(),
		escrows:  escrow.NewMemoryStore(),
		settings: settings.NewMemoryStore(),
		notes:    &recordingNotifier{},
	}
	txStore := transactions.NewMemoryStore()
	f.txs = transactions.NewService(txStore)

	l := ledger.New(ledger.NewMemoryRunner(f.wallets, f.escrows, txStore, ledger.NewMemoryAuditLogger()))
	registry := gateway.NewRegistry(time.Second).
		WithVerifyRetry(retry.Policy{Attempts: 1}).
		Register(f.gw)

	dir := userDirectory{
		"usr_alice": {ID: "usr_alice", Email: "alice@example.com", Firstname: "Alice"},
		"usr_bob":   {ID: "usr_bob", Email: "bob@example.com", Firstname: "Bob"},
	}
	for id := range dir {
		require.NoError(t, f.wallets.Create(ctx, wallet.New(id, "NGN")))
	}

	f.svc = NewService(Deps{
		Ledger:       l,
		Transactions: f.txs,
		Escrows:      f.escrows,
		Wallets:      wallet.NewService(f.wallets),
		Users:        dir,
		Settings:     settings.NewService(f.settings),
		Gateways:     registry,
	}).WithNotifier(f.notes).WithCallbackURL("https://app.test/callback")
	return f
}

func (f *fixture) fund(t *testing.T, userID, amount string) {
	t.Helper()
	_, err := f.wallets.Apply(context.Background(), userID, wallet.OpDeposit, d(amount))
	require.NoError(t, err)
}

func (f *fixture) escrow(t *testing.T, id string, policy escrow.FeePolicy) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.escrows.Create(context.Background(), &escrow.Escrow{
		ID: id, CreatorID: "usr_alice", CreatorRole: escrow.RoleBuyer, CounterpartyEmail: "bob@example.com",
		CounterpartyID: "usr_bob", BuyerID: "usr_alice", SellerID: "usr_bob",
		Amount: d("1000"), Currency: "NGN", FeePolicy: policy, Terms: []string{"deliver"},
		Status: escrow.StatusActive, PaymentStatus: escrow.Unpaid, CreatedAt: now, UpdatedAt: now,
	}))
}

func (f *fixture) wallet(t *testing.T, userID string) *wallet.Wallet {
	t.Helper()
	w, err := f.wallets.Get(context.Background(), userID)
	require.NoError(t, err)
	return w
}

func (f *fixture) status(t *testing.T, ref string) transactions.Status {
	t.Helper()
	tx, err := f.txs.Get(context.Background(), ref)
	require.NoError(t, err)
	return tx.Status
}

func TestFees(t *testing.T) {
	tests := []struct {
		policy        escrow.FeePolicy
		amount, pct   string
		buyer, seller string
	}{
		{escrow.FeeBuyer, "1000", "2.5", "25", "0"},
		{escrow.FeeSeller, "1000", "2.5", "0", "25"},
		{escrow.FeeSplit, "1000", "2.5", "12.5", "12.5"},
		{escrow.FeeSplit, "333.33", "2.5", "4.17", "4.16"},
		{escrow.FeeBuyer, "1000", "0", "0", "0"},
	}
	for _, tc := range tests {
		t.Run(string(tc.policy)+"/"+tc.amount, func(t *testing.T) {
			buyer, seller := Fees(d(tc.amount), d(tc.pct), tc.policy)
			assert.True(t, buyer.Equal(d(tc.buyer)), "buyer %s", buyer)
			assert.True(t, seller.Equal(d(tc.seller)), "seller %s", seller)
		})
	}
}

func TestPayEscrow_Wallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "usr_alice", "1025")
	f.escrow(t, "esc_1", escrow.FeeBuyer)

	res, err := f.svc.PayEscrow(ctx, "usr_alice", "esc_1", MethodWallet)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusSuccess, res.Status)
	assert.Equal(t, "1025.00", res.Total)
	assert.Equal(t, "25.00", res.Fee)
	assert.Equal(t, escrow.Paid, res.Escrow.PaymentStatus)
	assert.Equal(t, escrow.PaidWithWallet, res.Escrow.PaidWith)

	w := f.wallet(t, "usr_alice")
	assert.True(t, w.TotalBalance.Equal(d("1025")))
	assert.True(t, w.LockedBalance.Equal(d("1025")))
	assert.Equal(t, transactions.StatusSuccess, f.status(t, res.Reference))
	assert.Contains(t, f.notes.events, "usr_bob:payment.settled")
	assert.Empty(t, f.gw.charges)
}

func TestPayEscrow_WalletInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "usr_alice", "1000")
	f.escrow(t, "esc_1", escrow.FeeBuyer)

	_, err := f.svc.PayEscrow(ctx, "usr_alice", "esc_1", MethodWallet)
	assert.ErrorIs(t, err, wallet.ErrInsufficientAvailableBalance)

	w := f.wallet(t, "usr_alice")
	assert.True(t, w.TotalBalance.Equal(d("1000")))
	assert.True(t, w.LockedBalance.IsZero())
	e, _ := f.escrows.Get(ctx, "esc_1")
	assert.Equal(t, escrow.Unpaid, e.PaymentStatus)

	rows, _, err := f.txs.List(ctx, pageAll())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, transactions.StatusFailed, rows[0].Status)
}

func TestPayEscrow_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "usr_alice", "5000")
	f.escrow(t, "esc_1", escrow.FeeBuyer)

	_, err := f.svc.PayEscrow(ctx, "usr_bob", "esc_1", MethodWallet)
	assert.ErrorIs(t, err, escrow.ErrUnauthorized)

	_, err = f.svc.PayEscrow(ctx, "usr_alice", "esc_missing", MethodWallet)
	assert.ErrorIs(t, err, escrow.ErrEscrowNotFound)

	_, err = f.svc.PayEscrow(ctx, "usr_alice", "esc_1", Method("cash"))
	assert.ErrorIs(t, err, ErrInvalidMethod)

	_, err = f.svc.PayEscrow(ctx, "usr_alice", "esc_1", MethodWallet)
	require.NoError(t, err)
	_, err = f.svc.PayEscrow(ctx, "usr_alice", "esc_1", MethodWallet)
	assert.ErrorIs(t, err, escrow.ErrAlreadyPaid)
	assert.Equal(t, apperr.KindStateConflict, apperr.KindOf(err))
}

func TestPayEscrow_NotActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escrow(t, "esc_1", escrow.FeeBuyer)
	e, _ := f.escrows.Get(ctx, "esc_1")
	e.Status = escrow.StatusPending
	require.NoError(t, f.escrows.Update(ctx, e))

	_, err := f.svc.PayEscrow(ctx, "usr_alice", "esc_1", MethodGateway)
	assert.ErrorIs(t, err, escrow.ErrNotActive)
	assert.Empty(t, f.gw.charges)
}

func TestPayEscrow_GatewayThenWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escrow(t, "esc_1", escrow.FeeSplit)

	res, err := f.svc.PayEscrow(ctx, "usr_alice", "esc_1", MethodGateway)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusPending, res.Status)
	require.NotNil(t, res.Charge)
	assert.Equal(t, "1012.50", res.Total)

	require.Len(t, f.gw.charges, 1)
	charge := f.gw.charges[0]
	assert.True(t, charge.Amount.Equal(d("1012.5")))
	assert.Equal(t, "alice@example.com", charge.Email)
	assert.Equal(t, "esc_1", charge.Metadata[transactions.MetaEscrowID])
	assert.Equal(t, transactions.MetaTypeEscrowPayment, charge.Metadata[transactions.MetaType])
	assert.Equal(t, transactions.StatusPending, f.status(t, res.Reference))

	// Webhook arrives before the gateway has settled.
	_, err = f.svc.Reconcile(ctx, res.Reference)
	assert.True(t, IsPending(err))

	f.gw.succeed(res.Reference, "1012.50")
	st, err := f.svc.Reconcile(ctx, res.Reference)
	require.NoError(t, err)
	assert.True(t, st.Applied)
	assert.Equal(t, ledger.EffectEscrowPaid, st.Effect)

	e, _ := f.escrows.Get(ctx, "esc_1")
	assert.Equal(t, escrow.Paid, e.PaymentStatus)
	assert.Equal(t, escrow.PaidWithGateway, e.PaidWith)
	assert.True(t, e.SellerFee.Equal(d("12.5")))

	// Replayed webhook: no second effect.
	again, err := f.svc.Reconcile(ctx, res.Reference)
	require.NoError(t, err)
	assert.False(t, again.Applied)

	tx, err := f.svc.ConfirmPayment(ctx, "usr_alice", false, res.Reference)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusSuccess, tx.Status)
}

func TestPayEscrow_GatewayTimeoutLeavesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escrow(t, "esc_1", escrow.FeeBuyer)
	f.gw.chargeErr = context.DeadlineExceeded

	_, err := f.svc.PayEscrow(ctx, "usr_alice", "esc_1", MethodGateway)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamGateway, apperr.KindOf(err))

	rows, _, _ := f.txs.List(ctx, pageAll())
	require.Len(t, rows, 1)
	assert.Equal(t, transactions.StatusPending, rows[0].Status)

	_, err = f.svc.ConfirmPayment(ctx, "usr_alice", false, rows[0].Reference)
	assert.True(t, IsPending(err))
}

func TestPayEscrow_GatewayRejectionFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escrow(t, "esc_1", escrow.FeeBuyer)
	f.gw.chargeErr = &gateway.APIError{Gateway: gateway.NamePaystack, StatusCode: 400, Message: "invalid email"}

	_, err := f.svc.PayEscrow(ctx, "usr_alice", "esc_1", MethodGateway)
	require.Error(t, err)

	rows, _, _ := f.txs.List(ctx, pageAll())
	require.Len(t, rows, 1)
	assert.Equal(t, transactions.StatusFailed, rows[0].Status)
}

func TestPayEscrow_DisabledAndUnsupportedMerchant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escrow(t, "esc_1", escrow.FeeBuyer)

	s := settings.Default()
	s.Status = settings.StatusDisabled
	require.NoError(t, f.settings.Put(ctx, s))
	_, err := f.svc.PayEscrow(ctx, "usr_alice", "esc_1", MethodGateway)
	assert.ErrorIs(t, err, settings.ErrDisabled)

	s = settings.Default()
	s.Merchant = settings.MerchantBankTransfer
	require.NoError(t, f.settings.Put(ctx, s))
	_, err = f.svc.PayEscrow(ctx, "usr_alice", "esc_1", MethodGateway)
	assert.ErrorIs(t, err, gateway.ErrUnsupportedMerchant)

	rows, _, _ := f.txs.List(ctx, pageAll())
	assert.Empty(t, rows)
}

func TestPayEscrow_FeeReadFromLiveSetting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escrow(t, "esc_1", escrow.FeeBuyer)
	f.escrow(t, "esc_2", escrow.FeeBuyer)

	first, err := f.svc.PayEscrow(ctx, "usr_alice", "esc_1", MethodGateway)
	require.NoError(t, err)

	s := settings.Default()
	s.FeePercentage = d("5")
	require.NoError(t, f.settings.Put(ctx, s))

	second, err := f.svc.PayEscrow(ctx, "usr_alice", "esc_2", MethodGateway)
	require.NoError(t, err)
	assert.Equal(t, "25.00", first.Fee)
	assert.Equal(t, "50.00", second.Fee)
}

func TestPayEscrow_OpenBreakerFailsTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escrow(t, "esc_1", escrow.FeeBuyer)
	f.gw.chargeErr = errors.New("connection refused")

	for i := 0; i < 5; i++ {
		_, err := f.svc.PayEscrow(ctx, "usr_alice", "esc_1", MethodGateway)
		require.Error(t, err)
	}
	require.Len(t, f.gw.charges, 5)

	_, err := f.svc.PayEscrow(ctx, "usr_alice", "esc_1", MethodGateway)
	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, apperr.KindUpstreamGateway, apperr.KindOf(err))
	assert.Len(t, f.gw.charges, 5, "no request leaves the process while the circuit is open")

	rows, _, _ := f.txs.List(ctx, pageAll())
	require.Len(t, rows, 6)
	var pending, failed int
	for _, r := range rows {
		switch r.Status {
		case transactions.StatusPending:
			pending++
		case transactions.StatusFailed:
			failed++
		}
	}
	assert.Equal(t, 5, pending, "transport errors leave the outcome unknown")
	assert.Equal(t, 1, failed)
}

func TestReconcile_ReplayReverifiesWithoutEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.AddFunds(ctx, "usr_alice", d("500"))
	require.NoError(t, err)

	f.gw.succeed(res.Reference, "500")
	st, err := f.svc.Reconcile(ctx, res.Reference)
	require.NoError(t, err)
	require.True(t, st.Applied)
	hits := f.gw.verifyHits

	again, err := f.svc.Reconcile(ctx, res.Reference)
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Equal(t, hits+1, f.gw.verifyHits)
	assert.True(t, f.wallet(t, "usr_alice").TotalBalance.Equal(d("500")))

	// An unreachable gateway does not turn a replay into an error.
	f.gw.verifyErr = errors.New("connection refused")
	again, err = f.svc.Reconcile(ctx, res.Reference)
	require.NoError(t, err)
	assert.False(t, again.Applied)
}

func TestReconcile_ZeroAmountSuccessIsMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.AddFunds(ctx, "usr_alice", d("500"))
	require.NoError(t, err)

	f.gw.succeed(res.Reference, "0")
	_, err = f.svc.Reconcile(ctx, res.Reference)
	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.Equal(t, transactions.StatusPending, f.status(t, res.Reference))
	assert.True(t, f.wallet(t, "usr_alice").TotalBalance.IsZero())
}

func TestReconcile_FailedChargeHasNoEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escrow(t, "esc_1", escrow.FeeBuyer)
	res, err := f.svc.PayEscrow(ctx, "usr_alice", "esc_1", MethodGateway)
	require.NoError(t, err)

	f.gw.fail(res.Reference)
	st, err := f.svc.Reconcile(ctx, res.Reference)
	require.NoError(t, err)
	assert.True(t, st.Applied)
	assert.Equal(t, transactions.StatusFailed, st.Transaction.Status)
	assert.Equal(t, "declined", st.Transaction.Meta(transactions.MetaReason))

	e, _ := f.escrows.Get(ctx, "esc_1")
	assert.Equal(t, escrow.Unpaid, e.PaymentStatus)
}

func TestReconcile_UnknownReference(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Reconcile(context.Background(), "pay_nope")
	assert.ErrorIs(t, err, transactions.ErrNotFound)
}

func TestReconcile_AmountMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.AddFunds(ctx, "usr_alice", d("500"))
	require.NoError(t, err)

	f.gw.succeed(res.Reference, "5.00")
	_, err = f.svc.Reconcile(ctx, res.Reference)
	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.Equal(t, transactions.StatusPending, f.status(t, res.Reference))
	assert.True(t, f.wallet(t, "usr_alice").TotalBalance.IsZero())
}

func TestReconcile_VerifyErrorChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.AddFunds(ctx, "usr_alice", d("500"))
	require.NoError(t, err)

	f.gw.verifyErr = errors.New("connection refused")
	_, err = f.svc.Reconcile(ctx, res.Reference)
	assert.Equal(t, apperr.KindUpstreamGateway, apperr.KindOf(err))
	assert.Equal(t, transactions.StatusPending, f.status(t, res.Reference))
}

func TestAddFunds_ConcurrentWebhooksCreditOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.AddFunds(ctx, "usr_alice", d("750.5"))
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusPending, res.Status)
	assert.Equal(t, transactions.MetaTypeAddFunds, f.gw.charges[0].Metadata[transactions.MetaType])

	f.gw.succeed(res.Reference, "750.50")
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Reconcile(ctx, res.Reference)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.True(t, f.wallet(t, "usr_alice").TotalBalance.Equal(d("750.5")))
}

func TestAddFunds_InvalidAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.AddFunds(context.Background(), "usr_alice", d("0"))
	assert.ErrorIs(t, err, wallet.ErrInvalidAmount)
}

func addBank(t *testing.T, f *fixture, userID string) {
	t.Helper()
	_, err := f.wallets.SetBank(context.Background(), userID, &wallet.BankInfo{
		BankCode: "058", AccountNumber: "0123456789", AccountName: "Alice A",
	})
	require.NoError(t, err)
}

func TestRequestWithdrawal_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "usr_alice", "100")

	_, err := f.svc.RequestWithdrawal(ctx, "usr_alice", d("50"))
	assert.ErrorIs(t, err, ErrBankRequired)

	addBank(t, f, "usr_alice")
	_, err = f.svc.RequestWithdrawal(ctx, "usr_alice", d("150"))
	assert.ErrorIs(t, err, wallet.ErrInsufficientAvailableBalance)
	assert.Empty(t, f.gw.payouts)
}

func TestRequestWithdrawal_SuccessWebhookConsumesLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "usr_alice", "500")
	addBank(t, f, "usr_alice")

	wd, err := f.svc.RequestWithdrawal(ctx, "usr_alice", d("300"))
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusPending, wd.Status)
	assert.True(t, wd.Wallet.LockedBalance.Equal(d("300")))
	require.Len(t, f.gw.payouts, 1)
	assert.Equal(t, "0123456789", f.gw.payouts[0].Bank.AccountNumber)

	f.gw.succeed(wd.Reference, "300")
	st, err := f.svc.Reconcile(ctx, wd.Reference)
	require.NoError(t, err)
	assert.Equal(t, ledger.EffectWithdrawalDone, st.Effect)

	w := f.wallet(t, "usr_alice")
	assert.True(t, w.TotalBalance.Equal(d("200")))
	assert.True(t, w.LockedBalance.IsZero())
}

func TestRequestWithdrawal_ReversalUnlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "usr_alice", "500")
	addBank(t, f, "usr_alice")

	wd, err := f.svc.RequestWithdrawal(ctx, "usr_alice", d("300"))
	require.NoError(t, err)

	f.gw.fail(wd.Reference)
	_, err = f.svc.Reconcile(ctx, wd.Reference)
	require.NoError(t, err)

	w := f.wallet(t, "usr_alice")
	assert.True(t, w.TotalBalance.Equal(d("500")))
	assert.True(t, w.LockedBalance.IsZero())
}

func TestRequestWithdrawal_ReversalAfterSuccessIsSurfaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "usr_alice", "500")
	addBank(t, f, "usr_alice")

	wd, err := f.svc.RequestWithdrawal(ctx, "usr_alice", d("300"))
	require.NoError(t, err)
	f.gw.succeed(wd.Reference, "300")
	_, err = f.svc.Reconcile(ctx, wd.Reference)
	require.NoError(t, err)

	// transfer.reversed arrives after transfer.success.
	f.gw.fail(wd.Reference)
	hits := f.gw.verifyHits
	_, err = f.svc.Reconcile(ctx, wd.Reference)
	assert.ErrorIs(t, err, transactions.ErrInconsistentSettlement)
	assert.Equal(t, apperr.KindInconsistentSettlement, apperr.KindOf(err))
	assert.Equal(t, hits+1, f.gw.verifyHits)

	assert.Equal(t, transactions.StatusSuccess, f.status(t, wd.Reference))
	w := f.wallet(t, "usr_alice")
	assert.True(t, w.TotalBalance.Equal(d("200")))
	assert.True(t, w.LockedBalance.IsZero())
}

func TestRequestWithdrawal_OpenBreakerUnlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "usr_alice", "5000")
	addBank(t, f, "usr_alice")
	f.gw.payoutErr = errors.New("connection refused")

	for i := 0; i < 5; i++ {
		_, err := f.svc.RequestWithdrawal(ctx, "usr_alice", d("100"))
		require.Error(t, err)
	}
	assert.True(t, f.wallet(t, "usr_alice").LockedBalance.Equal(d("500")), "unknown outcomes stay locked")

	_, err := f.svc.RequestWithdrawal(ctx, "usr_alice", d("100"))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Len(t, f.gw.payouts, 5)

	w := f.wallet(t, "usr_alice")
	assert.True(t, w.LockedBalance.Equal(d("500")), w.LockedBalance.String())
	assert.True(t, w.TotalBalance.Equal(d("5000")))
}

func TestRequestWithdrawal_RejectedPayoutUnlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "usr_alice", "500")
	addBank(t, f, "usr_alice")
	f.gw.payoutErr = &gateway.APIError{Gateway: gateway.NamePaystack, StatusCode: 400, Message: "invalid account"}

	_, err := f.svc.RequestWithdrawal(ctx, "usr_alice", d("300"))
	require.Error(t, err)

	w := f.wallet(t, "usr_alice")
	assert.True(t, w.LockedBalance.IsZero())
	assert.True(t, w.TotalBalance.Equal(d("500")))
}

func TestRequestWithdrawal_ImmediateSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "usr_alice", "500")
	addBank(t, f, "usr_alice")
	f.gw.payout = gateway.OutcomeSuccess

	wd, err := f.svc.RequestWithdrawal(ctx, "usr_alice", d("100"))
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusSuccess, wd.Status)
	assert.True(t, f.wallet(t, "usr_alice").TotalBalance.Equal(d("400")))
}

func TestConfirmPayment_OtherUserSeesNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.AddFunds(ctx, "usr_alice", d("10"))
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, "usr_bob", false, res.Reference)
	assert.ErrorIs(t, err, transactions.ErrNotFound)

	_, err = f.svc.ConfirmPayment(ctx, "usr_bob", true, res.Reference)
	assert.True(t, IsPending(err))
}

func pageAll() pagination.Page { return pagination.Page{Number: 1, Limit: pagination.MaxLimit} }
