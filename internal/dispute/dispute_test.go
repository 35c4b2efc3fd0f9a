package dispute

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safehold/safehold/internal/escrow"
	"github.com/safehold/safehold/internal/pagination"
)

var (
	alice = escrow.Viewer{UserID: "usr_alice", Email: "alice@example.com"}
	bob   = escrow.Viewer{UserID: "usr_bob", Email: "bob@example.com"}
	eve   = escrow.Viewer{UserID: "usr_eve", Email: "eve@example.com"}
	admin = escrow.Viewer{UserID: "usr_admin", Email: "admin@example.com", IsAdmin: true}
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Notify(userID, event string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, userID+":"+event)
}

func newTestService(t *testing.T) (*Service, *escrow.MemoryStore, *recorder) {
	t.Helper()
	escrows := escrow.NewMemoryStore()
	rec := &recorder{}
	svc := NewService(NewMemoryStore(escrows), escrows).WithNotifier(rec)
	return svc, escrows, rec
}

func seedEscrow(t *testing.T, store *escrow.MemoryStore, id string, status escrow.Status, paid escrow.PaymentStatus) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.Create(context.Background(), &escrow.Escrow{
		ID: id, CreatorID: alice.UserID, CreatorEmail: alice.Email, CreatorRole: escrow.RoleBuyer,
		CounterpartyEmail: bob.Email, CounterpartyID: bob.UserID, BuyerID: alice.UserID, SellerID: bob.UserID,
		Amount: decimal.NewFromInt(1000), Currency: "NGN", FeePolicy: escrow.FeeBuyer, Terms: []string{"deliver"},
		Status: status, PaymentStatus: paid, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusOpen, StatusResolved, true},
		{StatusOpen, StatusClosed, true},
		{StatusResolved, StatusOpen, true},
		{StatusClosed, StatusOpen, true},
		{StatusOpen, StatusOpen, false},
		{StatusResolved, StatusClosed, false},
		{StatusClosed, StatusResolved, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestOpen_SecondAttemptConflicts(t *testing.T) {
	svc, escrows, rec := newTestService(t)
	ctx := context.Background()
	seedEscrow(t, escrows, "esc_1", escrow.StatusActive, escrow.Paid)

	d, err := svc.Open(ctx, alice.UserID, OpenRequest{EscrowID: "esc_1", Reason: "  item never arrived ", Files: []string{"a.png", " "}})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, d.Status)
	assert.Equal(t, bob.UserID, d.ComplaineeID)
	assert.Equal(t, "item never arrived", d.Reason)
	assert.Equal(t, []string{"a.png"}, d.Files)
	assert.Contains(t, rec.events, "usr_bob:dispute.opened")

	_, err = svc.Open(ctx, bob.UserID, OpenRequest{EscrowID: "esc_1", Reason: "buyer is lying"})
	assert.ErrorIs(t, err, ErrAlreadyOpen)

	e, err := escrows.Get(ctx, "esc_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusDisputed, e.Status)
}

func TestOpen_Preconditions(t *testing.T) {
	svc, escrows, _ := newTestService(t)
	ctx := context.Background()
	seedEscrow(t, escrows, "esc_unpaid", escrow.StatusActive, escrow.Unpaid)
	seedEscrow(t, escrows, "esc_pending", escrow.StatusPending, escrow.Unpaid)
	seedEscrow(t, escrows, "esc_done", escrow.StatusCompleted, escrow.Paid)
	seedEscrow(t, escrows, "esc_ok", escrow.StatusActive, escrow.Paid)

	tests := []struct {
		name    string
		actor   string
		escrow  string
		reason  string
		wantErr error
	}{
		{"unpaid", alice.UserID, "esc_unpaid", "x", escrow.ErrNotPaid},
		{"not accepted", alice.UserID, "esc_pending", "x", escrow.ErrNotActive},
		{"completed", alice.UserID, "esc_done", "x", escrow.ErrNotActive},
		{"outsider", eve.UserID, "esc_ok", "x", ErrNotParty},
		{"blank reason", alice.UserID, "esc_ok", "   ", ErrReasonRequired},
		{"missing escrow", alice.UserID, "esc_nope", "x", escrow.ErrEscrowNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Open(ctx, tc.actor, OpenRequest{EscrowID: tc.escrow, Reason: tc.reason})
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	e, _ := escrows.Get(ctx, "esc_ok")
	assert.Equal(t, escrow.StatusActive, e.Status)
}

func TestOpen_ConcurrentOnlyOneWins(t *testing.T) {
	svc, escrows, _ := newTestService(t)
	ctx := context.Background()
	seedEscrow(t, escrows, "esc_1", escrow.StatusActive, escrow.Paid)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		actor := alice.UserID
		if i%2 == 1 {
			actor = bob.UserID
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Open(ctx, actor, OpenRequest{EscrowID: "esc_1", Reason: "race"}); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	n, err := svc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCloseAndReopen(t *testing.T) {
	svc, escrows, _ := newTestService(t)
	ctx := context.Background()
	seedEscrow(t, escrows, "esc_1", escrow.StatusActive, escrow.Paid)
	d, err := svc.Open(ctx, alice.UserID, OpenRequest{EscrowID: "esc_1", Reason: "late"})
	require.NoError(t, err)

	_, err = svc.Close(ctx, bob, d.ID)
	assert.ErrorIs(t, err, ErrNotParty)
	_, err = svc.Close(ctx, eve, d.ID)
	assert.ErrorIs(t, err, ErrDisputeNotFound)

	closed, err := svc.Close(ctx, alice, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, closed.Status)
	assert.Equal(t, alice.UserID, closed.HandledBy)

	_, err = svc.Close(ctx, alice, d.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	e, _ := escrows.Get(ctx, "esc_1")
	assert.Equal(t, escrow.StatusDisputed, e.Status)

	_, err = svc.Reopen(ctx, alice, d.ID)
	assert.ErrorIs(t, err, ErrAdminOnly)
	reopened, err := svc.Reopen(ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, reopened.Status)
}

func TestReopen_BlockedByAnotherOpenDispute(t *testing.T) {
	svc, escrows, _ := newTestService(t)
	ctx := context.Background()
	seedEscrow(t, escrows, "esc_1", escrow.StatusActive, escrow.Paid)
	first, err := svc.Open(ctx, alice.UserID, OpenRequest{EscrowID: "esc_1", Reason: "first"})
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, admin, first.ID)
	require.NoError(t, err)

	e, err := escrows.Get(ctx, "esc_1")
	require.NoError(t, err)
	now := time.Now().UTC()
	second := &Dispute{ID: "dsp_second", EscrowID: "esc_1", ComplainantID: bob.UserID, ComplaineeID: alice.UserID,
		Reason: "second", Status: StatusOpen, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, svc.store.Open(ctx, second, e))

	_, err = svc.Reopen(ctx, admin, first.ID)
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestResolveAndUpdateReason(t *testing.T) {
	svc, escrows, rec := newTestService(t)
	ctx := context.Background()
	seedEscrow(t, escrows, "esc_1", escrow.StatusActive, escrow.Paid)
	d, err := svc.Open(ctx, bob.UserID, OpenRequest{EscrowID: "esc_1", Reason: "no payment release"})
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, bob, d.ID)
	assert.ErrorIs(t, err, ErrAdminOnly)

	updated, err := svc.UpdateReason(ctx, admin, d.ID, "buyer unresponsive")
	require.NoError(t, err)
	assert.Equal(t, "buyer unresponsive", updated.Reason)
	_, err = svc.UpdateReason(ctx, admin, d.ID, "")
	assert.ErrorIs(t, err, ErrReasonRequired)

	resolved, err := svc.Resolve(ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	assert.Equal(t, admin.UserID, resolved.HandledBy)
	assert.Contains(t, rec.events, "usr_alice:dispute.updated")

	_, err = svc.Resolve(ctx, admin, "dsp_missing")
	assert.ErrorIs(t, err, ErrDisputeNotFound)
}

func TestListings(t *testing.T) {
	svc, escrows, _ := newTestService(t)
	ctx := context.Background()
	seedEscrow(t, escrows, "esc_1", escrow.StatusActive, escrow.Paid)
	seedEscrow(t, escrows, "esc_2", escrow.StatusActive, escrow.Paid)

	d1, err := svc.Open(ctx, alice.UserID, OpenRequest{EscrowID: "esc_1", Reason: "one"})
	require.NoError(t, err)
	_, err = svc.Open(ctx, bob.UserID, OpenRequest{EscrowID: "esc_2", Reason: "two"})
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, admin, d1.ID)
	require.NoError(t, err)

	page := pagination.Page{Number: 1, Limit: 10}
	mine, total, err := svc.List(ctx, alice.UserID, page)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, mine, 2)

	none, total, err := svc.List(ctx, eve.UserID, page)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, none)

	open, total, err := svc.ListAll(ctx, StatusOpen, page)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "esc_2", open[0].EscrowID)

	got, err := svc.Get(ctx, admin, d1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
}
