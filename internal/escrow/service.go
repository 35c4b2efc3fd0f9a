package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/safehold/safehold/internal/idgen"
	"github.com/safehold/safehold/internal/logging"
	"github.com/safehold/safehold/internal/metrics"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/pagination"
)

// Party is the slice of a user this package needs.
type Party struct {
	ID        string
	Email     string
	Firstname string
}

// Directory resolves users. ByEmail returns a nil Party when nobody is
// registered under email.
type Directory interface {
	ByID(ctx context.Context, id string) (*Party, error)
	ByEmail(ctx context.Context, email string) (*Party, error)
}

// Mailer sends the creation notices. Implementations must not block.
type Mailer interface {
	NotifyEscrowCreated(ctx context.Context, creator Party, e *Escrow)
	NotifyCounterpartyEscrowReceived(ctx context.Context, creator Party, counterparty *Party, e *Escrow)
}

// Notifier pushes best-effort realtime events to a user.
type Notifier interface {
	Notify(userID, event string, payload any)
}

// Publisher emits domain events after a state change is stored.
type Publisher interface {
	Publish(ctx context.Context, eventType, key string, payload any)
}

// Releaser settles a completed escrow: it consumes the buyer's funds and
// credits the seller in one atomic unit.
type Releaser interface {
	Release(ctx context.Context, escrowID, actorID string) (*Escrow, error)
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	CreatorRole       Role
	CounterpartyEmail string
	Amount            decimal.Decimal
	Currency          string
	Category          string
	FeePolicy         FeePolicy
	Description       string
	Terms             []string
}

// Service implements the state machine.
type Service struct {
	store     Store
	users     Directory
	mailer    Mailer
	notifier  Notifier
	publisher Publisher
	releaser  Releaser
	now       func() time.Time
}

// NewService creates an escrow service.
func NewService(store Store, users Directory) *Service {
	return &Service{
		store: store,
		users: users,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithMailer adds creation emails.
func (s *Service) WithMailer(m Mailer) *Service {
	s.mailer = m
	return s
}

// WithNotifier adds realtime events.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithPublisher adds domain events.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithReleaser enables Complete.
func (s *Service) WithReleaser(r Releaser) *Service {
	s.releaser = r
	return s
}

func (s *Service) notify(userID, event string, e *Escrow) {
	if s.notifier != nil && userID != "" {
		s.notifier.Notify(userID, event, e)
	}
}

func (s *Service) publish(ctx context.Context, event string, e *Escrow) {
	if s.publisher != nil {
		s.publisher.Publish(ctx, event, e.ID, e)
	}
}

// Create opens a pending escrow. Notification failures never undo it.
func (s *Service) Create(ctx context.Context, creatorID string, req CreateRequest) (*Escrow, error) {
	creator, err := s.users.ByID(ctx, creatorID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	e := &Escrow{
		ID:                idgen.WithPrefix("esc_"),
		CreatorID:         creator.ID,
		CreatorEmail:      strings.ToLower(creator.Email),
		CreatorRole:       req.CreatorRole,
		CounterpartyEmail: strings.ToLower(strings.TrimSpace(req.CounterpartyEmail)),
		Amount:            money.Round2(req.Amount),
		Currency:          req.Currency,
		Category:          strings.TrimSpace(req.Category),
		FeePolicy:         req.FeePolicy,
		BuyerFee:          money.Zero,
		SellerFee:         money.Zero,
		Description:       strings.TrimSpace(req.Description),
		Terms:             req.Terms,
		Status:            StatusPending,
		PaymentStatus:     Unpaid,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := validateNew(e); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusPending)).Inc()
	logging.L(ctx).Info("escrow created", "escrowId", e.ID, "userId", creator.ID, "amount", money.Format(e.Amount))

	s.notify(creator.ID, "escrow.created", e)
	s.publish(ctx, "escrow.created", e)

	counterparty, err := s.users.ByEmail(ctx, e.CounterpartyEmail)
	if err != nil {
		logging.L(ctx).Warn("counterparty lookup failed", "escrowId", e.ID, "error", err)
		counterparty = nil
	}
	if counterparty != nil {
		s.notify(counterparty.ID, "escrow.created", e.View(Viewer{UserID: counterparty.ID, Email: counterparty.Email}))
	}
	if s.mailer != nil {
		s.mailer.NotifyEscrowCreated(ctx, *creator, e)
		s.mailer.NotifyCounterpartyEscrowReceived(ctx, *creator, counterparty, e)
	}
	return e, nil
}

// authorizeCounterparty loads the escrow and checks actorID's email against
// the counterparty email. Outsiders are refused before the state is looked
// at; a party repeating an accept gets the conflict.
func (s *Service) authorizeCounterparty(ctx context.Context, actorID, escrowID string) (*Escrow, *Party, error) {
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, nil, err
	}
	actor, err := s.users.ByID(ctx, actorID)
	if err != nil {
		return nil, nil, err
	}
	if !e.CanView(Viewer{UserID: actor.ID, Email: actor.Email}) {
		return nil, nil, ErrUnauthorized
	}
	switch e.Status {
	case StatusPending:
	case StatusActive, StatusCompleted, StatusDisputed:
		return nil, nil, ErrAlreadyAccepted
	default:
		return nil, nil, ErrInvalidState
	}
	if !e.IsCounterparty(actor.Email) {
		return nil, nil, ErrUnauthorized
	}
	return e, actor, nil
}

// Accept binds the counterparty, derives buyer and seller, activates the
// escrow and opens its chat.
func (s *Service) Accept(ctx context.Context, actorID, escrowID string) (*Escrow, *Chat, error) {
	e, actor, err := s.authorizeCounterparty(ctx, actorID, escrowID)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	e.CounterpartyID = actor.ID
	if e.CreatorRole == RoleBuyer {
		e.BuyerID, e.SellerID = e.CreatorID, actor.ID
	} else {
		e.BuyerID, e.SellerID = actor.ID, e.CreatorID
	}
	e.Status = StatusActive
	e.AcceptedAt = &now
	e.UpdatedAt = now

	chat := &Chat{
		ID:           idgen.WithPrefix("cht_"),
		EscrowID:     e.ID,
		Participants: []string{e.CreatorID, actor.ID},
		Messages: []ChatMessage{{
			Text:      "Chat has been opened between the parties.",
			System:    true,
			Timestamp: now,
		}},
		Active:    true,
		CreatedAt: now,
	}
	e.ChatID = chat.ID

	if err := s.store.Accept(ctx, e, chat); err != nil {
		return nil, nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusActive)).Inc()
	logging.L(ctx).Info("escrow accepted", "escrowId", e.ID, "userId", actor.ID)
	s.notify(e.CreatorID, "escrow.accepted", e)
	s.notify(actor.ID, "escrow.accepted", e.View(Viewer{UserID: actor.ID, Email: actor.Email}))
	s.publish(ctx, "escrow.accepted", e)
	return e, chat, nil
}

// Reject declines a pending escrow.
func (s *Service) Reject(ctx context.Context, actorID, escrowID string) (*Escrow, error) {
	e, actor, err := s.authorizeCounterparty(ctx, actorID, escrowID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	e.Status = StatusRejected
	e.ChatID = ""
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusRejected)).Inc()
	logging.L(ctx).Info("escrow rejected", "escrowId", e.ID, "userId", actor.ID)
	s.notify(e.CreatorID, "escrow.rejected", e)
	s.publish(ctx, "escrow.rejected", e)
	return e, nil
}

// Get returns the escrow as v may see it.
func (s *Service) Get(ctx context.Context, v Viewer, id string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.CanView(v) {
		return nil, ErrUnauthorized
	}
	return e.View(v), nil
}

// GetInternal returns the full record without access checks.
func (s *Service) GetInternal(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// Chat returns the escrow's chat for a party or admin.
func (s *Service) Chat(ctx context.Context, v Viewer, escrowID string) (*Chat, error) {
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !e.CanView(v) {
		return nil, ErrUnauthorized
	}
	if e.ChatID == "" {
		return nil, ErrChatNotFound
	}
	return s.store.GetChat(ctx, e.ChatID)
}

// List returns the escrows v created or was invited to.
func (s *Service) List(ctx context.Context, v Viewer, f Filter, page pagination.Page) ([]*Escrow, int, error) {
	rows, total, err := s.store.ListForUser(ctx, v.UserID, strings.ToLower(v.Email), f, page.Offset(), page.Limit)
	if err != nil {
		return nil, 0, err
	}
	for i, e := range rows {
		rows[i] = e.View(v)
	}
	return rows, total, nil
}

// ListAll is the admin listing.
func (s *Service) ListAll(ctx context.Context, f Filter, page pagination.Page) ([]*Escrow, int, error) {
	return s.store.List(ctx, f, page.Offset(), page.Limit)
}

// CountByStatus returns the number of escrows in each state.
func (s *Service) CountByStatus(ctx context.Context) (map[Status]int, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range AllStatuses {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}
	return counts, nil
}

// Complete is the buyer confirming delivery. The escrow must be active and
// paid; funds move to the seller through the releaser.
func (s *Service) Complete(ctx context.Context, actorID, escrowID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := CheckReleasable(e, actorID); err != nil {
		return nil, err
	}
	if s.releaser == nil {
		return nil, fmt.Errorf("escrow release is not configured")
	}
	done, err := s.releaser.Release(ctx, escrowID, actorID)
	if err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	logging.L(ctx).Info("escrow completed", "escrowId", done.ID, "userId", actorID, "amount", money.Format(done.Amount))
	s.notify(done.BuyerID, "escrow.completed", done)
	s.notify(done.SellerID, "escrow.completed", done)
	s.publish(ctx, "escrow.completed", done)
	return done, nil
}

// CheckReleasable is the guard shared with the ledger's release unit.
func CheckReleasable(e *Escrow, actorID string) error {
	if e.Status != StatusActive {
		return ErrNotActive
	}
	if e.PaymentStatus != Paid {
		return ErrNotPaid
	}
	if actorID != e.BuyerID {
		return ErrReleaseNotAllowed
	}
	return nil
}

// CheckPayable is the guard used before funding: active, unpaid, and the
// payer must be the buyer.
func CheckPayable(e *Escrow, payerID string) error {
	if e.Status != StatusActive {
		return ErrNotActive
	}
	if payerID != e.BuyerID {
		return ErrUnauthorized
	}
	if e.PaymentStatus != Unpaid {
		return ErrAlreadyPaid
	}
	return nil
}

// MarkPaid records funding on e in memory.
func MarkPaid(e *Escrow, via PaidWith, buyerFee, sellerFee decimal.Decimal, at time.Time) error {
	if e.PaymentStatus == Paid {
		return ErrAlreadyPaid
	}
	if e.Status != StatusActive {
		return ErrNotActive
	}
	e.PaymentStatus = Paid
	e.PaidWith = via
	e.BuyerFee = buyerFee
	e.SellerFee = sellerFee
	e.UpdatedAt = at
	return nil
}
