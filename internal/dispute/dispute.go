// Package dispute freezes a paid escrow while the parties' disagreement is
// handled by an administrator.
//
// Lifecycle:
//
//	open --resolve--> resolved
//	open --close----> closed
//	resolved|closed --reopen--> open
//
// An escrow has at most one open dispute. Resolving or closing a dispute
// leaves the escrow disputed.
package dispute

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/escrow"
	"github.com/safehold/safehold/internal/idgen"
	"github.com/safehold/safehold/internal/logging"
	"github.com/safehold/safehold/internal/metrics"
	"github.com/safehold/safehold/internal/pagination"
)

var (
	ErrDisputeNotFound   = apperr.New(apperr.KindNotFound, "dispute_not_found", "Dispute not found")
	ErrAlreadyOpen       = apperr.New(apperr.KindStateConflict, "dispute_already_open", "An open dispute already exists for this escrow")
	ErrNotParty          = apperr.New(apperr.KindForbidden, "dispute_forbidden", "You are not a party to this escrow")
	ErrReasonRequired    = apperr.New(apperr.KindValidation, "reason_required", "A reason is required")
	ErrInvalidTransition = apperr.New(apperr.KindStateConflict, "invalid_dispute_transition", "Dispute cannot move to that state")
	ErrAdminOnly         = apperr.New(apperr.KindForbidden, "forbidden", "Only an administrator can do this")
)

// MaxReasonLength bounds the complaint text.
const MaxReasonLength = 2000

// Status is the dispute state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
	StatusClosed   Status = "closed"
)

var transitions = map[Status][]Status{
	StatusOpen:     {StatusResolved, StatusClosed},
	StatusResolved: {StatusOpen},
	StatusClosed:   {StatusOpen},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Dispute is a complaint against the other party of an escrow.
type Dispute struct {
	ID            string    `json:"id"`
	EscrowID      string    `json:"escrowId"`
	ComplainantID string    `json:"complainantId"`
	ComplaineeID  string    `json:"complaineeId"`
	Reason        string    `json:"reason"`
	Files         []string  `json:"files"`
	Status        Status    `json:"status"`
	HandledBy     string    `json:"handledBy,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (d *Dispute) clone() *Dispute {
	cp := *d
	cp.Files = append([]string(nil), d.Files...)
	return &cp
}

// Involves reports whether userID is the complainant or complainee.
func (d *Dispute) Involves(userID string) bool {
	return userID != "" && (userID == d.ComplainantID || userID == d.ComplaineeID)
}

// Store persists disputes.
type Store interface {
	// Open inserts d and writes the disputed escrow in one unit. It returns
	// ErrAlreadyOpen when the escrow already has an open dispute.
	Open(ctx context.Context, d *Dispute, e *escrow.Escrow) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// Update writes status, reason and handler. Moving a dispute to open
	// fails with ErrAlreadyOpen if another one is open on the same escrow.
	Update(ctx context.Context, d *Dispute) error
	OpenForEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	ListForUser(ctx context.Context, userID string, offset, limit int) ([]*Dispute, int, error)
	List(ctx context.Context, status Status, offset, limit int) ([]*Dispute, int, error)
	Count(ctx context.Context) (int, error)
}

// EscrowReader loads escrows.
type EscrowReader interface {
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
}

// Notifier pushes best-effort realtime events to a user.
type Notifier interface {
	Notify(userID, event string, payload any)
}

// Publisher emits domain events after a state change is stored.
type Publisher interface {
	Publish(ctx context.Context, eventType, key string, payload any)
}

// OpenRequest is the input to Open.
type OpenRequest struct {
	EscrowID string
	Reason   string
	Files    []string
}

// Service implements the dispute workflow.
type Service struct {
	store     Store
	escrows   EscrowReader
	notifier  Notifier
	publisher Publisher
	now       func() time.Time
}

// NewService creates a dispute service.
func NewService(store Store, escrows EscrowReader) *Service {
	return &Service{
		store:   store,
		escrows: escrows,
		now:     func() time.Time { return time.Now().UTC() },
	}
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

func (s *Service) notify(userID, event string, d *Dispute) {
	if s.notifier != nil && userID != "" {
		s.notifier.Notify(userID, event, d)
	}
}

func (s *Service) publish(ctx context.Context, event string, d *Dispute) {
	if s.publisher != nil {
		s.publisher.Publish(ctx, event, d.ID, d)
	}
}

// Open files a complaint by complainantID and moves the escrow to disputed.
// The escrow must be active and paid and the complainant one of its parties.
func (s *Service) Open(ctx context.Context, complainantID string, req OpenRequest) (*Dispute, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	e, err := s.escrows.Get(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(complainantID) {
		return nil, ErrNotParty
	}
	existing, err := s.store.OpenForEscrow(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyOpen
	}
	if e.Status != escrow.StatusActive {
		return nil, escrow.ErrNotActive
	}
	if e.PaymentStatus != escrow.Paid {
		return nil, escrow.ErrNotPaid
	}

	now := s.now()
	d := &Dispute{
		ID:            idgen.WithPrefix("dsp_"),
		EscrowID:      e.ID,
		ComplainantID: complainantID,
		ComplaineeID:  e.OtherParty(complainantID),
		Reason:        reason,
		Files:         cleanFiles(req.Files),
		Status:        StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e.Status = escrow.StatusDisputed
	e.UpdatedAt = now
	if err := s.store.Open(ctx, d, e); err != nil {
		return nil, err
	}

	metrics.DisputesOpenedTotal.Inc()
	metrics.EscrowsTotal.WithLabelValues(string(escrow.StatusDisputed)).Inc()
	logging.L(ctx).Info("dispute opened", "disputeId", d.ID, "escrowId", e.ID, "userId", complainantID)
	s.notify(d.ComplaineeID, "dispute.opened", d)
	s.notify(d.ComplainantID, "dispute.opened", d)
	s.publish(ctx, "dispute.opened", d)
	return d, nil
}

func cleanFiles(files []string) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Get returns a dispute to one of its parties or an admin.
func (s *Service) Get(ctx context.Context, v escrow.Viewer, id string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !v.IsAdmin && !d.Involves(v.UserID) {
		return nil, ErrDisputeNotFound
	}
	return d, nil
}

// move loads id, applies the transition and stores it.
func (s *Service) move(ctx context.Context, actorID, id string, to Status) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(d.Status, to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, d.Status, to)
	}
	from := d.Status
	d.Status = to
	d.HandledBy = actorID
	d.UpdatedAt = s.now()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("dispute status changed",
		"disputeId", d.ID, "escrowId", d.EscrowID, "from", from, "to", to, "actorId", actorID)
	s.notify(d.ComplainantID, "dispute.updated", d)
	s.notify(d.ComplaineeID, "dispute.updated", d)
	s.publish(ctx, "dispute."+string(to), d)
	return d, nil
}

// Close withdraws an open dispute. The complainant may close their own;
// admins may close any.
func (s *Service) Close(ctx context.Context, v escrow.Viewer, id string) (*Dispute, error) {
	d, err := s.Get(ctx, v, id)
	if err != nil {
		return nil, err
	}
	if !v.IsAdmin && d.ComplainantID != v.UserID {
		return nil, ErrNotParty
	}
	return s.move(ctx, v.UserID, id, StatusClosed)
}

// Resolve marks an open dispute resolved.
func (s *Service) Resolve(ctx context.Context, v escrow.Viewer, id string) (*Dispute, error) {
	if !v.IsAdmin {
		return nil, ErrAdminOnly
	}
	return s.move(ctx, v.UserID, id, StatusResolved)
}

// Reopen returns a resolved or closed dispute to open. It fails if the
// escrow has another open dispute.
func (s *Service) Reopen(ctx context.Context, v escrow.Viewer, id string) (*Dispute, error) {
	if !v.IsAdmin {
		return nil, ErrAdminOnly
	}
	return s.move(ctx, v.UserID, id, StatusOpen)
}

// UpdateReason replaces the complaint text.
func (s *Service) UpdateReason(ctx context.Context, v escrow.Viewer, id, reason string) (*Dispute, error) {
	if !v.IsAdmin {
		return nil, ErrAdminOnly
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Reason = reason
	d.HandledBy = v.UserID
	d.UpdatedAt = s.now()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("dispute reason updated", "disputeId", d.ID, "actorId", v.UserID)
	return d, nil
}

// List returns the disputes userID filed or is named in.
func (s *Service) List(ctx context.Context, userID string, page pagination.Page) ([]*Dispute, int, error) {
	return s.store.ListForUser(ctx, userID, page.Offset(), page.Limit)
}

// ListAll is the admin listing. An empty status matches every dispute.
func (s *Service) ListAll(ctx context.Context, status Status, page pagination.Page) ([]*Dispute, int, error) {
	return s.store.List(ctx, status, page.Offset(), page.Limit)
}

// Count returns the number of disputes ever filed.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}
