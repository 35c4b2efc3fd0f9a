// Package kyc applies identity verification results reported by the KYC
// provider's webhook.
package kyc

import (
	"context"
	"strings"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/logging"
	"github.com/safehold/safehold/internal/users"
)

var ErrMissingReference = apperr.New(apperr.KindValidation, "invalid_kyc_payload", "customerReference is required")

// EventVerificationCompleted is the only event type that can verify a user.
const EventVerificationCompleted = "verification_completed"

// Event is the provider's webhook body.
type Event struct {
	EventType         string   `json:"event_type"`
	CustomerReference string   `json:"customerReference"`
	Status            Status   `json:"status"`
	Identity          Identity `json:"identity"`
}

// Status carries the provider's verdict.
type Status struct {
	Status string `json:"status"`
}

// Identity is the name the provider verified.
type Identity struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// Users is the slice of the user service KYC needs.
type Users interface {
	GetByCustomerReference(ctx context.Context, ref string) (*users.User, error)
	SetKYC(ctx context.Context, userID string, status users.KYCStatus) (*users.User, error)
}

// Service applies verification events.
type Service struct {
	users Users
}

// NewService creates a KYC service.
func NewService(u Users) *Service {
	return &Service{users: u}
}

// Apply marks the referenced user verified when the event reports a
// completed, verified check whose names match the account. Anything else
// rejects the user.
func (s *Service) Apply(ctx context.Context, ev Event) (*users.User, error) {
	if strings.TrimSpace(ev.CustomerReference) == "" {
		return nil, ErrMissingReference
	}
	u, err := s.users.GetByCustomerReference(ctx, ev.CustomerReference)
	if err != nil {
		return nil, err
	}

	status := users.KYCRejected
	if ev.EventType == EventVerificationCompleted && ev.Status.Status == "verified" && namesMatch(u, ev.Identity) {
		status = users.KYCVerified
	}
	u, err = s.users.SetKYC(ctx, u.ID, status)
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("kyc status applied", "userId", u.ID, "status", status, "eventType", ev.EventType)
	return u, nil
}

func namesMatch(u *users.User, id Identity) bool {
	same := func(a, b string) bool {
		return strings.ToLower(strings.TrimSpace(a)) == strings.ToLower(strings.TrimSpace(b))
	}
	return same(u.Firstname, id.FirstName) && same(u.Lastname, id.LastName)
}
