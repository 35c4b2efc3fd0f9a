// Package escrow implements the escrow state machine.
//
// Lifecycle:
//
//	pending --accept--> active --complete--> completed
//	   |                  |
//	   +--reject--> rejected  +--dispute--> disputed
//
// completed and rejected are terminal. Payment is tracked separately in
// PaymentStatus and is written by the ledger, never by this package alone.
package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/money"
)

var (
	ErrEscrowNotFound    = apperr.New(apperr.KindNotFound, "escrow_not_found", "Escrow not found")
	ErrAlreadyAccepted   = apperr.New(apperr.KindStateConflict, "already_accepted", "Escrow has already been accepted")
	ErrInvalidState      = apperr.New(apperr.KindStateConflict, "invalid_escrow_state", "Escrow is not in a state that allows this action")
	ErrNotActive         = apperr.New(apperr.KindStateConflict, "escrow_not_active", "Escrow is not active")
	ErrAlreadyPaid       = apperr.New(apperr.KindStateConflict, "already_paid", "Escrow has already been paid")
	ErrNotPaid           = apperr.New(apperr.KindStateConflict, "escrow_not_paid", "Escrow has not been paid")
	ErrUnauthorized      = apperr.New(apperr.KindForbidden, "escrow_forbidden", "You are not a party to this escrow")
	ErrConcurrentUpdate  = apperr.New(apperr.KindStateConflict, "escrow_modified", "Escrow was modified concurrently, retry")
	ErrSelfCounterparty  = apperr.New(apperr.KindValidation, "self_counterparty", "You cannot create an escrow with your own email address")
	ErrTermsRequired     = apperr.New(apperr.KindValidation, "terms_required", "Escrow must include at least one term")
	ErrInvalidAmount     = apperr.New(apperr.KindValidation, "invalid_amount", "Amount must be greater than zero")
	ErrInvalidRole       = apperr.New(apperr.KindValidation, "invalid_role", `Creator role must be "buyer" or "seller"`)
	ErrInvalidFeePolicy  = apperr.New(apperr.KindValidation, "invalid_fee_policy", `Fee policy must be "buyer", "seller" or "split"`)
	ErrChatNotFound      = apperr.New(apperr.KindNotFound, "chat_not_found", "Chat not found")
	ErrReleaseNotAllowed = apperr.New(apperr.KindForbidden, "release_forbidden", "Only the buyer can confirm delivery")
)

// Status is the escrow lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusDisputed  Status = "disputed"
	StatusRejected  Status = "rejected"
)

// AllStatuses lists every state, in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusActive, StatusCompleted, StatusDisputed, StatusRejected}

// IsTerminal reports completed or rejected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// PaymentStatus tracks whether the buyer has funded the escrow.
type PaymentStatus string

const (
	Unpaid PaymentStatus = "unpaid"
	Paid   PaymentStatus = "paid"
)

// Role is a party's side of the trade.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Opposite returns the other side.
func (r Role) Opposite() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

// FeePolicy assigns the platform fee.
type FeePolicy string

const (
	FeeBuyer  FeePolicy = "buyer"
	FeeSeller FeePolicy = "seller"
	FeeSplit  FeePolicy = "split"
)

// PaidWith records the funding path.
type PaidWith string

const (
	PaidWithWallet  PaidWith = "wallet"
	PaidWithGateway PaidWith = "gateway"
)

// Escrow is the trade aggregate.
type Escrow struct {
	ID                string          `json:"id"`
	CreatorID         string          `json:"creatorId"`
	CreatorEmail      string          `json:"creatorEmail,omitempty"`
	CreatorRole       Role            `json:"creatorRole"`
	CounterpartyEmail string          `json:"counterpartyEmail,omitempty"`
	CounterpartyID    string          `json:"counterpartyId,omitempty"`
	BuyerID           string          `json:"buyerId,omitempty"`
	SellerID          string          `json:"sellerId,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Category          string          `json:"category"`
	FeePolicy         FeePolicy       `json:"feePolicy"`
	BuyerFee          decimal.Decimal `json:"buyerFee"`
	SellerFee         decimal.Decimal `json:"sellerFee"`
	Description       string          `json:"description"`
	Terms             []string        `json:"terms"`
	Status            Status          `json:"status"`
	PaymentStatus     PaymentStatus   `json:"paymentStatus"`
	PaidWith          PaidWith        `json:"paidWith,omitempty"`
	ChatID            string          `json:"chatId,omitempty"`
	Version           int             `json:"-"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	AcceptedAt        *time.Time      `json:"acceptedAt,omitempty"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
}

// MarshalJSON renders amounts with two decimals.
func (e *Escrow) MarshalJSON() ([]byte, error) {
	type alias Escrow
	return json.Marshal(struct {
		*alias
		Amount    string `json:"amount"`
		BuyerFee  string `json:"buyerFee"`
		SellerFee string `json:"sellerFee"`
	}{(*alias)(e), money.Format(e.Amount), money.Format(e.BuyerFee), money.Format(e.SellerFee)})
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	cp.Terms = append([]string(nil), e.Terms...)
	if e.AcceptedAt != nil {
		t := *e.AcceptedAt
		cp.AcceptedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// IsParty reports whether userID is the buyer or the seller.
func (e *Escrow) IsParty(userID string) bool {
	return userID != "" && (userID == e.BuyerID || userID == e.SellerID)
}

// OtherParty returns the buyer when given the seller and vice versa.
func (e *Escrow) OtherParty(userID string) string {
	if userID == e.BuyerID {
		return e.SellerID
	}
	return e.BuyerID
}

// Viewer identifies who is reading an escrow.
type Viewer struct {
	UserID  string
	Email   string
	IsAdmin bool
}

// IsCounterparty compares emails case-insensitively.
func (e *Escrow) IsCounterparty(email string) bool {
	return email != "" && strings.EqualFold(strings.TrimSpace(email), e.CounterpartyEmail)
}

// CanView reports creator, counterparty or admin access.
func (e *Escrow) CanView(v Viewer) bool {
	return v.IsAdmin || v.UserID == e.CreatorID || e.IsCounterparty(v.Email) ||
		(e.CounterpartyID != "" && v.UserID == e.CounterpartyID)
}

// View returns the copy v is allowed to see. The creator and admins get the
// full record; the counterparty gets it without either party's email.
func (e *Escrow) View(v Viewer) *Escrow {
	out := e.Clone()
	if v.IsAdmin || v.UserID == e.CreatorID {
		return out
	}
	out.CreatorEmail = ""
	out.CounterpartyEmail = ""
	return out
}

// ChatMessage is one line in an escrow chat.
type ChatMessage struct {
	SenderID  string    `json:"senderId,omitempty"`
	Text      string    `json:"text"`
	System    bool      `json:"system"`
	Timestamp time.Time `json:"timestamp"`
}

// Chat is the channel opened between the parties on acceptance.
type Chat struct {
	ID           string        `json:"id"`
	EscrowID     string        `json:"escrowId"`
	Participants []string      `json:"participants"`
	Messages     []ChatMessage `json:"messages"`
	Active       bool          `json:"active"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Filter narrows listings. Empty fields match everything.
type Filter struct {
	Status        Status
	PaymentStatus PaymentStatus
	UserID        string
}

// Store persists escrows. Update is a compare-and-swap on Version.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	// Accept writes the accepted escrow and its chat together.
	Accept(ctx context.Context, e *Escrow, chat *Chat) error
	GetChat(ctx context.Context, id string) (*Chat, error)
	ListForUser(ctx context.Context, userID, email string, f Filter, offset, limit int) ([]*Escrow, int, error)
	List(ctx context.Context, f Filter, offset, limit int) ([]*Escrow, int, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

func validateNew(e *Escrow) error {
	if e.CreatorRole != RoleBuyer && e.CreatorRole != RoleSeller {
		return ErrInvalidRole
	}
	switch e.FeePolicy {
	case FeeBuyer, FeeSeller, FeeSplit:
	default:
		return ErrInvalidFeePolicy
	}
	if len(e.Terms) == 0 {
		return ErrTermsRequired
	}
	for _, t := range e.Terms {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: terms cannot be blank", ErrTermsRequired)
		}
	}
	if !e.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if strings.EqualFold(strings.TrimSpace(e.CreatorEmail), strings.TrimSpace(e.CounterpartyEmail)) {
		return ErrSelfCounterparty
	}
	return nil
}
