// Package settings holds the admin-editable payment configuration.
package settings

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/auth"
	"github.com/safehold/safehold/internal/logging"
)

var (
	ErrForbidden   = apperr.New(apperr.KindForbidden, "settings_forbidden", "Only a super admin can change payment settings")
	ErrEmptyUpdate = apperr.New(apperr.KindValidation, "empty_update", "At least one field must be provided")
	ErrFeeRange    = apperr.New(apperr.KindValidation, "invalid_fee", "Fee percentage must be between 0 and 100")
	ErrDisabled    = apperr.New(apperr.KindStateConflict, "payments_disabled", "Gateway payments are currently disabled")
)

// Merchant names a payment gateway.
type Merchant string

const (
	MerchantPaystack     Merchant = "Paystack"
	MerchantFlutterwave  Merchant = "Flutterwave"
	MerchantStripe       Merchant = "Stripe"
	MerchantBankTransfer Merchant = "Bank Transfer"
)

// Status toggles gateway payments.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
)

// PaymentSetting is the process-wide fee and gateway configuration.
type PaymentSetting struct {
	FeePercentage decimal.Decimal `json:"feePercentage"`
	Merchant      Merchant        `json:"merchant"`
	Currency      string          `json:"currency"`
	Status        Status          `json:"status"`
	UpdatedBy     string          `json:"updatedBy,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Default is served until an admin saves settings.
func Default() PaymentSetting {
	return PaymentSetting{
		FeePercentage: decimal.RequireFromString("2.5"),
		Merchant:      MerchantPaystack,
		Currency:      "NGN",
		Status:        StatusEnabled,
	}
}

// Patch is a partial update. Nil fields are left alone.
type Patch struct {
	FeePercentage *decimal.Decimal
	Merchant      *Merchant
	Currency      *string
	Status        *Status
}

func (p Patch) empty() bool {
	return p.FeePercentage == nil && p.Merchant == nil && p.Currency == nil && p.Status == nil
}

// Store persists the singleton. Get returns ok=false when nothing is saved.
type Store interface {
	Get(ctx context.Context) (PaymentSetting, bool, error)
	Put(ctx context.Context, s PaymentSetting) error
}

// Service reads and updates payment settings. Reads always go to the store.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a settings service.
func NewService(store Store) *Service {
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Get returns the current settings, or the defaults.
func (s *Service) Get(ctx context.Context) (PaymentSetting, error) {
	cur, ok, err := s.store.Get(ctx)
	if err != nil {
		return PaymentSetting{}, err
	}
	if !ok {
		return Default(), nil
	}
	return cur, nil
}

// Update applies patch on behalf of actor.
func (s *Service) Update(ctx context.Context, actor auth.Principal, patch Patch) (PaymentSetting, error) {
	if !actor.IsAdmin() || actor.SubRole != auth.SubRoleSuperAdmin {
		return PaymentSetting{}, ErrForbidden
	}
	if patch.empty() {
		return PaymentSetting{}, ErrEmptyUpdate
	}
	cur, err := s.Get(ctx)
	if err != nil {
		return PaymentSetting{}, err
	}
	if patch.FeePercentage != nil {
		fee := *patch.FeePercentage
		if fee.IsNegative() || fee.GreaterThan(decimal.NewFromInt(100)) {
			return PaymentSetting{}, ErrFeeRange
		}
		cur.FeePercentage = fee
	}
	if patch.Merchant != nil {
		cur.Merchant = *patch.Merchant
	}
	if patch.Currency != nil {
		cur.Currency = *patch.Currency
	}
	if patch.Status != nil {
		cur.Status = *patch.Status
	}
	cur.UpdatedBy = actor.UserID
	cur.UpdatedAt = s.now()
	if err := s.store.Put(ctx, cur); err != nil {
		return PaymentSetting{}, err
	}
	logging.L(ctx).Info("payment settings updated",
		"userId", actor.UserID, "merchant", cur.Merchant, "fee", cur.FeePercentage.String(), "status", cur.Status)
	return cur, nil
}
