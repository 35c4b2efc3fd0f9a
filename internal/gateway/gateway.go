// Package gateway talks to external payment providers.
//
// Flow:
//  1. CreateCharge starts a hosted checkout for a recorded transaction
//  2. The provider calls back through a signed webhook
//  3. VerifyCharge / VerifyPayout re-read the true outcome by reference
//
// Every provider sits behind a Registry that bounds calls with a timeout,
// retries idempotent verification, and trips a per-provider breaker.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/wallet"
)

// Provider names, matching the merchant values of the payment setting.
const (
	NamePaystack    = "Paystack"
	NameFlutterwave = "Flutterwave"
	NameStripe      = "Stripe"
)

var (
	ErrUnsupportedMerchant = apperr.New(apperr.KindValidation, "unsupported_merchant", "The configured merchant does not support online payments")
	ErrNotConfigured       = apperr.New(apperr.KindUpstreamGateway, "gateway_not_configured", "Payment gateway is not configured")
	ErrPayoutUnsupported   = apperr.New(apperr.KindValidation, "payout_unsupported", "The configured merchant does not support withdrawals")
)

// Outcome is the provider's verdict on a charge or payout.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomePending Outcome = "pending"
)

// IsTerminal reports success or failed.
func (o Outcome) IsTerminal() bool {
	return o == OutcomeSuccess || o == OutcomeFailed
}

// ChargeRequest starts a hosted checkout for Amount in major units.
type ChargeRequest struct {
	Reference   string
	Email       string
	Amount      decimal.Decimal
	Currency    string
	CallbackURL string
	Metadata    map[string]string
}

// Charge is what the client needs to complete payment.
type Charge struct {
	Gateway     string `json:"gateway"`
	Reference   string `json:"reference"`
	RedirectURL string `json:"authorizationUrl"`
	AccessCode  string `json:"accessCode,omitempty"`
}

// Verification is the provider's answer for a reference.
type Verification struct {
	Reference string
	Outcome   Outcome
	Amount    decimal.Decimal
	Currency  string
	Reason    string
}

// PayoutRequest sends Amount to a bank account.
type PayoutRequest struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Bank      wallet.BankInfo
	Reason    string
}

// PayoutResult is the provider's acknowledgement of a payout submission.
type PayoutResult struct {
	Reference     string
	TransferCode  string
	RecipientCode string
	Outcome       Outcome
}

// Gateway is one payment provider.
type Gateway interface {
	Name() string
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	VerifyCharge(ctx context.Context, reference string) (*Verification, error)
	Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
	VerifyPayout(ctx context.Context, reference string) (*Verification, error)
}

// APIError is a non-2xx answer from a provider.
type APIError struct {
	Gateway    string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Gateway, e.StatusCode, e.Message)
}

// IsRejection reports whether the provider answered and refused the request.
// Rejections are final; anything else (timeouts, transport errors, 5xx)
// leaves the outcome unknown.
func IsRejection(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

// countable is the breaker's failure filter: rejections and local
// configuration errors are not outages.
func countable(err error) bool {
	return err != nil && !IsRejection(err) && !isLocal(err)
}
