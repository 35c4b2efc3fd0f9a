package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/safehold/safehold/internal/money"
)

// Stripe charges cards through Checkout Sessions. The reference rides on
// the payment intent metadata so verification can search for it.
type Stripe struct {
	api *client.API
}

// NewStripe creates a client. baseURL overrides the API host when set.
func NewStripe(secret, baseURL string, timeout time.Duration) *Stripe {
	cfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if baseURL != "" {
		cfg.URL = stripe.String(strings.TrimRight(baseURL, "/"))
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)
	api := client.New(secret, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return &Stripe{api: api}
}

func (s *Stripe) Name() string { return NameStripe }

func (s *Stripe) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	meta := map[string]string{"reference": req.Reference}
	for k, v := range req.Metadata {
		meta[k] = v
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.Reference),
		CustomerEmail:     stripe.String(req.Email),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(money.ToMinor(req.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("SafeHold payment " + req.Reference),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: meta},
	}
	if req.CallbackURL != "" {
		params.SuccessURL = stripe.String(req.CallbackURL)
		params.CancelURL = stripe.String(req.CallbackURL)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.Reference)

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, stripeError(err)
	}
	return &Charge{Gateway: NameStripe, Reference: req.Reference, RedirectURL: sess.URL, AccessCode: sess.ID}, nil
}

func (s *Stripe) VerifyCharge(ctx context.Context, reference string) (*Verification, error) {
	params := &stripe.PaymentIntentSearchParams{}
	params.Query = fmt.Sprintf("metadata['reference']:'%s'", strings.ReplaceAll(reference, "'", ""))
	params.Context = ctx

	out := &Verification{Reference: reference, Outcome: OutcomePending}
	iter := s.api.PaymentIntents.Search(params)
	for iter.Next() {
		pi := iter.PaymentIntent()
		out.Amount = money.FromMinor(pi.Amount)
		out.Currency = strings.ToUpper(string(pi.Currency))
		switch pi.Status {
		case stripe.PaymentIntentStatusSucceeded:
			out.Outcome = OutcomeSuccess
			return out, nil
		case stripe.PaymentIntentStatusCanceled:
			out.Outcome = OutcomeFailed
			if pi.LastPaymentError != nil {
				out.Reason = pi.LastPaymentError.Msg
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, stripeError(err)
	}
	return out, nil
}

// Payout is not offered: withdrawals go through the bank-rail providers.
func (s *Stripe) Payout(context.Context, PayoutRequest) (*PayoutResult, error) {
	return nil, ErrPayoutUnsupported
}

func (s *Stripe) VerifyPayout(context.Context, string) (*Verification, error) {
	return nil, ErrPayoutUnsupported
}

func stripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode != 0 {
		return &APIError{Gateway: NameStripe, StatusCode: se.HTTPStatusCode, Message: se.Msg}
	}
	return fmt.Errorf("stripe request failed: %w", err)
}
