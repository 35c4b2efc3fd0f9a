package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/safehold/safehold/internal/money"
)

// Paystack is the Paystack REST client. Amounts travel in kobo.
type Paystack struct {
	rest *restClient
}

// NewPaystack creates a client for baseURL (https://api.paystack.co).
func NewPaystack(secret, baseURL string, timeout time.Duration) *Paystack {
	return &Paystack{rest: newRESTClient(NamePaystack, strings.TrimRight(baseURL, "/"), secret, timeout)}
}

func (p *Paystack) Name() string { return NamePaystack }

type paystackEnvelope[T any] struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func (p *Paystack) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	body := map[string]any{
		"email":     req.Email,
		"amount":    money.ToMinor(req.Amount),
		"reference": req.Reference,
		"currency":  req.Currency,
		"metadata":  req.Metadata,
	}
	if req.CallbackURL != "" {
		body["callback_url"] = req.CallbackURL
	}

	var resp paystackEnvelope[struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}]
	if err := p.rest.do(ctx, http.MethodPost, "/transaction/initialize", body, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, &APIError{Gateway: NamePaystack, StatusCode: http.StatusBadRequest, Message: resp.Message}
	}
	return &Charge{
		Gateway:     NamePaystack,
		Reference:   req.Reference,
		RedirectURL: resp.Data.AuthorizationURL,
		AccessCode:  resp.Data.AccessCode,
	}, nil
}

type paystackVerifyData struct {
	Status          string `json:"status"`
	Reference       string `json:"reference"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	GatewayResponse string `json:"gateway_response"`
	Reason          string `json:"reason"`
}

func (p *Paystack) VerifyCharge(ctx context.Context, reference string) (*Verification, error) {
	var resp paystackEnvelope[paystackVerifyData]
	if err := p.rest.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &resp); err != nil {
		return nil, err
	}
	return paystackVerification(reference, resp.Data, resp.Data.GatewayResponse), nil
}

func (p *Paystack) Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	recipient := req.Bank.RecipientCode
	if recipient == "" {
		var rresp paystackEnvelope[struct {
			RecipientCode string `json:"recipient_code"`
		}]
		err := p.rest.do(ctx, http.MethodPost, "/transferrecipient", map[string]any{
			"type":           "nuban",
			"name":           req.Bank.AccountName,
			"account_number": req.Bank.AccountNumber,
			"bank_code":      req.Bank.BankCode,
			"currency":       req.Currency,
		}, &rresp)
		if err != nil {
			return nil, err
		}
		recipient = rresp.Data.RecipientCode
	}

	var resp paystackEnvelope[struct {
		TransferCode string `json:"transfer_code"`
		Status       string `json:"status"`
	}]
	err := p.rest.do(ctx, http.MethodPost, "/transfer", map[string]any{
		"source":    "balance",
		"amount":    money.ToMinor(req.Amount),
		"reference": req.Reference,
		"recipient": recipient,
		"reason":    req.Reason,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &PayoutResult{
		Reference:     req.Reference,
		TransferCode:  resp.Data.TransferCode,
		RecipientCode: recipient,
		Outcome:       paystackOutcome(resp.Data.Status),
	}, nil
}

func (p *Paystack) VerifyPayout(ctx context.Context, reference string) (*Verification, error) {
	var resp paystackEnvelope[paystackVerifyData]
	if err := p.rest.do(ctx, http.MethodGet, "/transfer/verify/"+url.PathEscape(reference), nil, &resp); err != nil {
		return nil, err
	}
	return paystackVerification(reference, resp.Data, resp.Data.Reason), nil
}

func paystackVerification(reference string, d paystackVerifyData, reason string) *Verification {
	return &Verification{
		Reference: reference,
		Outcome:   paystackOutcome(d.Status),
		Amount:    money.FromMinor(d.Amount),
		Currency:  d.Currency,
		Reason:    reason,
	}
}

// paystackOutcome folds Paystack's charge and transfer statuses.
func paystackOutcome(status string) Outcome {
	switch strings.ToLower(status) {
	case "success":
		return OutcomeSuccess
	case "failed", "abandoned", "reversed", "rejected":
		return OutcomeFailed
	default: // ongoing, pending, processing, queued, otp
		return OutcomePending
	}
}
