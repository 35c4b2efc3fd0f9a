package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Flutterwave is the Flutterwave v3 REST client. Amounts travel in major
// units.
type Flutterwave struct {
	rest *restClient
}

// NewFlutterwave creates a client for baseURL (https://api.flutterwave.com/v3).
func NewFlutterwave(secret, baseURL string, timeout time.Duration) *Flutterwave {
	return &Flutterwave{rest: newRESTClient(NameFlutterwave, strings.TrimRight(baseURL, "/"), secret, timeout)}
}

func (f *Flutterwave) Name() string { return NameFlutterwave }

type flutterwaveEnvelope[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func (f *Flutterwave) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	var resp flutterwaveEnvelope[struct {
		Link string `json:"link"`
	}]
	err := f.rest.do(ctx, http.MethodPost, "/payments", map[string]any{
		"tx_ref":       req.Reference,
		"amount":       req.Amount.StringFixed(2),
		"currency":     req.Currency,
		"redirect_url": req.CallbackURL,
		"customer":     map[string]string{"email": req.Email},
		"meta":         req.Metadata,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, &APIError{Gateway: NameFlutterwave, StatusCode: http.StatusBadRequest, Message: resp.Message}
	}
	return &Charge{Gateway: NameFlutterwave, Reference: req.Reference, RedirectURL: resp.Data.Link}, nil
}

type flutterwaveTxData struct {
	Status          string          `json:"status"`
	TxRef           string          `json:"tx_ref"`
	Reference       string          `json:"reference"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	ProcessorReason string          `json:"processor_response"`
	CompleteMessage string          `json:"complete_message"`
}

func (f *Flutterwave) VerifyCharge(ctx context.Context, reference string) (*Verification, error) {
	var resp flutterwaveEnvelope[flutterwaveTxData]
	path := "/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(reference)
	if err := f.rest.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &Verification{
		Reference: reference,
		Outcome:   flutterwaveOutcome(resp.Data.Status),
		Amount:    resp.Data.Amount,
		Currency:  resp.Data.Currency,
		Reason:    resp.Data.ProcessorReason,
	}, nil
}

func (f *Flutterwave) Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	var resp flutterwaveEnvelope[struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}]
	err := f.rest.do(ctx, http.MethodPost, "/transfers", map[string]any{
		"account_bank":   req.Bank.BankCode,
		"account_number": req.Bank.AccountNumber,
		"amount":         req.Amount.StringFixed(2),
		"currency":       req.Currency,
		"reference":      req.Reference,
		"narration":      req.Reason,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &PayoutResult{Reference: req.Reference, Outcome: flutterwaveOutcome(resp.Data.Status)}, nil
}

func (f *Flutterwave) VerifyPayout(ctx context.Context, reference string) (*Verification, error) {
	var resp flutterwaveEnvelope[[]flutterwaveTxData]
	if err := f.rest.do(ctx, http.MethodGet, "/transfers?reference="+url.QueryEscape(reference), nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return &Verification{Reference: reference, Outcome: OutcomePending}, nil
	}
	d := resp.Data[0]
	return &Verification{
		Reference: reference,
		Outcome:   flutterwaveOutcome(d.Status),
		Amount:    d.Amount,
		Currency:  d.Currency,
		Reason:    d.CompleteMessage,
	}, nil
}

func flutterwaveOutcome(status string) Outcome {
	switch strings.ToLower(status) {
	case "successful", "success":
		return OutcomeSuccess
	case "failed", "cancelled":
		return OutcomeFailed
	default: // new, pending
		return OutcomePending
	}
}
