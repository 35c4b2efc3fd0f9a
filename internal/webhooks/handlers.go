package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/idgen"
	"github.com/safehold/safehold/internal/kyc"
	"github.com/safehold/safehold/internal/ledger"
	"github.com/safehold/safehold/internal/logging"
	"github.com/safehold/safehold/internal/metrics"
	"github.com/safehold/safehold/internal/pagination"
	"github.com/safehold/safehold/internal/security"
	"github.com/safehold/safehold/internal/users"
)

// MaxBodyBytes caps a callback body.
const MaxBodyBytes = 1 << 20

const (
	HeaderPaystackSignature = "x-paystack-signature"
	HeaderFlutterwaveHash   = "verif-hash"
	HeaderKYCSignature      = "x-verifyme-signature"
)

// paystackEvents are the Paystack events that can settle a transaction.
var paystackEvents = map[string]bool{
	"charge.success":    true,
	"charge.failed":     true,
	"transfer.success":  true,
	"transfer.failed":   true,
	"transfer.reversed": true,
}

// Secrets authenticates each source. An empty secret rejects every
// delivery from that source.
type Secrets struct {
	Paystack        string
	FlutterwaveHash string
	KYC             string
}

// Reconciler settles a reference after verifying it with its gateway.
type Reconciler interface {
	Reconcile(ctx context.Context, reference string) (*ledger.Settlement, error)
}

// KYCApplier applies a provider verdict to a user.
type KYCApplier interface {
	Apply(ctx context.Context, ev kyc.Event) (*users.User, error)
}

// Handler serves the callback endpoints.
type Handler struct {
	secrets  Secrets
	payments Reconciler
	kyc      KYCApplier
	store    Store
	now      func() time.Time
}

// NewHandler creates a webhook handler.
func NewHandler(secrets Secrets, payments Reconciler, kyc KYCApplier, store Store) *Handler {
	return &Handler{
		secrets:  secrets,
		payments: payments,
		kyc:      kyc,
		store:    store,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes mounts the unauthenticated callback routes. They
// authenticate by signature instead of session.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhook/paystack", h.Paystack)
	r.POST("/webhook/flutterwave", h.Flutterwave)
	r.POST("/webhook/kyc", h.KYC)
}

// RegisterAdminRoutes mounts the delivery log. r must already require the
// admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks", h.ListDeliveries)
}

func readBody(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes)
	return io.ReadAll(c.Request.Body)
}

func (h *Handler) record(ctx context.Context, d *Delivery) {
	metrics.WebhooksTotal.WithLabelValues(string(d.Source), string(d.Result)).Inc()
	if err := h.store.Record(ctx, d); err != nil {
		logging.L(ctx).Warn("failed to record webhook delivery", "source", d.Source, "reference", d.Reference, "error", err)
	}
}

// finish records d and writes the response.
func (h *Handler) finish(c *gin.Context, d *Delivery, status int, body gin.H) {
	h.record(c.Request.Context(), d)
	if body == nil {
		body = gin.H{"status": d.Result}
	}
	c.JSON(status, body)
}

func (h *Handler) delivery(source Source) *Delivery {
	return &Delivery{ID: idgen.WithPrefix("whd_"), Source: source, ReceivedAt: h.now()}
}

func (h *Handler) reject(c *gin.Context, d *Delivery) {
	logging.L(c.Request.Context()).Warn("webhook signature rejected", "source", d.Source, "ip", c.ClientIP())
	d.Result = ResultInvalidSignature
	h.finish(c, d, http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Signature verification failed"})
}

func (h *Handler) malformed(c *gin.Context, d *Delivery, detail string) {
	d.Result = ResultMalformed
	d.Detail = detail
	h.finish(c, d, http.StatusBadRequest, gin.H{"error": "invalid_payload", "message": detail})
}

type paystackEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
	} `json:"data"`
}

// Paystack handles POST /webhook/paystack
func (h *Handler) Paystack(c *gin.Context) {
	d := h.delivery(SourcePaystack)
	body, err := readBody(c)
	if err != nil {
		h.malformed(c, d, "request body too large or unreadable")
		return
	}
	if !security.VerifySHA512(h.secrets.Paystack, body, c.GetHeader(HeaderPaystackSignature)) {
		h.reject(c, d)
		return
	}
	var ev paystackEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.malformed(c, d, "body is not valid JSON")
		return
	}
	d.Event = ev.Event
	d.Reference = strings.TrimSpace(ev.Data.Reference)
	d.Payload = body

	if !paystackEvents[ev.Event] {
		d.Result = ResultIgnored
		h.finish(c, d, http.StatusOK, nil)
		return
	}
	h.reconcile(c, d)
}

type flutterwaveEvent struct {
	Event string `json:"event"`
	Data  struct {
		TxRef     string `json:"tx_ref"`
		Reference string `json:"reference"`
	} `json:"data"`
}

// Flutterwave handles POST /webhook/flutterwave
func (h *Handler) Flutterwave(c *gin.Context) {
	d := h.delivery(SourceFlutterwave)
	body, err := readBody(c)
	if err != nil {
		h.malformed(c, d, "request body too large or unreadable")
		return
	}
	if !security.EqualToken(h.secrets.FlutterwaveHash, c.GetHeader(HeaderFlutterwaveHash)) {
		h.reject(c, d)
		return
	}
	var ev flutterwaveEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.malformed(c, d, "body is not valid JSON")
		return
	}
	d.Event = ev.Event
	d.Payload = body

	switch ev.Event {
	case "charge.completed":
		d.Reference = strings.TrimSpace(ev.Data.TxRef)
	case "transfer.completed":
		d.Reference = strings.TrimSpace(ev.Data.Reference)
	default:
		d.Result = ResultIgnored
		h.finish(c, d, http.StatusOK, nil)
		return
	}
	h.reconcile(c, d)
}

// reconcile settles d.Reference with the outcome its gateway reports.
// Non-2xx answers ask the gateway to deliver again.
func (h *Handler) reconcile(c *gin.Context, d *Delivery) {
	if d.Reference == "" {
		h.malformed(c, d, "reference is missing")
		return
	}
	ctx := c.Request.Context()
	log := logging.L(ctx).With("source", d.Source, "event", d.Event, "reference", d.Reference)

	st, err := h.payments.Reconcile(ctx, d.Reference)
	switch {
	case err == nil && st.Applied:
		d.Result = ResultSettled
		d.Detail = string(st.Transaction.Status)
		log.Info("webhook settled transaction", "status", st.Transaction.Status, "effect", st.Effect)
		h.finish(c, d, http.StatusOK, nil)
	case err == nil:
		d.Result = ResultDuplicate
		d.Detail = string(st.Transaction.Status)
		log.Info("webhook replay ignored", "status", st.Transaction.Status)
		h.finish(c, d, http.StatusOK, nil)
	case apperr.Is(err, apperr.KindPending):
		d.Result = ResultPending
		h.finish(c, d, http.StatusAccepted, nil)
	case apperr.Is(err, apperr.KindNotFound):
		d.Result = ResultNotFound
		log.Warn("webhook for unknown reference")
		h.finish(c, d, http.StatusNotFound, gin.H{"error": "transaction_not_found", "message": "Unknown reference"})
	default:
		d.Result = ResultError
		d.Detail = err.Error()
		h.record(ctx, d)
		apperr.Respond(c, err)
	}
}

// KYC handles POST /webhook/kyc
func (h *Handler) KYC(c *gin.Context) {
	d := h.delivery(SourceKYC)
	body, err := readBody(c)
	if err != nil {
		h.malformed(c, d, "request body too large or unreadable")
		return
	}
	if !security.VerifySHA512(h.secrets.KYC, body, c.GetHeader(HeaderKYCSignature)) {
		h.reject(c, d)
		return
	}
	var ev kyc.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		h.malformed(c, d, "body is not valid JSON")
		return
	}
	d.Event = ev.EventType
	d.Reference = ev.CustomerReference

	ctx := c.Request.Context()
	u, err := h.kyc.Apply(ctx, ev)
	switch {
	case err == nil:
		d.Result = ResultApplied
		d.Detail = string(u.KYC.Status)
		h.finish(c, d, http.StatusOK, gin.H{"status": d.Result, "kyc": u.KYC.Status})
	case errors.Is(err, kyc.ErrMissingReference):
		h.malformed(c, d, err.Error())
	case apperr.Is(err, apperr.KindNotFound):
		d.Result = ResultNotFound
		h.finish(c, d, http.StatusNotFound, gin.H{"error": "user_not_found", "message": "User not found"})
	default:
		d.Result = ResultError
		d.Detail = err.Error()
		h.record(ctx, d)
		apperr.Respond(c, err)
	}
}

// ListDeliveries handles GET /v1/admin/webhooks?source=
func (h *Handler) ListDeliveries(c *gin.Context) {
	source := Source(c.Query("source"))
	switch source {
	case "", SourcePaystack, SourceFlutterwave, SourceKYC:
	default:
		apperr.Respond(c, apperr.Validation("source: must be one of paystack, flutterwave, kyc", nil))
		return
	}
	page := pagination.FromQuery(c)
	rows, total, err := h.store.List(c.Request.Context(), source, page.Offset(), page.Limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	res := pagination.NewResult(rows, total, page)
	c.JSON(http.StatusOK, gin.H{
		"deliveries":  res.Items,
		"totalPages":  res.TotalPages,
		"currentPage": res.CurrentPage,
		"total":       res.Total,
	})
}
