package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/circuitbreaker"
	"github.com/safehold/safehold/internal/logging"
	"github.com/safehold/safehold/internal/metrics"
	"github.com/safehold/safehold/internal/retry"
	"github.com/safehold/safehold/internal/traces"
)

// verifyRetry is used for VerifyCharge and VerifyPayout only. Charge and
// payout submission are never retried here.
var verifyRetry = retry.Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

// Registry resolves providers by merchant name and wraps each in the
// timeout, retry and breaker policy.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	breaker  *circuitbreaker.Breaker
	timeout  time.Duration
	verify   retry.Policy
}

// NewRegistry creates an empty registry. timeout bounds each provider call.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		gateways: make(map[string]Gateway),
		breaker:  circuitbreaker.New(5, 30*time.Second),
		timeout:  timeout,
		verify:   verifyRetry,
	}
}

// WithBreaker replaces the default breaker.
func (r *Registry) WithBreaker(b *circuitbreaker.Breaker) *Registry {
	r.breaker = b
	return r
}

// WithVerifyRetry replaces the verification retry policy.
func (r *Registry) WithVerifyRetry(p retry.Policy) *Registry {
	r.verify = p
	return r
}

// Register adds or replaces g under g.Name().
func (r *Registry) Register(g Gateway) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[g.Name()] = g
	return r
}

// Get returns the guarded provider for merchant.
func (r *Registry) Get(merchant string) (Gateway, error) {
	r.mu.RLock()
	g, ok := r.gateways[merchant]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnsupportedMerchant
	}
	return &guarded{inner: g, r: r}, nil
}

// Names lists registered providers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		out = append(out, name)
	}
	return out
}

type guarded struct {
	inner Gateway
	r     *Registry
}

func (g *guarded) Name() string { return g.inner.Name() }

func (g *guarded) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	var out *Charge
	err := g.call(ctx, "create_charge", req.Reference, false, func(ctx context.Context) (err error) {
		out, err = g.inner.CreateCharge(ctx, req)
		return err
	})
	return out, err
}

func (g *guarded) VerifyCharge(ctx context.Context, reference string) (*Verification, error) {
	var out *Verification
	err := g.call(ctx, "verify_charge", reference, true, func(ctx context.Context) (err error) {
		out, err = g.inner.VerifyCharge(ctx, reference)
		return err
	})
	return out, err
}

func (g *guarded) Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	var out *PayoutResult
	err := g.call(ctx, "payout", req.Reference, false, func(ctx context.Context) (err error) {
		out, err = g.inner.Payout(ctx, req)
		return err
	})
	return out, err
}

func (g *guarded) VerifyPayout(ctx context.Context, reference string) (*Verification, error) {
	var out *Verification
	err := g.call(ctx, "verify_payout", reference, true, func(ctx context.Context) (err error) {
		out, err = g.inner.VerifyPayout(ctx, reference)
		return err
	})
	return out, err
}

func (g *guarded) call(ctx context.Context, op, reference string, idempotent bool, fn func(ctx context.Context) error) error {
	name := g.inner.Name()
	ctx, span := traces.StartSpan(ctx, "gateway."+op, traces.Gateway(name), traces.Reference(reference))

	attempt := func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, g.r.timeout)
		defer cancel()
		err := g.r.breaker.Execute(name, countable, func() error { return fn(cctx) })
		if err != nil && NotSubmitted(err) {
			return retry.Permanent(err)
		}
		return err
	}

	start := time.Now()
	var err error
	if idempotent {
		err = retry.Do(ctx, g.r.verify, attempt)
	} else {
		err = attempt(ctx)
		if retry.IsPermanent(err) {
			err = errors.Unwrap(err)
		}
	}
	metrics.GatewayRequestDuration.WithLabelValues(name, op).Observe(time.Since(start).Seconds())

	result := "success"
	switch {
	case err == nil:
	case IsRejection(err):
		result = "rejected"
	case errors.Is(err, circuitbreaker.ErrOpen):
		result = "circuit_open"
	default:
		result = "error"
	}
	metrics.GatewayRequestsTotal.WithLabelValues(name, op, result).Inc()

	if err != nil {
		logging.L(ctx).Warn("gateway call failed",
			"gateway", name, "op", op, "reference", reference, "result", result, "error", err)
		if !isLocal(err) {
			err = apperr.Upstream(name, err)
		}
	}
	traces.End(span, err)
	return err
}

// NotSubmitted reports whether err proves the request took no effect at the
// provider: it was refused, or it never left the process because the breaker
// was open or the provider is not configured for it.
func NotSubmitted(err error) bool {
	return IsRejection(err) || errors.Is(err, circuitbreaker.ErrOpen) || isLocal(err)
}

// isLocal reports errors raised before any provider call that already
// carry their own classification.
func isLocal(err error) bool {
	return errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrPayoutUnsupported) || errors.Is(err, ErrUnsupportedMerchant)
}
