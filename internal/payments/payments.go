// Package payments orchestrates escrow funding, wallet top-ups and
// withdrawals across the transaction log, the ledger and the payment
// gateways, and reconciles gateway callbacks.
package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/escrow"
	"github.com/safehold/safehold/internal/gateway"
	"github.com/safehold/safehold/internal/ledger"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/settings"
	"github.com/safehold/safehold/internal/syncutil"
	"github.com/safehold/safehold/internal/transactions"
	"github.com/safehold/safehold/internal/users"
	"github.com/safehold/safehold/internal/wallet"
)

var (
	ErrInvalidMethod  = apperr.New(apperr.KindValidation, "invalid_method", `Payment method must be "wallet" or "gateway"`)
	ErrBankRequired   = apperr.New(apperr.KindValidation, "bank_required", "Add a bank account before requesting a withdrawal")
	ErrAmountMismatch = apperr.New(apperr.KindInconsistentSettlement, "amount_mismatch", "Gateway amount does not match the recorded transaction")
)

// Method is how the buyer funds an escrow.
type Method string

const (
	MethodWallet  Method = "wallet"
	MethodGateway Method = "gateway"
)

// Metadata keys sent to gateways alongside the transactions ones.
const (
	metaMethod = "method"
	metaUserID = "userId"
)

// Ledger is the atomic money-movement surface.
type Ledger interface {
	PayWithWallet(ctx context.Context, tx *transactions.Transaction) (*ledger.Payment, error)
	Settle(ctx context.Context, reference string, outcome transactions.Status, reason string) (*ledger.Settlement, error)
	ReserveWithdrawal(ctx context.Context, tx *transactions.Transaction) (*wallet.Wallet, error)
}

// EscrowReader loads the full escrow record.
type EscrowReader interface {
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
}

// UserReader loads the payer.
type UserReader interface {
	GetByID(ctx context.Context, id string) (*users.User, error)
}

// SettingsReader returns the live payment setting.
type SettingsReader interface {
	Get(ctx context.Context) (settings.PaymentSetting, error)
}

// Gateways resolves a provider by merchant name.
type Gateways interface {
	Get(merchant string) (gateway.Gateway, error)
}

// Notifier pushes best-effort realtime events to a user.
type Notifier interface {
	Notify(userID, event string, payload any)
}

// Publisher emits domain events after a state change is stored.
type Publisher interface {
	Publish(ctx context.Context, eventType, key string, payload any)
}

// Deps are the collaborators of Service.
type Deps struct {
	Ledger       Ledger
	Transactions *transactions.Service
	Escrows      EscrowReader
	Wallets      *wallet.Service
	Users        UserReader
	Settings     SettingsReader
	Gateways     Gateways
}

// Service is the payment orchestrator.
type Service struct {
	ledger      Ledger
	txs         *transactions.Service
	escrows     EscrowReader
	wallets     *wallet.Service
	users       UserReader
	settings    SettingsReader
	gateways    Gateways
	notifier    Notifier
	publisher   Publisher
	callbackURL string
	now         func() time.Time

	// verifying serializes gateway verification per reference.
	verifying syncutil.KeyLock
}

// NewService creates the orchestrator.
func NewService(d Deps) *Service {
	return &Service{
		ledger:   d.Ledger,
		txs:      d.Transactions,
		escrows:  d.Escrows,
		wallets:  d.Wallets,
		users:    d.Users,
		settings: d.Settings,
		gateways: d.Gateways,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNotifier enables realtime settlement notices.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithPublisher enables domain events.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithCallbackURL sets the URL gateways redirect to after checkout.
func (s *Service) WithCallbackURL(u string) *Service {
	s.callbackURL = u
	return s
}

// Fees splits the platform fee on amount between the parties. The buyer's
// share is charged with the payment; the seller's is withheld at release.
func Fees(amount, pct decimal.Decimal, policy escrow.FeePolicy) (buyer, seller decimal.Decimal) {
	full := money.Percent(amount, pct)
	switch policy {
	case escrow.FeeSeller:
		return decimal.Zero, full
	case escrow.FeeSplit:
		half := money.Round2(full.Div(decimal.NewFromInt(2)))
		return half, full.Sub(half)
	default:
		return full, decimal.Zero
	}
}

// PaymentResult describes where a payment stands.
type PaymentResult struct {
	Reference   string                    `json:"reference"`
	Method      Method                    `json:"method"`
	Status      transactions.Status       `json:"status"`
	Amount      string                    `json:"amount"`
	Fee         string                    `json:"fee"`
	Total       string                    `json:"total"`
	Charge      *gateway.Charge           `json:"charge,omitempty"`
	Escrow      *escrow.Escrow            `json:"escrow,omitempty"`
	Wallet      *wallet.Wallet            `json:"wallet,omitempty"`
	Transaction *transactions.Transaction `json:"transaction,omitempty"`
}

// pendingError reports a gateway call whose outcome is unknown. The
// transaction stays pending for the webhook or the sweep.
func pendingError(reference string, err error) error {
	return &apperr.Error{
		Kind:    apperr.KindUpstreamGateway,
		Code:    "payment_pending",
		Message: "The payment provider did not confirm the request; it is pending, poll confirm-payment",
		Err:     err,
		Details: map[string]string{"reference": reference, "status": string(transactions.StatusPending)},
	}
}

func (s *Service) notify(userID, event string, payload any) {
	if s.notifier != nil {
		s.notifier.Notify(userID, event, payload)
	}
}

func (s *Service) publish(ctx context.Context, eventType, key string, payload any) {
	if s.publisher != nil {
		s.publisher.Publish(ctx, eventType, key, payload)
	}
}

func (s *Service) activeGateway(ctx context.Context) (gateway.Gateway, settings.PaymentSetting, error) {
	setting, err := s.settings.Get(ctx)
	if err != nil {
		return nil, setting, fmt.Errorf("load payment settings: %w", err)
	}
	if setting.Status == settings.StatusDisabled {
		return nil, setting, settings.ErrDisabled
	}
	gw, err := s.gateways.Get(string(setting.Merchant))
	if err != nil {
		return nil, setting, err
	}
	return gw, setting, nil
}
