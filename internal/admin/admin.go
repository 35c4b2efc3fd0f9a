// Package admin serves the back-office: the dashboard, cross-user listings,
// account actions, payment settings and manual wallet credits.
package admin

import (
	"context"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/auth"
	"github.com/safehold/safehold/internal/escrow"
	"github.com/safehold/safehold/internal/idgen"
	"github.com/safehold/safehold/internal/ledger"
	"github.com/safehold/safehold/internal/logging"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/pagination"
	"github.com/safehold/safehold/internal/settings"
	"github.com/safehold/safehold/internal/transactions"
	"github.com/safehold/safehold/internal/users"
	"github.com/safehold/safehold/internal/wallet"
)

var (
	ErrUnknownSubRole  = apperr.New(apperr.KindForbidden, "unknown_sub_role", "Admin sub-role is not recognised")
	ErrInvalidStatus   = apperr.New(apperr.KindValidation, "invalid_status", "Status must be one of pending, active, completed, disputed, rejected")
	ErrInvalidAmount   = apperr.New(apperr.KindValidation, "invalid_amount", "Amount must be greater than zero")
	ErrCreditForbidden = apperr.New(apperr.KindForbidden, "credit_forbidden", "Only a super admin can add funds")
)

const (
	// RecentTransactions is how many transactions the dashboard shows.
	RecentTransactions = 10
	// UserDetailRows bounds the escrows and transactions on the user page.
	UserDetailRows = 20
	// AuditTrailRows bounds the audit trail page.
	AuditTrailRows = 100
)

// Gateway recorded on admin wallet credits.
const GatewayAdmin = "admin"

type Users interface {
	Count(ctx context.Context) (int, error)
	List(ctx context.Context, page pagination.Page) ([]*users.User, int, error)
	GetByID(ctx context.Context, id string) (*users.User, error)
	GetByUsername(ctx context.Context, username string) (*users.User, error)
	Action(ctx context.Context, actor auth.Principal, username, action string) (*users.User, error)
}

type Escrows interface {
	CountByStatus(ctx context.Context) (map[escrow.Status]int, error)
	ListAll(ctx context.Context, f escrow.Filter, page pagination.Page) ([]*escrow.Escrow, int, error)
	GetInternal(ctx context.Context, id string) (*escrow.Escrow, error)
}

type Transactions interface {
	Count(ctx context.Context) (int, error)
	List(ctx context.Context, page pagination.Page) ([]*transactions.Transaction, int, error)
	Get(ctx context.Context, reference string) (*transactions.Transaction, error)
	ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*transactions.Transaction, error)
}

type Wallets interface {
	Get(ctx context.Context, userID string) (*wallet.Wallet, error)
	Summary(ctx context.Context) (*wallet.Summary, error)
}

type Disputes interface {
	Count(ctx context.Context) (int, error)
}

type Settings interface {
	Get(ctx context.Context) (settings.PaymentSetting, error)
	Update(ctx context.Context, actor auth.Principal, patch settings.Patch) (settings.PaymentSetting, error)
}

type Ledger interface {
	CreditWallet(ctx context.Context, tx *transactions.Transaction) (*wallet.Wallet, error)
	AuditTrail(ctx context.Context, userID string, limit int) ([]*ledger.AuditEntry, error)
}

// Deps are the services the back-office reads and writes through.
type Deps struct {
	Users        Users
	Escrows      Escrows
	Transactions Transactions
	Wallets      Wallets
	Disputes     Disputes
	Settings     Settings
	Ledger       Ledger
}

// Service implements the admin operations.
type Service struct {
	d Deps
}

// NewService creates an admin service.
func NewService(d Deps) *Service {
	return &Service{d: d}
}

// RecentTransaction is a dashboard row.
type RecentTransaction struct {
	Transaction *transactions.Transaction `json:"transaction"`
	Username    string                    `json:"username"`
}

// Dashboard is the landing page summary. What it contains depends on the
// admin's sub-role.
type Dashboard struct {
	TotalUsers         int                   `json:"totalUsers"`
	TotalEscrows       int                   `json:"totalEscrows"`
	TotalDisputes      int                   `json:"totalDisputes"`
	EscrowCounts       map[escrow.Status]int `json:"escrowCounts"`
	RecentTransactions []RecentTransaction   `json:"recentTransactions"`
	TotalTransactions  *int                  `json:"totalTransactions,omitempty"`
	Wallets            *wallet.Summary       `json:"wallets,omitempty"`
}

// Dashboard builds the summary for subRole. Auditors and super admins see
// wallet totals; customer care sees the transaction count only.
func (s *Service) Dashboard(ctx context.Context, subRole string) (*Dashboard, error) {
	switch subRole {
	case auth.SubRoleCustomerCare, auth.SubRoleAuditor, auth.SubRoleSuperAdmin:
	default:
		return nil, ErrUnknownSubRole
	}

	out := &Dashboard{}
	var err error
	if out.TotalUsers, err = s.d.Users.Count(ctx); err != nil {
		return nil, err
	}
	if out.TotalDisputes, err = s.d.Disputes.Count(ctx); err != nil {
		return nil, err
	}
	if out.EscrowCounts, err = s.d.Escrows.CountByStatus(ctx); err != nil {
		return nil, err
	}
	for _, n := range out.EscrowCounts {
		out.TotalEscrows += n
	}

	recent, _, err := s.d.Transactions.List(ctx, pagination.Page{Number: 1, Limit: RecentTransactions})
	if err != nil {
		return nil, err
	}
	out.RecentTransactions = s.withUsernames(ctx, recent)

	total, err := s.d.Transactions.Count(ctx)
	if err != nil {
		return nil, err
	}
	out.TotalTransactions = &total

	if subRole == auth.SubRoleAuditor || subRole == auth.SubRoleSuperAdmin {
		if out.Wallets, err = s.d.Wallets.Summary(ctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// withUsernames attaches usernames. A deleted or missing user shows as an
// empty name rather than failing the page.
func (s *Service) withUsernames(ctx context.Context, rows []*transactions.Transaction) []RecentTransaction {
	names := make(map[string]string)
	out := make([]RecentTransaction, 0, len(rows))
	for _, tx := range rows {
		name, ok := names[tx.UserID]
		if !ok {
			if u, err := s.d.Users.GetByID(ctx, tx.UserID); err == nil {
				name = u.Username
			}
			names[tx.UserID] = name
		}
		out = append(out, RecentTransaction{Transaction: tx, Username: name})
	}
	return out
}

// Escrows lists escrows, optionally by status and by the username of a party.
func (s *Service) Escrows(ctx context.Context, status, username string, page pagination.Page) ([]*escrow.Escrow, int, error) {
	f := escrow.Filter{}
	if status != "" {
		st := escrow.Status(status)
		if !slices.Contains(escrow.AllStatuses, st) {
			return nil, 0, ErrInvalidStatus
		}
		f.Status = st
	}
	if username = strings.TrimSpace(username); username != "" {
		u, err := s.d.Users.GetByUsername(ctx, username)
		if err != nil {
			return nil, 0, err
		}
		f.UserID = u.ID
	}
	return s.d.Escrows.ListAll(ctx, f, page)
}

// Escrow returns any escrow by ID.
func (s *Service) Escrow(ctx context.Context, id string) (*escrow.Escrow, error) {
	return s.d.Escrows.GetInternal(ctx, id)
}

func (s *Service) Transactions(ctx context.Context, page pagination.Page) ([]*transactions.Transaction, int, error) {
	return s.d.Transactions.List(ctx, page)
}

func (s *Service) Transaction(ctx context.Context, reference string) (*transactions.Transaction, error) {
	return s.d.Transactions.Get(ctx, reference)
}

func (s *Service) Users(ctx context.Context, page pagination.Page) ([]*users.User, int, error) {
	return s.d.Users.List(ctx, page)
}

// UserDetail is everything support needs about one account.
type UserDetail struct {
	User         *users.User                 `json:"user"`
	Wallet       *wallet.Wallet              `json:"wallet,omitempty"`
	Escrows      []*escrow.Escrow            `json:"escrows"`
	Transactions []*transactions.Transaction `json:"transactions"`
}

// User loads username with their wallet and latest escrows and transactions.
func (s *Service) User(ctx context.Context, username string) (*UserDetail, error) {
	u, err := s.d.Users.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	out := &UserDetail{User: u}

	w, err := s.d.Wallets.Get(ctx, u.ID)
	switch {
	case err == nil:
		out.Wallet = w
	case !apperr.Is(err, apperr.KindNotFound):
		return nil, err
	}

	page := pagination.Page{Number: 1, Limit: UserDetailRows}
	if out.Escrows, _, err = s.d.Escrows.ListAll(ctx, escrow.Filter{UserID: u.ID}, page); err != nil {
		return nil, err
	}
	if out.Transactions, err = s.d.Transactions.ListByUser(ctx, u.ID, nil, UserDetailRows); err != nil {
		return nil, err
	}
	return out, nil
}

// UserAction activates, suspends or deletes an account.
func (s *Service) UserAction(ctx context.Context, actor auth.Principal, username, action string) (*users.User, error) {
	return s.d.Users.Action(ctx, actor, username, action)
}

// AuditTrail returns the newest wallet changes for username.
func (s *Service) AuditTrail(ctx context.Context, username string) ([]*ledger.AuditEntry, error) {
	u, err := s.d.Users.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return s.d.Ledger.AuditTrail(ctx, u.ID, AuditTrailRows)
}

func (s *Service) PaymentSettings(ctx context.Context) (settings.PaymentSetting, error) {
	return s.d.Settings.Get(ctx)
}

func (s *Service) UpdatePaymentSettings(ctx context.Context, actor auth.Principal, patch settings.Patch) (settings.PaymentSetting, error) {
	out, err := s.d.Settings.Update(ctx, actor, patch)
	if err != nil {
		return settings.PaymentSetting{}, err
	}
	logging.L(ctx).Info("payment settings updated", "actorId", actor.UserID,
		"fee", out.FeePercentage.String(), "merchant", out.Merchant, "currency", out.Currency, "status", out.Status)
	return out, nil
}

// AddFunds credits username's wallet directly, recorded as a successful
// wallet deposit attributed to actor.
func (s *Service) AddFunds(ctx context.Context, actor auth.Principal, username string, amount decimal.Decimal) (*transactions.Transaction, *wallet.Wallet, error) {
	if !actor.IsAdmin() || actor.SubRole != auth.SubRoleSuperAdmin {
		return nil, nil, ErrCreditForbidden
	}
	amount = money.Round2(amount)
	if !money.Positive(amount) {
		return nil, nil, ErrInvalidAmount
	}
	u, err := s.d.Users.GetByUsername(ctx, username)
	if err != nil {
		return nil, nil, err
	}
	w, err := s.d.Wallets.Get(ctx, u.ID)
	if err != nil {
		return nil, nil, err
	}

	tx := transactions.NewRecord(idgen.Reference("adm_"), u.ID, transactions.Credit, transactions.TypeWalletDeposit,
		amount, money.Zero, w.Currency, GatewayAdmin)
	tx.Metadata = map[string]string{"creditedBy": actor.UserID}
	w, err = s.d.Ledger.CreditWallet(ctx, tx)
	if err != nil {
		return nil, nil, err
	}
	logging.L(ctx).Info("admin credited wallet",
		"userId", u.ID, "actorId", actor.UserID, "amount", money.Format(amount), "reference", tx.Reference)
	return tx, w, nil
}
