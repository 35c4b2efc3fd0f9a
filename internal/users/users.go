// Package users manages accounts: registration, login, password reset and
// the admin account actions.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/auth"
	"github.com/safehold/safehold/internal/idgen"
	"github.com/safehold/safehold/internal/logging"
	"github.com/safehold/safehold/internal/pagination"
	"github.com/safehold/safehold/internal/validation"
)

var (
	ErrUserNotFound       = apperr.New(apperr.KindNotFound, "user_not_found", "User not found")
	ErrEmailTaken         = apperr.New(apperr.KindStateConflict, "email_taken", "An account with this email already exists")
	ErrUsernameTaken      = apperr.New(apperr.KindStateConflict, "username_taken", "This username is taken")
	ErrInvalidCredentials = apperr.New(apperr.KindUnauthorized, "invalid_credentials", "Invalid email or password")
	ErrAccountDisabled    = apperr.New(apperr.KindForbidden, "account_disabled", "This account is not active")
	ErrWeakPassword       = apperr.New(apperr.KindValidation, "weak_password", "Password must be at least 8 characters")
	ErrInvalidAction      = apperr.New(apperr.KindValidation, "invalid_action", `Action must be "activate", "suspend" or "delete"`)
	ErrActionForbidden    = apperr.New(apperr.KindForbidden, "action_forbidden", "Only a super admin can delete users")
)

// MinPasswordLength is enforced on register and reset.
const MinPasswordLength = 8

// Status is the account state.
type Status string

const (
	StatusInactive  Status = "inactive"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// KYCStatus tracks identity verification.
type KYCStatus string

const (
	KYCUnverified KYCStatus = "unverified"
	KYCPending    KYCStatus = "pending"
	KYCVerified   KYCStatus = "verified"
	KYCRejected   KYCStatus = "rejected"
)

// KYC is the identity verification record.
type KYC struct {
	Status      KYCStatus `json:"status"`
	DocumentURL string    `json:"documentUrl,omitempty"`
}

// User is an account.
type User struct {
	ID                string    `json:"id"`
	Firstname         string    `json:"firstname"`
	Lastname          string    `json:"lastname"`
	Username          string    `json:"username"`
	Email             string    `json:"email"`
	PasswordHash      string    `json:"-"`
	Role              string    `json:"role"`
	SubRole           string    `json:"subRole,omitempty"`
	Status            Status    `json:"status"`
	KYC               KYC       `json:"kyc"`
	CustomerReference string    `json:"customerReference"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Principal is the token subject for u.
func (u *User) Principal() auth.Principal {
	return auth.Principal{UserID: u.ID, Email: u.Email, Role: u.Role, SubRole: u.SubRole}
}

// Store persists users.
type Store interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByCustomerReference(ctx context.Context, ref string) (*User, error)
	Update(ctx context.Context, u *User) error
	List(ctx context.Context, offset, limit int) ([]*User, int, error)
	Count(ctx context.Context) (int, error)
}

// WalletProvisioner creates the user's wallet.
type WalletProvisioner interface {
	Provision(ctx context.Context, userID string) error
}

// Mailer sends account emails. Implementations must not block.
type Mailer interface {
	NotifyUserRegistered(ctx context.Context, u *User)
	NotifyPasswordReset(ctx context.Context, u *User, token string)
}

// RegisterRequest is the input to Register.
type RegisterRequest struct {
	Firstname string
	Lastname  string
	Username  string
	Email     string
	Password  string
}

// Service implements account operations.
type Service struct {
	store   Store
	issuer  *auth.Issuer
	wallets WalletProvisioner
	mailer  Mailer
	cost    int
	now     func() time.Time
}

// NewService creates a users service.
func NewService(store Store, issuer *auth.Issuer, wallets WalletProvisioner) *Service {
	return &Service{
		store:   store,
		issuer:  issuer,
		wallets: wallets,
		cost:    bcrypt.DefaultCost,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithMailer adds account emails.
func (s *Service) WithMailer(m Mailer) *Service {
	s.mailer = m
	return s
}

// Register creates an active user and their wallet.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.now()
	u := &User{
		ID:                idgen.WithPrefix("usr_"),
		Firstname:         strings.TrimSpace(req.Firstname),
		Lastname:          strings.TrimSpace(req.Lastname),
		Username:          strings.ToLower(strings.TrimSpace(req.Username)),
		Email:             validation.NormalizeEmail(req.Email),
		PasswordHash:      string(hash),
		Role:              auth.RoleUser,
		Status:            StatusActive,
		KYC:               KYC{Status: KYCUnverified},
		CustomerReference: idgen.WithPrefix("cus_"),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	if err := s.wallets.Provision(ctx, u.ID); err != nil {
		// Login provisions again, so the account stays usable.
		logging.L(ctx).Error("wallet provisioning failed", "userId", u.ID, "error", err)
	}
	logging.L(ctx).Info("user registered", "userId", u.ID)
	if s.mailer != nil {
		s.mailer.NotifyUserRegistered(ctx, u)
	}
	return u, nil
}

// Login checks credentials and returns a session token.
func (s *Service) Login(ctx context.Context, email, password string) (string, *User, error) {
	u, err := s.store.GetByEmail(ctx, validation.NormalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", nil, ErrInvalidCredentials
	}
	if u.Status != StatusActive {
		return "", nil, ErrAccountDisabled
	}
	if err := s.wallets.Provision(ctx, u.ID); err != nil {
		return "", nil, err
	}
	token, err := s.issuer.Issue(u.Principal())
	if err != nil {
		return "", nil, fmt.Errorf("issue token: %w", err)
	}
	return token, u, nil
}

// ForgotPassword mails a reset token. Unknown emails succeed silently.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	u, err := s.store.GetByEmail(ctx, validation.NormalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	token, err := s.issuer.IssueReset(u.Principal())
	if err != nil {
		return fmt.Errorf("issue reset token: %w", err)
	}
	if s.mailer != nil {
		s.mailer.NotifyPasswordReset(ctx, u, token)
	}
	logging.L(ctx).Info("password reset requested", "userId", u.ID)
	return nil
}

// ResetPassword sets a new password using a reset token.
func (s *Service) ResetPassword(ctx context.Context, token, password string) error {
	p, err := s.issuer.ParseReset(token)
	if err != nil {
		return err
	}
	if len(password) < MinPasswordLength {
		return ErrWeakPassword
	}
	u, err := s.store.GetByID(ctx, p.UserID)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = string(hash)
	u.UpdatedAt = s.now()
	if err := s.store.Update(ctx, u); err != nil {
		return err
	}
	logging.L(ctx).Info("password reset", "userId", u.ID)
	return nil
}

// Me returns the caller's account.
func (s *Service) Me(ctx context.Context, userID string) (*User, error) {
	return s.store.GetByID(ctx, userID)
}

func (s *Service) GetByID(ctx context.Context, id string) (*User, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.store.GetByEmail(ctx, validation.NormalizeEmail(email))
}

func (s *Service) GetByUsername(ctx context.Context, username string) (*User, error) {
	return s.store.GetByUsername(ctx, strings.ToLower(strings.TrimSpace(username)))
}

func (s *Service) GetByCustomerReference(ctx context.Context, ref string) (*User, error) {
	return s.store.GetByCustomerReference(ctx, ref)
}

// List pages through all users, newest first.
func (s *Service) List(ctx context.Context, page pagination.Page) ([]*User, int, error) {
	return s.store.List(ctx, page.Offset(), page.Limit)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}

// Action applies an admin account action. Deleting requires super_admin.
func (s *Service) Action(ctx context.Context, actor auth.Principal, username, action string) (*User, error) {
	var next Status
	switch action {
	case "activate":
		next = StatusActive
	case "suspend":
		next = StatusSuspended
	case "delete":
		if actor.SubRole != auth.SubRoleSuperAdmin {
			return nil, ErrActionForbidden
		}
		next = StatusDeleted
	default:
		return nil, ErrInvalidAction
	}
	u, err := s.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	u.Status = next
	u.UpdatedAt = s.now()
	if err := s.store.Update(ctx, u); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("user action", "userId", u.ID, "actorId", actor.UserID, "action", action)
	return u, nil
}

// SetKYC records a verification outcome.
func (s *Service) SetKYC(ctx context.Context, userID string, status KYCStatus) (*User, error) {
	u, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	u.KYC.Status = status
	u.UpdatedAt = s.now()
	if err := s.store.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}
