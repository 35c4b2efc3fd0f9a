package users

import (
	"context"
	"errors"

	"github.com/safehold/safehold/internal/escrow"
)

// ProvisionFunc adapts a function to WalletProvisioner.
type ProvisionFunc func(ctx context.Context, userID string) error

func (f ProvisionFunc) Provision(ctx context.Context, userID string) error { return f(ctx, userID) }

// Directory exposes users to the escrow package.
type Directory struct {
	service *Service
}

// NewDirectory creates an escrow.Directory backed by s.
func NewDirectory(s *Service) *Directory {
	return &Directory{service: s}
}

func party(u *User) *escrow.Party {
	return &escrow.Party{ID: u.ID, Email: u.Email, Firstname: u.Firstname}
}

func (d *Directory) ByID(ctx context.Context, id string) (*escrow.Party, error) {
	u, err := d.service.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return party(u), nil
}

// ByEmail returns nil for unregistered or deleted accounts.
func (d *Directory) ByEmail(ctx context.Context, email string) (*escrow.Party, error) {
	u, err := d.service.GetByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if u.Status == StatusDeleted {
		return nil, nil
	}
	return party(u), nil
}

var _ escrow.Directory = (*Directory)(nil)
