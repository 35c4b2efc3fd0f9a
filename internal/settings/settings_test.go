package settings

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safehold/safehold/internal/auth"
)

var superAdmin = auth.Principal{UserID: "usr_root", Role: auth.RoleAdmin, SubRole: auth.SubRoleSuperAdmin}

func TestGet_Defaults(t *testing.T) {
	svc := NewService(NewMemoryStore())
	s, err := svc.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, s.FeePercentage.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, MerchantPaystack, s.Merchant)
	assert.Equal(t, StatusEnabled, s.Status)
}

func TestUpdate(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	fee := decimal.RequireFromString("3")
	m := MerchantFlutterwave
	s, err := svc.Update(ctx, superAdmin, Patch{FeePercentage: &fee, Merchant: &m})
	require.NoError(t, err)
	assert.Equal(t, MerchantFlutterwave, s.Merchant)
	assert.Equal(t, "NGN", s.Currency)

	got, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.True(t, got.FeePercentage.Equal(fee))
	assert.Equal(t, "usr_root", got.UpdatedBy)
}

func TestUpdate_Rules(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	fee := decimal.NewFromInt(1)

	care := auth.Principal{UserID: "usr_cc", Role: auth.RoleAdmin, SubRole: auth.SubRoleCustomerCare}
	_, err := svc.Update(ctx, care, Patch{FeePercentage: &fee})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Update(ctx, superAdmin, Patch{})
	assert.ErrorIs(t, err, ErrEmptyUpdate)

	for _, bad := range []string{"-0.01", "100.01"} {
		f := decimal.RequireFromString(bad)
		_, err = svc.Update(ctx, superAdmin, Patch{FeePercentage: &f})
		assert.ErrorIs(t, err, ErrFeeRange, bad)
	}

	hundred := decimal.NewFromInt(100)
	_, err = svc.Update(ctx, superAdmin, Patch{FeePercentage: &hundred})
	assert.NoError(t, err)
}

func TestPostgresStore_NoRowMeansDefaults(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT fee_percentage").
		WillReturnRows(sqlmock.NewRows([]string{"fee_percentage", "merchant", "currency", "status", "updated_by", "updated_at"}))

	s, err := NewService(NewPostgresStore(db)).Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Default().Merchant, s.Merchant)
	assert.NoError(t, mock.ExpectationsWereMet())
}
