package transactions

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_RecordDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO transactions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "transactions_reference_key"})
	err = NewPostgresStore(db).Record(context.Background(), newTx("pay_1", "usr_1"))
	assert.ErrorIs(t, err, ErrDuplicateReference)
}

func TestPostgresStore_MarkPendingIsConditional(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectExec(regexp.QuoteMeta("WHERE reference = $1 AND status = 'initiated'")).
		WithArgs("pay_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.MarkPending(context.Background(), "pay_1"))

	mock.ExpectExec("UPDATE transactions SET status = 'pending'").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .* FROM transactions WHERE reference").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	err = store.MarkPending(context.Background(), "pay_gone")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE transactions SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	err = NewPostgresStore(db).Update(context.Background(), newTx("pay_1", "usr_1"))
	assert.ErrorIs(t, err, ErrNotFound)
}
