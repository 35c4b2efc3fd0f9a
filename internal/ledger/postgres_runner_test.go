package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRunner(t *testing.T) (*PostgresRunner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRunner(db), mock
}

func TestPostgresRunner_Commits(t *testing.T) {
	r, mock := newMockRunner(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := r.Run(context.Background(), func(s Stores) error {
		assert.NotNil(t, s.Wallets)
		assert.NotNil(t, s.Escrows)
		assert.NotNil(t, s.Transactions)
		assert.NotNil(t, s.Audit)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRunner_RollsBackWithoutRetry(t *testing.T) {
	r, mock := newMockRunner(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	calls := 0
	err := r.Run(context.Background(), func(Stores) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRunner_RetriesSerializationFailure(t *testing.T) {
	r, mock := newMockRunner(t)
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	err := r.Run(context.Background(), func(Stores) error {
		calls++
		if calls == 1 {
			return &pq.Error{Code: "40001", Message: "could not serialize access"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}
