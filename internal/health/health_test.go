package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Empty(t *testing.T) {
	healthy, statuses := NewRegistry(time.Second).CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistry_MixedResults(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("database", func(context.Context) error { return nil })
	r.Register("redis", func(context.Context) error { return errors.New("connection refused") })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "redis", statuses[1].Name)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestRegistry_ReplaceKeepsOrder(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("a", func(context.Context) error { return errors.New("down") })
	r.Register("b", func(context.Context) error { return nil })
	r.Register("a", func(context.Context) error { return nil })

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Equal(t, "a", statuses[0].Name)
}

func TestRegistry_Timeout(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Contains(t, statuses[0].Detail, "deadline")
}

func TestDatabaseChecker(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	assert.NoError(t, Database(db)(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("no route"))
	assert.Error(t, Database(db)(context.Background()))
}
