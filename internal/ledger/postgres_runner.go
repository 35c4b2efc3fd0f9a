package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/safehold/safehold/internal/dbx"
	"github.com/safehold/safehold/internal/escrow"
	"github.com/safehold/safehold/internal/retry"
	"github.com/safehold/safehold/internal/transactions"
	"github.com/safehold/safehold/internal/wallet"
)

// serializationRetry bounds retries of units that lost a serialization race.
var serializationRetry = retry.Policy{Attempts: 5, BaseDelay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

// PostgresRunner runs each unit in one SERIALIZABLE transaction and retries
// it from the start on serialization failures and deadlocks.
type PostgresRunner struct {
	db *sql.DB
}

// NewPostgresRunner creates a runner on db.
func NewPostgresRunner(db *sql.DB) *PostgresRunner {
	return &PostgresRunner{db: db}
}

func (r *PostgresRunner) Run(ctx context.Context, fn func(s Stores) error) error {
	return retry.Do(ctx, serializationRetry, func(ctx context.Context) error {
		err := dbx.InTx(ctx, r.db, &sql.TxOptions{Isolation: sql.LevelSerializable}, func(tx *sql.Tx) error {
			return fn(Stores{
				Wallets:      wallet.NewPostgresStore(tx),
				Escrows:      escrow.NewPostgresStore(tx),
				Transactions: transactions.NewPostgresStore(tx),
				Audit:        NewPostgresAuditLogger(tx),
			})
		})
		if err != nil && !dbx.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
}
