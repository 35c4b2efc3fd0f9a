package server

import (
	"database/sql"

	"github.com/safehold/safehold/internal/dispute"
	"github.com/safehold/safehold/internal/escrow"
	"github.com/safehold/safehold/internal/ledger"
	"github.com/safehold/safehold/internal/settings"
	"github.com/safehold/safehold/internal/transactions"
	"github.com/safehold/safehold/internal/users"
	"github.com/safehold/safehold/internal/wallet"
	"github.com/safehold/safehold/internal/webhooks"
)

// stores is one backend for every repository the services use.
type stores struct {
	users        users.Store
	wallets      wallet.Store
	escrows      escrow.Store
	disputes     dispute.Store
	settings     settings.Store
	transactions transactions.Store
	webhooks     webhooks.Store
	runner       ledger.Runner
	audit        ledger.AuditLogger
}

// memoryStores keeps everything in process. The ledger runner shares the
// wallet, escrow and transaction maps so its undo log covers them.
func memoryStores() stores {
	w := wallet.NewMemoryStore()
	e := escrow.NewMemoryStore()
	t := transactions.NewMemoryStore()
	audit := ledger.NewMemoryAuditLogger()
	return stores{
		users:        users.NewMemoryStore(),
		wallets:      w,
		escrows:      e,
		disputes:     dispute.NewMemoryStore(e),
		settings:     settings.NewMemoryStore(),
		transactions: t,
		webhooks:     webhooks.NewMemoryStore(),
		runner:       ledger.NewMemoryRunner(w, e, t, audit),
		audit:        audit,
	}
}

func postgresStores(db *sql.DB) stores {
	return stores{
		users:        users.NewPostgresStore(db),
		wallets:      wallet.NewPostgresStore(db),
		escrows:      escrow.NewPostgresStore(db),
		disputes:     dispute.NewPostgresStore(db),
		settings:     settings.NewPostgresStore(db),
		transactions: transactions.NewPostgresStore(db),
		webhooks:     webhooks.NewPostgresStore(db),
		runner:       ledger.NewPostgresRunner(db),
		audit:        ledger.NewPostgresAuditLogger(db),
	}
}
