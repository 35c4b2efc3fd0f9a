package ledger

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/safehold/safehold/internal/escrow"
	"github.com/safehold/safehold/internal/logging"
	"github.com/safehold/safehold/internal/transactions"
	"github.com/safehold/safehold/internal/wallet"
)

// MemoryRunner serializes units with one mutex and undoes the writes of a
// unit that fails. It backs development mode and tests.
type MemoryRunner struct {
	mu      sync.Mutex
	wallets *wallet.MemoryStore
	escrows *escrow.MemoryStore
	txs     *transactions.MemoryStore
	audit   *MemoryAuditLogger
}

// NewMemoryRunner creates a runner over the in-memory stores.
func NewMemoryRunner(w *wallet.MemoryStore, e *escrow.MemoryStore, t *transactions.MemoryStore, audit *MemoryAuditLogger) *MemoryRunner {
	return &MemoryRunner{wallets: w, escrows: e, txs: t, audit: audit}
}

// journal collects undo steps, newest last.
type journal struct {
	undo    []func()
	entries []*AuditEntry
}

func (j *journal) push(fn func()) { j.undo = append(j.undo, fn) }

func (j *journal) rollback() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
}

func (r *MemoryRunner) Run(ctx context.Context, fn func(s Stores) error) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := &journal{}
	defer func() {
		if p := recover(); p != nil {
			j.rollback()
			panic(p)
		}
		if err != nil {
			j.rollback()
			return
		}
		for _, e := range j.entries {
			if aerr := r.audit.LogAudit(ctx, e); aerr != nil {
				logging.L(ctx).Warn("audit write failed", "error", aerr)
			}
		}
	}()

	s := Stores{
		Wallets:      &journaledWallets{MemoryStore: r.wallets, j: j},
		Escrows:      &journaledEscrows{MemoryStore: r.escrows, j: j},
		Transactions: &journaledTransactions{MemoryStore: r.txs, j: j},
	}
	if r.audit != nil {
		s.Audit = &bufferedAudit{MemoryAuditLogger: r.audit, j: j}
	}
	return fn(s)
}

type journaledWallets struct {
	*wallet.MemoryStore
	j *journal
}

func (w *journaledWallets) Create(ctx context.Context, wl *wallet.Wallet) error {
	if err := w.MemoryStore.Create(ctx, wl); err != nil {
		return err
	}
	userID := wl.UserID
	w.j.push(func() { w.MemoryStore.Delete(userID) })
	return nil
}

func (w *journaledWallets) Apply(ctx context.Context, userID string, op wallet.Op, amount decimal.Decimal) (*wallet.Wallet, error) {
	before, err := w.MemoryStore.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	after, err := w.MemoryStore.Apply(ctx, userID, op, amount)
	if err != nil {
		return nil, err
	}
	w.j.push(func() { w.MemoryStore.Restore(before) })
	return after, nil
}

type journaledEscrows struct {
	*escrow.MemoryStore
	j *journal
}

func (e *journaledEscrows) Update(ctx context.Context, es *escrow.Escrow) error {
	before, err := e.MemoryStore.Get(ctx, es.ID)
	if err != nil {
		return err
	}
	if err := e.MemoryStore.Update(ctx, es); err != nil {
		return err
	}
	e.j.push(func() { e.MemoryStore.Restore(before) })
	return nil
}

type journaledTransactions struct {
	*transactions.MemoryStore
	j *journal
}

func (t *journaledTransactions) Record(ctx context.Context, tx *transactions.Transaction) error {
	if err := t.MemoryStore.Record(ctx, tx); err != nil {
		return err
	}
	ref := tx.Reference
	t.j.push(func() { t.MemoryStore.Delete(ref) })
	return nil
}

func (t *journaledTransactions) Update(ctx context.Context, tx *transactions.Transaction) error {
	before, err := t.MemoryStore.Get(ctx, tx.Reference)
	if err != nil {
		return err
	}
	if err := t.MemoryStore.Update(ctx, tx); err != nil {
		return err
	}
	t.j.push(func() { t.MemoryStore.Restore(before) })
	return nil
}

func (t *journaledTransactions) MarkPending(ctx context.Context, ref string) error {
	before, err := t.MemoryStore.Get(ctx, ref)
	if err != nil {
		return err
	}
	if err := t.MemoryStore.MarkPending(ctx, ref); err != nil {
		return err
	}
	t.j.push(func() { t.MemoryStore.Restore(before) })
	return nil
}

// bufferedAudit holds entries until the unit commits.
type bufferedAudit struct {
	*MemoryAuditLogger
	j *journal
}

func (b *bufferedAudit) LogAudit(_ context.Context, entry *AuditEntry) error {
	b.j.entries = append(b.j.entries, entry)
	return nil
}
