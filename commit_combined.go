package objectdb

import (
	"context"
	"fmt"

	"github.com/kvtx/objectdb/backend"
	"github.com/kvtx/objectdb/errs"
	"go.uber.org/zap"
)

// commitCombined runs the cross-store atomic commit protocol: collect one
// Fragment per transaction, concatenate their batch ops into a single
// write against the shared root engine, and only on success run every
// fragment's deferred closures in the order the transactions were given.
// Either every tx ends COMMITTED or every tx ends CONFLICTED; there is no
// mixed outcome.
func commitCombined(ctx context.Context, d *Database, txs ...*Transaction) (bool, error) {
	if len(txs) < 2 {
		return false, fmt.Errorf("combined commit needs at least 2 transactions, got %d: %w", len(txs), errs.ErrTypeError)
	}

	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	var allOps []backend.BatchOp
	var deferred []func() error

	for _, t := range txs {
		if err := t.requireOpen(); err != nil {
			d.failAll(txs)
			return false, err
		}
		frag, ok, err := t.writeBackend.applyCombinedTx(ctx, t)
		if err != nil {
			d.failAll(txs)
			return false, fmt.Errorf("apply combined tx %d: %w", t.id, err)
		}
		if !ok {
			d.failAll(txs)
			return false, nil
		}
		allOps = append(allOps, frag.Ops...)
		deferred = append(deferred, frag.Deferred...)
	}

	ok, err := d.root.Commit(ctx, nil, allOps, nil)
	if err != nil {
		d.failAll(txs)
		return false, fmt.Errorf("combined commit write: %w", err)
	}
	if !ok {
		d.failAll(txs)
		return false, nil
	}

	for _, fn := range deferred {
		if err := fn(); err != nil {
			logger.Warn("deferred closure failed after combined commit landed", zap.Error(err))
			d.failAll(txs)
			return false, fmt.Errorf("combined commit deferred step: %w", err)
		}
	}

	for _, t := range txs {
		t.wd.Cancel()
		t.releaseViewAndLock()
		t.mu.Lock()
		t.state = StateCommitted
		t.mu.Unlock()
	}
	return true, nil
}

// failAll releases every still-OPEN transaction's watchdog, view and
// commit lock (so a SynchronousTransaction's store isn't left deadlocked)
// and marks it CONFLICTED. A transaction that was already terminal when
// the batch failed — the case that sends us here from the requireOpen
// check — is left untouched: its state already stands, and its resources
// were already released when it reached that state.
func (d *Database) failAll(txs []*Transaction) {
	for _, t := range txs {
		t.mu.Lock()
		open := t.state == StateOpen
		if open {
			t.state = StateConflicted
		}
		t.mu.Unlock()
		if !open {
			continue
		}
		t.wd.Cancel()
		t.releaseViewAndLock()
	}
}
