package objectdb

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/kvtx/objectdb/backend"
	"github.com/kvtx/objectdb/errs"
	"github.com/kvtx/objectdb/index"
	"github.com/kvtx/objectdb/keyrange"
	"go.uber.org/zap"
)

// Entry is an ordered (key, value) pair returned from range queries.
type Entry = backend.Entry

// Reader is the read API shared by ObjectStore and Transaction.
type Reader interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Keys(ctx context.Context, q *keyrange.Range) iter.Seq2[string, error]
	Values(ctx context.Context, q *keyrange.Range) iter.Seq2[Entry, error]
	MinKey(ctx context.Context, q *keyrange.Range) (key string, ok bool, err error)
	MaxKey(ctx context.Context, q *keyrange.Range) (key string, ok bool, err error)
	Count(ctx context.Context, q *keyrange.Range) (int, error)
}

// commitBackend is the write-target half of a Transaction's two backend
// references: backend (read source) and commitBackend (write target,
// usually the same underlying store). Implemented by *ObjectStore (root
// transactions) and by
// *Transaction (nested transactions, whose commit merges into the parent).
type commitBackend interface {
	commitTx(ctx context.Context, tx *Transaction) (bool, error)
	abortTx(ctx context.Context, tx *Transaction) error
	applyCombinedTx(ctx context.Context, tx *Transaction) (backend.Fragment, bool, error)
}

// Transaction overlays staged mutations on top of a snapshot-isolated read
// backend. Mutations are visible only to this transaction
// until Commit succeeds.
type Transaction struct {
	id int64

	store         *ObjectStore // table metadata, index defs, commit pipeline
	readBackend   Reader       // another Transaction, or this store's pinned view
	writeBackend  commitBackend

	view backend.View // non-nil only for root (non-nested) transactions

	mu    sync.Mutex // guards state against the watchdog goroutine
	state State

	modified  map[string][]byte
	removed   map[string]struct{}
	oldValues map[string]backend.OldValue
	truncated bool

	indices map[string]*index.Overlay

	wd *watchdog

	// releaseCommitLock, when set, runs once the transaction reaches a
	// terminal state — used by SynchronousTransaction to hold the store's
	// txMu for the whole transaction lifetime.
	releaseCommitLock func()
}

// releaseViewAndLock releases the pinned backend.View (root transactions
// only) and any SynchronousTransaction lock, exactly once.
func (t *Transaction) releaseViewAndLock() {
	if t.view != nil {
		t.view.Release(context.Background())
		t.view = nil
	}
	if t.releaseCommitLock != nil {
		t.releaseCommitLock()
		t.releaseCommitLock = nil
	}
}

func newTransaction(id int64, store *ObjectStore, readBackend Reader, writeBackend commitBackend, view backend.View, watchdogTimeout time.Duration) *Transaction {
	t := &Transaction{
		id:           id,
		store:        store,
		readBackend:  readBackend,
		writeBackend: writeBackend,
		view:         view,
		modified:     make(map[string][]byte),
		removed:      make(map[string]struct{}),
		oldValues:    make(map[string]backend.OldValue),
		indices:      make(map[string]*index.Overlay),
	}
	for name, idx := range store.indexDefs {
		t.indices[name] = index.New(idx, store.table)
	}
	t.wd = newWatchdog(watchdogTimeout, t.onWatchdogFire)
	return t
}

// ID returns the transaction's monotonic, process-unique identifier.
func (t *Transaction) ID() int64 { return t.id }

// State reports the transaction's current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) onWatchdogFire() {
	ctx := context.Background()
	t.mu.Lock()
	if t.state != StateOpen {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	logger.Warn("transaction watchdog fired, aborting", zap.Int64("tx", t.id))
	if err := t.writeBackend.abortTx(ctx, t); err != nil {
		logger.Warn("watchdog abort failed", zap.Int64("tx", t.id), zap.Error(err))
	}
	t.mu.Lock()
	t.state = StateAborted
	t.mu.Unlock()
}

func (t *Transaction) requireOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		if t.state == StateAborted && t.wd.Fired() {
			return fmt.Errorf("transaction %d was aborted by its watchdog: %w", t.id, errors.Join(errs.ErrWatchdogTimeout, errs.ErrInvalidState))
		}
		return fmt.Errorf("transaction %d is %s, not OPEN: %w", t.id, t.state, errs.ErrInvalidState)
	}
	return nil
}

// ---- Reads ----

// Get returns the value staged or backed for key, following the overlay
// precedence: removed, then modified, then truncated, then the backend.
func (t *Transaction) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if _, ok := t.removed[key]; ok {
		return nil, false, nil
	}
	if v, ok := t.modified[key]; ok {
		return v, true, nil
	}
	if t.truncated {
		return nil, false, nil
	}
	return t.readBackend.Get(ctx, key)
}

// Keys iterates keys matching q (nil q means unbounded), ascending.
func (t *Transaction) Keys(ctx context.Context, q *keyrange.Range) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		set := make(map[string]struct{})
		if !t.truncated {
			for k, err := range t.readBackend.Keys(ctx, q) {
				if err != nil {
					yield("", err)
					return
				}
				if _, removed := t.removed[k]; removed {
					continue
				}
				set[k] = struct{}{}
			}
		}
		for k := range t.modified {
			if q.Includes(k) {
				set[k] = struct{}{}
			}
		}
		keys := make([]string, 0, len(set))
		for k := range set {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !yield(k, nil) {
				return
			}
		}
	}
}

// Values iterates (key, value) pairs matching q, ascending.
func (t *Transaction) Values(ctx context.Context, q *keyrange.Range) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for k, err := range t.Keys(ctx, q) {
			if err != nil {
				yield(Entry{}, err)
				return
			}
			v, ok, err := t.Get(ctx, k)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !ok {
				continue
			}
			if !yield(Entry{Key: k, Value: v}, nil) {
				return
			}
		}
	}
}

// MaxKey returns the largest key matching q, restarting the backend search
// past any candidate staged for removal, then merging against modified
// keys.
func (t *Transaction) MaxKey(ctx context.Context, q *keyrange.Range) (string, bool, error) {
	var candidate string
	var have bool

	if !t.truncated {
		cur := q
		for {
			k, ok, err := t.readBackend.MaxKey(ctx, cur)
			if err != nil {
				return "", false, err
			}
			if !ok {
				break
			}
			if _, removed := t.removed[k]; removed {
				cur = cur.UpperBoundBelow(k)
				continue
			}
			candidate, have = k, true
			break
		}
	}

	for k := range t.modified {
		if !q.Includes(k) {
			continue
		}
		if !have || k > candidate {
			candidate, have = k, true
		}
	}
	return candidate, have, nil
}

// MinKey is the symmetric counterpart of MaxKey.
func (t *Transaction) MinKey(ctx context.Context, q *keyrange.Range) (string, bool, error) {
	var candidate string
	var have bool

	if !t.truncated {
		cur := q
		for {
			k, ok, err := t.readBackend.MinKey(ctx, cur)
			if err != nil {
				return "", false, err
			}
			if !ok {
				break
			}
			if _, removed := t.removed[k]; removed {
				cur = cur.LowerBoundAbove(k)
				continue
			}
			candidate, have = k, true
			break
		}
	}

	for k := range t.modified {
		if !q.Includes(k) {
			continue
		}
		if !have || k < candidate {
			candidate, have = k, true
		}
	}
	return candidate, have, nil
}

// Count returns the number of keys matching q. No shortcut is safe here:
// the overlay can both add and remove keys relative to the backend.
func (t *Transaction) Count(ctx context.Context, q *keyrange.Range) (int, error) {
	n := 0
	for _, err := range t.Keys(ctx, q) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// ---- Writes (OPEN only) ----

// Put stages a write. Indices are updated transactionally with the same
// call.
func (t *Transaction) Put(ctx context.Context, key string, value []byte) error {
	if err := t.requireOpen(); err != nil {
		return err
	}
	return t.putInternal(ctx, key, value)
}

// putInternal is the internal write path used by nested-transaction
// merges: it skips the OPEN check, since the caller already verified the
// parent was OPEN once for the whole merge rather than once per key.
func (t *Transaction) putInternal(ctx context.Context, key string, value []byte) error {
	old, existed, err := t.Get(ctx, key)
	if err != nil {
		return err
	}
	if _, captured := t.oldValues[key]; !captured {
		t.oldValues[key] = backend.OldValue{Value: old, Existed: existed}
	}
	delete(t.removed, key)
	t.modified[key] = value
	for _, ov := range t.indices {
		ov.Put(key, old, value)
	}
	return nil
}

// PutValue encodes v through the store's configured Codec and stages it.
func (t *Transaction) PutValue(ctx context.Context, key string, v any) error {
	data, err := t.store.options.Codec.Encode(v)
	if err != nil {
		return err
	}
	return t.Put(ctx, key, data)
}

// GetValue reads key and decodes it through the store's configured Codec.
func (t *Transaction) GetValue(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := t.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	return true, t.store.options.Codec.Decode(data, v)
}

// Remove stages a deletion.
func (t *Transaction) Remove(ctx context.Context, key string) error {
	if err := t.requireOpen(); err != nil {
		return err
	}
	return t.removeInternal(ctx, key)
}

func (t *Transaction) removeInternal(ctx context.Context, key string) error {
	old, existed, err := t.Get(ctx, key)
	if err != nil {
		return err
	}
	if _, captured := t.oldValues[key]; !captured {
		t.oldValues[key] = backend.OldValue{Value: old, Existed: existed}
	}
	delete(t.modified, key)
	t.removed[key] = struct{}{}
	for _, ov := range t.indices {
		ov.Remove(key, old)
	}
	return nil
}

// Truncate stages "delete everything." The truncation flag shadows the
// backend for subsequent reads until a later Put re-introduces a key.
func (t *Transaction) Truncate(ctx context.Context) error {
	if err := t.requireOpen(); err != nil {
		return err
	}
	t.truncateInternal()
	return nil
}

func (t *Transaction) truncateInternal() {
	t.truncated = true
	t.modified = make(map[string][]byte)
	t.removed = make(map[string]struct{})
	t.oldValues = make(map[string]backend.OldValue)
	for _, ov := range t.indices {
		ov.Truncate()
	}
}

// Index returns the overlay for the named secondary index, or nil if no
// such index was created on this transaction's table.
func (t *Transaction) Index(name string) *index.Overlay {
	return t.indices[name]
}

// CreateIndex is always rejected on a transaction: schema changes must
// happen on the ObjectStore before any transaction exists.
func (t *Transaction) CreateIndex(name string, extract index.ExtractFunc) error {
	return fmt.Errorf("create index %q inside a transaction: %w", name, errs.ErrSchemaChangeNotInTransaction)
}

// ---- Commit & abort ----

// Commit attempts to durably apply every staged mutation. ok is false,
// with a nil error, when the backend detected a conflict — conflicts are
// expected, not exceptional.
func (t *Transaction) Commit(ctx context.Context) (bool, error) {
	if err := t.requireOpen(); err != nil {
		return false, err
	}
	t.wd.Cancel()

	ok, err := t.writeBackend.commitTx(ctx, t)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.state = StateConflicted
		logger.Warn("commit backend error", zap.Int64("tx", t.id), zap.Error(err))
		return false, fmt.Errorf("commit tx %d: %w", t.id, errors.Join(errs.ErrBackend, err))
	}
	if ok {
		t.state = StateCommitted
	} else {
		t.state = StateConflicted
		logger.Info("commit conflict", zap.Int64("tx", t.id))
	}
	return ok, nil
}

// Abort discards every staged mutation.
func (t *Transaction) Abort(ctx context.Context) error {
	if err := t.requireOpen(); err != nil {
		return err
	}
	t.wd.Cancel()

	err := t.writeBackend.abortTx(ctx, t)

	t.mu.Lock()
	t.state = StateAborted
	t.mu.Unlock()

	if err != nil {
		logger.Warn("abort backend error", zap.Int64("tx", t.id), zap.Error(err))
		return fmt.Errorf("abort tx %d: %w", t.id, errors.Join(errs.ErrBackend, err))
	}
	return nil
}

// ---- Nested-transaction commitBackend implementation ----
//
// A Transaction may act as the commitBackend for a child Transaction. The
// merge uses the internal, state-check-free write paths since the
// parent's own OPEN-ness was already verified once by commitTx, not
// re-checked per staged key.

func (t *Transaction) commitTx(ctx context.Context, child *Transaction) (bool, error) {
	t.mu.Lock()
	if t.state != StateOpen {
		t.mu.Unlock()
		return false, fmt.Errorf("nested commit onto tx %d which is %s: %w", t.id, t.state, errs.ErrInvalidState)
	}
	t.mu.Unlock()

	if err := t.apply(ctx, child); err != nil {
		return false, err
	}
	return true, nil
}

// apply merges a child transaction's overlay into this one.
func (t *Transaction) apply(ctx context.Context, child *Transaction) error {
	if child.truncated {
		t.truncateInternal()
	}
	for k, v := range child.modified {
		if err := t.putInternal(ctx, k, v); err != nil {
			return err
		}
	}
	for k := range child.removed {
		if err := t.removeInternal(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) abortTx(ctx context.Context, child *Transaction) error {
	// Aborting a nested child never touched the parent's overlay; nothing
	// to undo.
	return nil
}

func (t *Transaction) applyCombinedTx(ctx context.Context, child *Transaction) (backend.Fragment, bool, error) {
	return backend.Fragment{}, false, fmt.Errorf("nested transaction %d cannot participate in a combined commit: %w", child.id, errs.ErrTypeError)
}

var _ commitBackend = (*Transaction)(nil)
var _ Reader = (*Transaction)(nil)
