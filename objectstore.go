package objectdb

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvtx/objectdb/backend"
	"github.com/kvtx/objectdb/errs"
	"github.com/kvtx/objectdb/index"
	"github.com/kvtx/objectdb/keyrange"
)

var txIDCounter int64

func nextTxID() int64 { return atomic.AddInt64(&txIDCounter, 1) }

// ObjectStoreOptions configures a table at creation time.
type ObjectStoreOptions struct {
	// Codec translates between user values and the bytes persisted.
	// Defaults to RawCodec.
	Codec Codec

	// Persistent selects the database's shared Badger-backed engine when
	// true; the zero value (false) keeps the table in a private in-memory
	// Store that doesn't survive Close.
	Persistent bool

	// UpgradeCondition is kept with the store's options but is not
	// consulted anywhere: whether DeleteObjectStore truncates a table
	// during a schema upgrade is decided by the condition passed to
	// DeleteObjectStore itself.
	UpgradeCondition func(oldVersion, newVersion int) bool

	// EnableLRUCache wraps the chosen Store in a Cached decorator.
	EnableLRUCache bool
	LRUCacheSize   int

	// WatchdogTimeout overrides DefaultWatchdogTimeout for transactions
	// opened on this store. Zero selects DefaultWatchdogTimeout; a negative
	// value disables the watchdog.
	WatchdogTimeout time.Duration
}

func (o ObjectStoreOptions) withDefaults() ObjectStoreOptions {
	if o.Codec == nil {
		o.Codec = RawCodec{}
	}
	if o.WatchdogTimeout == 0 {
		o.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if o.LRUCacheSize == 0 {
		o.LRUCacheSize = 4096
	}
	return o
}

// ObjectStore is a single named table: one root Store, its secondary
// indices, and the commit pipeline serializing writes against it.
type ObjectStore struct {
	name    string
	table   string // backend sub-namespace, currently == name
	options ObjectStoreOptions
	store   backend.Store

	connected atomic.Bool // true once the owning Database has connected

	indexMu   sync.RWMutex
	indexDefs map[string]index.Index

	commitMu sync.Mutex // held only during commitTx
	txMu     sync.Mutex // held for a SynchronousTransaction's whole lifetime
}

func newObjectStore(name string, store backend.Store, opts ObjectStoreOptions) *ObjectStore {
	return &ObjectStore{
		name:      name,
		table:     name,
		options:   opts.withDefaults(),
		store:     store,
		indexDefs: make(map[string]index.Index),
	}
}

// Name returns the table name this ObjectStore was created with.
func (s *ObjectStore) Name() string { return s.name }

// GetValue reads key and decodes it through the store's configured Codec.
func (s *ObjectStore) GetValue(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	return true, s.options.Codec.Decode(data, v)
}

// CreateIndex registers a secondary index. Only valid before the owning
// Database connects; afterward it returns ErrSchemaChangeWhileConnected.
func (s *ObjectStore) CreateIndex(name string, unique, multiEntry bool, extract index.ExtractFunc) error {
	if s.connected.Load() {
		return fmt.Errorf("create index %q on %q after connect: %w", name, s.name, errs.ErrSchemaChangeWhileConnected)
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	s.indexDefs[name] = index.Index{Name: name, Unique: unique, MultiEntry: multiEntry, Extract: extract}
	return nil
}

func (s *ObjectStore) markConnected() { s.connected.Store(true) }

func (s *ObjectStore) indexDefsSnapshot() map[string]index.Index {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	out := make(map[string]index.Index, len(s.indexDefs))
	for k, v := range s.indexDefs {
		out[k] = v
	}
	return out
}

// Transaction opens a new read-write Transaction pinned to the store's
// current snapshot.
func (s *ObjectStore) Transaction(ctx context.Context) (*Transaction, error) {
	view, err := s.store.OpenView(ctx)
	if err != nil {
		return nil, fmt.Errorf("open view on %q: %w", s.name, errors.Join(errs.ErrBackend, err))
	}
	rb := &storeView{store: s, view: view}
	tx := newTransaction(nextTxID(), s, rb, s, view, s.options.WatchdogTimeout)
	return tx, nil
}

// SynchronousTransaction opens a Transaction that holds the store's txMu
// from creation until it reaches a terminal state, so at most one
// SynchronousTransaction per store is open at a time. Transactions opened
// with Transaction do not take txMu and are not excluded by it.
func (s *ObjectStore) SynchronousTransaction(ctx context.Context) (*Transaction, error) {
	s.txMu.Lock()
	tx, err := s.Transaction(ctx)
	if err != nil {
		s.txMu.Unlock()
		return nil, err
	}
	tx.releaseCommitLock = s.txMu.Unlock
	return tx, nil
}

// ---- direct read API: Reader backed by an implicit view per call ----

func (s *ObjectStore) withView(ctx context.Context, fn func(backend.View) error) error {
	view, err := s.store.OpenView(ctx)
	if err != nil {
		return fmt.Errorf("open view on %q: %w", s.name, errors.Join(errs.ErrBackend, err))
	}
	defer view.Release(ctx)
	return fn(view)
}

func (s *ObjectStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var val []byte
	var ok bool
	err := s.withView(ctx, func(v backend.View) error {
		var e error
		val, ok, e = v.Get(ctx, s.table, key)
		return e
	})
	return val, ok, err
}

func (s *ObjectStore) Keys(ctx context.Context, q *keyrange.Range) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		view, err := s.store.OpenView(ctx)
		if err != nil {
			yield("", fmt.Errorf("open view on %q: %w", s.name, errors.Join(errs.ErrBackend, err)))
			return
		}
		defer view.Release(ctx)
		for k, err := range view.Keys(ctx, s.table, q) {
			if !yield(k, err) {
				return
			}
		}
	}
}

func (s *ObjectStore) Values(ctx context.Context, q *keyrange.Range) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		view, err := s.store.OpenView(ctx)
		if err != nil {
			yield(Entry{}, fmt.Errorf("open view on %q: %w", s.name, errors.Join(errs.ErrBackend, err)))
			return
		}
		defer view.Release(ctx)
		for e, err := range view.Values(ctx, s.table, q) {
			if !yield(e, err) {
				return
			}
		}
	}
}

func (s *ObjectStore) MinKey(ctx context.Context, q *keyrange.Range) (string, bool, error) {
	var key string
	var ok bool
	err := s.withView(ctx, func(v backend.View) error {
		var e error
		key, ok, e = v.MinKey(ctx, s.table, q)
		return e
	})
	return key, ok, err
}

func (s *ObjectStore) MaxKey(ctx context.Context, q *keyrange.Range) (string, bool, error) {
	var key string
	var ok bool
	err := s.withView(ctx, func(v backend.View) error {
		var e error
		key, ok, e = v.MaxKey(ctx, s.table, q)
		return e
	})
	return key, ok, err
}

func (s *ObjectStore) Count(ctx context.Context, q *keyrange.Range) (int, error) {
	var n int
	err := s.withView(ctx, func(v backend.View) error {
		var e error
		n, e = v.Count(ctx, s.table, q)
		return e
	})
	return n, err
}

// IndexKeys iterates the primary keys in a secondary index's committed
// entries, through a read-only view opened outside of any transaction.
func (s *ObjectStore) IndexKeys(ctx context.Context, name string, q *keyrange.Range) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		idx, ok := s.indexDefsSnapshot()[name]
		if !ok {
			yield("", fmt.Errorf("no such index %q on %q", name, s.name))
			return
		}
		view, err := s.store.OpenView(ctx)
		if err != nil {
			yield("", fmt.Errorf("open view on %q: %w", s.name, errors.Join(errs.ErrBackend, err)))
			return
		}
		defer view.Release(ctx)
		table := index.SubNamespace(s.table, idx.Name)
		for e, err := range view.Values(ctx, table, q) {
			if err != nil {
				yield("", err)
				return
			}
			if !yield(string(e.Value), nil) {
				return
			}
		}
	}
}

// ---- commitBackend implementation: root transactions commit here ----

func (s *ObjectStore) commitTx(ctx context.Context, t *Transaction) (bool, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	defer t.releaseViewAndLock()

	truncate, ops, oldValues := s.flatten(t)
	return s.store.Commit(ctx, truncate, ops, oldValues)
}

func (s *ObjectStore) abortTx(ctx context.Context, t *Transaction) error {
	t.releaseViewAndLock()
	return nil
}

func (s *ObjectStore) applyCombinedTx(ctx context.Context, t *Transaction) (backend.Fragment, bool, error) {
	truncate, ops, oldValues := s.flatten(t)
	return s.store.ApplyCombined(ctx, truncate, ops, oldValues)
}

// flatten turns a Transaction's primary-table overlay and every index
// overlay into the table names to truncate, the batch-op list, and the
// oldValues map the Store's conflict check needs. The Store applies all
// three together as one conflict-gated step, so a truncate staged in the
// same transaction as a conflicting write never lands partially.
func (s *ObjectStore) flatten(t *Transaction) ([]string, []backend.BatchOp, map[backend.TableKey]backend.OldValue) {
	var truncate []string
	if t.truncated {
		truncate = append(truncate, s.table)
		for _, ov := range t.indices {
			truncate = append(truncate, ov.Table())
		}
	}

	var ops []backend.BatchOp
	for k, v := range t.modified {
		ops = append(ops, backend.BatchOp{Table: s.table, Key: k, Value: v})
	}
	for k := range t.removed {
		ops = append(ops, backend.BatchOp{Table: s.table, Key: k, Deleted: true})
	}
	for _, ov := range t.indices {
		ops = append(ops, ov.BatchOps()...)
	}

	oldValues := make(map[backend.TableKey]backend.OldValue, len(t.oldValues))
	for k, ov := range t.oldValues {
		oldValues[backend.TableKey{Table: s.table, Key: k}] = ov
	}
	return truncate, ops, oldValues
}

var _ Reader = (*ObjectStore)(nil)
var _ commitBackend = (*ObjectStore)(nil)

// storeView adapts an ObjectStore + pinned backend.View into the Reader
// interface a root Transaction reads through.
type storeView struct {
	store *ObjectStore
	view  backend.View
}

func (r *storeView) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return r.view.Get(ctx, r.store.table, key)
}

func (r *storeView) Keys(ctx context.Context, q *keyrange.Range) iter.Seq2[string, error] {
	return r.view.Keys(ctx, r.store.table, q)
}

func (r *storeView) Values(ctx context.Context, q *keyrange.Range) iter.Seq2[Entry, error] {
	return r.view.Values(ctx, r.store.table, q)
}

func (r *storeView) MinKey(ctx context.Context, q *keyrange.Range) (string, bool, error) {
	return r.view.MinKey(ctx, r.store.table, q)
}

func (r *storeView) MaxKey(ctx context.Context, q *keyrange.Range) (string, bool, error) {
	return r.view.MaxKey(ctx, r.store.table, q)
}

func (r *storeView) Count(ctx context.Context, q *keyrange.Range) (int, error) {
	return r.view.Count(ctx, r.store.table, q)
}

var _ Reader = (*storeView)(nil)
