package backend

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/kvtx/objectdb/keyrange"
)

// Badger is the PersistentKV Store variant: an LSM-backed, ordered Store
// used when ObjectStoreOptions.Persistent is true. Badger's own
// on-disk ordering is lexicographic over raw bytes, which is exactly the
// ordered-by-unsigned-lexicographic-key-comparison guarantee the Store contract
// requires, so table namespacing is done with a plain "table\x00key"
// prefix rather than any bespoke encoding.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (creating if necessary) a Badger-backed Store rooted at
// dir.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db}, nil
}

// Close releases the underlying Badger database handle.
func (b *Badger) Close() error {
	return b.db.Close()
}

const tableSep = "\x00"

func tableKeyBytes(table, key string) []byte {
	return []byte(table + tableSep + key)
}

func splitTableKey(table string, raw []byte) (key string, ok bool) {
	prefix := table + tableSep
	s := string(raw)
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

func (b *Badger) Get(ctx context.Context, table, key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tableKeyBytes(table, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(v []byte) error {
			value = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

func (b *Badger) matchingKeys(table string, q *keyrange.Range) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(table + tableSep)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw := it.Item().KeyCopy(nil)
			k, ok := splitTableKey(table, raw)
			if !ok || !q.Includes(k) {
				continue
			}
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *Badger) Keys(ctx context.Context, table string, q *keyrange.Range) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		keys, err := b.matchingKeys(table, q)
		if err != nil {
			yield("", err)
			return
		}
		for _, k := range keys {
			if !yield(k, nil) {
				return
			}
		}
	}
}

func (b *Badger) Values(ctx context.Context, table string, q *keyrange.Range) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for k, err := range b.Keys(ctx, table, q) {
			if err != nil {
				yield(Entry{}, err)
				return
			}
			v, ok, err := b.Get(ctx, table, k)
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

func (b *Badger) MinKey(ctx context.Context, table string, q *keyrange.Range) (string, bool, error) {
	keys, err := b.matchingKeys(table, q)
	if err != nil || len(keys) == 0 {
		return "", false, err
	}
	return keys[0], true, nil
}

func (b *Badger) MaxKey(ctx context.Context, table string, q *keyrange.Range) (string, bool, error) {
	keys, err := b.matchingKeys(table, q)
	if err != nil || len(keys) == 0 {
		return "", false, err
	}
	return keys[len(keys)-1], true, nil
}

func (b *Badger) Count(ctx context.Context, table string, q *keyrange.Range) (int, error) {
	keys, err := b.matchingKeys(table, q)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (b *Badger) checkConflicts(txn *badger.Txn, oldValues map[TableKey]OldValue) (bool, error) {
	for tk, ov := range oldValues {
		item, err := txn.Get(tableKeyBytes(tk.Table, tk.Key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if ov.Existed {
				return true, nil
			}
		case err != nil:
			return false, err
		default:
			if !ov.Existed {
				return true, nil
			}
			var cur []byte
			if err := item.Value(func(v []byte) error { cur = append([]byte(nil), v...); return nil }); err != nil {
				return false, err
			}
			if !bytes.Equal(cur, ov.Value) {
				return true, nil
			}
		}
	}
	return false, nil
}

func batchTouched(ops []BatchOp) map[TableKey]bool {
	touched := make(map[TableKey]bool, len(ops))
	for _, op := range ops {
		touched[TableKey{op.Table, op.Key}] = true
	}
	return touched
}

// truncateUntouchedInTxn deletes every key currently in table, except keys
// in touched (which ops is about to set or delete explicitly, overriding
// any truncate of the same key within one commit). Keys are collected
// before any delete, matching Badger's guidance against mutating while an
// iterator over the same prefix is still open.
func truncateUntouchedInTxn(txn *badger.Txn, table string, touched map[TableKey]bool) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	prefix := []byte(table + tableSep)
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		raw := it.Item().KeyCopy(nil)
		k, ok := splitTableKey(table, raw)
		if !ok || touched[TableKey{table, k}] {
			continue
		}
		keys = append(keys, raw)
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (b *Badger) Commit(ctx context.Context, truncate []string, ops []BatchOp, oldValues map[TableKey]OldValue) (bool, error) {
	if len(ops) == 0 && len(truncate) == 0 {
		return true, nil
	}
	touched := batchTouched(ops)
	conflicted := false
	err := b.db.Update(func(txn *badger.Txn) error {
		c, err := b.checkConflicts(txn, oldValues)
		if err != nil {
			return err
		}
		if c {
			conflicted = true
			return nil
		}
		for _, table := range truncate {
			if err := truncateUntouchedInTxn(txn, table, touched); err != nil {
				return err
			}
		}
		for _, op := range ops {
			k := tableKeyBytes(op.Table, op.Key)
			if op.Deleted {
				if err := txn.Delete(k); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(k, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return !conflicted, nil
}

// ApplyCombined checks conflicts and resolves truncate against the
// current table contents inside one Badger read transaction, then hands
// back concrete ops — the explicit deletes a truncate implies, plus the
// caller's own ops — as a Fragment instead of writing: the combined-commit
// coordinator applies the real badger.Txn.Set/Delete calls itself, in one
// shared transaction across every participating ObjectStore table (they
// all share this *Badger Store instance, which is the structural "common
// root store" a combined commit requires).
func (b *Badger) ApplyCombined(ctx context.Context, truncate []string, ops []BatchOp, oldValues map[TableKey]OldValue) (Fragment, bool, error) {
	touched := batchTouched(ops)
	var conflicted bool
	var truncateOps []BatchOp
	err := b.db.View(func(txn *badger.Txn) error {
		c, err := b.checkConflicts(txn, oldValues)
		if err != nil {
			return err
		}
		conflicted = c
		if c {
			return nil
		}
		for _, table := range truncate {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			prefix := []byte(table + tableSep)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				raw := it.Item().KeyCopy(nil)
				k, ok := splitTableKey(table, raw)
				if !ok || touched[TableKey{table, k}] {
					continue
				}
				truncateOps = append(truncateOps, BatchOp{Table: table, Key: k, Deleted: true})
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return Fragment{}, false, err
	}
	if conflicted {
		return Fragment{}, false, nil
	}
	allOps := append(truncateOps, ops...)
	return Fragment{Ops: allOps}, true, nil
}

// Truncate clears table outside of any conflict check; used only by the
// schema-upgrade pass at Open time. A transactional truncate goes through
// Commit/ApplyCombined's truncate parameter instead.
func (b *Badger) Truncate(ctx context.Context, table string) error {
	keys, err := b.matchingKeys(table, nil)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(tableKeyBytes(table, k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) OpenView(ctx context.Context) (View, error) {
	return &badgerView{db: b.db, txn: b.db.NewTransaction(false)}, nil
}

// badgerView wraps a single read-only badger.Txn, which badger pins to a
// fixed commit timestamp for its whole lifetime — the same
// snapshot-at-creation semantics as backend.Memory's view.
type badgerView struct {
	db  *badger.DB
	txn *badger.Txn
}

func (v *badgerView) Get(ctx context.Context, table, key string) ([]byte, bool, error) {
	item, err := v.txn.Get(tableKeyBytes(table, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var val []byte
	if err := item.Value(func(v []byte) error { val = append([]byte(nil), v...); return nil }); err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (v *badgerView) matchingKeys(table string, q *keyrange.Range) ([]string, error) {
	var keys []string
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := v.txn.NewIterator(opts)
	defer it.Close()

	prefix := []byte(table + tableSep)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		raw := it.Item().KeyCopy(nil)
		k, ok := splitTableKey(table, raw)
		if !ok || !q.Includes(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (v *badgerView) Keys(ctx context.Context, table string, q *keyrange.Range) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		keys, err := v.matchingKeys(table, q)
		if err != nil {
			yield("", err)
			return
		}
		for _, k := range keys {
			if !yield(k, nil) {
				return
			}
		}
	}
}

func (v *badgerView) Values(ctx context.Context, table string, q *keyrange.Range) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for k, err := range v.Keys(ctx, table, q) {
			if err != nil {
				yield(Entry{}, err)
				return
			}
			val, ok, err := v.Get(ctx, table, k)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !ok {
				continue
			}
			if !yield(Entry{Key: k, Value: val}, nil) {
				return
			}
		}
	}
}

func (v *badgerView) MinKey(ctx context.Context, table string, q *keyrange.Range) (string, bool, error) {
	keys, err := v.matchingKeys(table, q)
	if err != nil || len(keys) == 0 {
		return "", false, err
	}
	return keys[0], true, nil
}

func (v *badgerView) MaxKey(ctx context.Context, table string, q *keyrange.Range) (string, bool, error) {
	keys, err := v.matchingKeys(table, q)
	if err != nil || len(keys) == 0 {
		return "", false, err
	}
	return keys[len(keys)-1], true, nil
}

func (v *badgerView) Count(ctx context.Context, table string, q *keyrange.Range) (int, error) {
	keys, err := v.matchingKeys(table, q)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (v *badgerView) Release(ctx context.Context) error {
	v.txn.Discard()
	return nil
}

var _ Store = (*Badger)(nil)
