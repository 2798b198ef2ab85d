package index

import (
	"context"
	"iter"
	"sort"

	"github.com/kvtx/objectdb/backend"
	"github.com/kvtx/objectdb/keyrange"
)

// Overlay is the per-transaction secondary-index overlay. It mirrors the same
// modified/removed/truncated shape as the primary Transaction overlay,
// keyed by the index's composite storage key rather than the primary key.
type Overlay struct {
	idx   Index
	table string // backend sub-namespace, index.SubNamespace(table, idx.Name)

	modified  map[string]string // storageKey -> primaryKey
	removed   map[string]struct{}
	truncated bool
}

// New creates an empty overlay for idx on the given primary table.
func New(idx Index, primaryTable string) *Overlay {
	return &Overlay{
		idx:      idx,
		table:    SubNamespace(primaryTable, idx.Name),
		modified: make(map[string]string),
		removed:  make(map[string]struct{}),
	}
}

// Table returns the backend sub-namespace this index overlay is staged
// against.
func (o *Overlay) Table() string { return o.table }

func (o *Overlay) stageRemove(storageKey string) {
	delete(o.modified, storageKey)
	o.removed[storageKey] = struct{}{}
}

func (o *Overlay) stagePut(storageKey, primaryKey string) {
	delete(o.removed, storageKey)
	o.modified[storageKey] = primaryKey
}

// Put updates the overlay when primaryKey's value changes from old to
// new (old may be nil on first insert). Spec §4.4: delete the old
// (indexKey -> primaryKey) mapping, insert the new one.
func (o *Overlay) Put(primaryKey string, old, new []byte) {
	for _, k := range o.idx.Extract(old) {
		o.stageRemove(storageKey(o.idx.Unique, k, primaryKey))
	}
	for _, k := range o.idx.Extract(new) {
		o.stagePut(storageKey(o.idx.Unique, k, primaryKey), primaryKey)
	}
}

// Remove updates the overlay when primaryKey is deleted; old is its
// last known value.
func (o *Overlay) Remove(primaryKey string, old []byte) {
	for _, k := range o.idx.Extract(old) {
		o.stageRemove(storageKey(o.idx.Unique, k, primaryKey))
	}
}

// Truncate marks the overlay empty, shadowing the backend index exactly
// like Transaction.truncate shadows the primary table.
func (o *Overlay) Truncate() {
	o.truncated = true
	o.modified = make(map[string]string)
	o.removed = make(map[string]struct{})
}

// BatchOps flattens the overlay into backend mutations against the
// index's sub-namespace, to be folded into the same commit batch as the
// primary table's writes.
func (o *Overlay) BatchOps() []backend.BatchOp {
	var ops []backend.BatchOp
	for sk := range o.removed {
		ops = append(ops, backend.BatchOp{Table: o.table, Key: sk, Deleted: true})
	}
	for sk, pk := range o.modified {
		ops = append(ops, backend.BatchOp{Table: o.table, Key: sk, Value: []byte(pk)})
	}
	return ops
}

// Keys iterates the merged (backend + overlay) primary keys currently
// indexed under entries matching q, in index-key order — the secondary
// equivalent of Transaction.Keys.
func (o *Overlay) Keys(ctx context.Context, view backend.View, q *keyrange.Range) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		set := make(map[string]string) // storageKey -> primaryKey
		if !o.truncated {
			entries, err := backendEntries(ctx, view, o.table, q)
			if err != nil {
				yield("", err)
				return
			}
			for _, e := range entries {
				set[e.Key] = string(e.Value)
			}
		}
		for sk := range o.removed {
			delete(set, sk)
		}
		for sk, pk := range o.modified {
			if q.Includes(indexKeyOf(o.idx.Unique, sk)) {
				set[sk] = pk
			}
		}

		storageKeys := make([]string, 0, len(set))
		for sk := range set {
			storageKeys = append(storageKeys, sk)
		}
		sort.Strings(storageKeys)

		for _, sk := range storageKeys {
			if !yield(set[sk], nil) {
				return
			}
		}
	}
}

func indexKeyOf(unique bool, sk string) string {
	k, _ := splitStorageKey(unique, sk)
	return k
}
