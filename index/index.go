// Package index implements per-transaction secondary-index overlays:
// a secondary-index structure that mirrors a backend index's semantics
// (unique or multi-entry) and mutates in lockstep with every staged
// primary-key put/remove inside a Transaction.
package index

import (
	"context"
	"sort"
	"strings"

	"github.com/kvtx/objectdb/backend"
	"github.com/kvtx/objectdb/keyrange"
)

// ExtractFunc pulls zero or more index keys out of a decoded value via the
// index's configured key path. Zero keys ("no entry") happens when the
// value lacks the path being indexed.
type ExtractFunc func(value []byte) []string

// Index describes one secondary index on a table.
type Index struct {
	// Name identifies the index; its backend sub-namespace is "_<table>-<name>".
	Name string
	// Unique indices store at most one primary key per extracted index key.
	Unique bool
	// MultiEntry indices may extract more than one index key per value.
	MultiEntry bool
	// Extract pulls the index key(s) out of a value.
	Extract ExtractFunc
}

// SubNamespace returns the backend table name this index is persisted
// under: each index I on table T is stored under sub-namespace "_T-I".
func SubNamespace(table, index string) string {
	return "_" + table + "-" + index
}

const entrySep = "\x00"

// storageKey builds the composite key an index entry is stored under. For
// unique indices it's just the extracted index key (one primary key can
// occupy it); for non-unique/multi-entry indices the primary key is
// appended so several primaries can share one index key.
func storageKey(unique bool, indexKey, primaryKey string) string {
	if unique {
		return indexKey
	}
	return indexKey + entrySep + primaryKey
}

func splitStorageKey(unique bool, storageKey string) (indexKey, primaryKey string) {
	if unique {
		return storageKey, ""
	}
	i := strings.LastIndex(storageKey, entrySep)
	if i < 0 {
		return storageKey, ""
	}
	return storageKey[:i], storageKey[i+1:]
}

// backendEntries lists the current backend entries for an index namespace
// matching q, sorted — a small helper shared by Overlay's merge logic.
func backendEntries(ctx context.Context, view backend.View, table string, q *keyrange.Range) ([]backend.Entry, error) {
	var out []backend.Entry
	for e, err := range view.Values(ctx, table, q) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
