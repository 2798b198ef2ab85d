// Package backend defines the Store contract and its concrete
// variants: Memory (an in-memory MVCC map), Badger (a persistent
// LSM-backed variant) and Cached (an LRU-wrapped decorator).
// objectdb.ObjectStore drives one Store per table.
package backend

import (
	"context"
	"iter"

	"github.com/kvtx/objectdb/keyrange"
)

// Entry is a single ordered key/value pair as returned by range queries.
type Entry struct {
	Key   string
	Value []byte
}

// TableKey identifies a key within a table, used by conflict-checking maps.
type TableKey struct {
	Table, Key string
}

// OldValue is what a transaction captured about a key the first time it
// mutated it: either the prior value, or "didn't exist".
type OldValue struct {
	Value   []byte
	Existed bool
}

// BatchOp is one opaque mutation destined for a Store's atomic batch.
type BatchOp struct {
	Table   string
	Key     string
	Value   []byte
	Deleted bool
}

// Fragment is what ApplyCombined hands back to the
// combined-commit coordinator: batch entries to fold into one atomic write
// against the root engine, plus deferred closures to run after that write
// durably lands (used by backends, like Memory, that do their real work
// outside of any on-disk batch).
type Fragment struct {
	Ops      []BatchOp
	Deferred []func() error
}

// Store is the ordered key/value abstraction every ObjectStore table is
// built on. All range results are ordered by unsigned
// lexicographic key comparison.
type Store interface {
	// Get returns the current value for key in table, or ok=false if absent.
	Get(ctx context.Context, table, key string) (value []byte, ok bool, err error)

	// Keys iterates ordered keys in table matching q (nil q means
	// unbounded) in ascending order.
	Keys(ctx context.Context, table string, q *keyrange.Range) iter.Seq2[string, error]

	// Values iterates ordered (key, value) pairs in table matching q.
	Values(ctx context.Context, table string, q *keyrange.Range) iter.Seq2[Entry, error]

	// MinKey returns the smallest key in table matching q.
	MinKey(ctx context.Context, table string, q *keyrange.Range) (key string, ok bool, err error)

	// MaxKey returns the largest key in table matching q.
	MaxKey(ctx context.Context, table string, q *keyrange.Range) (key string, ok bool, err error)

	// Count returns the number of keys in table matching q.
	Count(ctx context.Context, table string, q *keyrange.Range) (int, error)

	// Commit atomically checks every key in oldValues against the store's
	// current value for that key and, only if none conflict, truncates
	// every table named in truncate and applies ops — truncation and ops
	// land together with the conflict check, or not at all. It returns
	// ok=false with a nil error on a detected conflict: conflicts are
	// expected, not exceptional.
	Commit(ctx context.Context, truncate []string, ops []BatchOp, oldValues map[TableKey]OldValue) (ok bool, err error)

	// ApplyCombined performs the same conflict check, truncate and ops
	// application as Commit but, instead of writing immediately, returns
	// a Fragment so the caller (the combined-commit coordinator) can fold
	// several transactions' fragments into one atomic write. ok=false
	// with a nil error and a zero Fragment indicates a conflict.
	ApplyCombined(ctx context.Context, truncate []string, ops []BatchOp, oldValues map[TableKey]OldValue) (frag Fragment, ok bool, err error)

	// Truncate clears every key in table outside of any transaction's
	// conflict check. Used only for schema-upgrade bookkeeping at Open
	// time, before any table is opened for transactions; mid-transaction
	// truncation goes through Commit/ApplyCombined's truncate parameter
	// instead, so it stays conflict-gated.
	Truncate(ctx context.Context, table string) error

	// OpenView pins a read-only view of the store at the current commit
	// point. A Transaction's reads are answered through its View for its
	// whole lifetime, giving read-committed-snapshot-at-creation isolation,
	// not full serializable isolation. Views must be Released when the
	// transaction or snapshot reader is done with them, so the store can
	// reclaim old versions.
	OpenView(ctx context.Context) (View, error)
}

// View is a read-only handle pinned to the store's state as of the moment
// it was opened.
type View interface {
	Get(ctx context.Context, table, key string) (value []byte, ok bool, err error)
	Keys(ctx context.Context, table string, q *keyrange.Range) iter.Seq2[string, error]
	Values(ctx context.Context, table string, q *keyrange.Range) iter.Seq2[Entry, error]
	MinKey(ctx context.Context, table string, q *keyrange.Range) (key string, ok bool, err error)
	MaxKey(ctx context.Context, table string, q *keyrange.Range) (key string, ok bool, err error)
	Count(ctx context.Context, table string, q *keyrange.Range) (int, error)
	Release(ctx context.Context) error
}
