package backend

import (
	"context"
	"iter"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/kvtx/objectdb/keyrange"
	"github.com/kvtx/objectdb/mvcc"
	"github.com/visvasity/syncmap"
)

// Memory is the InMemoryMap Store variant: an in-memory, multi-versioned
// key/value engine. Conflict detection here is the simpler oldValues
// comparison described below, not a full read-set/write-set SSI check —
// isolation stops at read-committed-snapshot-at-creation.
type Memory struct {
	mu sync.Mutex

	// maxCommitVersion is the largest version successfully committed.
	// New views pin this value as their snapshotVersion.
	maxCommitVersion int64

	// liveViews holds the snapshotVersion of every still-open View, used
	// to compute the minimum version still needed for compaction.
	liveViews map[*memoryView]struct{}

	// tables holds one multi-versioned map per table namespace.
	tables map[string]*syncmap.Map[string, *mvcc.MultiValue]
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		liveViews: make(map[*memoryView]struct{}),
		tables:    make(map[string]*syncmap.Map[string, *mvcc.MultiValue]),
	}
}

func (m *Memory) tableLocked(name string) *syncmap.Map[string, *mvcc.MultiValue] {
	t, ok := m.tables[name]
	if !ok {
		t = &syncmap.Map[string, *mvcc.MultiValue]{}
		m.tables[name] = t
	}
	return t
}

func (m *Memory) minVersionLocked() int64 {
	v := int64(math.MaxInt64)
	for view := range m.liveViews {
		v = min(v, view.snapshotVersion)
	}
	if v == math.MaxInt64 {
		return m.maxCommitVersion
	}
	return v
}

func (m *Memory) Get(ctx context.Context, table, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return nil, false, nil
	}
	mv, ok := t.Load(key)
	if !ok {
		return nil, false, nil
	}
	v, ok := mv.Fetch(math.MaxInt64)
	if !ok || v.IsDeleted() {
		return nil, false, nil
	}
	return v.Data(), true, nil
}

func (m *Memory) matchingKeysLocked(table string, version int64, q *keyrange.Range) []string {
	t, ok := m.tables[table]
	if !ok {
		return nil
	}
	var keys []string
	for k := range t.Range {
		if !q.Includes(k) {
			continue
		}
		mv, _ := t.Load(k)
		v, ok := mv.Fetch(version)
		if !ok || v.IsDeleted() {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Memory) Keys(ctx context.Context, table string, q *keyrange.Range) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		m.mu.Lock()
		keys := m.matchingKeysLocked(table, math.MaxInt64, q)
		m.mu.Unlock()
		for _, k := range keys {
			if !yield(k, nil) {
				return
			}
		}
	}
}

func (m *Memory) Values(ctx context.Context, table string, q *keyrange.Range) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for k, err := range m.Keys(ctx, table, q) {
			if err != nil {
				yield(Entry{}, err)
				return
			}
			v, ok, err := m.Get(ctx, table, k)
			if err != nil || !ok {
				if err != nil {
					yield(Entry{}, err)
				}
				continue
			}
			if !yield(Entry{Key: k, Value: v}, nil) {
				return
			}
		}
	}
}

func (m *Memory) MinKey(ctx context.Context, table string, q *keyrange.Range) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.matchingKeysLocked(table, math.MaxInt64, q)
	if len(keys) == 0 {
		return "", false, nil
	}
	return keys[0], true, nil
}

func (m *Memory) MaxKey(ctx context.Context, table string, q *keyrange.Range) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.matchingKeysLocked(table, math.MaxInt64, q)
	if len(keys) == 0 {
		return "", false, nil
	}
	return keys[len(keys)-1], true, nil
}

func (m *Memory) Count(ctx context.Context, table string, q *keyrange.Range) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.matchingKeysLocked(table, math.MaxInt64, q)), nil
}

// checkConflictsLocked: a commit conflicts iff some key
// whose oldValues was recorded now has a different current value (or
// existence) than what was recorded.
func (m *Memory) checkConflictsLocked(oldValues map[TableKey]OldValue) bool {
	for tk, ov := range oldValues {
		t, ok := m.tables[tk.Table]
		if !ok {
			if ov.Existed {
				return true
			}
			continue
		}
		mv, ok := t.Load(tk.Key)
		var current *mvcc.Value
		if ok {
			current, ok = mv.Fetch(math.MaxInt64)
		}
		currentlyExists := ok && !current.IsDeleted()
		if currentlyExists != ov.Existed {
			return true
		}
		if currentlyExists && !slices.Equal(current.Data(), ov.Value) {
			return true
		}
	}
	return false
}

// applyLocked applies ops, then tombstones every key still present in each
// truncate table that ops didn't itself touch — so an op always overrides
// a truncate of the same key within one commit, matching the order a
// caller wrote Truncate then Put in. Every mutation (ops and tombstones
// alike) lands as a new version appended to that key's chain rather than
// as a destructive map edit, so a View pinned at an earlier snapshotVersion
// keeps seeing the pre-truncate data via mvcc.MultiValue.Fetch.
func (m *Memory) applyLocked(truncate []string, ops []BatchOp) {
	minVersion := m.minVersionLocked()
	newVersion := m.maxCommitVersion + 1

	touched := make(map[TableKey]bool, len(ops))
	for _, op := range ops {
		tk := TableKey{op.Table, op.Key}
		touched[tk] = true
		t := m.tableLocked(op.Table)
		v := mvcc.NewValue(newVersion)
		if op.Deleted {
			v.Delete()
		} else {
			v.SetData(op.Value)
		}
		mv, ok := t.Load(op.Key)
		if !ok {
			t.Store(op.Key, mvcc.NewMultiValue(v))
			continue
		}
		nmv := mvcc.Compact(mvcc.Append(mv, v), minVersion)
		if nmv == nil {
			t.Delete(op.Key)
		} else {
			t.Store(op.Key, nmv)
		}
	}

	for _, table := range truncate {
		t, ok := m.tables[table]
		if !ok {
			continue
		}
		var keys []string
		for k := range t.Range {
			if !touched[TableKey{table, k}] {
				keys = append(keys, k)
			}
		}
		for _, k := range keys {
			mv, ok := t.Load(k)
			if !ok {
				continue
			}
			v := mvcc.NewValue(newVersion)
			v.Delete()
			nmv := mvcc.Compact(mvcc.Append(mv, v), minVersion)
			if nmv == nil {
				t.Delete(k)
			} else {
				t.Store(k, nmv)
			}
		}
	}

	m.maxCommitVersion = newVersion
}

func (m *Memory) Commit(ctx context.Context, truncate []string, ops []BatchOp, oldValues map[TableKey]OldValue) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(ops) == 0 && len(truncate) == 0 {
		return true, nil
	}
	if m.checkConflictsLocked(oldValues) {
		return false, nil
	}
	m.applyLocked(truncate, ops)
	return true, nil
}

// ApplyCombined performs the identical conflict check as Commit, but
// instead of writing returns a Fragment of opaque ops for the
// combined-commit coordinator to fold with other transactions' fragments
// into one atomic write. Memory has no on-disk batch of its
// own, so truncate and ops are both applied from a deferred closure that
// performs the real in-memory write; the coordinator runs deferred
// closures only after every participant's fragment has been collected
// without conflict.
func (m *Memory) ApplyCombined(ctx context.Context, truncate []string, ops []BatchOp, oldValues map[TableKey]OldValue) (Fragment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.checkConflictsLocked(oldValues) {
		return Fragment{}, false, nil
	}
	localTruncate := slices.Clone(truncate)
	localOps := slices.Clone(ops)
	return Fragment{
		Deferred: []func() error{
			func() error {
				m.mu.Lock()
				defer m.mu.Unlock()
				m.applyLocked(localTruncate, localOps)
				return nil
			},
		},
	}, true, nil
}

// Truncate clears table outside of any conflict check; used only by the
// schema-upgrade pass at Open time, before any table has live views or
// concurrent transactions. A transactional truncate goes through Commit's
// truncate parameter, which tombstones at a version instead of deleting
// the map entry so a concurrently-pinned View is unaffected.
func (m *Memory) Truncate(ctx context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, table)
	return nil
}

func (m *Memory) OpenView(ctx context.Context) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := &memoryView{store: m, snapshotVersion: m.maxCommitVersion}
	m.liveViews[v] = struct{}{}
	return v, nil
}

func (m *Memory) closeView(v *memoryView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.liveViews, v)
}

// memoryView is a View pinned to a fixed snapshotVersion, mirroring the
// teacher's Snapshot type.
type memoryView struct {
	store           *Memory
	snapshotVersion int64
}

func (v *memoryView) Get(ctx context.Context, table, key string) ([]byte, bool, error) {
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	t, ok := v.store.tables[table]
	if !ok {
		return nil, false, nil
	}
	mv, ok := t.Load(key)
	if !ok {
		return nil, false, nil
	}
	val, ok := mv.Fetch(v.snapshotVersion)
	if !ok || val.IsDeleted() {
		return nil, false, nil
	}
	return val.Data(), true, nil
}

func (v *memoryView) Keys(ctx context.Context, table string, q *keyrange.Range) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		v.store.mu.Lock()
		keys := v.store.matchingKeysLocked(table, v.snapshotVersion, q)
		v.store.mu.Unlock()
		for _, k := range keys {
			if !yield(k, nil) {
				return
			}
		}
	}
}

func (v *memoryView) Values(ctx context.Context, table string, q *keyrange.Range) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for k, err := range v.Keys(ctx, table, q) {
			if err != nil {
				yield(Entry{}, err)
				return
			}
			val, ok, err := v.Get(ctx, table, k)
			if err != nil || !ok {
				if err != nil {
					yield(Entry{}, err)
				}
				continue
			}
			if !yield(Entry{Key: k, Value: val}, nil) {
				return
			}
		}
	}
}

func (v *memoryView) MinKey(ctx context.Context, table string, q *keyrange.Range) (string, bool, error) {
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	keys := v.store.matchingKeysLocked(table, v.snapshotVersion, q)
	if len(keys) == 0 {
		return "", false, nil
	}
	return keys[0], true, nil
}

func (v *memoryView) MaxKey(ctx context.Context, table string, q *keyrange.Range) (string, bool, error) {
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	keys := v.store.matchingKeysLocked(table, v.snapshotVersion, q)
	if len(keys) == 0 {
		return "", false, nil
	}
	return keys[len(keys)-1], true, nil
}

func (v *memoryView) Count(ctx context.Context, table string, q *keyrange.Range) (int, error) {
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	return len(v.store.matchingKeysLocked(table, v.snapshotVersion, q)), nil
}

func (v *memoryView) Release(ctx context.Context) error {
	v.store.closeView(v)
	return nil
}

var _ Store = (*Memory)(nil)
