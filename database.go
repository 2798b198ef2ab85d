package objectdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/kvtx/objectdb/backend"
	"github.com/kvtx/objectdb/errs"
	"go.uber.org/zap"
)

const dbVersionKey = "_dbVersion"

// OnUpgradeNeeded is invoked once, during Open, when the stored schema
// version is older than version. This is where a caller calls
// CreateObjectStore/DeleteObjectStore for the tables the new version adds
// or retires: any DeleteObjectStore call made here takes effect
// immediately afterward, when stores marked for deletion whose
// UpgradeCondition holds are truncated, before the new version number is
// persisted.
type OnUpgradeNeeded func(ctx context.Context, oldVersion, newVersion int, db *Database) error

// DatabaseOptions configures Open.
type DatabaseOptions struct {
	// Version is the caller's current schema version.
	Version int
	// OnUpgradeNeeded runs when the persisted version is older than Version.
	OnUpgradeNeeded OnUpgradeNeeded
}

// Database owns a directory of persistent tables plus any in-memory-only
// tables, coordinates schema upgrades, and serializes combined commits
// across the stores it owns.
type Database struct {
	dir     string
	version int

	mu     sync.Mutex // guards stores and deleted
	stores map[string]*ObjectStore
	// deleted records a table's UpgradeCondition, keyed by name, for
	// tables removed from the schema but not yet physically dropped.
	deleted map[string]func(oldVersion, newVersion int) bool

	root backend.Store // the persistent root engine, shared by every Persistent store
	badg *backend.Badger

	commitMu sync.Mutex // serializes CommitCombined against root
}

// Open opens (creating if necessary) a database rooted at dir and runs the
// upgrade protocol if the persisted schema version is older than
// opts.Version.
func Open(ctx context.Context, dir string, opts DatabaseOptions) (*Database, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir %q: %w", dir, errors.Join(errs.ErrBackend, err))
	}
	badg, err := backend.OpenBadger(filepath.Join(dir, "data"))
	if err != nil {
		return nil, fmt.Errorf("open badger store at %q: %w", dir, errors.Join(errs.ErrBackend, err))
	}

	d := &Database{
		dir:     dir,
		version: opts.Version,
		stores:  make(map[string]*ObjectStore),
		deleted: make(map[string]func(oldVersion, newVersion int) bool),
		root:    badg,
		badg:    badg,
	}

	if err := d.runUpgrade(ctx, opts); err != nil {
		badg.Close()
		return nil, err
	}
	return d, nil
}

func (d *Database) runUpgrade(ctx context.Context, opts DatabaseOptions) error {
	oldVersion, err := d.readVersion(ctx)
	if err != nil {
		return err
	}
	if oldVersion >= opts.Version {
		return nil
	}

	logger.Info("running schema upgrade", zap.Int("old_version", oldVersion), zap.Int("new_version", opts.Version))

	// OnUpgradeNeeded runs first: it's where a caller declares this
	// version's DeleteObjectStore calls, populating d.deleted so the
	// truncation pass right after actually has something to act on.
	if opts.OnUpgradeNeeded != nil {
		if err := opts.OnUpgradeNeeded(ctx, oldVersion, opts.Version, d); err != nil {
			return fmt.Errorf("upgrade callback: %w", err)
		}
	}

	for name, cond := range d.deleted {
		if cond == nil || cond(oldVersion, opts.Version) {
			if err := d.root.Truncate(ctx, name); err != nil {
				return fmt.Errorf("truncate deleted store %q: %w", name, errors.Join(errs.ErrBackend, err))
			}
		}
	}

	return d.writeVersion(ctx, opts.Version)
}

func (d *Database) readVersion(ctx context.Context) (int, error) {
	data, ok, err := d.root.Get(ctx, "", dbVersionKey)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", dbVersionKey, errors.Join(errs.ErrBackend, err))
	}
	if !ok {
		return 0, nil
	}
	v, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", dbVersionKey, data, err)
	}
	return v, nil
}

func (d *Database) writeVersion(ctx context.Context, v int) error {
	ops := []backend.BatchOp{{Table: "", Key: dbVersionKey, Value: []byte(strconv.Itoa(v))}}
	ok, err := d.root.Commit(ctx, nil, ops, nil)
	if err != nil {
		return fmt.Errorf("write %s: %w", dbVersionKey, errors.Join(errs.ErrBackend, err))
	}
	if !ok {
		return fmt.Errorf("write %s: %w", dbVersionKey, errs.ErrBackend)
	}
	return nil
}

// CreateObjectStore creates (or reopens) a named table. Valid only before
// the database is used for transactions by that table; in practice,
// callers create every store immediately after Open, before issuing any
// transaction.
func (d *Database) CreateObjectStore(name string, opts ObjectStoreOptions) (*ObjectStore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.stores[name]; exists {
		return nil, fmt.Errorf("object store %q already exists: %w", name, errs.ErrSchemaChangeWhileConnected)
	}

	// Persistent tables share the database's single root engine and survive
	// restarts. A non-persistent table gets its own private Memory engine,
	// cheaper for scratch/ephemeral data; it can still take part in
	// CommitCombined alongside persistent tables, since a Memory engine's
	// share of a combined commit lands through its Fragment's Deferred
	// closure rather than through the root engine's own batch write.
	var store backend.Store = d.root
	if !opts.Persistent {
		store = backend.NewMemory()
	}
	if opts.EnableLRUCache {
		cached, err := backend.NewCached(store, opts.LRUCacheSize)
		if err != nil {
			return nil, fmt.Errorf("wrap %q in lru cache: %w", name, err)
		}
		store = cached
	}

	ostore := newObjectStore(name, store, opts)
	d.stores[name] = ostore
	delete(d.deleted, name)
	return ostore, nil
}

// DeleteObjectStore removes name from the live schema. If upgradeCondition
// is nil, or returns true for the running upgrade, the table (and the
// index sub-namespaces in indexNames) is truncated. Call this from inside
// OnUpgradeNeeded so the truncation happens within the same Open call that
// raised the version; calling it outside of an upgrade only updates the
// in-memory schema and has no lasting effect once the process exits.
func (d *Database) DeleteObjectStore(name string, upgradeCondition func(oldVersion, newVersion int) bool, indexNames []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.stores, name)
	d.deleted[name] = upgradeCondition
	for _, idx := range indexNames {
		d.deleted["_"+name+"-"+idx] = upgradeCondition
	}
	return nil
}

// GetObjectStore returns a previously created table, or ok=false if no
// such table is registered.
func (d *Database) GetObjectStore(name string) (*ObjectStore, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ostore, ok := d.stores[name]
	return ostore, ok
}

// Connect freezes the schema: CreateIndex on any owned ObjectStore is
// rejected from this point on, matching createIndex's "only valid before
// connect" rule.
func (d *Database) Connect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.stores {
		s.markConnected()
	}
}

// Close releases the underlying persistent engine. It does not affect any
// in-flight transaction; callers must commit or abort those first.
func (d *Database) Close() error {
	return d.badg.Close()
}

// Destroy closes the database and removes its on-disk directory. This is
// irreversible.
func (d *Database) Destroy() error {
	if err := d.Close(); err != nil {
		return err
	}
	return os.RemoveAll(d.dir)
}

// CommitCombined attempts to apply every given transaction's staged
// mutations as a single all-or-nothing unit: either every transaction
// becomes COMMITTED, or every one becomes CONFLICTED. See the combined
// commit coordinator in commit_combined.go for the algorithm.
func (d *Database) CommitCombined(ctx context.Context, txs ...*Transaction) (bool, error) {
	return commitCombined(ctx, d, txs...)
}
