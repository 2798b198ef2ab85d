package objectdb

import (
	"context"
	"testing"

	"github.com/kvtx/objectdb/backend"
	"github.com/kvtx/objectdb/index"
	"github.com/stretchr/testify/require"
)

func byExtract(value []byte) []string {
	if len(value) == 0 {
		return nil
	}
	return []string{string(value)}
}

func TestIndexOverlayTracksPuts(t *testing.T) {
	ctx := context.Background()
	store := newObjectStore("users", backend.NewMemory(), ObjectStoreOptions{})
	require.NoError(t, store.CreateIndex("by_email", false, false, byExtract))

	tx, err := store.Transaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, "u1", []byte("a@example.com")))
	ok, err := tx.Commit(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	view, err := store.store.OpenView(ctx)
	require.NoError(t, err)
	defer view.Release(ctx)

	table := index.SubNamespace("users", "by_email")
	var keys []string
	for e, err := range view.Values(ctx, table, nil) {
		require.NoError(t, err)
		keys = append(keys, string(e.Value))
	}
	require.Equal(t, []string{"u1"}, keys)
}

func TestIndexOverlayUpdatesOnPutOverwrite(t *testing.T) {
	ctx := context.Background()
	store := newObjectStore("users", backend.NewMemory(), ObjectStoreOptions{})
	require.NoError(t, store.CreateIndex("by_email", false, false, byExtract))

	tx, err := store.Transaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, "u1", []byte("old@example.com")))
	ok, err := tx.Commit(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	tx2, err := store.Transaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx2.Put(ctx, "u1", []byte("new@example.com")))
	ok, err = tx2.Commit(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	table := index.SubNamespace("users", "by_email")
	view, err := store.store.OpenView(ctx)
	require.NoError(t, err)
	defer view.Release(ctx)

	// by_email is non-unique, so its storage key is "<email>\x00<primary
	// key>"; assert on the decoded primary keys via Values rather than the
	// raw composite key, like TestIndexOverlayTracksPuts does.
	var primaryKeys []string
	for e, err := range view.Values(ctx, table, nil) {
		require.NoError(t, err)
		primaryKeys = append(primaryKeys, string(e.Value))
	}
	require.Equal(t, []string{"u1"}, primaryKeys)
}

func TestIndexOverlayRemovesOnDelete(t *testing.T) {
	ctx := context.Background()
	store := newObjectStore("users", backend.NewMemory(), ObjectStoreOptions{})
	require.NoError(t, store.CreateIndex("by_email", false, false, byExtract))

	tx, err := store.Transaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, "u1", []byte("a@example.com")))
	ok, err := tx.Commit(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	tx2, err := store.Transaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx2.Remove(ctx, "u1"))
	ok, err = tx2.Commit(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	table := index.SubNamespace("users", "by_email")
	n, err := store.store.Count(ctx, table, nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
