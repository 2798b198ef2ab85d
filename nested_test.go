package objectdb

import (
	"context"
	"testing"

	"github.com/kvtx/objectdb/backend"
	"github.com/stretchr/testify/require"
)

func TestNestedTransactionMergesIntoParentOnCommit(t *testing.T) {
	ctx := context.Background()
	store := newObjectStore("widgets", backend.NewMemory(), ObjectStoreOptions{})

	parent, err := store.Transaction(ctx)
	require.NoError(t, err)
	require.NoError(t, parent.Put(ctx, "a", []byte("1")))

	child := newTransaction(nextTxID(), store, parent, parent, nil, 0)
	require.NoError(t, child.Put(ctx, "b", []byte("2")))
	require.NoError(t, child.Remove(ctx, "a"))

	ok, err := child.Commit(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateCommitted, child.State())

	val, ok2, err := parent.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok2)
	require.Equal(t, "2", string(val))

	_, ok2, err = parent.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok2)

	ok, err = parent.Commit(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := store.Count(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestNestedTransactionCommitRejectedOntoNonOpenParent(t *testing.T) {
	ctx := context.Background()
	store := newObjectStore("widgets", backend.NewMemory(), ObjectStoreOptions{})

	parent, err := store.Transaction(ctx)
	require.NoError(t, err)
	ok, err := parent.Commit(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	child := newTransaction(nextTxID(), store, parent, parent, nil, 0)
	require.NoError(t, child.Put(ctx, "b", []byte("2")))

	_, err = child.Commit(ctx)
	require.Error(t, err)
}
