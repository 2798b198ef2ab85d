package objectdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(context.Background(), t.TempDir(), DatabaseOptions{Version: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCommitCombinedAtomicAcrossStores(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	accounts, err := db.CreateObjectStore("accounts", ObjectStoreOptions{})
	require.NoError(t, err)
	ledger, err := db.CreateObjectStore("ledger", ObjectStoreOptions{})
	require.NoError(t, err)
	db.Connect()

	txA, err := accounts.Transaction(ctx)
	require.NoError(t, err)
	require.NoError(t, txA.Put(ctx, "acct1", []byte("100")))

	txL, err := ledger.Transaction(ctx)
	require.NoError(t, err)
	require.NoError(t, txL.Put(ctx, "entry1", []byte("debit 100")))

	ok, err := db.CommitCombined(ctx, txA, txL)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateCommitted, txA.State())
	require.Equal(t, StateCommitted, txL.State())

	v, ok, err := accounts.Get(ctx, "acct1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "100", string(v))

	v, ok, err = ledger.Get(ctx, "entry1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "debit 100", string(v))
}

func TestCommitCombinedConflictLeavesBothConflicted(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	accounts, err := db.CreateObjectStore("accounts", ObjectStoreOptions{})
	require.NoError(t, err)
	ledger, err := db.CreateObjectStore("ledger", ObjectStoreOptions{})
	require.NoError(t, err)
	db.Connect()

	setup, err := accounts.Transaction(ctx)
	require.NoError(t, err)
	require.NoError(t, setup.Put(ctx, "acct1", []byte("100")))
	ok, err := setup.Commit(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	txA, err := accounts.Transaction(ctx)
	require.NoError(t, err)
	_, _, err = txA.Get(ctx, "acct1")
	require.NoError(t, err)
	require.NoError(t, txA.Put(ctx, "acct1", []byte("90")))

	// A concurrent, independent write lands on accounts before the
	// combined commit runs, invalidating txA's captured old value.
	other, err := accounts.Transaction(ctx)
	require.NoError(t, err)
	require.NoError(t, other.Put(ctx, "acct1", []byte("50")))
	ok, err = other.Commit(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	txL, err := ledger.Transaction(ctx)
	require.NoError(t, err)
	require.NoError(t, txL.Put(ctx, "entry1", []byte("debit 10")))

	ok, err = db.CommitCombined(ctx, txA, txL)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, StateConflicted, txA.State())
	require.Equal(t, StateConflicted, txL.State())

	_, ok, err = ledger.Get(ctx, "entry1")
	require.NoError(t, err)
	require.False(t, ok, "ledger write must not land when the combined commit conflicts")
}
