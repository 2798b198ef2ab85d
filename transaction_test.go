package objectdb

import (
	"context"
	"reflect"
	"testing"

	"github.com/kvtx/objectdb/backend"
	"github.com/kvtx/objectdb/keyrange"
)

func newTestStore(t *testing.T, opts ObjectStoreOptions) *ObjectStore {
	t.Helper()
	return newObjectStore("widgets", backend.NewMemory(), opts)
}

func mustPut(t *testing.T, ctx context.Context, tx *Transaction, key, value string) {
	t.Helper()
	if err := tx.Put(ctx, key, []byte(value)); err != nil {
		t.Fatalf("Put(%q): %v", key, err)
	}
}

func TestKeysAscendingOverRanges(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, ObjectStoreOptions{})

	setup, err := store.Transaction(ctx)
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, ctx, setup, "key1", "value1")
	mustPut(t, ctx, setup, "key2", "value2")
	mustPut(t, ctx, setup, "key3", "value3")
	if ok, err := setup.Commit(ctx); err != nil || !ok {
		t.Fatalf("setup commit: ok=%v err=%v", ok, err)
	}

	tests := []struct {
		name     string
		q        *keyrange.Range
		wantKeys []string
	}{
		{"full range", nil, []string{"key1", "key2", "key3"}},
		{"key1 to key3 exclusive", keyrange.Bound("key1", "key3", false, true), []string{"key1", "key2"}},
		{"from smallest", keyrange.UpperBound("key2", true), []string{"key1"}},
		{"to largest", keyrange.LowerBound("key2", false), []string{"key2", "key3"}},
	}

	read, err := store.Transaction(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer read.Abort(ctx)

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got []string
			for k, err := range read.Keys(ctx, tc.q) {
				if err != nil {
					t.Fatalf("Keys: %v", err)
				}
				got = append(got, k)
			}
			if !reflect.DeepEqual(got, tc.wantKeys) {
				t.Errorf("Keys() = %v, want %v", got, tc.wantKeys)
			}
		})
	}
}

func TestWriteWriteConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, ObjectStoreOptions{})

	setup, err := store.Transaction(ctx)
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, ctx, setup, "key1", "initial")
	if ok, err := setup.Commit(ctx); err != nil || !ok {
		t.Fatalf("setup commit: ok=%v err=%v", ok, err)
	}

	tx1, err := store.Transaction(ctx)
	if err != nil {
		t.Fatal(err)
	}
	tx2, err := store.Transaction(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := tx1.Get(ctx, "key1"); err != nil {
		t.Fatal(err)
	}
	mustPut(t, ctx, tx1, "key1", "value1")

	if _, _, err := tx2.Get(ctx, "key1"); err != nil {
		t.Fatal(err)
	}
	mustPut(t, ctx, tx2, "key1", "value2")

	ok1, err1 := tx1.Commit(ctx)
	ok2, err2 := tx2.Commit(ctx)
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected commit errors: err1=%v err2=%v", err1, err2)
	}
	if ok1 && ok2 {
		t.Fatal("both transactions committed, expected one to conflict")
	}
	if !ok1 && !ok2 {
		t.Fatal("both transactions conflicted, expected one to succeed")
	}

	finalValue, ok, err := store.Get(ctx, "key1")
	if err != nil || !ok {
		t.Fatalf("Get(key1): ok=%v err=%v", ok, err)
	}
	if ok1 && string(finalValue) != "value1" {
		t.Errorf("final value = %s, want value1", finalValue)
	}
	if ok2 && string(finalValue) != "value2" {
		t.Errorf("final value = %s, want value2", finalValue)
	}
}

func TestTruncateShadowsBackend(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, ObjectStoreOptions{})

	setup, _ := store.Transaction(ctx)
	mustPut(t, ctx, setup, "a", "1")
	mustPut(t, ctx, setup, "b", "2")
	if ok, err := setup.Commit(ctx); err != nil || !ok {
		t.Fatalf("setup commit: ok=%v err=%v", ok, err)
	}

	tx, err := store.Transaction(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Truncate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := tx.Get(ctx, "a"); err != nil || ok {
		t.Fatalf("Get(a) after truncate: ok=%v err=%v, want ok=false", ok, err)
	}
	mustPut(t, ctx, tx, "c", "3")
	if ok, err := tx.Commit(ctx); err != nil || !ok {
		t.Fatalf("commit after truncate: ok=%v err=%v", ok, err)
	}

	if n, err := store.Count(ctx, nil); err != nil || n != 1 {
		t.Fatalf("Count() after truncate+put = %d, err=%v, want 1", n, err)
	}
}
