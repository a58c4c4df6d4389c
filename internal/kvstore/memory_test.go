package kvstore

import (
	"context"
	"testing"
)

func TestMemoryStoreGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, ok, err := s.Get(ctx, "a"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}

	if err := s.Set(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get(ctx, "a")
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("Get after Set = %q, %v, %v", v, ok, err)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatal("expected key gone after delete")
	}
}

func TestMemoryStoreGetReturnsACopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Set(ctx, "k", []byte("orig")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, _, _ := s.Get(ctx, "k")
	v[0] = 'X'
	v2, _, _ := s.Get(ctx, "k")
	if string(v2) != "orig" {
		t.Fatalf("mutating returned slice corrupted store: %q", v2)
	}
}

func TestMemoryStoreGetNextKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, k := range []string{"b", "d", "a", "c"} {
		if err := s.Set(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}

	next, ok, err := s.GetNextKey(ctx, "a")
	if err != nil || !ok || next != "b" {
		t.Fatalf("GetNextKey(a) = %q, %v, %v", next, ok, err)
	}
	next, ok, err = s.GetNextKey(ctx, "d")
	if err != nil || ok {
		t.Fatalf("GetNextKey(d) = %q, %v, %v, want no next", next, ok, err)
	}
	next, ok, err = s.GetNextKey(ctx, "")
	if err != nil || !ok || next != "a" {
		t.Fatalf("GetNextKey(\"\") = %q, %v, %v", next, ok, err)
	}
}

func TestMemoryStoreExecuteQueryPrefixAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, k := range []string{"v1.a", "v1.b", "v1.c", "v2.a"} {
		if err := s.Set(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}

	rows, err := s.ExecuteQuery(ctx, Scan{Prefix: "v1."})
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}

	rows, err = s.ExecuteQuery(ctx, Scan{Prefix: "v1.", Limit: 2})
	if err != nil {
		t.Fatalf("ExecuteQuery with limit: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows with limit, got %d", len(rows))
	}

	rows, err = s.ExecuteQuery(ctx, Scan{Prefix: "v1.", Start: "v1.a"})
	if err != nil {
		t.Fatalf("ExecuteQuery with start: %v", err)
	}
	if len(rows) != 2 || rows[0].Key != "v1.b" {
		t.Fatalf("expected [v1.b v1.c] after exclusive start, got %+v", rows)
	}
}

func TestMemoryTxnIsolatedUntilCommit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Set(ctx, "a", []byte("1"))

	txn, err := s.BeginCrank(ctx)
	if err != nil {
		t.Fatalf("BeginCrank: %v", err)
	}
	if err := txn.Set(ctx, "b", []byte("2")); err != nil {
		t.Fatalf("txn.Set: %v", err)
	}
	if err := txn.Delete(ctx, "a"); err != nil {
		t.Fatalf("txn.Delete: %v", err)
	}

	// Parent store unaffected before commit.
	if _, ok, _ := s.Get(ctx, "b"); ok {
		t.Fatal("uncommitted write visible to parent store")
	}
	if _, ok, _ := s.Get(ctx, "a"); !ok {
		t.Fatal("uncommitted delete already applied to parent store")
	}

	// Txn sees its own pending writes/deletes.
	if v, ok, _ := txn.Get(ctx, "b"); !ok || string(v) != "2" {
		t.Fatalf("txn should see its own pending write, got %q %v", v, ok)
	}
	if _, ok, _ := txn.Get(ctx, "a"); ok {
		t.Fatal("txn should see its own pending delete")
	}

	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if v, ok, _ := s.Get(ctx, "b"); !ok || string(v) != "2" {
		t.Fatalf("expected committed write visible, got %q %v", v, ok)
	}
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatal("expected committed delete applied")
	}

	if err := txn.Commit(ctx); err == nil {
		t.Fatal("expected error committing an already-closed transaction")
	}
}

func TestMemoryTxnRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	txn, err := s.BeginCrank(ctx)
	if err != nil {
		t.Fatalf("BeginCrank: %v", err)
	}
	if err := txn.Set(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("txn.Set: %v", err)
	}
	if err := txn.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatal("expected rolled-back write to be discarded")
	}
}

func TestMemoryTxnExecuteQueryMergesPending(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Set(ctx, "v1.a", []byte("a"))
	_ = s.Set(ctx, "v1.b", []byte("b"))

	txn, err := s.BeginCrank(ctx)
	if err != nil {
		t.Fatalf("BeginCrank: %v", err)
	}
	_ = txn.Set(ctx, "v1.c", []byte("c"))
	_ = txn.Delete(ctx, "v1.a")

	rows, err := txn.ExecuteQuery(ctx, Scan{Prefix: "v1."})
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	var keys []string
	for _, r := range rows {
		keys = append(keys, r.Key)
	}
	if len(keys) != 2 || keys[0] != "v1.b" || keys[1] != "v1.c" {
		t.Fatalf("expected [v1.b v1.c], got %v", keys)
	}
}
