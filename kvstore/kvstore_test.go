package kvstore_test

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"citadel.example/server/core"
	"citadel.example/server/kvstore"
)

func open(t *testing.T) *kvstore.KVStore {
	t.Helper()
	dir, err := ioutil.TempDir("", "kvstore-test-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = dir })

	kv, err := kvstore.Open(filepath.Join(dir, "citadel.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestStoreFetchDelete(t *testing.T) {
	kv := open(t)
	conn := kv.Acquire(context.Background())
	defer conn.Release()

	if err := conn.Store(kvstore.TableUsers, []byte("bob"), []byte("user-record-1")); err != nil {
		t.Fatal(err)
	}
	got, err := conn.Fetch(kvstore.TableUsers, []byte("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "user-record-1" {
		t.Errorf("Fetch = %q, want %q", got, "user-record-1")
	}

	if err := conn.Store(kvstore.TableUsers, []byte("bob"), []byte("user-record-2")); err != nil {
		t.Fatal(err)
	}
	got, err = conn.Fetch(kvstore.TableUsers, []byte("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "user-record-2" {
		t.Errorf("Fetch after overwrite = %q, want %q", got, "user-record-2")
	}

	if err := conn.Delete(kvstore.TableUsers, []byte("bob")); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Fetch(kvstore.TableUsers, []byte("bob")); err != core.ErrNotFound {
		t.Errorf("Fetch after delete = %v, want ErrNotFound", err)
	}
	if err := conn.Delete(kvstore.TableUsers, []byte("bob")); err != core.ErrNotFound {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

// Tables don't collide: the same key in two different tables is two
// different records.
func TestTableIsolation(t *testing.T) {
	kv := open(t)
	conn := kv.Acquire(context.Background())
	defer conn.Release()

	if err := conn.Store(kvstore.TableUsers, []byte("k"), []byte("in-users")); err != nil {
		t.Fatal(err)
	}
	if err := conn.Store(kvstore.TableRooms, []byte("k"), []byte("in-rooms")); err != nil {
		t.Fatal(err)
	}
	u, err := conn.Fetch(kvstore.TableUsers, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	r, err := conn.Fetch(kvstore.TableRooms, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if string(u) != "in-users" || string(r) != "in-rooms" {
		t.Errorf("got %q / %q, want in-users / in-rooms", u, r)
	}
}

func TestCursorOrdering(t *testing.T) {
	kv := open(t)
	conn := kv.Acquire(context.Background())
	defer conn.Release()

	keys := []string{"charlie", "alice", "bob"}
	for _, k := range keys {
		if err := conn.Store(kvstore.TableDirectory, []byte(k), []byte("v:"+k)); err != nil {
			t.Fatal(err)
		}
	}

	cur, err := conn.OpenCursor(kvstore.TableDirectory)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for {
		k, v, ok, err := cur.NextItem()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		if string(v) != "v:"+string(k) {
			t.Errorf("value for key %q = %q", k, v)
		}
		got = append(got, string(k))
	}
	if err := cur.Close(); err != nil {
		t.Fatal(err)
	}
	want := []string{"alice", "bob", "charlie"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTransactionCommitAndAbort(t *testing.T) {
	kv := open(t)
	conn := kv.Acquire(context.Background())
	defer conn.Release()

	txn, err := conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Store(kvstore.TableVisit, []byte("v1"), []byte("committed")); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}
	got, err := conn.Fetch(kvstore.TableVisit, []byte("v1"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "committed" {
		t.Errorf("got %q, want committed", got)
	}

	txn, err = conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Store(kvstore.TableVisit, []byte("v2"), []byte("rolled-back")); err != nil {
		t.Fatal(err)
	}
	if err := txn.Abort(); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Fetch(kvstore.TableVisit, []byte("v2")); err != core.ErrNotFound {
		t.Errorf("Fetch after abort = %v, want ErrNotFound", err)
	}
}

// TestCompressedTableRoundTrip exercises the UseTable table's transparent
// compression path with a payload large enough to compress nontrivially.
func TestCompressedTableRoundTrip(t *testing.T) {
	kv := open(t)
	conn := kv.Acquire(context.Background())
	defer conn.Release()

	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(i % 7)
	}
	if err := conn.Store(kvstore.TableUseTable, []byte("euid-1"), payload); err != nil {
		t.Fatal(err)
	}
	got, err := conn.Fetch(kvstore.TableUseTable, []byte("euid-1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(payload) {
		t.Fatalf("round-tripped length = %d, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], payload[i])
		}
	}
}

func TestTruncate(t *testing.T) {
	kv := open(t)
	conn := kv.Acquire(context.Background())
	defer conn.Release()

	for _, k := range []string{"a", "b", "c"} {
		if err := conn.Store(kvstore.TableFloorTab, []byte(k), []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := conn.Truncate(kvstore.TableFloorTab); err != nil {
		t.Fatal(err)
	}
	cur, err := conn.OpenCursor(kvstore.TableFloorTab)
	if err != nil {
		t.Fatal(err)
	}
	_, _, ok, err := cur.NextItem()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected empty table after Truncate")
	}
	cur.Close()
}
