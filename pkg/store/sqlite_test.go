package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "signaling.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreAppendListRange(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	for i, v := range []string{"a", "b", "c"} {
		idx, err := s.AppendList(ctx, "k", []byte(v), 10, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if idx != i {
			t.Fatalf("AppendList index = %d, want %d", idx, i)
		}
	}
	got, err := s.ListRange(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || string(got[0]) != "a" || string(got[2]) != "c" {
		t.Fatalf("ListRange = %v, want [a b c]", got)
	}
}

func TestSQLiteStoreAppendListRespectsMaxLen(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := s.AppendList(ctx, "k", []byte("a"), 1, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendList(ctx, "k", []byte("b"), 1, time.Minute); err != ErrListFull {
		t.Fatalf("err = %v, want ErrListFull", err)
	}
}

// TestSQLiteStoreListRangeHonorsTrackedExpiry covers the kv_list_meta TTL
// that AppendList writes: ListRange must not keep surfacing entries past
// their expiry just because it never checked the column it wrote.
func TestSQLiteStoreListRangeHonorsTrackedExpiry(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := s.AppendList(ctx, "k", []byte("a"), 10, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	got, err := s.ListRange(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("ListRange after expiry = %v, want empty", got)
	}
}
