package store

import (
	"context"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(client, zap.NewNop())
	return s, func() {
		client.Close()
		mr.Close()
	}
}

func bm(ids ...uint32) *roaring.Bitmap {
	b := roaring.NewBitmap()
	for _, id := range ids {
		b.Add(id)
	}
	return b
}

func TestStore_PutGetRoundtrip(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := s.Put(ctx, "w1", 7, bm(1, 2, 3), 1); err != nil {
		t.Fatalf("put: %v", err)
	}

	rec, err := s.Get(ctx, "w1", 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Version != 1 || rec.Cardinality != 3 {
		t.Fatalf("got version=%d cardinality=%d", rec.Version, rec.Cardinality)
	}
	if !rec.Bitmap.Contains(2) {
		t.Fatalf("expected bitmap to contain 2")
	}
}

func TestStore_StaleVersionRejected(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := s.Put(ctx, "w1", 7, bm(1), 1); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	// Skipping straight to version 3 without going through 2 must fail.
	err := s.Put(ctx, "w1", 7, bm(1, 2), 3)
	if err == nil {
		t.Fatal("expected StaleVersion error")
	}
}

func TestStore_NotFound(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.Get(ctx, "w1", 99); err == nil {
		t.Fatal("expected not found error")
	}
}

func TestStore_ScanTagsAndDelete(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	_ = s.Put(ctx, "w1", 1, bm(1), 1)
	_ = s.Put(ctx, "w1", 2, bm(2), 1)

	tags, err := s.ScanTags(ctx, "w1")
	if err != nil {
		t.Fatalf("scan_tags: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("expected 2 tags, got %d", len(tags))
	}

	if err := s.Delete(ctx, "w1", 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	tags, _ = s.ScanTags(ctx, "w1")
	if len(tags) != 1 {
		t.Fatalf("expected 1 tag after delete, got %d", len(tags))
	}
}

func TestStore_WorkspaceIsolation(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	_ = s.Put(ctx, "w1", 1, bm(1, 2), 1)
	_ = s.Put(ctx, "w2", 1, bm(9), 1)

	r1, err := s.Get(ctx, "w1", 1)
	if err != nil {
		t.Fatalf("get w1: %v", err)
	}
	if r1.Bitmap.Contains(9) {
		t.Fatal("w1 bitmap must not see w2's card")
	}

	r2, _ := s.Get(ctx, "w2", 1)
	if r2.Cardinality != 1 {
		t.Fatalf("expected w2 cardinality 1, got %d", r2.Cardinality)
	}
}

func TestStore_Purge(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	_ = s.Put(ctx, "w1", 1, bm(1), 1)
	_ = s.PutLive(ctx, "w1", bm(1, 2), 1)

	if err := s.Purge(ctx, "w1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := s.Get(ctx, "w1", 1); err == nil {
		t.Fatal("expected tag bitmap gone after purge")
	}
	if _, err := s.GetLive(ctx, "w1"); err == nil {
		t.Fatal("expected live bitmap gone after purge")
	}
}
