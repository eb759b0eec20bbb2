package writer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/adamzwasserman/multicardz-sub007/internal/catalog"
	"github.com/adamzwasserman/multicardz-sub007/internal/store"
)

type fakeBitmapCache struct {
	invalidated []uint32
}

func (f *fakeBitmapCache) Invalidate(_ string, tagID uint32) {
	f.invalidated = append(f.invalidated, tagID)
}

type fakeResultCache struct {
	invalidated []uint32
}

func (f *fakeResultCache) InvalidateTag(tagID uint32) {
	f.invalidated = append(f.invalidated, tagID)
}

func setup(t *testing.T) (*Writer, *catalog.Catalog, *store.Store, *fakeBitmapCache, *fakeResultCache, func()) {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(client, zap.NewNop())

	bmc := &fakeBitmapCache{}
	rc := &fakeResultCache{}
	w := New(cat, st, bmc, rc, zap.NewNop())

	cleanup := func() {
		cat.Close()
		client.Close()
		mr.Close()
	}
	return w, cat, st, bmc, rc, cleanup
}

func contains(ids []uint32, want uint32) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

func TestWriter_UpsertCardSetsBit(t *testing.T) {
	w, cat, st, bmc, rc, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	ack, err := w.Apply(ctx, Batch{Workspace: "w1", Mutations: []Mutation{
		{Kind: KindUpsertCard, CardID: "c1", Tags: []string{"red", "small"}},
	}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if ack.Applied != 1 {
		t.Fatalf("expected 1 applied mutation, got %d", ack.Applied)
	}

	redTag, ok := cat.ResolveTagByName("w1", "red")
	if !ok {
		t.Fatal("expected red tag interned")
	}
	pos, _ := cat.InternCard(ctx, "w1", "c1")

	rec, err := st.Get(ctx, "w1", redTag)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if !rec.Bitmap.Contains(pos) {
		t.Fatal("expected red bitmap to contain the card's position")
	}
	if rec.Version != 1 {
		t.Fatalf("expected version 1, got %d", rec.Version)
	}
	if !contains(bmc.invalidated, redTag) {
		t.Fatal("expected bitmap cache invalidated for red tag")
	}
	if !contains(rc.invalidated, redTag) {
		t.Fatal("expected result cache invalidated for red tag")
	}
}

func TestWriter_UpsertCardDiffsAgainstCurrent(t *testing.T) {
	w, cat, st, _, _, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := w.Apply(ctx, Batch{Workspace: "w1", Mutations: []Mutation{
		{Kind: KindUpsertCard, CardID: "c1", Tags: []string{"red", "small"}},
	}}); err != nil {
		t.Fatalf("apply 1: %v", err)
	}
	if _, err := w.Apply(ctx, Batch{Workspace: "w1", Mutations: []Mutation{
		{Kind: KindUpsertCard, CardID: "c1", Tags: []string{"red", "large"}},
	}}); err != nil {
		t.Fatalf("apply 2: %v", err)
	}

	pos, _ := cat.InternCard(ctx, "w1", "c1")
	smallTag, _ := cat.ResolveTagByName("w1", "small")
	largeTag, _ := cat.ResolveTagByName("w1", "large")

	smallRec, _ := st.Get(ctx, "w1", smallTag)
	if smallRec.Bitmap.Contains(pos) {
		t.Fatal("expected small bitmap to have dropped the card's position")
	}
	largeRec, _ := st.Get(ctx, "w1", largeTag)
	if !largeRec.Bitmap.Contains(pos) {
		t.Fatal("expected large bitmap to contain the card's position")
	}
}

func TestWriter_UpsertIdempotent(t *testing.T) {
	w, _, st, _, _, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	batch := Batch{Workspace: "w1", Mutations: []Mutation{
		{Kind: KindUpsertCard, CardID: "c1", Tags: []string{"red"}},
	}}
	if _, err := w.Apply(ctx, batch); err != nil {
		t.Fatalf("apply 1: %v", err)
	}
	if _, err := w.Apply(ctx, batch); err != nil {
		t.Fatalf("apply 2: %v", err)
	}

	tags, err := st.ScanTags(ctx, "w1")
	if err != nil {
		t.Fatalf("scan_tags: %v", err)
	}
	if len(tags) != 1 {
		t.Fatalf("expected exactly 1 distinct tag bitmap, got %d", len(tags))
	}
	rec, _ := st.Get(ctx, "w1", tags[0])
	if rec.Version != 1 {
		t.Fatalf("expected second identical upsert to be a version no-op, got version %d", rec.Version)
	}
}

func TestWriter_DeleteCardTombstonesAndClearsBits(t *testing.T) {
	w, cat, st, _, rc, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := w.Apply(ctx, Batch{Workspace: "w1", Mutations: []Mutation{
		{Kind: KindUpsertCard, CardID: "c1", Tags: []string{"red"}},
	}}); err != nil {
		t.Fatalf("apply upsert: %v", err)
	}
	if _, err := w.Apply(ctx, Batch{Workspace: "w1", Mutations: []Mutation{
		{Kind: KindDeleteCard, CardID: "c1"},
	}}); err != nil {
		t.Fatalf("apply delete: %v", err)
	}

	pos, _ := cat.InternCard(ctx, "w1", "c1")
	live, _, _ := cat.LiveBitmapVersion("w1")
	if live.Contains(pos) {
		t.Fatal("expected position removed from Live_W")
	}

	redTag, _ := cat.ResolveTagByName("w1", "red")
	rec, _ := st.Get(ctx, "w1", redTag)
	if rec.Bitmap.Contains(pos) {
		t.Fatal("expected red bitmap to have cleared the deleted card's position")
	}

	liveRec, err := st.GetLive(ctx, "w1")
	if err != nil {
		t.Fatalf("get_live: %v", err)
	}
	if liveRec.Bitmap.Contains(pos) {
		t.Fatal("expected persisted Live_W to exclude the deleted position")
	}
	if !contains(rc.invalidated, catalog.LiveTagID) {
		t.Fatal("expected result cache invalidated for the live sentinel after a tombstone")
	}
}

func TestWriter_RenameTagNeverTouchesBitmaps(t *testing.T) {
	w, cat, st, _, _, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := w.Apply(ctx, Batch{Workspace: "w1", Mutations: []Mutation{
		{Kind: KindUpsertCard, CardID: "c1", Tags: []string{"red"}},
	}}); err != nil {
		t.Fatalf("apply upsert: %v", err)
	}
	redTag, _ := cat.ResolveTagByName("w1", "red")
	before, _ := st.Get(ctx, "w1", redTag)

	if _, err := w.Apply(ctx, Batch{Workspace: "w1", Mutations: []Mutation{
		{Kind: KindRenameTag, OldName: "red", NewName: "crimson"},
	}}); err != nil {
		t.Fatalf("apply rename: %v", err)
	}

	if _, ok := cat.ResolveTagByName("w1", "red"); ok {
		t.Fatal("expected old name no longer resolvable")
	}
	newID, ok := cat.ResolveTagByName("w1", "crimson")
	if !ok || newID != redTag {
		t.Fatalf("expected renamed tag to keep the same id, got %d ok=%v", newID, ok)
	}
	after, _ := st.Get(ctx, "w1", redTag)
	if after.Version != before.Version {
		t.Fatalf("expected rename to leave the bitmap version untouched, got %d vs %d", after.Version, before.Version)
	}
}

func TestWriter_DeleteTagRemovesBitmapAndInvalidates(t *testing.T) {
	w, cat, st, bmc, rc, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := w.Apply(ctx, Batch{Workspace: "w1", Mutations: []Mutation{
		{Kind: KindUpsertCard, CardID: "c1", Tags: []string{"red"}},
	}}); err != nil {
		t.Fatalf("apply upsert: %v", err)
	}
	redTag, _ := cat.ResolveTagByName("w1", "red")

	if _, err := w.Apply(ctx, Batch{Workspace: "w1", Mutations: []Mutation{
		{Kind: KindDeleteTag, TagName: "red"},
	}}); err != nil {
		t.Fatalf("apply delete_tag: %v", err)
	}

	if _, err := st.Get(ctx, "w1", redTag); err == nil {
		t.Fatal("expected tag bitmap removed from the store")
	}
	if !contains(bmc.invalidated, redTag) {
		t.Fatal("expected bitmap cache invalidated for the deleted tag")
	}
	if !contains(rc.invalidated, redTag) {
		t.Fatal("expected result cache invalidated for the deleted tag")
	}
}

func TestWriter_WorkspaceIsolation(t *testing.T) {
	w, _, st, _, _, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := w.Apply(ctx, Batch{Workspace: "w1", Mutations: []Mutation{
		{Kind: KindUpsertCard, CardID: "shared", Tags: []string{"red"}},
	}}); err != nil {
		t.Fatalf("apply w1: %v", err)
	}
	if _, err := w.Apply(ctx, Batch{Workspace: "w2", Mutations: []Mutation{
		{Kind: KindUpsertCard, CardID: "shared", Tags: []string{"blue"}},
	}}); err != nil {
		t.Fatalf("apply w2: %v", err)
	}

	tagsW1, _ := st.ScanTags(ctx, "w1")
	tagsW2, _ := st.ScanTags(ctx, "w2")
	if len(tagsW1) != 1 || len(tagsW2) != 1 {
		t.Fatalf("expected one tag bitmap per workspace, got w1=%d w2=%d", len(tagsW1), len(tagsW2))
	}
}
