package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

func openTestHandle(t *testing.T, mr *miniredis.Miniredis, workspace string) *Handle {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RedisAddr = mr.Addr()
	cfg.DataDir = t.TempDir()
	h, err := OpenWorkspace(context.Background(), workspace, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("open workspace %s: %v", workspace, err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func newTestRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr
}

func ingest(t *testing.T, h *Handle, mutations ...MutationWire) {
	t.Helper()
	if _, err := h.IngestBatch(context.Background(), MutationBatchWire{Mutations: mutations}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
}

func seedColorCards(t *testing.T, h *Handle) {
	t.Helper()
	ingest(t, h,
		MutationWire{Kind: "upsert", CardID: "c1", Tags: []string{"red", "small"}},
		MutationWire{Kind: "upsert", CardID: "c2", Tags: []string{"red", "large"}},
		MutationWire{Kind: "upsert", CardID: "c3", Tags: []string{"blue", "small"}},
	)
}

func query(t *testing.T, h *Handle, req QueryRequest) QueryResponse {
	t.Helper()
	resp, err := h.Query(context.Background(), req, QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	return resp
}

func TestQuery_BasicIntersection(t *testing.T) {
	mr := newTestRedis(t)
	h := openTestHandle(t, mr, "w1")
	seedColorCards(t, h)

	resp := query(t, h, QueryRequest{Intersection: []string{"red", "small"}})
	if !reflect.DeepEqual(resp.IDs, []string{"c1"}) || resp.Total != 1 || resp.Truncated {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestQuery_UnionWithinRestrictedUniverse(t *testing.T) {
	mr := newTestRedis(t)
	h := openTestHandle(t, mr, "w1")
	seedColorCards(t, h)
	ingest(t, h, MutationWire{Kind: "upsert", CardID: "c4", Tags: []string{"red", "medium"}})

	resp := query(t, h, QueryRequest{Intersection: []string{"red"}, Union: []string{"small", "medium"}})
	if !reflect.DeepEqual(resp.IDs, []string{"c1", "c4"}) || resp.Total != 2 || resp.Truncated {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestQuery_Exclusion(t *testing.T) {
	mr := newTestRedis(t)
	h := openTestHandle(t, mr, "w1")
	seedColorCards(t, h)
	ingest(t, h, MutationWire{Kind: "upsert", CardID: "c4", Tags: []string{"red", "medium"}})

	resp := query(t, h, QueryRequest{Exclusion: []string{"blue"}})
	if !reflect.DeepEqual(resp.IDs, []string{"c1", "c2", "c4"}) || resp.Total != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestQuery_TombstoneInvisibility(t *testing.T) {
	mr := newTestRedis(t)
	h := openTestHandle(t, mr, "w1")
	seedColorCards(t, h)
	ingest(t, h, MutationWire{Kind: "upsert", CardID: "c4", Tags: []string{"red", "medium"}})
	ingest(t, h, MutationWire{Kind: "delete", CardID: "c2"})

	resp := query(t, h, QueryRequest{Intersection: []string{"red"}})
	if !reflect.DeepEqual(resp.IDs, []string{"c1", "c4"}) || resp.Total != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestQuery_MutationInvalidatesResultCache(t *testing.T) {
	mr := newTestRedis(t)
	h := openTestHandle(t, mr, "w1")
	seedColorCards(t, h)

	warm := query(t, h, QueryRequest{Intersection: []string{"red"}})
	ingest(t, h, MutationWire{Kind: "upsert", CardID: "c5", Tags: []string{"red", "small"}})
	fresh := query(t, h, QueryRequest{Intersection: []string{"red"}})

	if !reflect.DeepEqual(fresh.IDs, []string{"c1", "c2", "c5"}) || fresh.Total != 3 {
		t.Fatalf("unexpected post-mutation response: %+v", fresh)
	}
	if warm.Fingerprint == fresh.Fingerprint {
		t.Fatal("expected the fingerprint to change with the observed bitmap version")
	}
}

func TestQuery_WorkspaceIsolation(t *testing.T) {
	mr := newTestRedis(t)
	h1 := openTestHandle(t, mr, "w1")
	h2 := openTestHandle(t, mr, "w2")
	seedColorCards(t, h1)
	ingest(t, h2, MutationWire{Kind: "upsert", CardID: "c1", Tags: []string{"red"}})

	resp2 := query(t, h2, QueryRequest{Intersection: []string{"red"}})
	if !reflect.DeepEqual(resp2.IDs, []string{"c1"}) || resp2.Total != 1 {
		t.Fatalf("unexpected w2 response: %+v", resp2)
	}

	resp1 := query(t, h1, QueryRequest{Intersection: []string{"red"}})
	if !reflect.DeepEqual(resp1.IDs, []string{"c1", "c2"}) {
		t.Fatalf("w1 results disturbed by w2 writes: %+v", resp1)
	}
}

func TestQuery_EmptyQueryReturnsLiveUniverse(t *testing.T) {
	mr := newTestRedis(t)
	h := openTestHandle(t, mr, "w1")
	seedColorCards(t, h)

	resp := query(t, h, QueryRequest{})
	if resp.Total != 3 || len(resp.IDs) != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestQuery_MismatchedWorkspaceRejected(t *testing.T) {
	mr := newTestRedis(t)
	h := openTestHandle(t, mr, "w1")

	_, err := h.Query(context.Background(), QueryRequest{Workspace: "other"}, QueryOptions{})
	if !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}

func TestQuery_CancelledContextSurfacesErrCancelled(t *testing.T) {
	mr := newTestRedis(t)
	h := openTestHandle(t, mr, "w1")
	seedColorCards(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Query(ctx, QueryRequest{Intersection: []string{"red"}}, QueryOptions{})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestQueryAsync_DeliversOneResult(t *testing.T) {
	mr := newTestRedis(t)
	h := openTestHandle(t, mr, "w1")
	seedColorCards(t, h)

	res := <-h.QueryAsync(context.Background(), QueryRequest{Intersection: []string{"red"}}, QueryOptions{})
	if res.Err != nil {
		t.Fatalf("async query: %v", res.Err)
	}
	if !reflect.DeepEqual(res.Response.IDs, []string{"c1", "c2"}) {
		t.Fatalf("unexpected async response: %+v", res.Response)
	}
}

func TestPlanBatch_PreviewThenCommit(t *testing.T) {
	mr := newTestRedis(t)
	h := openTestHandle(t, mr, "w1")
	seedColorCards(t, h)

	plan, err := h.PlanBatch(MutationBatchWire{Mutations: []MutationWire{
		{Kind: "upsert", CardID: "c1", Tags: []string{"red", "tiny"}},
	}})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Cards) != 1 || !reflect.DeepEqual(plan.Cards[0].AddTags, []string{"tiny"}) {
		t.Fatalf("unexpected plan: %+v", plan)
	}

	// Nothing changed until the commit.
	before := query(t, h, QueryRequest{Intersection: []string{"red", "small"}})
	if !reflect.DeepEqual(before.IDs, []string{"c1"}) {
		t.Fatalf("plan must not mutate: %+v", before)
	}

	if _, err := h.CommitPlan(context.Background(), plan); err != nil {
		t.Fatalf("commit: %v", err)
	}
	after := query(t, h, QueryRequest{Intersection: []string{"tiny"}})
	if !reflect.DeepEqual(after.IDs, []string{"c1"}) {
		t.Fatalf("expected committed plan visible: %+v", after)
	}
}

func TestIntrospect_CountsAndStats(t *testing.T) {
	mr := newTestRedis(t)
	h := openTestHandle(t, mr, "w1")
	seedColorCards(t, h)
	query(t, h, QueryRequest{Intersection: []string{"red"}})

	stats, err := h.Introspect(context.Background())
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	if stats.TagCount != 4 {
		t.Fatalf("expected 4 tags (red, small, large, blue), got %d", stats.TagCount)
	}
	if stats.CardCount != 3 {
		t.Fatalf("expected 3 cards, got %d", stats.CardCount)
	}
	if stats.StoreStats.TagCount != 4 {
		t.Fatalf("expected 4 persisted bitmaps, got %d", stats.StoreStats.TagCount)
	}
}

func TestPurge_RemovesAllState(t *testing.T) {
	mr := newTestRedis(t)
	h := openTestHandle(t, mr, "w1")
	seedColorCards(t, h)

	if err := h.Purge(context.Background()); err != nil {
		t.Fatalf("purge: %v", err)
	}

	resp := query(t, h, QueryRequest{})
	if resp.Total != 0 {
		t.Fatalf("expected an empty universe after purge, got %+v", resp)
	}
	stats, err := h.Introspect(context.Background())
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	if stats.TagCount != 0 || stats.CardCount != 0 || stats.StoreStats.TagCount != 0 {
		t.Fatalf("expected empty stats after purge, got %+v", stats)
	}
}

func TestRebuildIndex_RecoversBitmapsFromCatalog(t *testing.T) {
	mr := newTestRedis(t)
	h := openTestHandle(t, mr, "w1")
	seedColorCards(t, h)

	// Simulate bitmap loss: wipe only the Redis side, keeping the catalog.
	mr.FlushAll()
	if err := h.RebuildIndex(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	resp := query(t, h, QueryRequest{Intersection: []string{"red", "small"}})
	if !reflect.DeepEqual(resp.IDs, []string{"c1"}) || resp.Total != 1 {
		t.Fatalf("unexpected response after rebuild: %+v", resp)
	}
}

func TestIngest_UnknownMutationKindRejected(t *testing.T) {
	mr := newTestRedis(t)
	h := openTestHandle(t, mr, "w1")

	_, err := h.IngestBatch(context.Background(), MutationBatchWire{Mutations: []MutationWire{{Kind: "explode"}}})
	if !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}
