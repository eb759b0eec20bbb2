// Package engine is the Tag Filter Engine's public API: opening a
// workspace, ingesting mutation batches, querying, introspection and
// purge, wired over the five internal components (Bitmap Store, Catalog,
// Bitmap Cache, Planner/Executor, Result Cache & Writer).
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/adamzwasserman/multicardz-sub007/internal/cache"
	"github.com/adamzwasserman/multicardz-sub007/internal/catalog"
	"github.com/adamzwasserman/multicardz-sub007/internal/ekind"
	"github.com/adamzwasserman/multicardz-sub007/internal/metrics"
	"github.com/adamzwasserman/multicardz-sub007/internal/planner"
	"github.com/adamzwasserman/multicardz-sub007/internal/resultcache"
	"github.com/adamzwasserman/multicardz-sub007/internal/store"
	"github.com/adamzwasserman/multicardz-sub007/internal/writer"
)

// storeLoader adapts the Bitmap Store to the Bitmap Cache's Loader
// interface, treating a tag with no persisted bitmap yet as the empty set
// at version 0 rather than an error: a freshly interned tag is a valid,
// simply-empty member of the index.
type storeLoader struct {
	store *store.Store
}

func (l storeLoader) Get(ctx context.Context, w string, tagID uint32) (*roaring.Bitmap, uint64, uint64, error) {
	rec, err := l.store.Get(ctx, w, tagID)
	if err == nil {
		return rec.Bitmap, rec.Version, rec.Cardinality, nil
	}
	if ekind.Is(err, ekind.NotFound) {
		return roaring.New(), 0, 0, nil
	}
	return nil, 0, 0, err
}

// Handle is an open, workspace-bound view of the engine, holding its own
// Redis connection and Catalog file. Nothing reachable through a Handle
// ever observes another workspace's state.
type Handle struct {
	workspace string
	log       *zap.Logger

	redis    *redis.Client
	cat      *catalog.Catalog
	store    *store.Store
	bmc      *cache.Cache
	rc       *resultcache.Cache[*planner.ResultSet]
	pl       *planner.Planner
	wr       *writer.Writer
	metrics  *metrics.Metrics
	Registry *prometheus.Registry
}

// OpenWorkspace opens (creating on first use) the Catalog file and Store
// connection for workspace w under cfg, and wires every component.
func OpenWorkspace(ctx context.Context, w string, cfg Config, log *zap.Logger) (*Handle, error) {
	if w == "" {
		return nil, wrapErr(ekind.Newf(ekind.InvalidQuery, "engine.open_workspace", "workspace must not be empty"))
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("engine").With(zap.String("workspace", w))

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, wrapErr(ekind.New(ekind.Unavailable, "engine.open_workspace", fmt.Errorf("redis ping: %w", err)))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		rdb.Close()
		return nil, wrapErr(ekind.New(ekind.Unavailable, "engine.open_workspace", fmt.Errorf("data dir: %w", err)))
	}
	cat, err := catalog.Open(filepath.Join(cfg.DataDir, w+".db"), log)
	if err != nil {
		rdb.Close()
		return nil, wrapErr(err)
	}

	st := store.New(rdb, log)
	threads := cfg.Threads
	if threads < 1 {
		threads = 1
	}
	bmc := cache.New(storeLoader{store: st}, cfg.CacheBytes, log)
	rc := resultcache.New[*planner.ResultSet](cfg.ResultCacheEntries, log)
	pl := planner.New(cat, bmc, rc, threads, log)
	wr := writer.New(cat, st, bmc, rc, log)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	wr.SetMetrics(m)

	return &Handle{
		workspace: w,
		log:       log,
		redis:     rdb,
		cat:       cat,
		store:     st,
		bmc:       bmc,
		rc:        rc,
		pl:        pl,
		wr:        wr,
		metrics:   m,
		Registry:  reg,
	}, nil
}

// Close releases the Handle's Catalog file and Redis connection.
func (h *Handle) Close() error {
	if err := h.cat.Close(); err != nil {
		h.redis.Close()
		return wrapErr(err)
	}
	if err := h.redis.Close(); err != nil {
		return wrapErr(ekind.New(ekind.Unavailable, "engine.close_handle", err))
	}
	return nil
}

// QueryOptions carries execution knobs that are not part of the query
// shape itself; limit lives on QueryRequest, deadline and cancellation
// map onto ctx.
type QueryOptions struct {
	BypassResultCache bool
}

// Query executes req against h's workspace. Cancellation and deadlines are
// carried by ctx; req.DeadlineMS, if set, derives a bounded ctx internally.
func (h *Handle) Query(ctx context.Context, req QueryRequest, opts QueryOptions) (QueryResponse, error) {
	if req.Workspace != "" && req.Workspace != h.workspace {
		return QueryResponse{}, wrapErr(ekind.Newf(ekind.InvalidQuery, "engine.query", "workspace %q does not match handle workspace %q", req.Workspace, h.workspace))
	}
	if req.DeadlineMS != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*req.DeadlineMS)*time.Millisecond)
		defer cancel()
	}

	rs, err := h.pl.Execute(ctx, h.workspace, planner.Query{
		Intersection:      req.Intersection,
		Union:             req.Union,
		Exclusion:         req.Exclusion,
		Limit:             req.Limit,
		BypassResultCache: opts.BypassResultCache,
	})
	if err != nil {
		return QueryResponse{}, wrapErr(err)
	}
	return responseFromResultSet(rs), nil
}

// QueryResult carries an asynchronous query's outcome.
type QueryResult struct {
	Response QueryResponse
	Err      error
}

// QueryAsync is the non-blocking form of Query: it returns immediately
// with a buffered channel that receives exactly one result. Cancel the
// query through ctx.
func (h *Handle) QueryAsync(ctx context.Context, req QueryRequest, opts QueryOptions) <-chan QueryResult {
	out := make(chan QueryResult, 1)
	go func() {
		resp, err := h.Query(ctx, req, opts)
		out <- QueryResult{Response: resp, Err: err}
	}()
	return out
}

// IngestBatch applies batch's mutations atomically under the workspace's
// write lock and returns an Ack.
func (h *Handle) IngestBatch(ctx context.Context, batch MutationBatchWire) (writer.Ack, error) {
	if batch.Workspace != "" && batch.Workspace != h.workspace {
		return writer.Ack{}, wrapErr(ekind.Newf(ekind.InvalidQuery, "engine.ingest_batch", "workspace %q does not match handle workspace %q", batch.Workspace, h.workspace))
	}
	muts, err := mutationsFromWire(batch.Mutations)
	if err != nil {
		return writer.Ack{}, wrapErr(err)
	}
	ack, err := h.wr.Apply(ctx, writer.Batch{Workspace: h.workspace, Mutations: muts})
	if err != nil {
		return writer.Ack{}, wrapErr(err)
	}
	return ack, nil
}

func mutationsFromWire(wire []MutationWire) ([]writer.Mutation, error) {
	muts := make([]writer.Mutation, 0, len(wire))
	for _, m := range wire {
		switch m.Kind {
		case "upsert":
			muts = append(muts, writer.Mutation{Kind: writer.KindUpsertCard, CardID: m.CardID, Tags: m.Tags})
		case "delete":
			muts = append(muts, writer.Mutation{Kind: writer.KindDeleteCard, CardID: m.CardID})
		case "rename_tag":
			muts = append(muts, writer.Mutation{Kind: writer.KindRenameTag, OldName: m.Old, NewName: m.New})
		case "delete_tag":
			muts = append(muts, writer.Mutation{Kind: writer.KindDeleteTag, TagName: m.Name})
		default:
			return nil, ekind.Newf(ekind.InvalidQuery, "engine.ingest_batch", "unknown mutation kind %q", m.Kind)
		}
	}
	return muts, nil
}

// PlanBatch previews batch without committing anything: the returned plan
// lists the per-card tag additions/removals Apply would perform. Commit it
// with CommitPlan once the caller (typically a confirm dialog) approves.
func (h *Handle) PlanBatch(batch MutationBatchWire) (writer.MutationPlan, error) {
	if batch.Workspace != "" && batch.Workspace != h.workspace {
		return writer.MutationPlan{}, wrapErr(ekind.Newf(ekind.InvalidQuery, "engine.plan_batch", "workspace %q does not match handle workspace %q", batch.Workspace, h.workspace))
	}
	muts, err := mutationsFromWire(batch.Mutations)
	if err != nil {
		return writer.MutationPlan{}, wrapErr(err)
	}
	plan, err := h.wr.Plan(writer.Batch{Workspace: h.workspace, Mutations: muts})
	if err != nil {
		return writer.MutationPlan{}, wrapErr(err)
	}
	return plan, nil
}

// CommitPlan applies a plan produced by PlanBatch.
func (h *Handle) CommitPlan(ctx context.Context, plan writer.MutationPlan) (writer.Ack, error) {
	ack, err := h.wr.ApplyPlan(ctx, plan)
	if err != nil {
		return writer.Ack{}, wrapErr(err)
	}
	return ack, nil
}

// Introspect reports tag/card counts plus cache and store statistics.
func (h *Handle) Introspect(ctx context.Context) (IntrospectResponse, error) {
	tagIDs, err := h.store.ScanTags(ctx, h.workspace)
	if err != nil {
		return IntrospectResponse{}, wrapErr(err)
	}
	cacheStats := h.bmc.Stats()
	rcStats := h.rc.Stats()
	h.metrics.ObserveBitmapCache(cacheStats)
	h.metrics.ObserveResultCache(rcStats)

	return IntrospectResponse{
		TagCount:  h.cat.TagCount(h.workspace),
		CardCount: h.cat.CardCount(h.workspace),
		CacheStats: CacheStatsWire{
			BitmapHits:      cacheStats.Hits,
			BitmapMisses:    cacheStats.Misses,
			BitmapEvictions: cacheStats.Evictions,
			BitmapBytesUsed: cacheStats.MemoryUsed,
			ResultHits:      rcStats.Hits,
			ResultMisses:    rcStats.Misses,
		},
		StoreStats: StoreStatsWire{TagCount: len(tagIDs)},
	}, nil
}

// Purge deletes all durable and cached state for the workspace.
func (h *Handle) Purge(ctx context.Context) error {
	if err := h.store.Purge(ctx, h.workspace); err != nil {
		return wrapErr(err)
	}
	if err := h.cat.Purge(ctx, h.workspace); err != nil {
		return wrapErr(err)
	}
	h.bmc.InvalidateWorkspace(h.workspace)
	h.rc.Purge()
	return nil
}

// RebuildIndex reconstructs every tag bitmap and Live_W from the Catalog's
// authoritative assignment state, writing each bitmap at the next version
// after whatever is currently persisted so the Store's CAS check accepts it.
func (h *Handle) RebuildIndex(ctx context.Context) error {
	assignments := h.cat.AllAssignments(h.workspace)
	byTag := make(map[uint32]*roaring.Bitmap)
	for pos, tagIDs := range assignments {
		for _, tagID := range tagIDs {
			bm, ok := byTag[tagID]
			if !ok {
				bm = roaring.New()
				byTag[tagID] = bm
			}
			bm.Add(pos)
		}
	}

	for _, tagID := range h.cat.AllTagIDs(h.workspace) {
		bm, ok := byTag[tagID]
		if !ok {
			bm = roaring.New()
		}
		version, err := h.nextVersion(ctx, tagID)
		if err != nil {
			return wrapErr(err)
		}
		if err := h.store.Put(ctx, h.workspace, tagID, bm, version); err != nil {
			return wrapErr(err)
		}
		h.bmc.Invalidate(h.workspace, tagID)
		h.rc.InvalidateTag(tagID)
	}

	live, _, err := h.cat.LiveBitmapVersion(h.workspace)
	if err != nil {
		return wrapErr(err)
	}
	liveVersion := uint64(1)
	if rec, err := h.store.GetLive(ctx, h.workspace); err == nil {
		liveVersion = rec.Version + 1
	} else if !ekind.Is(err, ekind.NotFound) {
		return wrapErr(err)
	}
	if err := h.store.PutLive(ctx, h.workspace, live, liveVersion); err != nil {
		return wrapErr(err)
	}
	h.rc.InvalidateTag(catalog.LiveTagID)
	return nil
}

func (h *Handle) nextVersion(ctx context.Context, tagID uint32) (uint64, error) {
	rec, err := h.store.Get(ctx, h.workspace, tagID)
	if err == nil {
		return rec.Version + 1, nil
	}
	if ekind.Is(err, ekind.NotFound) {
		return 1, nil
	}
	return 0, err
}
