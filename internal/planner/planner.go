// Package planner implements the Query Planner & Executor: given a
// two-phase (intersection, union, exclusion) query over a workspace, it
// orders the intersection by selectivity, folds the bitmaps, and
// materializes card ids up to an optional limit.
//
// The intersection fold runs most-selective-first and short-circuits the
// moment the accumulator goes empty; union and exclusion are
// order-independent and computed as balanced pairwise ORs. Bitmap
// prefetch and the pairwise fold fan out through errgroup with a
// SetLimit bound, so saturation degrades to sequential execution instead
// of unbounded goroutines.
package planner

import (
	"context"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/adamzwasserman/multicardz-sub007/internal/catalog"
	"github.com/adamzwasserman/multicardz-sub007/internal/ekind"
	"github.com/adamzwasserman/multicardz-sub007/internal/resultcache"
)

// BitmapSource is the subset of the Bitmap Cache the Planner depends on.
type BitmapSource interface {
	Get(ctx context.Context, w string, tagID uint32) (bitmap *roaring.Bitmap, version, cardinality uint64, err error)
}

// TagResolver is the subset of the Catalog the Planner depends on to turn
// external tag/card identifiers into the dense ids bitmaps are indexed by.
type TagResolver interface {
	ResolveTagByName(w, extName string) (uint32, bool)
	ResolveTag(w string, tagID uint32) (name string, tagType catalog.TagType, ok bool)
	ResolveCard(w string, position uint32) (string, bool)
	LiveBitmapVersion(w string) (*roaring.Bitmap, uint64, error)
}

// Query is the two-phase spatial query: I (intersection), O (union,
// restricted to the intersection's universe), X (exclusion), by external
// tag name, plus an optional result limit.
type Query struct {
	Intersection      []string
	Union             []string
	Exclusion         []string
	Limit             *int64
	BypassResultCache bool
}

// ResultSet is the materialized outcome of a Query.
type ResultSet struct {
	IDs         []string
	Total       uint64
	Truncated   bool
	Fingerprint resultcache.Fingerprint
}

// materializeCheckInterval bounds cancellation-check overhead during
// materialization to roughly one check per few thousand positions, keeping
// the check cost well under a percent of the iteration itself.
const materializeCheckInterval = 4096

// Planner is the Query Planner & Executor.
type Planner struct {
	cat     TagResolver
	bmc     BitmapSource
	rc      *resultcache.Cache[*ResultSet]
	log     *zap.Logger
	threads int
}

// New builds a Planner. threads bounds the Executor's parallel fan-out for
// pairwise OR folds and bitmap prefetch; it degrades to sequential
// execution under contention because errgroup.SetLimit simply queues excess
// work rather than spawning unbounded goroutines.
func New(cat TagResolver, bmc BitmapSource, rc *resultcache.Cache[*ResultSet], threads int, log *zap.Logger) *Planner {
	if threads < 1 {
		threads = 1
	}
	return &Planner{cat: cat, bmc: bmc, rc: rc, threads: threads, log: log.Named("planner")}
}

// Execute computes R(Q) for workspace w and materializes up to Q.Limit card
// ids in ascending position order.
func (p *Planner) Execute(ctx context.Context, w string, q Query) (ResultSet, error) {
	if w == "" {
		return ResultSet{}, ekind.Newf(ekind.InvalidQuery, "planner.execute", "workspace must not be empty")
	}
	if err := ctxErr(ctx, "planner.execute"); err != nil {
		return ResultSet{}, err
	}

	liveW, liveVersion, err := p.cat.LiveBitmapVersion(w)
	if err != nil {
		return ResultSet{}, err
	}

	// Unknown tags in the intersection set force an empty result; unknown
	// tags in the union/exclusion sets are dropped silently.
	resolvedI, allIKnown := p.resolveRequiredTags(w, q.Intersection)
	if !allIKnown {
		return p.emptyResult(w, q), nil
	}
	resolvedO := p.resolveOptionalTags(w, q.Union)
	resolvedX := p.resolveOptionalTags(w, q.Exclusion)

	// Fetch every distinct bitmap the plan will touch, in parallel,
	// recording the version actually observed for each; the versions feed
	// the fingerprint and pin the snapshot the result was computed from.
	needed := dedup(append(append(append([]uint32{}, resolvedI...), resolvedO...), resolvedX...))
	fetched, observed, err := p.fetchAll(ctx, w, needed)
	if err != nil {
		return ResultSet{}, err
	}
	if err := ctxErr(ctx, "planner.execute"); err != nil {
		return ResultSet{}, err
	}

	observed = append(observed, resultcache.ObservedVersion{TagID: catalog.LiveTagID, Version: liveVersion})
	dependsOn := append(append([]uint32(nil), needed...), catalog.LiveTagID)

	fp := resultcache.Compute(resultcache.FingerprintInput{
		Workspace:    w,
		Intersection: resolvedI,
		Union:        resolvedO,
		Exclusion:    resolvedX,
		Limit:        limitValue(q.Limit),
		HasLimit:     q.Limit != nil,
		Observed:     observed,
	})

	if !q.BypassResultCache {
		if cached, ok := p.rc.Lookup(fp); ok {
			return *cached, nil
		}
	}

	compute := func() (*ResultSet, error) {
		acc := p.intersectionFold(resolvedI, fetched, liveW)
		if err := ctxErr(ctx, "planner.execute"); err != nil {
			return nil, err
		}

		if acc.GetCardinality() > 0 && len(resolvedO) > 0 {
			union := p.orFold(bitmapsFor(resolvedO, fetched))
			acc.And(union)
		}
		if err := ctxErr(ctx, "planner.execute"); err != nil {
			return nil, err
		}

		if acc.GetCardinality() > 0 && len(resolvedX) > 0 {
			excl := p.orFold(bitmapsFor(resolvedX, fetched))
			acc.AndNot(excl)
		}

		// Final liveness filter: idempotent when every input bitmap is
		// already a subset of the live set, included regardless.
		acc.And(liveW)

		rs, err := p.materialize(ctx, w, acc, q.Limit, fp)
		if err != nil {
			return nil, err
		}
		return &rs, nil
	}

	if q.BypassResultCache {
		rs, err := compute()
		if err != nil {
			return ResultSet{}, err
		}
		return *rs, nil
	}

	rs, _, err := p.rc.GetOrCompute(fp, dependsOn, compute)
	if err != nil {
		return ResultSet{}, err
	}
	return *rs, nil
}

func (p *Planner) emptyResult(w string, q Query) ResultSet {
	return ResultSet{IDs: nil, Total: 0, Truncated: false, Fingerprint: resultcache.Compute(resultcache.FingerprintInput{
		Workspace: w,
		Limit:     limitValue(q.Limit),
		HasLimit:  q.Limit != nil,
	})}
}

// resolveRequiredTags resolves every name in names to its internal tag id.
// It reports ok=false the moment any single name fails to resolve to a
// user-type tag, since an unknown tag in the intersection set forces the
// whole query empty. Intended for the intersection set only.
func (p *Planner) resolveRequiredTags(w string, names []string) ([]uint32, bool) {
	if len(names) == 0 {
		return nil, true
	}
	ids := make([]uint32, 0, len(names))
	for _, name := range names {
		id, ok := p.resolveUserTag(w, name)
		if !ok {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

// resolveOptionalTags resolves every name in names, silently dropping any
// that fail to resolve to a user-type tag: an unknown tag in the union or
// exclusion set simply contributes the empty set.
func (p *Planner) resolveOptionalTags(w string, names []string) []uint32 {
	ids := make([]uint32, 0, len(names))
	for _, name := range names {
		if id, ok := p.resolveUserTag(w, name); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (p *Planner) resolveUserTag(w, name string) (uint32, bool) {
	id, ok := p.cat.ResolveTagByName(w, name)
	if !ok {
		return 0, false
	}
	if _, tagType, ok := p.cat.ResolveTag(w, id); !ok || tagType != catalog.TagUser {
		// System-* tags are pass-through metadata for external
		// collaborators; the Filter Engine itself only consumes user
		// tags, so anything else is "unknown" here.
		return 0, false
	}
	return id, true
}

func (p *Planner) fetchAll(ctx context.Context, w string, ids []uint32) (map[uint32]*roaring.Bitmap, []resultcache.ObservedVersion, error) {
	out := make(map[uint32]*roaring.Bitmap, len(ids))
	observed := make([]resultcache.ObservedVersion, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.threads)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			bm, version, _, err := p.bmc.Get(gctx, w, id)
			if err != nil {
				return err
			}
			mu.Lock()
			out[id] = bm
			observed[i] = resultcache.ObservedVersion{TagID: id, Version: version}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return out, observed, nil
}

func (p *Planner) intersectionFold(resolvedI []uint32, fetched map[uint32]*roaring.Bitmap, liveW *roaring.Bitmap) *roaring.Bitmap {
	if len(resolvedI) == 0 {
		return liveW.Clone()
	}

	ordered := append([]uint32(nil), resolvedI...)
	sort.Slice(ordered, func(a, b int) bool {
		ca, cb := fetched[ordered[a]].GetCardinality(), fetched[ordered[b]].GetCardinality()
		if ca != cb {
			return ca < cb
		}
		return ordered[a] < ordered[b]
	})

	acc := fetched[ordered[0]].Clone()
	for _, id := range ordered[1:] {
		if acc.GetCardinality() == 0 {
			break
		}
		acc.And(fetched[id])
	}
	return acc
}

// orFold computes the union of bitmaps via a balanced, bounded-concurrency
// pairwise fold.
func (p *Planner) orFold(bitmaps []*roaring.Bitmap) *roaring.Bitmap {
	if len(bitmaps) == 0 {
		return roaring.New()
	}
	return p.parallelFold(bitmaps)
}

func (p *Planner) parallelFold(bitmaps []*roaring.Bitmap) *roaring.Bitmap {
	if len(bitmaps) == 1 {
		return bitmaps[0].Clone()
	}
	mid := len(bitmaps) / 2
	left, right := bitmaps[:mid], bitmaps[mid:]

	var leftRes, rightRes *roaring.Bitmap
	var g errgroup.Group
	g.SetLimit(p.threads)
	g.Go(func() error { leftRes = p.parallelFold(left); return nil })
	g.Go(func() error { rightRes = p.parallelFold(right); return nil })
	_ = g.Wait()

	leftRes.Or(rightRes)
	return leftRes
}

func (p *Planner) materialize(ctx context.Context, w string, acc *roaring.Bitmap, limit *int64, fp resultcache.Fingerprint) (ResultSet, error) {
	total := acc.GetCardinality()

	var ids []string
	hasLimit := limit != nil
	it := acc.Iterator()
	checked := 0
	for it.HasNext() {
		if hasLimit && int64(len(ids)) >= *limit {
			break
		}
		pos := it.Next()
		if extID, ok := p.cat.ResolveCard(w, pos); ok {
			ids = append(ids, extID)
		}
		checked++
		if checked%materializeCheckInterval == 0 {
			if err := ctxErr(ctx, "planner.materialize"); err != nil {
				return ResultSet{}, err
			}
		}
	}

	truncated := hasLimit && uint64(len(ids)) < total
	return ResultSet{IDs: ids, Total: total, Truncated: truncated, Fingerprint: fp}, nil
}

func bitmapsFor(ids []uint32, fetched map[uint32]*roaring.Bitmap) []*roaring.Bitmap {
	out := make([]*roaring.Bitmap, 0, len(ids))
	for _, id := range ids {
		out = append(out, fetched[id])
	}
	return out
}

func dedup(ids []uint32) []uint32 {
	seen := make(map[uint32]struct{}, len(ids))
	out := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func limitValue(l *int64) int64 {
	if l == nil {
		return 0
	}
	return *l
}

func ctxErr(ctx context.Context, op string) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.Canceled:
		return ekind.New(ekind.Cancelled, op, ctx.Err())
	case context.DeadlineExceeded:
		return ekind.New(ekind.DeadlineExceeded, op, ctx.Err())
	default:
		return ekind.New(ekind.Unavailable, op, ctx.Err())
	}
}
