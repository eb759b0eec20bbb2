// Package writer implements the Index Writer: the single mutation path
// that turns a batch of card/tag mutations into a new, consistent snapshot
// of the bitmaps, then invalidates every cache entry the mutation touched.
//
// A batch runs through an explicit state machine (received, locked,
// diffed, writing, then committed or rolled back) under a per-workspace
// exclusive lock, with bounded CAS retry per key, so it commits
// all-or-nothing against the Store's per-key optimistic concurrency.
package writer

import (
	"context"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adamzwasserman/multicardz-sub007/internal/catalog"
	"github.com/adamzwasserman/multicardz-sub007/internal/ekind"
	"github.com/adamzwasserman/multicardz-sub007/internal/store"
)

// TagCatalog is the subset of the Catalog the Writer depends on.
type TagCatalog interface {
	InternCard(ctx context.Context, w, extID string) (uint32, error)
	LookupCard(w, extID string) (uint32, bool)
	InternTag(ctx context.Context, w, extName string, tagType catalog.TagType) (uint32, error)
	ResolveTag(w string, tagID uint32) (name string, tagType catalog.TagType, ok bool)
	AssignedTags(w string, position uint32) []uint32
	SetAssigned(ctx context.Context, w string, position, tagID uint32, assigned bool) error
	TombstoneCard(ctx context.Context, w string, position uint32) error
	LiveBitmapVersion(w string) (*roaring.Bitmap, uint64, error)
	RenameTag(ctx context.Context, w, oldName, newName string) error
	DeleteTag(ctx context.Context, w, extName string) (uint32, error)
}

// BitmapStore is the subset of the Bitmap Store the Writer depends on.
type BitmapStore interface {
	Get(ctx context.Context, w string, tagID uint32) (store.Record, error)
	Put(ctx context.Context, w string, tagID uint32, bitmap *roaring.Bitmap, newVersion uint64) error
	GetLive(ctx context.Context, w string) (store.Record, error)
	PutLive(ctx context.Context, w string, live *roaring.Bitmap, newVersion uint64) error
	Delete(ctx context.Context, w string, tagID uint32) error
}

// BitmapInvalidator is the subset of the Bitmap Cache the Writer depends on.
type BitmapInvalidator interface {
	Invalidate(w string, tagID uint32)
}

// ResultInvalidator is the subset of the Result Cache the Writer depends on.
type ResultInvalidator interface {
	InvalidateTag(tagID uint32)
}

// CASRetryRecorder observes Writer-level optimistic-concurrency retries,
// implemented by internal/metrics in production and a no-op in tests.
type CASRetryRecorder interface {
	IncCASRetry()
}

type noopRecorder struct{}

func (noopRecorder) IncCASRetry() {}

// MutationKind identifies one of the four supported mutation shapes.
type MutationKind string

const (
	KindUpsertCard MutationKind = "upsert"
	KindDeleteCard MutationKind = "delete"
	KindRenameTag  MutationKind = "rename_tag"
	KindDeleteTag  MutationKind = "delete_tag"
)

// Mutation is one entry of a batch. Only the fields relevant to Kind are
// read.
type Mutation struct {
	Kind MutationKind

	CardID string   // upsert, delete
	Tags   []string // upsert: the card's full desired tag set

	OldName string // rename_tag
	NewName string // rename_tag

	TagName string // delete_tag
}

// Batch is a set of mutations applied atomically under one workspace's
// exclusive write lock.
type Batch struct {
	Workspace string
	Mutations []Mutation
}

// Ack reports a successfully committed batch.
type Ack struct {
	BatchID string
	Applied int
}

const maxCASRetries = 5

// Writer is the Index Writer. One Writer serves every workspace; exclusive
// access per workspace is enforced internally.
type Writer struct {
	cat     TagCatalog
	store   BitmapStore
	bmc     BitmapInvalidator
	rc      ResultInvalidator
	metrics CASRetryRecorder
	log     *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New builds a Writer over the given Catalog, Store, Bitmap Cache and
// Result Cache.
func New(cat TagCatalog, st BitmapStore, bmc BitmapInvalidator, rc ResultInvalidator, log *zap.Logger) *Writer {
	return &Writer{cat: cat, store: st, bmc: bmc, rc: rc, metrics: noopRecorder{}, log: log.Named("writer"), locks: make(map[string]*sync.Mutex)}
}

// SetMetrics wires a CAS-retry counter, called once by pkg/engine during
// Handle construction.
func (w *Writer) SetMetrics(m CASRetryRecorder) {
	w.metrics = m
}

func (w *Writer) lockFor(workspace string) *sync.Mutex {
	w.locksMu.Lock()
	defer w.locksMu.Unlock()
	l, ok := w.locks[workspace]
	if !ok {
		l = &sync.Mutex{}
		w.locks[workspace] = l
	}
	return l
}

// bitDelta accumulates the positions to set and clear on one tag's bitmap
// across an entire batch, so a card touched by two mutations in the same
// batch still produces one coherent read-modify-write per tag.
type bitDelta struct {
	add    map[uint32]struct{}
	remove map[uint32]struct{}
}

func newBitDelta() *bitDelta {
	return &bitDelta{add: make(map[uint32]struct{}), remove: make(map[uint32]struct{})}
}

// Apply commits batch under its workspace's exclusive lock, following
// Received -> Locked -> Diffed -> Writing -> (Committed | RolledBack).
func (w *Writer) Apply(ctx context.Context, batch Batch) (Ack, error) {
	if batch.Workspace == "" {
		return Ack{}, ekind.Newf(ekind.InvalidQuery, "writer.apply", "workspace must not be empty")
	}
	batchID := uuid.NewString()
	log := w.log.With(zap.String("batch_id", batchID), zap.String("workspace", batch.Workspace))
	log.Debug("received")

	lock := w.lockFor(batch.Workspace)
	lock.Lock()
	defer lock.Unlock()
	log.Debug("locked")

	deltas := make(map[uint32]*bitDelta)
	tombstoned := false

	for _, m := range batch.Mutations {
		if err := ctxErr(ctx, "writer.apply"); err != nil {
			return Ack{}, err
		}
		switch m.Kind {
		case KindUpsertCard:
			if err := w.diffUpsert(ctx, batch.Workspace, m, deltas); err != nil {
				return Ack{}, err
			}
		case KindDeleteCard:
			t, err := w.diffDelete(ctx, batch.Workspace, m, deltas)
			if err != nil {
				return Ack{}, err
			}
			tombstoned = tombstoned || t
		case KindRenameTag:
			if err := w.cat.RenameTag(ctx, batch.Workspace, m.OldName, m.NewName); err != nil {
				return Ack{}, err
			}
		case KindDeleteTag:
			tagID, err := w.cat.DeleteTag(ctx, batch.Workspace, m.TagName)
			if err != nil {
				return Ack{}, err
			}
			if err := w.store.Delete(ctx, batch.Workspace, tagID); err != nil {
				return Ack{}, err
			}
			w.bmc.Invalidate(batch.Workspace, tagID)
			w.rc.InvalidateTag(tagID)
		default:
			return Ack{}, ekind.Newf(ekind.InvalidQuery, "writer.apply", "unknown mutation kind %q", m.Kind)
		}
	}
	log.Debug("diffed", zap.Int("touched_tags", len(deltas)))

	log.Debug("writing")
	for tagID, delta := range deltas {
		if err := w.commitTag(ctx, batch.Workspace, tagID, delta); err != nil {
			log.Warn("rolled_back", zap.Uint32("tag_id", tagID), zap.Error(err))
			return Ack{}, ekind.New(ekind.Unavailable, "writer.apply", err)
		}
	}

	if tombstoned {
		if err := w.commitLive(ctx, batch.Workspace); err != nil {
			log.Warn("rolled_back", zap.Error(err))
			return Ack{}, ekind.New(ekind.Unavailable, "writer.apply", err)
		}
	}

	for tagID := range deltas {
		w.bmc.Invalidate(batch.Workspace, tagID)
		w.rc.InvalidateTag(tagID)
	}
	if tombstoned {
		w.rc.InvalidateTag(catalog.LiveTagID)
	}
	log.Debug("committed")

	return Ack{BatchID: batchID, Applied: len(batch.Mutations)}, nil
}

func (w *Writer) diffUpsert(ctx context.Context, workspace string, m Mutation, deltas map[uint32]*bitDelta) error {
	if m.CardID == "" {
		return ekind.Newf(ekind.InvalidQuery, "writer.upsert", "card_id must not be empty")
	}
	pos, err := w.cat.InternCard(ctx, workspace, m.CardID)
	if err != nil {
		return err
	}

	desired := make(map[uint32]struct{}, len(m.Tags))
	for _, name := range m.Tags {
		tagID, err := w.cat.InternTag(ctx, workspace, name, catalog.TagUser)
		if err != nil {
			return err
		}
		desired[tagID] = struct{}{}
	}

	current := w.cat.AssignedTags(workspace, pos)
	currentSet := make(map[uint32]struct{}, len(current))
	for _, id := range current {
		currentSet[id] = struct{}{}
	}

	for tagID := range desired {
		if _, ok := currentSet[tagID]; ok {
			continue
		}
		if err := w.cat.SetAssigned(ctx, workspace, pos, tagID, true); err != nil {
			return err
		}
		deltaFor(deltas, tagID).add[pos] = struct{}{}
	}
	for tagID := range currentSet {
		if _, ok := desired[tagID]; ok {
			continue
		}
		if err := w.cat.SetAssigned(ctx, workspace, pos, tagID, false); err != nil {
			return err
		}
		deltaFor(deltas, tagID).remove[pos] = struct{}{}
	}
	return nil
}

func (w *Writer) diffDelete(ctx context.Context, workspace string, m Mutation, deltas map[uint32]*bitDelta) (bool, error) {
	if m.CardID == "" {
		return false, ekind.Newf(ekind.InvalidQuery, "writer.delete", "card_id must not be empty")
	}
	pos, ok := w.cat.LookupCard(workspace, m.CardID)
	if !ok {
		return false, ekind.Newf(ekind.NotFound, "writer.delete", "card %q not present", m.CardID)
	}
	for _, tagID := range w.cat.AssignedTags(workspace, pos) {
		if err := w.cat.SetAssigned(ctx, workspace, pos, tagID, false); err != nil {
			return false, err
		}
		deltaFor(deltas, tagID).remove[pos] = struct{}{}
	}
	if err := w.cat.TombstoneCard(ctx, workspace, pos); err != nil {
		return false, err
	}
	return true, nil
}

func deltaFor(deltas map[uint32]*bitDelta, tagID uint32) *bitDelta {
	d, ok := deltas[tagID]
	if !ok {
		d = newBitDelta()
		deltas[tagID] = d
	}
	return d
}

// commitTag applies delta to tagID's persisted bitmap via bounded CAS
// retry: the per-workspace lock serializes Writer-originated races, so a
// StaleVersion here can only come from an external bulk-load or
// rebuild-index racing the same key and is expected to be rare.
func (w *Writer) commitTag(ctx context.Context, workspace string, tagID uint32, delta *bitDelta) error {
	for attempt := 0; attempt <= maxCASRetries; attempt++ {
		bm := roaring.New()
		var newVersion uint64 = 1
		rec, err := w.store.Get(ctx, workspace, tagID)
		switch {
		case err == nil:
			bm = rec.Bitmap.Clone()
			newVersion = rec.Version + 1
		case ekind.Is(err, ekind.NotFound):
			// First write for this tag; start from the empty bitmap.
		default:
			return err
		}

		for pos := range delta.add {
			bm.Add(pos)
		}
		for pos := range delta.remove {
			bm.Remove(pos)
		}

		err = w.store.Put(ctx, workspace, tagID, bm, newVersion)
		if err == nil {
			return nil
		}
		if !ekind.Is(err, ekind.StaleVersion) {
			return err
		}
		w.metrics.IncCASRetry()
	}
	return ekind.Newf(ekind.Unavailable, "writer.commit_tag", "tag %d: exceeded %d CAS retries", tagID, maxCASRetries)
}

func (w *Writer) commitLive(ctx context.Context, workspace string) error {
	live, _, err := w.cat.LiveBitmapVersion(workspace)
	if err != nil {
		return err
	}
	for attempt := 0; attempt <= maxCASRetries; attempt++ {
		var newVersion uint64 = 1
		rec, err := w.store.GetLive(ctx, workspace)
		switch {
		case err == nil:
			newVersion = rec.Version + 1
		case ekind.Is(err, ekind.NotFound):
		default:
			return err
		}
		err = w.store.PutLive(ctx, workspace, live, newVersion)
		if err == nil {
			return nil
		}
		if !ekind.Is(err, ekind.StaleVersion) {
			return err
		}
		w.metrics.IncCASRetry()
	}
	return ekind.Newf(ekind.Unavailable, "writer.commit_live", "live: exceeded %d CAS retries", maxCASRetries)
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
		return nil
	}
}
