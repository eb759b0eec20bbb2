// Package catalog implements the Tag/Card Catalog: the bijection between
// external opaque strings and the dense internal integers the Bitmap
// Store's bitmaps are indexed by.
//
// Persistence is an embedded bbolt file with one bucket per record kind.
// The catalog is small, append-mostly id-mapping data replayed in full on
// process start, unlike the bitmaps, which are read selectively at query
// time and live in Redis.
package catalog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/adamzwasserman/multicardz-sub007/internal/ekind"
)

// TagType is pass-through metadata for external collaborators; the Filter
// Engine itself only consumes TagUser tags.
type TagType string

const (
	TagUser           TagType = "user"
	TagSystemOperator TagType = "system-operator"
	TagSystemModifier TagType = "system-modifier"
	TagSystemMutation TagType = "system-mutation"
)

var rootBucket = []byte("ws")

type cardRecord struct {
	Position uint32 `json:"position"`
	Live     bool   `json:"live"`
}

type tagRecord struct {
	ID   uint32  `json:"id"`
	Type TagType `json:"type"`
}

type metaRecord struct {
	SchemaVersion uint32 `json:"schema_version"`
	NextPosition  uint32 `json:"next_position"`
	NextTagID     uint32 `json:"next_tag_id"`
}

// workspaceState is the in-memory resident projection of one workspace's
// catalog, kept fully loaded for O(1) lookups; it is rebuilt from bbolt on
// first touch and kept durable by writing through on every mutation.
type workspaceState struct {
	mu sync.RWMutex

	cardPos map[string]uint32
	posCard map[uint32]string
	live    *roaring.Bitmap

	tagID map[string]uint32
	idTag map[uint32]tagRecordView

	assignments map[uint32]map[uint32]struct{} // position -> assigned tag ids

	nextPosition uint32
	nextTagID    uint32
	liveVersion  uint64
}

// LiveTagID is the reserved sentinel tag id under which Live_W's version is
// tracked in the Result Cache's dependency index, so a tombstone (which
// shrinks Live_W without touching any individual tag bitmap) still
// invalidates cached results that depended on the pre-tombstone universe.
const LiveTagID = ^uint32(0)

type tagRecordView struct {
	Name string
	Type TagType
}

// Catalog is the durable, concurrent-safe Tag/Card Catalog.
type Catalog struct {
	db  *bolt.DB
	log *zap.Logger

	mu         sync.Mutex
	workspaces map[string]*workspaceState
}

// Open opens (creating if absent) the bbolt file at path.
func Open(path string, log *zap.Logger) (*Catalog, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, ekind.New(ekind.Unavailable, "catalog.open", err)
	}
	return &Catalog{db: db, log: log.Named("catalog"), workspaces: make(map[string]*workspaceState)}, nil
}

// Close closes the underlying bbolt file.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func wsBucketName(w string) []byte { return []byte(w) }

// withBuckets runs fn with the four sub-buckets for workspace w, creating
// them (and the workspace bucket itself) on first use.
func (c *Catalog) withBuckets(fn func(cards, tags, meta, assignments *bolt.Bucket) error) func(w string) error {
	return func(w string) error {
		return c.db.Update(func(tx *bolt.Tx) error {
			root, err := tx.CreateBucketIfNotExists(rootBucket)
			if err != nil {
				return err
			}
			ws, err := root.CreateBucketIfNotExists(wsBucketName(w))
			if err != nil {
				return err
			}
			cards, err := ws.CreateBucketIfNotExists([]byte("cards"))
			if err != nil {
				return err
			}
			tags, err := ws.CreateBucketIfNotExists([]byte("tags"))
			if err != nil {
				return err
			}
			meta, err := ws.CreateBucketIfNotExists([]byte("meta"))
			if err != nil {
				return err
			}
			assignments, err := ws.CreateBucketIfNotExists([]byte("assignments"))
			if err != nil {
				return err
			}
			return fn(cards, tags, meta, assignments)
		})
	}
}

func (c *Catalog) getOrLoad(w string) (*workspaceState, error) {
	c.mu.Lock()
	if st, ok := c.workspaces[w]; ok {
		c.mu.Unlock()
		return st, nil
	}
	c.mu.Unlock()

	st := &workspaceState{
		cardPos:     make(map[string]uint32),
		posCard:     make(map[uint32]string),
		live:        roaring.NewBitmap(),
		tagID:       make(map[string]uint32),
		idTag:       make(map[uint32]tagRecordView),
		assignments: make(map[uint32]map[uint32]struct{}),
	}

	err := c.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		if root == nil {
			return nil
		}
		ws := root.Bucket(wsBucketName(w))
		if ws == nil {
			return nil
		}
		if cards := ws.Bucket([]byte("cards")); cards != nil {
			if err := cards.ForEach(func(k, v []byte) error {
				var rec cardRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("decode card %q: %w", k, err)
				}
				extID := string(k)
				st.cardPos[extID] = rec.Position
				st.posCard[rec.Position] = extID
				if rec.Live {
					st.live.Add(rec.Position)
				}
				return nil
			}); err != nil {
				return err
			}
		}
		if tags := ws.Bucket([]byte("tags")); tags != nil {
			if err := tags.ForEach(func(k, v []byte) error {
				var rec tagRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("decode tag %q: %w", k, err)
				}
				name := string(k)
				st.tagID[name] = rec.ID
				st.idTag[rec.ID] = tagRecordView{Name: name, Type: rec.Type}
				return nil
			}); err != nil {
				return err
			}
		}
		if assignments := ws.Bucket([]byte("assignments")); assignments != nil {
			if err := assignments.ForEach(func(k, v []byte) error {
				pos := binary.BigEndian.Uint32(k)
				ids, err := decodeTagIDList(v)
				if err != nil {
					return err
				}
				set := make(map[uint32]struct{}, len(ids))
				for _, id := range ids {
					set[id] = struct{}{}
				}
				st.assignments[pos] = set
				return nil
			}); err != nil {
				return err
			}
		}
		if meta := ws.Bucket([]byte("meta")); meta != nil {
			if raw := meta.Get([]byte("meta")); raw != nil {
				var m metaRecord
				if err := json.Unmarshal(raw, &m); err != nil {
					return fmt.Errorf("decode meta: %w", err)
				}
				st.nextPosition = m.NextPosition
				st.nextTagID = m.NextTagID
			}
		}
		return nil
	})
	if err != nil {
		return nil, ekind.New(ekind.Corrupt, "catalog.load", err)
	}

	c.mu.Lock()
	if existing, ok := c.workspaces[w]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.workspaces[w] = st
	c.mu.Unlock()
	return st, nil
}

func (c *Catalog) persistMeta(w string, st *workspaceState) error {
	return c.withBuckets(func(_, _, meta, _ *bolt.Bucket) error {
		raw, err := json.Marshal(metaRecord{SchemaVersion: 1, NextPosition: st.nextPosition, NextTagID: st.nextTagID})
		if err != nil {
			return err
		}
		return meta.Put([]byte("meta"), raw)
	})(w)
}

func encodeTagIDList(ids []uint32) []byte {
	buf := make([]byte, 4*len(ids))
	for i, id := range ids {
		binary.BigEndian.PutUint32(buf[i*4:], id)
	}
	return buf
}

func decodeTagIDList(buf []byte) ([]uint32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("assignment record: length %d not a multiple of 4", len(buf))
	}
	out := make([]uint32, len(buf)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(buf[i*4:])
	}
	return out, nil
}

func posKey(position uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, position)
	return buf
}

// InternCard returns the dense position for extID, allocating the
// smallest unused position on first sight. Idempotent.
func (c *Catalog) InternCard(ctx context.Context, w, extID string) (uint32, error) {
	st, err := c.getOrLoad(w)
	if err != nil {
		return 0, err
	}

	st.mu.Lock()
	if pos, ok := st.cardPos[extID]; ok {
		st.mu.Unlock()
		return pos, nil
	}
	pos := st.nextPosition
	st.nextPosition++
	st.cardPos[extID] = pos
	st.posCard[pos] = extID
	st.live.Add(pos)
	st.mu.Unlock()

	err = c.withBuckets(func(cards, _, meta, _ *bolt.Bucket) error {
		raw, err := json.Marshal(cardRecord{Position: pos, Live: true})
		if err != nil {
			return err
		}
		if err := cards.Put([]byte(extID), raw); err != nil {
			return err
		}
		m, err := json.Marshal(metaRecord{SchemaVersion: 1, NextPosition: st.nextPosition, NextTagID: st.nextTagID})
		if err != nil {
			return err
		}
		return meta.Put([]byte("meta"), m)
	})(w)
	if err != nil {
		return 0, ekind.New(ekind.Unavailable, "catalog.intern_card", err)
	}
	return pos, nil
}

// InternTag returns the tag_id for extName, allocating a new one and
// fixing tagType on first sight. Idempotent on extName; tagType is
// ignored on subsequent calls.
func (c *Catalog) InternTag(ctx context.Context, w, extName string, tagType TagType) (uint32, error) {
	st, err := c.getOrLoad(w)
	if err != nil {
		return 0, err
	}

	st.mu.Lock()
	if id, ok := st.tagID[extName]; ok {
		st.mu.Unlock()
		return id, nil
	}
	id := st.nextTagID
	st.nextTagID++
	st.tagID[extName] = id
	st.idTag[id] = tagRecordView{Name: extName, Type: tagType}
	st.mu.Unlock()

	err = c.withBuckets(func(_, tags, meta, _ *bolt.Bucket) error {
		raw, err := json.Marshal(tagRecord{ID: id, Type: tagType})
		if err != nil {
			return err
		}
		if err := tags.Put([]byte(extName), raw); err != nil {
			return err
		}
		m, err := json.Marshal(metaRecord{SchemaVersion: 1, NextPosition: st.nextPosition, NextTagID: st.nextTagID})
		if err != nil {
			return err
		}
		return meta.Put([]byte("meta"), m)
	})(w)
	if err != nil {
		return 0, ekind.New(ekind.Unavailable, "catalog.intern_tag", err)
	}
	return id, nil
}

// LookupCard returns the position already assigned to extID, without
// allocating one. The second result distinguishes "never seen" from a
// real position.
func (c *Catalog) LookupCard(w, extID string) (uint32, bool) {
	st, err := c.getOrLoad(w)
	if err != nil {
		return 0, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	pos, ok := st.cardPos[extID]
	return pos, ok
}

// ResolveCard returns the external card id for position, or ok=false if
// tombstoned/absent.
func (c *Catalog) ResolveCard(w string, position uint32) (string, bool) {
	st, err := c.getOrLoad(w)
	if err != nil {
		return "", false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	if !st.live.Contains(position) {
		return "", false
	}
	extID, ok := st.posCard[position]
	return extID, ok
}

// ResolveTag returns the external name and type for tagID, or ok=false if
// absent.
func (c *Catalog) ResolveTag(w string, tagID uint32) (string, TagType, bool) {
	st, err := c.getOrLoad(w)
	if err != nil {
		return "", "", false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	v, ok := st.idTag[tagID]
	return v.Name, v.Type, ok
}

// ResolveTagByName resolves an external tag name to its internal id.
func (c *Catalog) ResolveTagByName(w, extName string) (uint32, bool) {
	st, err := c.getOrLoad(w)
	if err != nil {
		return 0, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	id, ok := st.tagID[extName]
	return id, ok
}

// TombstoneCard marks position as not-live. Positions are not recycled.
func (c *Catalog) TombstoneCard(ctx context.Context, w string, position uint32) error {
	st, err := c.getOrLoad(w)
	if err != nil {
		return err
	}
	st.mu.Lock()
	extID, ok := st.posCard[position]
	if !ok {
		st.mu.Unlock()
		return ekind.Newf(ekind.NotFound, "catalog.tombstone_card", "position %d not present", position)
	}
	st.live.Remove(position)
	st.liveVersion++
	st.mu.Unlock()

	return c.withBuckets(func(cards, _, _, _ *bolt.Bucket) error {
		raw, err := json.Marshal(cardRecord{Position: position, Live: false})
		if err != nil {
			return err
		}
		return cards.Put([]byte(extID), raw)
	})(w)
}

// LiveBitmap returns a read-only-intent clone of Live_W.
func (c *Catalog) LiveBitmap(w string) (*roaring.Bitmap, error) {
	st, err := c.getOrLoad(w)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.live.Clone(), nil
}

// LiveBitmapVersion returns a clone of Live_W together with its version,
// which advances on every TombstoneCard. The Planner folds this version
// into observed_versions under LiveTagID so the Result Cache invalidates
// entries that depended on a universe a since-processed tombstone shrank.
func (c *Catalog) LiveBitmapVersion(w string) (*roaring.Bitmap, uint64, error) {
	st, err := c.getOrLoad(w)
	if err != nil {
		return nil, 0, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.live.Clone(), st.liveVersion, nil
}

// AssignedTags returns the tag ids currently assigned to position, per the
// per-card auxiliary tracked alongside bitmap mutations so delete_card
// never has to scan every tag's bitmap.
func (c *Catalog) AssignedTags(w string, position uint32) []uint32 {
	st, err := c.getOrLoad(w)
	if err != nil {
		return nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	set := st.assignments[position]
	out := make([]uint32, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// SetAssigned records (or clears) the assignment of tagID to position in
// the per-card auxiliary. Callers (the Writer) invoke this alongside the
// corresponding bitmap bit flip so the two stay consistent.
func (c *Catalog) SetAssigned(ctx context.Context, w string, position, tagID uint32, assigned bool) error {
	st, err := c.getOrLoad(w)
	if err != nil {
		return err
	}
	st.mu.Lock()
	set, ok := st.assignments[position]
	if !ok {
		set = make(map[uint32]struct{})
		st.assignments[position] = set
	}
	if assigned {
		set[tagID] = struct{}{}
	} else {
		delete(set, tagID)
	}
	ids := make([]uint32, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	st.mu.Unlock()

	return c.withBuckets(func(_, _, _, assignments *bolt.Bucket) error {
		if len(ids) == 0 {
			return assignments.Delete(posKey(position))
		}
		return assignments.Put(posKey(position), encodeTagIDList(ids))
	})(w)
}

// RenameTag is a pure Catalog operation: it never rewrites bitmaps.
func (c *Catalog) RenameTag(ctx context.Context, w, oldName, newName string) error {
	st, err := c.getOrLoad(w)
	if err != nil {
		return err
	}
	st.mu.Lock()
	id, ok := st.tagID[oldName]
	if !ok {
		st.mu.Unlock()
		return ekind.Newf(ekind.NotFound, "catalog.rename_tag", "tag %q not found", oldName)
	}
	view := st.idTag[id]
	delete(st.tagID, oldName)
	st.tagID[newName] = id
	view.Name = newName
	st.idTag[id] = view
	st.mu.Unlock()

	return c.withBuckets(func(_, tags, _, _ *bolt.Bucket) error {
		if err := tags.Delete([]byte(oldName)); err != nil {
			return err
		}
		raw, err := json.Marshal(tagRecord{ID: id, Type: view.Type})
		if err != nil {
			return err
		}
		return tags.Put([]byte(newName), raw)
	})(w)
}

// DeleteTag removes the tag's catalog entry and returns its internal id.
func (c *Catalog) DeleteTag(ctx context.Context, w, extName string) (uint32, error) {
	st, err := c.getOrLoad(w)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	id, ok := st.tagID[extName]
	if !ok {
		st.mu.Unlock()
		return 0, ekind.Newf(ekind.NotFound, "catalog.delete_tag", "tag %q not found", extName)
	}
	delete(st.tagID, extName)
	delete(st.idTag, id)
	st.mu.Unlock()

	err = c.withBuckets(func(_, tags, _, _ *bolt.Bucket) error {
		return tags.Delete([]byte(extName))
	})(w)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// TagCount returns the number of interned tags in W.
func (c *Catalog) TagCount(w string) int {
	st, err := c.getOrLoad(w)
	if err != nil {
		return 0
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.idTag)
}

// CardCount returns the number of interned (including tombstoned) cards in
// W.
func (c *Catalog) CardCount(w string) int {
	st, err := c.getOrLoad(w)
	if err != nil {
		return 0
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.posCard)
}

// AllTagIDs returns every interned tag_id in W, for rebuild-index.
func (c *Catalog) AllTagIDs(w string) []uint32 {
	st, err := c.getOrLoad(w)
	if err != nil {
		return nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]uint32, 0, len(st.idTag))
	for id := range st.idTag {
		out = append(out, id)
	}
	return out
}

// AllAssignments returns the full position -> assigned-tag-ids map, used
// by rebuild-index to regenerate bitmaps from scratch.
func (c *Catalog) AllAssignments(w string) map[uint32][]uint32 {
	st, err := c.getOrLoad(w)
	if err != nil {
		return nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make(map[uint32][]uint32, len(st.assignments))
	for pos, set := range st.assignments {
		ids := make([]uint32, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		out[pos] = ids
	}
	return out
}

// Purge deletes all catalog state for W, both in memory and on disk.
func (c *Catalog) Purge(ctx context.Context, w string) error {
	c.mu.Lock()
	delete(c.workspaces, w)
	c.mu.Unlock()

	err := c.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		if root == nil {
			return nil
		}
		if root.Bucket(wsBucketName(w)) == nil {
			return nil
		}
		return root.DeleteBucket(wsBucketName(w))
	})
	if err != nil {
		return ekind.New(ekind.Unavailable, "catalog.purge", err)
	}
	return nil
}
