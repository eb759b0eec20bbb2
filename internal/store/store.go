// Package store implements the Bitmap Store: durable, workspace-scoped
// key/value persistence for one compressed bitmap per tag (plus the
// reserved Live_W bitmap), with optimistic-version CAS writes.
//
// Each bitmap is one Redis string value of header || serialized bytes; a
// per-workspace SET of tag ids is maintained alongside so ScanTags never
// has to SCAN the keyspace.
package store

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/adamzwasserman/multicardz-sub007/internal/ekind"
)

const (
	keyPrefix    = "tfe"
	liveSentinel = "live"
)

// Store is the durable Bitmap Store. All methods are workspace-scoped by
// their first argument.
type Store struct {
	rdb *redis.Client
	log *zap.Logger
}

// New wraps an existing go-redis client. The caller owns the client's
// lifecycle; the engine Handle closes it alongside everything else.
func New(rdb *redis.Client, log *zap.Logger) *Store {
	return &Store{rdb: rdb, log: log.Named("store")}
}

func tagKey(w string, tagID uint32) string {
	return fmt.Sprintf("%s:%s:tag:%d", keyPrefix, w, tagID)
}

func liveKey(w string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, w, liveSentinel)
}

func tagSetKey(w string) string {
	return fmt.Sprintf("%s:%s:tags", keyPrefix, w)
}

// Record is a decoded persisted bitmap: the bitmap decoded from the
// header-stripped bytes, the version it was written at, and its
// cardinality.
type Record struct {
	Bitmap      *roaring.Bitmap
	Version     uint64
	Cardinality uint64
}

// Get fetches the bitmap stored for (W, tagID). Returns an ekind.NotFound
// error if absent, ekind.Corrupt if the header is unreadable.
func (s *Store) Get(ctx context.Context, w string, tagID uint32) (Record, error) {
	return s.get(ctx, tagKey(w, tagID))
}

// GetLive fetches Live_W.
func (s *Store) GetLive(ctx context.Context, w string) (Record, error) {
	return s.get(ctx, liveKey(w))
}

func (s *Store) get(ctx context.Context, key string) (Record, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Record{}, ekind.New(ekind.NotFound, "store.get", fmt.Errorf("key %s", key))
		}
		return Record{}, ekind.New(ekind.Unavailable, "store.get", err)
	}
	h, payload, err := SplitRecord(raw)
	if err != nil {
		return Record{}, ekind.New(ekind.Corrupt, "store.get", err)
	}
	bm := roaring.NewBitmap()
	if _, err := bm.ReadFrom(bytes.NewReader(payload)); err != nil {
		return Record{}, ekind.New(ekind.Corrupt, "store.get", fmt.Errorf("decode bitmap: %w", err))
	}
	return Record{Bitmap: bm, Version: h.Version, Cardinality: h.Cardinality}, nil
}

// Put atomically writes bitmap as the new state of (W, tagID) at
// newVersion, CAS-guarded against the version currently observed in the
// store. newVersion must be exactly one greater than the stored version
// (or 1 if the key is absent); any other relationship yields
// ekind.StaleVersion.
func (s *Store) Put(ctx context.Context, w string, tagID uint32, bitmap *roaring.Bitmap, newVersion uint64) error {
	if err := s.put(ctx, tagKey(w, tagID), bitmap, newVersion); err != nil {
		return err
	}
	if err := s.rdb.SAdd(ctx, tagSetKey(w), strconv.FormatUint(uint64(tagID), 10)).Err(); err != nil {
		return ekind.New(ekind.Unavailable, "store.put", fmt.Errorf("sadd tag index: %w", err))
	}
	return nil
}

// PutLive atomically writes Live_W at newVersion under the same CAS rule
// as Put.
func (s *Store) PutLive(ctx context.Context, w string, live *roaring.Bitmap, newVersion uint64) error {
	return s.put(ctx, liveKey(w), live, newVersion)
}

func (s *Store) put(ctx context.Context, key string, bitmap *roaring.Bitmap, newVersion uint64) error {
	var buf bytes.Buffer
	if _, err := bitmap.WriteTo(&buf); err != nil {
		return ekind.New(ekind.Unavailable, "store.put", fmt.Errorf("serialize bitmap: %w", err))
	}
	header := Header{
		FormatVersion: FormatVersion,
		Cardinality:   bitmap.GetCardinality(),
		Version:       newVersion,
		UpdatedAt:     time.Now().Unix(),
	}
	record := JoinRecord(header, buf.Bytes())

	txf := func(tx *redis.Tx) error {
		existing, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
			if newVersion != 1 {
				return ekind.New(ekind.StaleVersion, "store.put", fmt.Errorf("key %s absent, want version 1 got %d", key, newVersion))
			}
		case err != nil:
			return ekind.New(ekind.Unavailable, "store.put", err)
		default:
			h, decErr := DecodeHeader(existing)
			if decErr != nil {
				return ekind.New(ekind.Corrupt, "store.put", decErr)
			}
			if h.Version+1 != newVersion {
				return ekind.New(ekind.StaleVersion, "store.put", fmt.Errorf("key %s at version %d, want to write %d", key, h.Version, newVersion))
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, record, 0)
			return nil
		})
		if err != nil {
			return ekind.New(ekind.Unavailable, "store.put", err)
		}
		return nil
	}

	if err := s.rdb.Watch(ctx, txf, key); err != nil {
		if _, ok := err.(*ekind.Error); ok {
			return err
		}
		if err == redis.TxFailedErr {
			return ekind.New(ekind.StaleVersion, "store.put", fmt.Errorf("key %s: concurrent writer won the race", key))
		}
		return ekind.New(ekind.Unavailable, "store.put", err)
	}
	return nil
}

// ScanTags returns every tag_id with a persisted bitmap in W.
func (s *Store) ScanTags(ctx context.Context, w string) ([]uint32, error) {
	members, err := s.rdb.SMembers(ctx, tagSetKey(w)).Result()
	if err != nil {
		return nil, ekind.New(ekind.Unavailable, "store.scan_tags", err)
	}
	out := make([]uint32, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 32)
		if err != nil {
			s.log.Warn("scan_tags: dropping unparseable tag id", zap.String("workspace", w), zap.String("raw", m))
			continue
		}
		out = append(out, uint32(id))
	}
	return out, nil
}

// Delete removes the bitmap and header for (W, tagID).
func (s *Store) Delete(ctx context.Context, w string, tagID uint32) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, tagKey(w, tagID))
	pipe.SRem(ctx, tagSetKey(w), strconv.FormatUint(uint64(tagID), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return ekind.New(ekind.Unavailable, "store.delete", err)
	}
	return nil
}

// Purge removes all persisted state for W: every tag bitmap, Live_W, and
// the tag index set itself.
func (s *Store) Purge(ctx context.Context, w string) error {
	tagIDs, err := s.ScanTags(ctx, w)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	for _, id := range tagIDs {
		pipe.Del(ctx, tagKey(w, id))
	}
	pipe.Del(ctx, liveKey(w))
	pipe.Del(ctx, tagSetKey(w))
	if _, err := pipe.Exec(ctx); err != nil {
		return ekind.New(ekind.Unavailable, "store.purge", err)
	}
	return nil
}
