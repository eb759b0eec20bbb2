package resultcache

import (
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// ObservedVersion pairs a tag id with the bitmap version that was actually
// read while computing a result, so the fingerprint captures exactly the
// state the result depended on.
type ObservedVersion struct {
	TagID   uint32
	Version uint64
}

// FingerprintInput is the canonical material hashed into a Fingerprint.
// Intersection, Union and Exclusion are tag ids in any order; Compute
// sorts them so identical query sets hash identically regardless of the
// order tags were specified in.
type FingerprintInput struct {
	Workspace    string
	Intersection []uint32
	Union        []uint32
	Exclusion    []uint32
	Limit        int64
	HasLimit     bool
	Observed     []ObservedVersion
}

// Fingerprint is the hex-encoded canonical key of a query plus the bitmap
// state it was evaluated against.
type Fingerprint string

// Compute derives the canonical fingerprint for in, sorting every tag-id
// slice and the observed-version list first so two equal sets in any input
// order produce the same hash.
func Compute(in FingerprintInput) Fingerprint {
	h := xxhash.New()

	writeString(h, in.Workspace)
	writeUint32Slice(h, sortedCopy(in.Intersection))
	writeUint32Slice(h, sortedCopy(in.Union))
	writeUint32Slice(h, sortedCopy(in.Exclusion))

	var limitBuf [9]byte
	if in.HasLimit {
		limitBuf[0] = 1
		binary.BigEndian.PutUint64(limitBuf[1:], uint64(in.Limit))
	}
	h.Write(limitBuf[:])

	observed := append([]ObservedVersion(nil), in.Observed...)
	sort.Slice(observed, func(i, j int) bool { return observed[i].TagID < observed[j].TagID })
	for _, ov := range observed {
		var buf [12]byte
		binary.BigEndian.PutUint32(buf[0:4], ov.TagID)
		binary.BigEndian.PutUint64(buf[4:12], ov.Version)
		h.Write(buf[:])
	}

	sum := h.Sum64()
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], sum)
	return Fingerprint(hex.EncodeToString(out[:]))
}

func sortedCopy(ids []uint32) []uint32 {
	out := append([]uint32(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func writeString(h *xxhash.Digest, s string) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

func writeUint32Slice(h *xxhash.Digest, ids []uint32) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(ids)))
	h.Write(lenBuf[:])
	for _, id := range ids {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], id)
		h.Write(buf[:])
	}
}
