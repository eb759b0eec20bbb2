package store

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed-size record preceding every persisted bitmap's
// bytes, as specified for the on-disk/on-wire layout: format_version (u8),
// cardinality (u64), version (u64), updated_at (i64), padded to a round
// 32 bytes so the record never straddles a cache line awkwardly.
const HeaderSize = 32

// FormatVersion is the current bitmap header format. Readers refuse any
// header whose FormatVersion is greater than what they understand.
const FormatVersion uint8 = 1

// Header is the fixed-size record stored immediately before a bitmap's
// serialized bytes.
type Header struct {
	FormatVersion uint8
	Cardinality   uint64
	Version       uint64
	UpdatedAt     int64
}

// Encode serializes h into a HeaderSize-byte little-endian record.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.FormatVersion
	binary.LittleEndian.PutUint64(buf[1:9], h.Cardinality)
	binary.LittleEndian.PutUint64(buf[9:17], h.Version)
	binary.LittleEndian.PutUint64(buf[17:25], uint64(h.UpdatedAt))
	// buf[25:32] reserved, left zero.
	return buf
}

// DecodeHeader parses the leading HeaderSize bytes of buf. It returns a
// Corrupt-flavored error (via the caller, which tags it with ekind.Corrupt)
// when buf is short or the format_version is from the future.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("header: buffer too short (%d bytes)", len(buf))
	}
	h := Header{
		FormatVersion: buf[0],
		Cardinality:   binary.LittleEndian.Uint64(buf[1:9]),
		Version:       binary.LittleEndian.Uint64(buf[9:17]),
		UpdatedAt:     int64(binary.LittleEndian.Uint64(buf[17:25])),
	}
	if h.FormatVersion > FormatVersion {
		return Header{}, fmt.Errorf("header: unknown format_version %d (max understood %d)", h.FormatVersion, FormatVersion)
	}
	return h, nil
}

// SplitRecord separates a persisted record into its header and bitmap
// payload.
func SplitRecord(buf []byte) (Header, []byte, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	return h, buf[HeaderSize:], nil
}

// JoinRecord concatenates a header and bitmap payload into one persisted
// record.
func JoinRecord(h Header, payload []byte) []byte {
	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, h.Encode()...)
	out = append(out, payload...)
	return out
}
