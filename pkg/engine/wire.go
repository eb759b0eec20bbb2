package engine

import "github.com/adamzwasserman/multicardz-sub007/internal/planner"

// QueryRequest is the JSON wire format of a query, for any RPC layer
// wrapping the engine.
type QueryRequest struct {
	Workspace    string   `json:"workspace"`
	Intersection []string `json:"intersection"`
	Union        []string `json:"union"`
	Exclusion    []string `json:"exclusion"`
	Limit        *int64   `json:"limit,omitempty"`
	DeadlineMS   *int64   `json:"deadline_ms,omitempty"`
}

// QueryResponse is the JSON wire format of a ResultSet.
type QueryResponse struct {
	IDs         []string `json:"ids"`
	Total       uint64   `json:"total"`
	Truncated   bool     `json:"truncated"`
	Fingerprint string   `json:"fingerprint"`
}

func responseFromResultSet(rs planner.ResultSet) QueryResponse {
	ids := rs.IDs
	if ids == nil {
		ids = []string{}
	}
	return QueryResponse{IDs: ids, Total: rs.Total, Truncated: rs.Truncated, Fingerprint: string(rs.Fingerprint)}
}

// MutationWire is one entry of a MutationBatch's wire format.
type MutationWire struct {
	Kind   string   `json:"kind"`
	CardID string   `json:"card_id,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Old    string   `json:"old,omitempty"`
	New    string   `json:"new,omitempty"`
	Name   string   `json:"name,omitempty"`
}

// MutationBatchWire is the JSON wire format of ingest_batch's input.
type MutationBatchWire struct {
	Workspace string         `json:"workspace"`
	Mutations []MutationWire `json:"mutations"`
}

// IntrospectResponse is the JSON wire format of introspect().
type IntrospectResponse struct {
	TagCount   int            `json:"tag_count"`
	CardCount  int            `json:"card_count"`
	CacheStats CacheStatsWire `json:"cache_stats"`
	StoreStats StoreStatsWire `json:"store_stats"`
}

// CacheStatsWire reports both the Bitmap Cache and Result Cache.
type CacheStatsWire struct {
	BitmapHits      uint64 `json:"bitmap_hits"`
	BitmapMisses    uint64 `json:"bitmap_misses"`
	BitmapEvictions uint64 `json:"bitmap_evictions"`
	BitmapBytesUsed int64  `json:"bitmap_bytes_used"`
	ResultHits      uint64 `json:"result_hits"`
	ResultMisses    uint64 `json:"result_misses"`
}

// StoreStatsWire reports the persisted state size for a workspace.
type StoreStatsWire struct {
	TagCount int `json:"tag_count"`
}
