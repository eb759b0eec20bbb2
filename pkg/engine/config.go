package engine

import (
	"os"
	"runtime"
	"strconv"
)

// Config configures one Handle's backing Redis connection, on-disk Catalog
// location, and in-memory budgets.
type Config struct {
	// Redis connection, backing the Bitmap Store.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// DataDir is the root path for the Catalog's bbolt file.
	DataDir string

	// CacheBytes is the Bitmap Cache's soft memory budget.
	CacheBytes int64
	// ResultCacheEntries is the Result Cache's LRU size.
	ResultCacheEntries int
	// Threads bounds the Executor's parallel fan-out.
	Threads int
}

// DefaultConfig returns a default configuration suitable for local
// development.
func DefaultConfig() Config {
	return Config{
		RedisAddr:          "localhost:6379",
		RedisPassword:      "",
		RedisDB:            0,
		DataDir:            "./data",
		CacheBytes:         256 << 20,
		ResultCacheEntries: 10_000,
		Threads:            runtime.NumCPU(),
	}
}

// ConfigFromEnv overlays cfg with ENGINE_DATA_DIR, ENGINE_CACHE_BYTES,
// ENGINE_RESULT_CACHE_ENTRIES and ENGINE_THREADS where set. Values that
// fail to parse are ignored rather than fatal.
func ConfigFromEnv(cfg Config) Config {
	if v := os.Getenv("ENGINE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ENGINE_CACHE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.CacheBytes = n
		}
	}
	if v := os.Getenv("ENGINE_RESULT_CACHE_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ResultCacheEntries = n
		}
	}
	if v := os.Getenv("ENGINE_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Threads = n
		}
	}
	return cfg
}
