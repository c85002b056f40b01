package engine

import (
	"os"
	"strconv"
)

// DefaultBatchSize is the number of result rows packed into one record batch.
const DefaultBatchSize = 1024

// Config tunes the DuckDB instance opened for every query call.
type Config struct {
	// Threads sets DuckDB's worker thread count. 0 keeps DuckDB's default.
	Threads int

	// MemoryLimit is passed verbatim to SET memory_limit (e.g. "2GB").
	// Empty keeps DuckDB's default.
	MemoryLimit string

	// BatchSize caps the rows per result batch. <= 0 means DefaultBatchSize.
	BatchSize int
}

// DefaultConfig returns the zero-tuning configuration.
func DefaultConfig() Config {
	return Config{BatchSize: DefaultBatchSize}
}

// ConfigFromEnv overlays ARROWQUERY_THREADS, ARROWQUERY_MEMORY_LIMIT and
// ARROWQUERY_BATCH_SIZE onto base. Unparseable values are ignored.
func ConfigFromEnv(base Config, getenv func(string) string) Config {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("ARROWQUERY_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			base.Threads = n
		}
	}
	if v := getenv("ARROWQUERY_MEMORY_LIMIT"); v != "" {
		base.MemoryLimit = v
	}
	if v := getenv("ARROWQUERY_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			base.BatchSize = n
		}
	}
	return base
}

func (c Config) batchSize() int {
	if c.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return c.BatchSize
}
