// Package runtimeconfig implements the hot-reloadable runtime configuration
// that the engine loop's monitoring cycle refreshes from metadata.config:
// chunk_size, sync_interval, max_workers, max_tables_per_cycle, and
// lock_retry_sleep_ms. Invalid values are silently ignored, keeping the
// previous value rather than surfacing an error to the caller.
package runtimeconfig

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dataforge/kernel/pkg/logger"
	"github.com/jackc/pgx/v5"
)

// DB is the metadata store runtime config is read from.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// bounds describes the valid [min, max] range for a key; values outside are
// ignored.
type bounds struct{ min, max int64 }

var keyBounds = map[string]bounds{
	"chunk_size":           {1, 1 << 30},
	"sync_interval":        {5, 3600},
	"max_workers":          {1, 128},
	"max_tables_per_cycle": {1, 1_000_000},
	"lock_retry_sleep_ms":  {100, 10000},
}

// defaults mirror the values a fresh deployment starts with absent any
// metadata.config rows.
var defaults = map[string]int64{
	"chunk_size":           1000,
	"sync_interval":        30,
	"max_workers":          8,
	"max_tables_per_cycle": 500,
	"lock_retry_sleep_ms":  500,
}

// Config holds the current runtime configuration, safe for concurrent reads
// from every loop and concurrent writes from the monitoring loop's reload.
type Config struct {
	chunkSize         atomic.Int64
	syncInterval      atomic.Int64
	maxWorkers        atomic.Int64
	maxTablesPerCycle atomic.Int64
	lockRetrySleepMS  atomic.Int64
}

// New builds a Config initialized to defaults.
func New() *Config {
	c := &Config{}
	c.chunkSize.Store(defaults["chunk_size"])
	c.syncInterval.Store(defaults["sync_interval"])
	c.maxWorkers.Store(defaults["max_workers"])
	c.maxTablesPerCycle.Store(defaults["max_tables_per_cycle"])
	c.lockRetrySleepMS.Store(defaults["lock_retry_sleep_ms"])
	return c
}

func (c *Config) ChunkSize() int { return int(c.chunkSize.Load()) }
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.syncInterval.Load()) * time.Second
}
func (c *Config) MaxWorkers() int        { return int(c.maxWorkers.Load()) }
func (c *Config) MaxTablesPerCycle() int { return int(c.maxTablesPerCycle.Load()) }
func (c *Config) LockRetrySleep() time.Duration {
	return time.Duration(c.lockRetrySleepMS.Load()) * time.Millisecond
}

// Reload reads every row of metadata.config and applies any recognized,
// in-range key, leaving unrecognized or out-of-range keys untouched.
func (c *Config) Reload(ctx context.Context, db DB) error {
	rows, err := db.Query(ctx, `SELECT key, value FROM metadata.config`)
	if err != nil {
		return err
	}
	defer rows.Close()

	log := logger.FromContext(ctx)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			continue
		}
		b, known := keyBounds[key]
		if !known {
			continue
		}
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil || v < b.min || v > b.max {
			log.Warn("ignoring out-of-range or malformed runtime config value", "key", key, "value", value)
			continue
		}
		c.apply(key, v)
	}
	return rows.Err()
}

func (c *Config) apply(key string, v int64) {
	switch key {
	case "chunk_size":
		c.chunkSize.Store(v)
	case "sync_interval":
		c.syncInterval.Store(v)
	case "max_workers":
		c.maxWorkers.Store(v)
	case "max_tables_per_cycle":
		c.maxTablesPerCycle.Store(v)
	case "lock_retry_sleep_ms":
		c.lockRetrySleepMS.Store(v)
	}
}
