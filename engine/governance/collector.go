// Package governance records coarse query-activity telemetry: which
// catalog entries are accessed, how often, and by which operation. This is
// a minimal stand-in for the original's full classifier/compliance
// pipeline, which is out of scope here.
package governance

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the metadata store activity records are persisted to.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Activity is a single observed access to a catalog entry.
type Activity struct {
	Schema    string
	Table     string
	Operation string // e.g. "SELECT", "SYNC", "DBT_RUN"
	OccurredAt time.Time
}

// Collector records Activity samples to metadata.query_activity_log at a
// configurable sample rate, so high-frequency loops (the engine's per-table
// sync cycle) don't flood the log.
type Collector struct {
	db         DB
	sampleRate float64 // 0..1; 1 means record everything
}

// NewCollector builds a Collector. sampleRate outside (0,1] is clamped to 1.
func NewCollector(db DB, sampleRate float64) *Collector {
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1
	}
	return &Collector{db: db, sampleRate: sampleRate}
}

// Record persists an Activity if it survives sampling. A no-op Collector
// (DB is nil) silently drops every record, matching the original's
// behavior when query-store collection is disabled.
func (c *Collector) Record(ctx context.Context, a Activity) error {
	if c.db == nil {
		return nil
	}
	if c.sampleRate < 1 && rand.Float64() >= c.sampleRate {
		return nil
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = time.Now().UTC()
	}
	_, err := c.db.Exec(ctx, `
		INSERT INTO metadata.query_activity_log (schema_name, table_name, operation, occurred_at)
		VALUES ($1, $2, $3, $4)`,
		a.Schema, a.Table, a.Operation, a.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("governance: recording activity for %s.%s: %w", a.Schema, a.Table, err)
	}
	return nil
}
