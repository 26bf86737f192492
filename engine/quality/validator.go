// Package quality collects table-level data quality metrics for catalog
// entries: row counts, null ratios, and freshness. Trimmed from the
// original DataQuality collector, which also ran a classifier/compliance
// pipeline that is out of scope here.
package quality

import (
	"context"
	"fmt"
	"time"

	"github.com/dataforge/kernel/engine/core"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the metadata store the validator persists metrics to.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SourceDB is the table being measured; a separate connection since it's
// typically a different database than the metadata store.
type SourceDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Metric is one row/column measurement taken for a catalog entry at a point
// in time.
type Metric struct {
	Schema       string
	Table        string
	RowCount     int64
	NullRatios   map[string]float64
	FreshnessAge time.Duration
	MeasuredAt   time.Time
}

// Validator measures row count, per-column null ratio, and time-column
// freshness for a catalog entry.
type Validator struct {
	metadata DB
}

// NewValidator builds a Validator persisting to metadata.
func NewValidator(metadata DB) *Validator {
	return &Validator{metadata: metadata}
}

// Measure runs the configured checks against source for the given table and
// returns the resulting Metric without persisting it.
func (v *Validator) Measure(ctx context.Context, source SourceDB, schema, table string, nullableColumns []string, timeColumn string) (Metric, error) {
	metric := Metric{Schema: schema, Table: table, MeasuredAt: time.Now().UTC(), NullRatios: map[string]float64{}}

	qualified := fmt.Sprintf("%q.%q", schema, table)
	if err := source.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", qualified)).Scan(&metric.RowCount); err != nil {
		return Metric{}, fmt.Errorf("quality: counting rows in %s: %w", qualified, err)
	}

	for _, col := range nullableColumns {
		if metric.RowCount == 0 {
			metric.NullRatios[col] = 0
			continue
		}
		var nullCount int64
		q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %q IS NULL", qualified, col)
		if err := source.QueryRow(ctx, q).Scan(&nullCount); err != nil {
			return Metric{}, fmt.Errorf("quality: measuring null ratio for %s.%s: %w", qualified, col, err)
		}
		metric.NullRatios[col] = float64(nullCount) / float64(metric.RowCount)
	}

	if timeColumn != "" {
		var lastModified time.Time
		q := fmt.Sprintf("SELECT MAX(%q) FROM %s", timeColumn, qualified)
		if err := source.QueryRow(ctx, q).Scan(&lastModified); err == nil && !lastModified.IsZero() {
			metric.FreshnessAge = time.Since(lastModified)
		}
	}

	return metric, nil
}

// Persist writes a Metric to the metadata.data_quality table.
func (v *Validator) Persist(ctx context.Context, m Metric) error {
	ratios, err := core.NewJSON(m.NullRatios)
	if err != nil {
		return fmt.Errorf("quality: marshaling null ratios: %w", err)
	}
	_, err = v.metadata.Exec(ctx, `
		INSERT INTO metadata.data_quality (schema_name, table_name, row_count, null_ratios, freshness_seconds, measured_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.Schema, m.Table, m.RowCount, ratios, m.FreshnessAge.Seconds(), m.MeasuredAt,
	)
	if err != nil {
		return fmt.Errorf("quality: persisting metric for %s.%s: %w", m.Schema, m.Table, err)
	}
	return nil
}
