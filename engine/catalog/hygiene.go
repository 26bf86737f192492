package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/dataforge/kernel/pkg/logger"
)

// Hygiene runs the idempotent catalog maintenance operations of §4.3 against
// the metadata.catalog table and, where a target table is addressed
// directly, the target database itself.
type Hygiene struct {
	db DB
}

// NewHygiene builds a Hygiene bound to the catalog pool.
func NewHygiene(db DB) *Hygiene {
	return &Hygiene{db: db}
}

var psq = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// quoteIdent double-quotes a Postgres identifier, escaping embedded quotes.
// Target table names come from the catalog, not directly from user input at
// the query boundary, but every identifier is still quoted defensively
// before being spliced into DDL/DML that squirrel cannot parameterize.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(strings.ToLower(ident), `"`, `""`) + `"`
}

func qualifiedTable(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(table)
}

// ReactivateTablesWithData reactivates inactive catalog rows whose target
// table currently holds data, returning the count reactivated. A single
// target-table error does not abort the sweep.
func (h *Hygiene) ReactivateTablesWithData(ctx context.Context) (int, error) {
	log := logger.FromContext(ctx)
	query, args, err := psq.Select("schema_name", "table_name", "db_engine").
		From("metadata.catalog").
		Where(squirrel.Eq{"active": false}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("catalog: build reactivate query: %w", err)
	}
	rows, err := h.db.Query(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("catalog: query inactive tables: %w", err)
	}
	type candidate struct{ schema, table, engine string }
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.schema, &c.table, &c.engine); err != nil {
			rows.Close()
			return 0, fmt.Errorf("catalog: scan inactive table: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()

	reactivated := 0
	for _, c := range candidates {
		var count int64
		countSQL := fmt.Sprintf("SELECT COUNT(*) FROM %s", qualifiedTable(c.schema, c.table))
		if err := h.db.QueryRow(ctx, countSQL).Scan(&count); err != nil {
			log.Warn("catalog hygiene: failed to count target table",
				"schema", c.schema, "table", c.table, "error", err)
			continue
		}
		if count == 0 {
			continue
		}
		updateSQL, updateArgs, err := psq.Update("metadata.catalog").
			Set("active", true).
			Where(squirrel.Eq{"schema_name": c.schema, "table_name": c.table, "db_engine": c.engine}).
			ToSql()
		if err != nil {
			return reactivated, fmt.Errorf("catalog: build reactivate update: %w", err)
		}
		if _, err := h.db.Exec(ctx, updateSQL, updateArgs...); err != nil {
			log.Warn("catalog hygiene: failed to reactivate table",
				"schema", c.schema, "table", c.table, "error", err)
			continue
		}
		reactivated++
	}
	return reactivated, nil
}

// DeactivateNoDataTables sets active=false for every row currently in
// StatusNoData, returning the count affected.
func (h *Hygiene) DeactivateNoDataTables(ctx context.Context) (int64, error) {
	query, args, err := psq.Update("metadata.catalog").
		Set("active", false).
		Where(squirrel.Eq{"status": string(StatusNoData), "active": true}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("catalog: build deactivate query: %w", err)
	}
	tag, err := h.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("catalog: deactivate no-data tables: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkInactiveAsSkip moves every inactive row not in StatusNoData to
// StatusSkip, clearing last_processed_pk. When truncateTarget is set, each
// target table is truncated first (best-effort; a failure there does not
// block the catalog update).
func (h *Hygiene) MarkInactiveAsSkip(ctx context.Context, truncateTarget bool) (int64, error) {
	log := logger.FromContext(ctx)
	if truncateTarget {
		query, args, err := psq.Select("schema_name", "table_name").
			From("metadata.catalog").
			Where(squirrel.And{
				squirrel.Eq{"active": false},
				squirrel.NotEq{"status": string(StatusNoData)},
			}).
			ToSql()
		if err != nil {
			return 0, fmt.Errorf("catalog: build truncate-candidates query: %w", err)
		}
		rows, err := h.db.Query(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("catalog: query truncate candidates: %w", err)
		}
		var targets [][2]string
		for rows.Next() {
			var schema, table string
			if err := rows.Scan(&schema, &table); err != nil {
				rows.Close()
				return 0, fmt.Errorf("catalog: scan truncate candidate: %w", err)
			}
			targets = append(targets, [2]string{schema, table})
		}
		rows.Close()
		for _, t := range targets {
			truncSQL := fmt.Sprintf("TRUNCATE TABLE %s", qualifiedTable(t[0], t[1]))
			if _, err := h.db.Exec(ctx, truncSQL); err != nil {
				log.Warn("catalog hygiene: failed to truncate target table before skip",
					"schema", t[0], "table", t[1], "error", err)
			}
		}
	}

	query, args, err := psq.Update("metadata.catalog").
		Set("status", string(StatusSkip)).
		Set("last_processed_pk", nil).
		Where(squirrel.And{
			squirrel.Eq{"active": false},
			squirrel.NotEq{"status": string(StatusNoData)},
		}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("catalog: build mark-skip query: %w", err)
	}
	tag, err := h.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("catalog: mark inactive tables as skip: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetTable drops the target table and moves the catalog row back to
// StatusFullLoad with a cleared offset, per §4.3's "Reset table" operation.
func (h *Hygiene) ResetTable(ctx context.Context, schema, table, engine string) error {
	if schema == "" || table == "" || engine == "" {
		return fmt.Errorf("catalog: reset table: schema, table, and engine must not be empty")
	}
	dropSQL := fmt.Sprintf("DROP TABLE IF EXISTS %s", qualifiedTable(schema, table))
	if _, err := h.db.Exec(ctx, dropSQL); err != nil {
		return fmt.Errorf("catalog: drop target table: %w", err)
	}
	query, args, err := psq.Update("metadata.catalog").
		Set("status", string(StatusFullLoad)).
		Set("last_processed_pk", nil).
		Where(squirrel.Eq{"schema_name": schema, "table_name": table, "db_engine": engine}).
		ToSql()
	if err != nil {
		return fmt.Errorf("catalog: build reset-table query: %w", err)
	}
	if _, err := h.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("catalog: reset catalog row: %w", err)
	}
	return nil
}

// CleanNonExistentTables removes catalog rows for engine whose
// discoverable table set no longer includes them, optionally dropping the
// target table too.
func (h *Hygiene) CleanNonExistentTables(
	ctx context.Context,
	engine DatabaseEngine,
	discovered []TableIdentity,
	dropTarget bool,
) (int64, error) {
	present := make(map[string]bool, len(discovered))
	for _, t := range discovered {
		present[strings.ToLower(t.Schema)+"."+strings.ToLower(t.Table)] = true
	}

	query, args, err := psq.Select("schema_name", "table_name").
		From("metadata.catalog").
		Where(squirrel.Eq{"db_engine": string(engine)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("catalog: build clean-candidates query: %w", err)
	}
	rows, err := h.db.Query(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("catalog: query catalog rows: %w", err)
	}
	var stale [][2]string
	for rows.Next() {
		var schema, table string
		if err := rows.Scan(&schema, &table); err != nil {
			rows.Close()
			return 0, fmt.Errorf("catalog: scan catalog row: %w", err)
		}
		if !present[strings.ToLower(schema)+"."+strings.ToLower(table)] {
			stale = append(stale, [2]string{schema, table})
		}
	}
	rows.Close()

	var removed int64
	log := logger.FromContext(ctx)
	for _, s := range stale {
		if dropTarget {
			dropSQL := fmt.Sprintf("DROP TABLE IF EXISTS %s", qualifiedTable(s[0], s[1]))
			if _, err := h.db.Exec(ctx, dropSQL); err != nil {
				log.Warn("catalog hygiene: failed to drop vanished target table",
					"schema", s[0], "table", s[1], "error", err)
			}
		}
		delSQL, delArgs, err := psq.Delete("metadata.catalog").
			Where(squirrel.Eq{"schema_name": s[0], "table_name": s[1], "db_engine": string(engine)}).
			ToSql()
		if err != nil {
			return removed, fmt.Errorf("catalog: build delete query: %w", err)
		}
		tag, err := h.db.Exec(ctx, delSQL, delArgs...)
		if err != nil {
			log.Warn("catalog hygiene: failed to delete stale catalog row",
				"schema", s[0], "table", s[1], "error", err)
			continue
		}
		removed += tag.RowsAffected()
	}
	return removed, nil
}

// CleanInvalidOffsets clears last_processed_pk for every row whose
// pk_strategy is "none". Such rows are never paged by a cursor, so a stored
// value is stale (for example, one left over from a strategy change).
func (h *Hygiene) CleanInvalidOffsets(ctx context.Context) (int64, error) {
	query, args, err := psq.Update("metadata.catalog").
		Set("last_processed_pk", nil).
		Where(squirrel.And{
			squirrel.Eq{"pk_strategy": string(PKStrategyNone)},
			squirrel.NotEq{"last_processed_pk": nil},
		}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("catalog: build clean-offsets query: %w", err)
	}
	tag, err := h.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("catalog: clean invalid offsets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SchemaDriftCheck compares sourceColumnCount against the target table's
// current column count; on drift it resets the table and returns true.
func (h *Hygiene) SchemaDriftCheck(
	ctx context.Context,
	schema, table, engine string,
	sourceColumnCount int,
) (bool, error) {
	var targetColumnCount int
	err := h.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
	`, strings.ToLower(schema), strings.ToLower(table)).Scan(&targetColumnCount)
	if err != nil {
		return false, fmt.Errorf("catalog: count target columns: %w", err)
	}
	if sourceColumnCount == targetColumnCount || sourceColumnCount == 0 {
		return false, nil
	}
	if err := h.ResetTable(ctx, schema, table, engine); err != nil {
		return false, fmt.Errorf("catalog: schema drift reset: %w", err)
	}
	return true, nil
}
