package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/dataforge/kernel/pkg/logger"
)

// syncLockTTL/cleanLockTTL and defaultLockWait bound how long a catalog
// operation holds its serializing lock and how long it will wait to acquire
// one before giving up for this cycle (another instance is presumed to be
// running the same operation).
const (
	defaultLockWait = 30 * time.Second
	syncLockTTL     = 10 * time.Minute
	cleanLockTTL    = 5 * time.Minute
)

// Manager orchestrates per-engine discovery, catalog hygiene, and
// cluster-name resolution, serializing each operation with a named catalog
// lock so only one instance in the cluster runs it at a time (§4.3).
type Manager struct {
	db      DB
	locks   LockManager
	hygiene *Hygiene
}

// NewManager builds a Manager bound to the catalog pool and lock manager.
func NewManager(db DB, locks LockManager) *Manager {
	return &Manager{db: db, locks: locks, hygiene: NewHygiene(db)}
}

// SyncCatalog discovers tables for every distinct connection string
// registered under engine, upserting each into metadata.catalog and
// re-resolving cluster names for rows still missing one. It holds the
// catalog_sync_<engine> lock for the duration and is a no-op (not an error)
// when another instance already holds it.
func (m *Manager) SyncCatalog(ctx context.Context, engine DatabaseEngine) error {
	log := logger.FromContext(ctx)
	lockName := "catalog_sync_" + string(engine)
	lock, err := m.locks.Acquire(ctx, lockName, syncLockTTL, defaultLockWait)
	if err != nil {
		log.Warn("could not acquire catalog sync lock; another instance may be running",
			"engine", engine)
		return nil
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			log.Error("failed to release catalog sync lock", "engine", engine, "error", err)
		}
	}()

	capability, err := NewCapability(engine)
	if err != nil {
		return fmt.Errorf("catalog: sync %s: %w", engine, err)
	}

	connStrings, err := m.connectionStrings(ctx, engine)
	if err != nil {
		return fmt.Errorf("catalog: sync %s: %w", engine, err)
	}

	for _, connStr := range connStrings {
		tables, err := capability.DiscoverTables(ctx, connStr)
		if err != nil {
			log.Error("catalog sync: discovery failed", "engine", engine, "error", err)
			continue
		}
		for _, t := range tables {
			timeColumn := DetectTimeColumn(t.Columns)
			if err := m.upsertEntry(ctx, t, timeColumn, connStr, engine); err != nil {
				log.Error("catalog sync: upsert failed",
					"engine", engine, "schema", t.Identity.Schema, "table", t.Identity.Table, "error", err)
			}
		}
	}

	if err := m.UpdateClusterNames(ctx); err != nil {
		log.Error("catalog sync: cluster name update failed", "engine", engine, "error", err)
	}
	return nil
}

// connectionStrings returns the distinct connection strings currently
// registered under engine.
func (m *Manager) connectionStrings(ctx context.Context, engine DatabaseEngine) ([]string, error) {
	query, args, err := psq.Select("DISTINCT connection_string").
		From("metadata.catalog").
		Where(squirrel.Eq{"db_engine": string(engine)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build connection strings query: %w", err)
	}
	rows, err := m.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query connection strings: %w", err)
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var connStr string
		if err := rows.Scan(&connStr); err != nil {
			return nil, fmt.Errorf("scan connection string: %w", err)
		}
		result = append(result, connStr)
	}
	return result, rows.Err()
}

// upsertEntry inserts a new catalog row for t, or updates the dirty fields
// of an existing one (time column, PK metadata, row estimate), preserving
// sync-state fields like status and last_processed_pk.
func (m *Manager) upsertEntry(
	ctx context.Context,
	t TableMetadata,
	timeColumn string,
	connStr string,
	engine DatabaseEngine,
) error {
	pkColumns, err := toPKColumnsJSON(t.PKColumns)
	if err != nil {
		return err
	}
	query, args, err := psq.Insert("metadata.catalog").
		Columns(
			"schema_name", "table_name", "db_engine", "connection_string",
			"status", "last_sync_column", "pk_columns", "has_pk", "table_size", "active",
		).
		Values(
			t.Identity.Schema, t.Identity.Table, string(engine), connStr,
			string(StatusPending), timeColumn, pkColumns, len(t.PKColumns) > 0, t.RowEstimate, true,
		).
		Suffix(`
			ON CONFLICT (schema_name, table_name, db_engine) DO UPDATE SET
				last_sync_column = EXCLUDED.last_sync_column,
				pk_columns = EXCLUDED.pk_columns,
				has_pk = EXCLUDED.has_pk,
				table_size = EXCLUDED.table_size,
				connection_string = EXCLUDED.connection_string
		`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert query: %w", err)
	}
	if _, err := m.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert catalog entry: %w", err)
	}
	return nil
}

func toPKColumnsJSON(columns []string) ([]byte, error) {
	if len(columns) == 0 {
		return []byte("[]"), nil
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, c := range columns {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(c, `"`, `\"`))
		b.WriteByte('"')
	}
	b.WriteByte(']')
	return []byte(b.String()), nil
}

// UpdateClusterNames resolves and stores a cluster name for every active
// catalog row currently missing one.
func (m *Manager) UpdateClusterNames(ctx context.Context) error {
	query, args, err := psq.Select("DISTINCT connection_string", "db_engine").
		From("metadata.catalog").
		Where(squirrel.And{
			squirrel.Or{squirrel.Eq{"cluster_name": nil}, squirrel.Eq{"cluster_name": ""}},
			squirrel.Eq{"active": true},
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build cluster-name candidates query: %w", err)
	}
	rows, err := m.db.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query cluster-name candidates: %w", err)
	}
	type candidate struct {
		connStr string
		engine  string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.connStr, &c.engine); err != nil {
			rows.Close()
			return fmt.Errorf("scan cluster-name candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()

	log := logger.FromContext(ctx)
	for _, c := range candidates {
		name, err := ResolveClusterName(c.connStr, DatabaseEngine(c.engine))
		if err != nil || name == "" {
			continue
		}
		updateSQL, updateArgs, err := psq.Update("metadata.catalog").
			Set("cluster_name", name).
			Where(squirrel.Eq{"connection_string": c.connStr, "db_engine": c.engine}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build cluster-name update: %w", err)
		}
		if _, err := m.db.Exec(ctx, updateSQL, updateArgs...); err != nil {
			log.Warn("catalog: failed to persist cluster name", "connection_string", c.connStr, "error", err)
		}
	}
	return nil
}

// CleanCatalog runs the full hygiene sweep (§4.3) under the catalog_clean
// lock: reactivate tables with data, deactivate empty ones, mark remaining
// inactive rows SKIP, and clear stale offsets.
func (m *Manager) CleanCatalog(ctx context.Context) error {
	log := logger.FromContext(ctx)
	lock, err := m.locks.Acquire(ctx, "catalog_clean", cleanLockTTL, defaultLockWait)
	if err != nil {
		log.Warn("could not acquire catalog clean lock; another instance may be running")
		return nil
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			log.Error("failed to release catalog clean lock", "error", err)
		}
	}()

	if n, err := m.hygiene.ReactivateTablesWithData(ctx); err != nil {
		log.Error("catalog clean: reactivate failed", "error", err)
	} else if n > 0 {
		log.Info("reactivated tables with data", "count", n)
	}

	if n, err := m.hygiene.DeactivateNoDataTables(ctx); err != nil {
		log.Error("catalog clean: deactivate failed", "error", err)
	} else if n > 0 {
		log.Info("deactivated no-data tables", "count", n)
	}

	if n, err := m.hygiene.MarkInactiveAsSkip(ctx, false); err != nil {
		log.Error("catalog clean: mark-skip failed", "error", err)
	} else if n > 0 {
		log.Info("marked inactive tables as skip", "count", n)
	}

	if n, err := m.hygiene.CleanInvalidOffsets(ctx); err != nil {
		log.Error("catalog clean: clean offsets failed", "error", err)
	} else if n > 0 {
		log.Info("cleaned invalid offsets", "count", n)
	}

	if err := m.UpdateClusterNames(ctx); err != nil {
		log.Error("catalog clean: cluster name update failed", "error", err)
	}
	return nil
}
