package transfer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/dataforge/kernel/engine/catalog"
	"github.com/dataforge/kernel/engine/runtimeconfig"
	"github.com/dataforge/kernel/pkg/logger"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var entryColumns = []string{
	"id", "schema_name", "table_name", "db_engine", "connection_string",
	"status", "last_sync_column", "pk_columns", "pk_strategy", "has_pk",
	"table_size", "cluster_name", "active", "last_processed_pk",
	"created_at", "updated_at",
}

// DB is the minimal pool surface transfer needs against the metadata store,
// used both to read catalog.Entry rows and to write target tables (both
// live in the same Postgres instance; see catalog's Hygiene for the same
// pattern).
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const transferLockTTL = 10 * time.Minute

var psq = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// Service runs one transfer cycle per call to TransferEngine, copying every
// active, non-SKIP catalog entry for a single engine from its source
// connection to its Postgres target table, chunk by chunk.
type Service struct {
	db     DB
	locks  catalog.LockManager
	config *runtimeconfig.Config
}

// NewService builds a Service bound to the metadata pool, catalog lock
// manager, and live runtime config (chunk_size/max_workers are re-read on
// every cycle so a hot-reload takes effect immediately).
func NewService(db DB, locks catalog.LockManager, config *runtimeconfig.Config) *Service {
	return &Service{db: db, locks: locks, config: config}
}

// TransferEngine runs one full cycle for engine: every active catalog entry
// not in PENDING/SKIP/ERROR is copied in parallel, bounded by max_workers.
// It holds the transfer_<engine> lock for the duration so only one instance
// in the cluster transfers a given engine at a time, mirroring
// Manager.SyncCatalog's locking (§4.3).
func (s *Service) TransferEngine(ctx context.Context, engine catalog.DatabaseEngine) error {
	log := logger.FromContext(ctx)
	lockName := "transfer_" + string(engine)
	lock, err := s.locks.TryAcquire(ctx, lockName, transferLockTTL)
	if err != nil {
		log.Warn("could not acquire transfer lock; another instance may be running", "engine", engine)
		return nil
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			log.Error("failed to release transfer lock", "engine", engine, "error", err)
		}
	}()

	reader, err := registeredReader(engine)
	if err != nil {
		return err
	}

	entries, err := s.transferableEntries(ctx, engine)
	if err != nil {
		return fmt.Errorf("transfer: listing entries for %s: %w", engine, err)
	}
	if len(entries) == 0 {
		return nil
	}

	maxWorkers := s.config.MaxWorkers()
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup
	var failures atomic.Int64
	for _, entry := range entries {
		entry := entry
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.transferEntry(ctx, reader, entry); err != nil {
				log.Error("transfer entry failed",
					"engine", engine, "schema", entry.Schema, "table", entry.Table, "error", err)
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := failures.Load(); n > 0 {
		log.Warn("transfer cycle completed with failures", "engine", engine, "failures", n)
	}
	return nil
}

// transferableEntries returns active entries for engine whose status
// permits a transfer cycle: a fresh PENDING row is still waiting on
// discovery's first sync, and SKIP/ERROR rows wait on hygiene or an
// operator to clear them (§4.4).
func (s *Service) transferableEntries(ctx context.Context, engine catalog.DatabaseEngine) ([]catalog.Entry, error) {
	query, args, err := psq.Select(entryColumns...).
		From("metadata.catalog").
		Where(squirrel.Eq{"db_engine": string(engine), "active": true}).
		Where(squirrel.NotEq{"status": []string{string(catalog.StatusPending), string(catalog.StatusSkip), string(catalog.StatusError)}}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build transferable entries query: %w", err)
	}
	var entries []catalog.Entry
	if err := pgxscan.Select(ctx, s.db, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("query transferable entries: %w", err)
	}
	return entries, nil
}

// transferEntry copies one table's pending rows, resuming from
// last_processed_pk; a PENDING entry is first moved to FULL_LOAD and starts
// from the beginning. It reads chunk_size rows at a time and stops when the
// reader reports no more rows or returns an empty chunk, advancing the
// entry's status and cursor as it goes (§4.4's FULL_LOAD/LISTENING_CHANGES/NO_DATA state machine).
func (s *Service) transferEntry(ctx context.Context, reader Reader, entry catalog.Entry) error {
	status := entry.Status
	after := entry.LastProcessedPK
	if status == catalog.StatusPending {
		// A pending row has never had a full load: start it now, then
		// resume from the beginning rather than any stale cursor.
		if err := s.transitionStatus(ctx, entry.ID, status, catalog.StatusFullLoad); err != nil {
			return fmt.Errorf("start full load (%s.%s): %w", entry.Schema, entry.Table, err)
		}
		status = catalog.StatusFullLoad
		after = ""
	}

	if entry.PKStrategy == catalog.PKStrategyNone || entry.LastSyncColumn == "" && !entry.HasPK {
		entry.Status = status
		return s.markNoData(ctx, entry)
	}

	cursorColumn := cursorColumn(entry)
	chunkSize := s.config.ChunkSize()
	if chunkSize < 1 {
		chunkSize = 1000
	}

	table := catalog.TableIdentity{Schema: entry.Schema, Table: entry.Table, Engine: entry.Engine}

	totalRows := 0
	for {
		rows, lastCursor, more, err := reader.FetchChunk(ctx, entry.ConnectionString, table, cursorColumn, after, chunkSize)
		if err != nil {
			return fmt.Errorf("fetch chunk (%s.%s): %w", entry.Schema, entry.Table, err)
		}
		if len(rows) == 0 {
			break
		}
		if err := s.upsertRows(ctx, entry.Schema, entry.Table, rows, cursorColumn); err != nil {
			return fmt.Errorf("write chunk (%s.%s): %w", entry.Schema, entry.Table, err)
		}
		totalRows += len(rows)
		after = lastCursor
		if err := s.advanceCursor(ctx, entry.ID, after); err != nil {
			return fmt.Errorf("advance cursor (%s.%s): %w", entry.Schema, entry.Table, err)
		}
		if !more {
			break
		}
	}

	if totalRows == 0 && status == catalog.StatusFullLoad {
		entry.Status = status
		return s.markNoData(ctx, entry)
	}
	if status == catalog.StatusFullLoad {
		return s.transitionStatus(ctx, entry.ID, status, catalog.StatusListeningChanges)
	}
	return nil
}

// cursorColumn picks the column used to page through a table: the detected
// time column (last_sync_column) for the timestamp strategy, otherwise the
// first primary-key column, falling back to last_sync_column when no PK
// columns are recorded.
func cursorColumn(entry catalog.Entry) string {
	if entry.PKStrategy == catalog.PKStrategyTimestamp {
		return entry.LastSyncColumn
	}
	var pkColumns []string
	_ = entry.PKColumns.As(&pkColumns)
	if len(pkColumns) > 0 {
		return pkColumns[0]
	}
	return entry.LastSyncColumn
}

func (s *Service) markNoData(ctx context.Context, entry catalog.Entry) error {
	return s.transitionStatus(ctx, entry.ID, entry.Status, catalog.StatusNoData)
}

func (s *Service) transitionStatus(ctx context.Context, id int64, from, to catalog.Status) error {
	if !catalog.CanTransition(from, to) {
		return nil
	}
	query, args, err := psq.Update("metadata.catalog").
		Set("status", string(to)).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build status transition: %w", err)
	}
	_, err = s.db.Exec(ctx, query, args...)
	return err
}

func (s *Service) advanceCursor(ctx context.Context, id int64, cursor string) error {
	query, args, err := psq.Update("metadata.catalog").
		Set("last_processed_pk", cursor).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build cursor update: %w", err)
	}
	_, err = s.db.Exec(ctx, query, args...)
	return err
}
