package transfer_test

import (
	"context"
	"testing"
	"time"

	"github.com/dataforge/kernel/engine/catalog"
	"github.com/dataforge/kernel/engine/runtimeconfig"
	"github.com/dataforge/kernel/engine/transfer"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const transferEngine = catalog.EngineMariaDB

type fakeReader struct {
	chunks [][]transfer.Row
	calls  int
}

func (f *fakeReader) FetchChunk(
	_ context.Context,
	_ string,
	_ catalog.TableIdentity,
	_ string,
	_ string,
	_ int,
) ([]transfer.Row, string, bool, error) {
	if f.calls >= len(f.chunks) {
		return nil, "", false, nil
	}
	chunk := f.chunks[f.calls]
	f.calls++
	more := f.calls < len(f.chunks)
	last := ""
	if len(chunk) > 0 {
		last = chunk[len(chunk)-1]["id"].(string)
	}
	return chunk, last, more, nil
}

func newTestConfig() *runtimeconfig.Config {
	cfg := runtimeconfig.New()
	return cfg
}

func TestService_TransferEngine(t *testing.T) {
	t.Run("Should copy every chunk and transition a pending entry to listening_changes", func(t *testing.T) {
		transfer.RegisterReader(transferEngine, &fakeReader{
			chunks: [][]transfer.Row{
				{{"id": "1", "value": "a"}, {"id": "2", "value": "b"}},
			},
		})

		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		cols := []string{
			"id", "schema_name", "table_name", "db_engine", "connection_string",
			"status", "last_sync_column", "pk_columns", "pk_strategy", "has_pk",
			"table_size", "cluster_name", "active", "last_processed_pk",
			"created_at", "updated_at",
		}
		mockPool.ExpectQuery(`SELECT .* FROM metadata.catalog`).
			WillReturnRows(pgxmock.NewRows(cols).AddRow(
				int64(1), "public", "orders", "mariadb", "mariadb://src",
				"PENDING", "", []byte(`["id"]`), "numeric", true,
				int64(0), "", true, "",
				time.Now(), time.Now(),
			))

		mockPool.ExpectExec(`UPDATE metadata.catalog SET status`).
			WithArgs("FULL_LOAD", int64(1)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectExec(`CREATE SCHEMA IF NOT EXISTS`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mockPool.ExpectExec(`CREATE TABLE IF NOT EXISTS`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mockPool.ExpectBegin()
		mockPool.ExpectExec(`INSERT INTO "public"."orders"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(`INSERT INTO "public"."orders"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectExec(`UPDATE metadata.catalog SET last_processed_pk`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectExec(`UPDATE metadata.catalog SET status`).
			WithArgs("LISTENING_CHANGES", int64(1)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		svc := transfer.NewService(mockPool, &noopLocks{}, newTestConfig())
		err = svc.TransferEngine(context.Background(), transferEngine)
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should no-op without error when no entries are transferable", func(t *testing.T) {
		transfer.RegisterReader(transferEngine, &fakeReader{})

		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectQuery(`SELECT .* FROM metadata.catalog`).
			WillReturnRows(pgxmock.NewRows([]string{
				"id", "schema_name", "table_name", "db_engine", "connection_string",
				"status", "last_sync_column", "pk_columns", "pk_strategy", "has_pk",
				"table_size", "cluster_name", "active", "last_processed_pk",
				"created_at", "updated_at",
			}))

		svc := transfer.NewService(mockPool, &noopLocks{}, newTestConfig())
		err = svc.TransferEngine(context.Background(), transferEngine)
		require.NoError(t, err)
	})
}

type noopLocks struct{}

func (noopLocks) Acquire(_ context.Context, name string, _ time.Duration, _ time.Duration) (catalog.Lock, error) {
	return &noopLock{name: name}, nil
}

func (noopLocks) TryAcquire(_ context.Context, name string, _ time.Duration) (catalog.Lock, error) {
	return &noopLock{name: name}, nil
}

type noopLock struct{ name string }

func (l *noopLock) Release(_ context.Context) error           { return nil }
func (l *noopLock) Refresh(_ context.Context, _ time.Duration) error { return nil }
func (l *noopLock) Name() string                              { return l.name }
func (l *noopLock) IsHeld() bool                              { return true }
