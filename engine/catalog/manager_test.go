package catalog_test

import (
	"context"
	"testing"

	"github.com/dataforge/kernel/engine/catalog"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_CleanCatalog(t *testing.T) {
	t.Run("Should no-op without error when the clean lock is unavailable", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		// Every TryAcquire attempt reports the lock already held: begin,
		// cleanup sweep, then an empty RETURNING set.
		mockPool.ExpectBegin()
		mockPool.ExpectExec("DELETE FROM metadata.catalog_locks").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectQuery("INSERT INTO metadata.catalog_locks").
			WillReturnRows(pgxmock.NewRows([]string{"lock_name"}))
		mockPool.ExpectCommit()

		locks := catalog.NewPostgresLockManager(mockPool, 0)
		manager := catalog.NewManager(mockPool, locks)

		ctx, cancel := context.WithTimeout(context.Background(), 0)
		defer cancel()
		err = manager.CleanCatalog(ctx)
		assert.NoError(t, err)
	})
}
