package catalog_test

import (
	"context"
	"testing"
	"time"

	"github.com/dataforge/kernel/engine/catalog"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresLockManager_TryAcquire(t *testing.T) {
	t.Run("Should acquire an unheld lock", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectBegin()
		mockPool.ExpectExec("DELETE FROM metadata.catalog_locks").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		rows := pgxmock.NewRows([]string{"lock_name"}).AddRow("catalog-sync")
		mockPool.ExpectQuery("INSERT INTO metadata.catalog_locks").
			WillReturnRows(rows)
		mockPool.ExpectCommit()

		manager := catalog.NewPostgresLockManager(mockPool, 0)
		lock, err := manager.TryAcquire(context.Background(), "catalog-sync", 5*time.Minute)
		require.NoError(t, err)
		assert.True(t, lock.IsHeld())
		assert.Equal(t, "catalog-sync", lock.Name())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should return ErrLockNotAcquired when already held", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectBegin()
		mockPool.ExpectExec("DELETE FROM metadata.catalog_locks").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectQuery("INSERT INTO metadata.catalog_locks").
			WillReturnRows(pgxmock.NewRows([]string{"lock_name"}))
		mockPool.ExpectCommit()

		manager := catalog.NewPostgresLockManager(mockPool, 0)
		lock, err := manager.TryAcquire(context.Background(), "catalog-sync", 5*time.Minute)
		assert.ErrorIs(t, err, catalog.ErrLockNotAcquired)
		assert.Nil(t, lock)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresLock_Release(t *testing.T) {
	t.Run("Should release a held lock", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectBegin()
		mockPool.ExpectExec("DELETE FROM metadata.catalog_locks").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		rows := pgxmock.NewRows([]string{"lock_name"}).AddRow("catalog-sync")
		mockPool.ExpectQuery("INSERT INTO metadata.catalog_locks").
			WillReturnRows(rows)
		mockPool.ExpectCommit()
		mockPool.ExpectExec("DELETE FROM metadata.catalog_locks").
			WithArgs("catalog-sync", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		manager := catalog.NewPostgresLockManager(mockPool, 0)
		lock, err := manager.TryAcquire(context.Background(), "catalog-sync", 5*time.Minute)
		require.NoError(t, err)

		err = lock.Release(context.Background())
		require.NoError(t, err)
		assert.False(t, lock.IsHeld())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should reject releasing an already-released lock", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectBegin()
		mockPool.ExpectExec("DELETE FROM metadata.catalog_locks").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		rows := pgxmock.NewRows([]string{"lock_name"}).AddRow("catalog-sync")
		mockPool.ExpectQuery("INSERT INTO metadata.catalog_locks").
			WillReturnRows(rows)
		mockPool.ExpectCommit()
		mockPool.ExpectExec("DELETE FROM metadata.catalog_locks").
			WithArgs("catalog-sync", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		manager := catalog.NewPostgresLockManager(mockPool, 0)
		lock, err := manager.TryAcquire(context.Background(), "catalog-sync", 5*time.Minute)
		require.NoError(t, err)
		require.NoError(t, lock.Release(context.Background()))

		err = lock.Release(context.Background())
		assert.ErrorIs(t, err, catalog.ErrLockNotHeld)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
