package catalog_test

import (
	"context"
	"testing"

	"github.com/dataforge/kernel/engine/catalog"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHygiene_DeactivateNoDataTables(t *testing.T) {
	t.Run("Should deactivate rows currently in NO_DATA status", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectExec("UPDATE metadata.catalog SET active").
			WillReturnResult(pgxmock.NewResult("UPDATE", 3))

		h := catalog.NewHygiene(mockPool)
		n, err := h.DeactivateNoDataTables(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestHygiene_CleanInvalidOffsets(t *testing.T) {
	t.Run("Should clear last_processed_pk for rows with no PK strategy", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectExec("UPDATE metadata.catalog SET last_processed_pk").
			WillReturnResult(pgxmock.NewResult("UPDATE", 2))

		h := catalog.NewHygiene(mockPool)
		n, err := h.CleanInvalidOffsets(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestHygiene_ResetTable(t *testing.T) {
	t.Run("Should reject empty identifiers", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		h := catalog.NewHygiene(mockPool)
		err = h.ResetTable(context.Background(), "", "table", "postgresql")
		assert.Error(t, err)
	})

	t.Run("Should drop the target table and reset the catalog row", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectExec("DROP TABLE IF EXISTS").
			WillReturnResult(pgxmock.NewResult("DROP", 0))
		mockPool.ExpectExec("UPDATE metadata.catalog SET status").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		h := catalog.NewHygiene(mockPool)
		err = h.ResetTable(context.Background(), "public", "orders", "postgresql")
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
