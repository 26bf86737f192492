package customjob_test

import (
	"context"
	"testing"

	"github.com/dataforge/kernel/engine/customjob"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepository_GetJob(t *testing.T) {
	t.Run("Should load a job by name", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		cols := []string{
			"id", "job_name", "description", "source_db_engine", "source_connection_string",
			"query_sql", "target_db_engine", "target_connection_string", "target_schema",
			"target_table", "schedule_cron", "active", "enabled", "transform_config", "metadata",
		}
		mockPool.ExpectQuery(`SELECT .* FROM metadata.custom_jobs WHERE job_name = \$1`).
			WithArgs("nightly_orders").
			WillReturnRows(pgxmock.NewRows(cols).AddRow(
				1, "nightly_orders", "", "postgres", "postgres://src",
				"SELECT * FROM orders", "postgres", "postgres://dst", "public",
				"orders_copy", nil, true, true, []byte(`{}`), []byte(`{}`),
			))

		repo := customjob.NewRepository(mockPool)
		job, err := repo.GetJob(context.Background(), "nightly_orders")
		require.NoError(t, err)
		assert.Equal(t, "orders_copy", job.TargetTable)
	})

	t.Run("Should return a not-found error for a missing job", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		cols := []string{
			"id", "job_name", "description", "source_db_engine", "source_connection_string",
			"query_sql", "target_db_engine", "target_connection_string", "target_schema",
			"target_table", "schedule_cron", "active", "enabled", "transform_config", "metadata",
		}
		mockPool.ExpectQuery(`SELECT .* FROM metadata.custom_jobs`).
			WillReturnRows(pgxmock.NewRows(cols))

		repo := customjob.NewRepository(mockPool)
		_, err = repo.GetJob(context.Background(), "ghost")
		assert.Error(t, err)
	})
}

func TestRepository_UpsertAndDelete(t *testing.T) {
	t.Run("Should upsert then delete a job", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectExec(`INSERT INTO metadata.custom_jobs`).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(`DELETE FROM metadata.custom_jobs`).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		repo := customjob.NewRepository(mockPool)
		err = repo.UpsertJob(context.Background(), customjob.Job{
			JobName:                "nightly_orders",
			SourceDBEngine:         "postgres",
			SourceConnectionString: "postgres://src",
			QuerySQL:               "SELECT * FROM orders",
			TargetDBEngine:         "postgres",
			TargetConnectionString: "postgres://dst",
			TargetTable:            "orders_copy",
		})
		require.NoError(t, err)
		err = repo.DeleteJob(context.Background(), "nightly_orders")
		require.NoError(t, err)
	})
}
