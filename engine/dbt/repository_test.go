package dbt_test

import (
	"context"
	"testing"

	"github.com/dataforge/kernel/engine/dbt"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var modelCols = []string{
	"id", "model_name", "materialization", "schema_name", "database_name",
	"sql_content", "config", "description", "depends_on", "version", "active",
	"last_run_status", "last_run_rows",
}

func TestRepository_GetModel(t *testing.T) {
	t.Run("Should load a model by name", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectQuery(`SELECT .* FROM metadata.dbt_models WHERE model_name = \$1`).
			WithArgs("stg_orders").
			WillReturnRows(pgxmock.NewRows(modelCols).AddRow(
				int64(1), "stg_orders", "VIEW", "public", "",
				"SELECT * FROM {{ source('raw', 'orders') }}", []byte(`{}`), "", []string{}, 1, true,
				"", 0,
			))

		repo := dbt.NewRepository(mockPool)
		model, err := repo.GetModel(context.Background(), "stg_orders")
		require.NoError(t, err)
		assert.Equal(t, "stg_orders", model.ModelName)
		assert.Equal(t, dbt.MaterializationView, model.Materialization)
	})

	t.Run("Should return a not-found error for a missing model", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectQuery(`SELECT .* FROM metadata.dbt_models`).
			WillReturnRows(pgxmock.NewRows(modelCols))

		repo := dbt.NewRepository(mockPool)
		_, err = repo.GetModel(context.Background(), "ghost")
		assert.Error(t, err)
	})
}

func TestRepository_RecordModelRun(t *testing.T) {
	t.Run("Should insert a run row and update the model's last run status", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectExec(`INSERT INTO metadata.dbt_model_runs`).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(`UPDATE metadata.dbt_models SET`).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		repo := dbt.NewRepository(mockPool)
		err = repo.RecordModelRun(context.Background(), dbt.Run{
			ModelName: "stg_orders",
			RunID:     "run-1",
			Status:    "SUCCESS",
			RowsAffected: 42,
		})
		require.NoError(t, err)
	})
}

func TestRepository_GetMacros(t *testing.T) {
	t.Run("Should key active macros by name", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		cols := []string{"id", "macro_name", "macro_sql", "parameters", "description", "return_type", "active"}
		mockPool.ExpectQuery(`SELECT .* FROM metadata.dbt_macros`).
			WillReturnRows(pgxmock.NewRows(cols).AddRow(
				int64(1), "cents_to_dollars", "({0} / 100.0)", []byte(`[]`), "", "numeric", true,
			))

		repo := dbt.NewRepository(mockPool)
		macros, err := repo.GetMacros(context.Background())
		require.NoError(t, err)
		require.Contains(t, macros, "cents_to_dollars")
		assert.Equal(t, "({0} / 100.0)", macros["cents_to_dollars"].MacroSQL)
	})
}
