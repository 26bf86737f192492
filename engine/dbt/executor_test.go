package dbt_test

import (
	"context"
	"testing"

	"github.com/dataforge/kernel/engine/core"
	"github.com/dataforge/kernel/engine/dbt"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_ExecuteModel(t *testing.T) {
	t.Run("Should materialize a TABLE model by dropping then creating", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectExec(`DROP TABLE IF EXISTS`).WillReturnResult(pgxmock.NewResult("DROP", 0))
		mockPool.ExpectExec(`CREATE TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 10))

		compiler := dbt.NewCompiler(nil, nil, nil)
		executor := dbt.NewExecutor(mockPool, compiler, dbt.NewRepository(mockPool))
		model := dbt.Model{
			ModelName: "fct_orders", SchemaName: "analytics",
			Materialization: dbt.MaterializationTable,
			SQLContent:      "SELECT 1",
		}
		run, err := executor.ExecuteModel(context.Background(), model)
		require.NoError(t, err)
		assert.Equal(t, "SUCCESS", run.Status)
		assert.Equal(t, 10, run.RowsAffected)
	})

	t.Run("Should materialize a VIEW model with CREATE OR REPLACE", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		mockPool.ExpectExec(`CREATE OR REPLACE VIEW`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

		compiler := dbt.NewCompiler(nil, nil, nil)
		executor := dbt.NewExecutor(mockPool, compiler, dbt.NewRepository(mockPool))
		model := dbt.Model{
			ModelName: "v_orders", SchemaName: "analytics",
			Materialization: dbt.MaterializationView,
			SQLContent:      "SELECT 1",
		}
		run, err := executor.ExecuteModel(context.Background(), model)
		require.NoError(t, err)
		assert.Equal(t, "SUCCESS", run.Status)
	})

	t.Run("Should upsert lineage edges and documentation after a successful run", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectExec(`CREATE OR REPLACE VIEW`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mockPool.ExpectExec(`INSERT INTO metadata\.dbt_lineage`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(`INSERT INTO metadata\.dbt_documentation`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(`INSERT INTO metadata\.dbt_documentation`).WillReturnResult(pgxmock.NewResult("INSERT", 1))

		compiler := dbt.NewCompiler(map[string]dbt.Model{
			"stg_orders": {ModelName: "stg_orders", SchemaName: "analytics", SQLContent: "SELECT * FROM raw_orders"},
		}, nil, nil)
		executor := dbt.NewExecutor(mockPool, compiler, dbt.NewRepository(mockPool))
		model := dbt.Model{
			ModelName:       "v_orders",
			SchemaName:      "analytics",
			Materialization: dbt.MaterializationView,
			SQLContent:      "SELECT * FROM {{ ref('stg_orders') }}",
			Description:     "Orders ready for reporting",
			Columns: []dbt.Column{
				{Name: "id", Description: "Primary key"},
			},
		}
		run, err := executor.ExecuteModel(context.Background(), model)
		require.NoError(t, err)
		assert.Equal(t, "SUCCESS", run.Status)
	})

	t.Run("Should upsert an INCREMENTAL model on its unique_key", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectQuery(`information_schema\.tables`).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
		mockPool.ExpectQuery(`information_schema\.columns`).
			WillReturnRows(pgxmock.NewRows([]string{"column_name"}).AddRow("id").AddRow("status"))
		mockPool.ExpectExec(`ON CONFLICT \("id"\) DO UPDATE SET "status" = EXCLUDED\."status"`).
			WillReturnResult(pgxmock.NewResult("INSERT", 2))

		compiler := dbt.NewCompiler(nil, nil, nil)
		executor := dbt.NewExecutor(mockPool, compiler, dbt.NewRepository(mockPool))
		model := dbt.Model{
			ModelName:       "orders",
			SchemaName:      "analytics",
			Materialization: dbt.MaterializationIncremental,
			SQLContent:      "SELECT id, status FROM raw_orders",
			Config:          mustJSON(t, map[string]any{"unique_key": "id"}),
		}
		run, err := executor.ExecuteModel(context.Background(), model)
		require.NoError(t, err)
		assert.Equal(t, "SUCCESS", run.Status)
		assert.Equal(t, 2, run.RowsAffected)
	})
}

func mustJSON(t *testing.T, v any) core.JSON {
	t.Helper()
	j, err := core.NewJSON(v)
	require.NoError(t, err)
	return j
}

func TestExecutor_RunTests(t *testing.T) {
	t.Run("Should pass a NOT_NULL test with zero failing rows", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		mockPool.ExpectQuery(`SELECT COUNT\(\*\) FROM "analytics"\."orders" WHERE "id" IS NULL`).
			WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))

		executor := dbt.NewExecutor(mockPool, dbt.NewCompiler(nil, nil, nil), dbt.NewRepository(mockPool))
		model := dbt.Model{ModelName: "orders", SchemaName: "analytics"}
		results := executor.RunTests(context.Background(), model, []dbt.Test{
			{TestName: "orders_id_not_null", TestType: dbt.TestNotNull, ColumnName: "id", Active: true},
		}, "run-1")
		require.Len(t, results, 1)
		assert.Equal(t, "PASS", results[0].Status)
	})

	t.Run("Should fail a test with nonzero failing rows", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		mockPool.ExpectQuery(`SELECT COUNT\(\*\) FROM "analytics"\."orders" WHERE "id" IS NULL`).
			WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

		executor := dbt.NewExecutor(mockPool, dbt.NewCompiler(nil, nil, nil), dbt.NewRepository(mockPool))
		model := dbt.Model{ModelName: "orders", SchemaName: "analytics"}
		results := executor.RunTests(context.Background(), model, []dbt.Test{
			{TestName: "orders_id_not_null", TestType: dbt.TestNotNull, ColumnName: "id", Active: true},
		}, "run-1")
		require.Len(t, results, 1)
		assert.Equal(t, "FAIL", results[0].Status)
	})
}
