package quality_test

import (
	"context"
	"testing"

	"github.com/dataforge/kernel/engine/quality"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_Measure(t *testing.T) {
	t.Run("Should measure row count and null ratio", func(t *testing.T) {
		source, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer source.Close()

		source.ExpectQuery(`SELECT COUNT\(\*\) FROM "public"\."orders"`).
			WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(100)))
		source.ExpectQuery(`SELECT COUNT\(\*\) FROM "public"\."orders" WHERE "email" IS NULL`).
			WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(10)))

		metadata, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer metadata.Close()

		validator := quality.NewValidator(metadata)
		metric, err := validator.Measure(context.Background(), source, "public", "orders", []string{"email"}, "")
		require.NoError(t, err)
		assert.Equal(t, int64(100), metric.RowCount)
		assert.InDelta(t, 0.1, metric.NullRatios["email"], 0.0001)
	})
}
