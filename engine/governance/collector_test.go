package governance_test

import (
	"context"
	"testing"

	"github.com/dataforge/kernel/engine/governance"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Record(t *testing.T) {
	t.Run("Should persist an activity record at full sample rate", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		mockPool.ExpectExec("INSERT INTO metadata.query_activity_log").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		collector := governance.NewCollector(mockPool, 1)
		err = collector.Record(context.Background(), governance.Activity{
			Schema: "public", Table: "orders", Operation: "SYNC",
		})
		assert.NoError(t, err)
	})

	t.Run("Should silently drop records when no DB is configured", func(t *testing.T) {
		collector := governance.NewCollector(nil, 1)
		err := collector.Record(context.Background(), governance.Activity{Schema: "public", Table: "orders"})
		assert.NoError(t, err)
	})
}
