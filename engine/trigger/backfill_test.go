package trigger_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/dataforge/kernel/engine/trigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePeriods(t *testing.T) {
	t.Run("Should slice a daily range into one period per day", func(t *testing.T) {
		periods, err := trigger.GeneratePeriods(trigger.BackfillConfig{
			StartDate: "2026-07-01", EndDate: "2026-07-03", Interval: trigger.BackfillDaily,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"2026-07-01", "2026-07-02", "2026-07-03"}, periods)
	})

	t.Run("Should reject an invalid date", func(t *testing.T) {
		_, err := trigger.GeneratePeriods(trigger.BackfillConfig{StartDate: "not-a-date", EndDate: "2026-07-03"})
		assert.Error(t, err)
	})
}

func TestBackfillManager_ExecuteBackfill(t *testing.T) {
	t.Run("Should run one execution per period and record its outcome", func(t *testing.T) {
		var runs atomic.Int32
		manager := trigger.NewBackfillManager(func(_ context.Context, _, _, _ string) error {
			runs.Add(1)
			return nil
		})
		cfg := trigger.BackfillConfig{
			WorkflowName: "daily_load", StartDate: "2026-07-01", EndDate: "2026-07-02",
			Interval: trigger.BackfillDaily,
		}
		require.NoError(t, manager.ExecuteBackfill(context.Background(), cfg))
		assert.Equal(t, int32(2), runs.Load())

		executions := manager.GetBackfillExecutions("daily_load")
		assert.Len(t, executions, 2)
		for _, e := range executions {
			assert.Equal(t, "SUCCESS", e.Status)
		}
	})

	t.Run("Should record a failed period without aborting the rest", func(t *testing.T) {
		manager := trigger.NewBackfillManager(func(_ context.Context, _, start, _ string) error {
			if start == "2026-07-01" {
				return assert.AnError
			}
			return nil
		})
		cfg := trigger.BackfillConfig{
			WorkflowName: "wf", StartDate: "2026-07-01", EndDate: "2026-07-02", Interval: trigger.BackfillDaily,
		}
		require.NoError(t, manager.ExecuteBackfill(context.Background(), cfg))

		executions := manager.GetBackfillExecutions("wf")
		require.Len(t, executions, 2)
		statuses := map[string]bool{}
		for _, e := range executions {
			statuses[e.Status] = true
		}
		assert.True(t, statuses["FAILED"])
		assert.True(t, statuses["SUCCESS"])
	})
}
