package trigger_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dataforge/kernel/engine/trigger"
	"github.com/stretchr/testify/assert"
)

type fakeChecker struct{ met bool }

func (f fakeChecker) Check(context.Context, trigger.DataDrivenSchedule) (bool, error) {
	return f.met, nil
}

func TestDataDrivenManager_CheckAll(t *testing.T) {
	t.Run("Should launch the workflow when the condition is met", func(t *testing.T) {
		var launched atomic.Int32
		manager := trigger.NewDataDrivenManager(fakeChecker{met: true}, func(_ context.Context, name string, _ trigger.TriggerType) {
			launched.Add(1)
			assert.Equal(t, "orders_ready", name)
		})
		manager.RegisterSchedule(trigger.DataDrivenSchedule{WorkflowName: "orders_ready", Active: true})

		manager.Start(context.Background())
		defer manager.Stop()

		assert.Eventually(t, func() bool { return launched.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("Should not launch an inactive schedule", func(t *testing.T) {
		var launched atomic.Int32
		manager := trigger.NewDataDrivenManager(fakeChecker{met: true}, func(context.Context, string, trigger.TriggerType) {
			launched.Add(1)
		})
		manager.RegisterSchedule(trigger.DataDrivenSchedule{WorkflowName: "disabled", Active: false})
		manager.Start(context.Background())
		defer manager.Stop()

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(0), launched.Load())
	})
}
