package queue_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dataforge/kernel/engine/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_PriorityOrdering(t *testing.T) {
	t.Run("Should dequeue higher-priority items first", func(t *testing.T) {
		q := queue.NewQueue(0)
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, queue.Item{ID: "low", Priority: queue.PriorityLow}))
		require.NoError(t, q.Enqueue(ctx, queue.Item{ID: "critical", Priority: queue.PriorityCritical}))
		require.NoError(t, q.Enqueue(ctx, queue.Item{ID: "normal", Priority: queue.PriorityNormal}))

		first, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, "critical", first.ID)

		second, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, "normal", second.ID)

		third, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, "low", third.ID)
	})

	t.Run("Should break ties in FIFO order", func(t *testing.T) {
		q := queue.NewQueue(0)
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, queue.Item{ID: "first", Priority: queue.PriorityNormal}))
		require.NoError(t, q.Enqueue(ctx, queue.Item{ID: "second", Priority: queue.PriorityNormal}))

		a, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, "first", a.ID)
		b, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, "second", b.ID)
	})
}

func TestQueue_ContextCancellation(t *testing.T) {
	t.Run("Should unblock Dequeue when context is cancelled", func(t *testing.T) {
		q := queue.NewQueue(0)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := q.Dequeue(ctx)
		assert.Error(t, err)
	})

	t.Run("Should unblock Enqueue on a full queue when context is cancelled", func(t *testing.T) {
		q := queue.NewQueue(1)
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, queue.Item{ID: "filler"}))

		blockedCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := q.Enqueue(blockedCtx, queue.Item{ID: "overflow"})
		assert.Error(t, err)
	})
}

func TestPool_ProcessesItems(t *testing.T) {
	t.Run("Should run every enqueued item exactly once", func(t *testing.T) {
		q := queue.NewQueue(0)
		var processed atomic.Int32
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		pool := queue.NewPool(q, 4)
		pool.Start(ctx)

		for i := 0; i < 20; i++ {
			require.NoError(t, q.Enqueue(ctx, queue.Item{
				ID: "task", Priority: queue.PriorityNormal,
				Run: func(context.Context) error { processed.Add(1); return nil },
			}))
		}

		assert.Eventually(t, func() bool { return processed.Load() == 20 }, time.Second, 5*time.Millisecond)
	})
}
