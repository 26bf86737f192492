package expr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCELEvaluator(t *testing.T) {
	t.Run("Should create evaluator with default cost limit", func(t *testing.T) {
		evaluator, err := NewCELEvaluator()
		require.NoError(t, err)
		assert.NotNil(t, evaluator.env)
		assert.Equal(t, uint64(1000), evaluator.costLimit)
		assert.NotNil(t, evaluator.programCache)
	})

	t.Run("Should create evaluator with custom cost limit", func(t *testing.T) {
		evaluator, err := NewCELEvaluator(WithCostLimit(50))
		require.NoError(t, err)
		assert.Equal(t, uint64(50), evaluator.costLimit)
	})
}

func TestCELEvaluator_Evaluate(t *testing.T) {
	t.Run("Should evaluate a task-output condition to true", func(t *testing.T) {
		evaluator, err := NewCELEvaluator()
		require.NoError(t, err)
		data := map[string]any{
			"tasks": map[string]any{
				"extract_data": map[string]any{"status": "success", "row_count": 120},
			},
		}
		result, err := evaluator.Evaluate(
			context.Background(),
			`tasks.extract_data.status == "success" && tasks.extract_data.row_count > 0`,
			data,
		)
		require.NoError(t, err)
		assert.True(t, result)
	})

	t.Run("Should evaluate a false condition", func(t *testing.T) {
		evaluator, err := NewCELEvaluator()
		require.NoError(t, err)
		data := map[string]any{
			"tasks": map[string]any{"extract_data": map[string]any{"status": "failed"}},
		}
		result, err := evaluator.Evaluate(context.Background(), `tasks.extract_data.status == "success"`, data)
		require.NoError(t, err)
		assert.False(t, result)
	})

	t.Run("Should error on missing fields", func(t *testing.T) {
		evaluator, err := NewCELEvaluator()
		require.NoError(t, err)
		data := map[string]any{"tasks": map[string]any{}}
		result, err := evaluator.Evaluate(context.Background(), `tasks.extract_data.status == "success"`, data)
		assert.Error(t, err)
		assert.False(t, result)
	})

	t.Run("Should reject a cancelled context before evaluating", func(t *testing.T) {
		evaluator, err := NewCELEvaluator()
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		result, err := evaluator.Evaluate(ctx, `tasks.a.status == "success"`, map[string]any{})
		assert.Error(t, err)
		assert.False(t, result)
	})

	t.Run("Should require a boolean result", func(t *testing.T) {
		evaluator, err := NewCELEvaluator()
		require.NoError(t, err)
		data := map[string]any{"tasks": map[string]any{"a": map[string]any{"status": "success"}}}
		result, err := evaluator.Evaluate(context.Background(), `tasks.a.status`, data)
		assert.Error(t, err)
		assert.False(t, result)
	})

	t.Run("Should default vars to an empty map when absent", func(t *testing.T) {
		evaluator, err := NewCELEvaluator()
		require.NoError(t, err)
		result, err := evaluator.Evaluate(context.Background(), `vars == {}`, map[string]any{})
		require.NoError(t, err)
		assert.True(t, result)
	})

	t.Run("Should reuse a cached compiled program", func(t *testing.T) {
		evaluator, err := NewCELEvaluator(WithCacheSize(3))
		require.NoError(t, err)
		data := map[string]any{"tasks": map[string]any{"a": map[string]any{"value": 1}}}
		expression := `tasks.a.value == 1`
		result1, err := evaluator.Evaluate(context.Background(), expression, data)
		require.NoError(t, err)
		assert.True(t, result1)
		result2, err := evaluator.Evaluate(context.Background(), expression, data)
		require.NoError(t, err)
		assert.True(t, result2)
	})
}

func TestCELEvaluator_ValidateExpression(t *testing.T) {
	t.Run("Should accept a well-formed boolean expression", func(t *testing.T) {
		evaluator, err := NewCELEvaluator()
		require.NoError(t, err)
		assert.NoError(t, evaluator.ValidateExpression(`tasks.a.status == "success"`))
	})

	t.Run("Should reject invalid syntax", func(t *testing.T) {
		evaluator, err := NewCELEvaluator()
		require.NoError(t, err)
		err = evaluator.ValidateExpression(`tasks.a.status ==`)
		assert.Error(t, err)
	})

	t.Run("Should reject a non-boolean expression", func(t *testing.T) {
		evaluator, err := NewCELEvaluator()
		require.NoError(t, err)
		err = evaluator.ValidateExpression(`tasks.a.status`)
		assert.Error(t, err)
	})
}

func TestCELEvaluator_ContextTimeout(t *testing.T) {
	t.Run("Should respect an already-expired context", func(t *testing.T) {
		evaluator, err := NewCELEvaluator()
		require.NoError(t, err)
		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()
		result, err := evaluator.Evaluate(ctx, `tasks.a.status == "success"`, map[string]any{})
		assert.Error(t, err)
		assert.False(t, result)
	})
}
