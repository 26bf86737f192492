package workflow_test

import (
	"testing"

	"github.com/dataforge/kernel/engine/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func definitionWithDeps(deps []workflow.Dependency) workflow.Definition {
	return workflow.Definition{
		Workflow: workflow.Workflow{Name: "wf"},
		Tasks: []workflow.Task{
			{TaskName: "extract"},
			{TaskName: "transform"},
			{TaskName: "load"},
			{TaskName: "notify"},
		},
		Dependencies: deps,
	}
}

func TestBuildGraph(t *testing.T) {
	t.Run("Should reject a dependency on an unknown task", func(t *testing.T) {
		def := definitionWithDeps([]workflow.Dependency{
			{UpstreamTask: "ghost", DownstreamTask: "extract", DependencyType: workflow.DependencySuccess},
		})
		_, err := workflow.BuildGraph(def)
		assert.Error(t, err)
	})

	t.Run("Should reject a dependency cycle", func(t *testing.T) {
		def := definitionWithDeps([]workflow.Dependency{
			{UpstreamTask: "extract", DownstreamTask: "transform", DependencyType: workflow.DependencySuccess},
			{UpstreamTask: "transform", DownstreamTask: "extract", DependencyType: workflow.DependencySuccess},
		})
		_, err := workflow.BuildGraph(def)
		assert.Error(t, err)
	})

	t.Run("Should accept a valid DAG", func(t *testing.T) {
		def := definitionWithDeps([]workflow.Dependency{
			{UpstreamTask: "extract", DownstreamTask: "transform", DependencyType: workflow.DependencySuccess},
			{UpstreamTask: "transform", DownstreamTask: "load", DependencyType: workflow.DependencySuccess},
		})
		graph, err := workflow.BuildGraph(def)
		require.NoError(t, err)
		assert.Len(t, graph.Tasks(), 4)
	})
}

func TestGraph_ReadyTasks(t *testing.T) {
	def := definitionWithDeps([]workflow.Dependency{
		{UpstreamTask: "extract", DownstreamTask: "transform", DependencyType: workflow.DependencySuccess},
		{UpstreamTask: "transform", DownstreamTask: "load", DependencyType: workflow.DependencySuccess},
		{UpstreamTask: "load", DownstreamTask: "notify", DependencyType: workflow.DependencyCompletion},
	})
	graph, err := workflow.BuildGraph(def)
	require.NoError(t, err)

	t.Run("Should return tasks with no dependencies as ready initially", func(t *testing.T) {
		ready, skipped := graph.ReadyTasks(map[string]workflow.Status{})
		assert.Equal(t, []string{"extract"}, ready)
		assert.Empty(t, skipped)
	})

	t.Run("Should not ready a downstream task until its upstream succeeds", func(t *testing.T) {
		ready, _ := graph.ReadyTasks(map[string]workflow.Status{"extract": workflow.StatusRunning})
		assert.Empty(t, ready)
	})

	t.Run("Should ready the downstream task once upstream succeeds", func(t *testing.T) {
		ready, _ := graph.ReadyTasks(map[string]workflow.Status{"extract": workflow.StatusSuccess})
		assert.Equal(t, []string{"transform"}, ready)
	})

	t.Run("Should satisfy a COMPLETION dependency on any terminal status", func(t *testing.T) {
		ready, _ := graph.ReadyTasks(map[string]workflow.Status{
			"extract":   workflow.StatusSuccess,
			"transform": workflow.StatusSuccess,
			"load":      workflow.StatusFailed,
		})
		assert.Equal(t, []string{"notify"}, ready)
	})

	t.Run("Should report graph completion once every task is terminal", func(t *testing.T) {
		statuses := map[string]workflow.Status{
			"extract": workflow.StatusSuccess, "transform": workflow.StatusSuccess,
			"load": workflow.StatusSuccess, "notify": workflow.StatusSuccess,
		}
		assert.True(t, graph.IsComplete(statuses))
	})
}

func TestGraph_SkipOnFailure(t *testing.T) {
	def := definitionWithDeps([]workflow.Dependency{
		{UpstreamTask: "extract", DownstreamTask: "transform", DependencyType: workflow.DependencySkipOnFailure},
		{UpstreamTask: "transform", DownstreamTask: "load", DependencyType: workflow.DependencySuccess},
		{UpstreamTask: "load", DownstreamTask: "notify", DependencyType: workflow.DependencySuccess},
	})
	graph, err := workflow.BuildGraph(def)
	require.NoError(t, err)

	t.Run("Should mark the downstream task skipped when upstream fails", func(t *testing.T) {
		ready, skipped := graph.ReadyTasks(map[string]workflow.Status{"extract": workflow.StatusFailed})
		assert.Empty(t, ready)
		assert.Equal(t, []string{"transform"}, skipped)
	})

	t.Run("Should ready the downstream task when upstream succeeds", func(t *testing.T) {
		ready, skipped := graph.ReadyTasks(map[string]workflow.Status{"extract": workflow.StatusSuccess})
		assert.Equal(t, []string{"transform"}, ready)
		assert.Empty(t, skipped)
	})
}

func TestRetryPolicy_RetryDelay(t *testing.T) {
	t.Run("Should apply exponential backoff", func(t *testing.T) {
		policy := workflow.RetryPolicy{MaxRetries: 3, BaseDelaySeconds: 2, BackoffMultiplier: 2}
		assert.Equal(t, float64(2), policy.RetryDelay(0).Seconds())
		assert.Equal(t, float64(4), policy.RetryDelay(1).Seconds())
		assert.Equal(t, float64(8), policy.RetryDelay(2).Seconds())
	})

	t.Run("Should treat a zero multiplier as constant delay", func(t *testing.T) {
		policy := workflow.RetryPolicy{MaxRetries: 2, BaseDelaySeconds: 5}
		assert.Equal(t, float64(5), policy.RetryDelay(1).Seconds())
		assert.Equal(t, float64(5), policy.RetryDelay(2).Seconds())
	})
}
