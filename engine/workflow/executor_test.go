package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/dataforge/kernel/engine/core"
	"github.com/dataforge/kernel/engine/expr"
	"github.com/dataforge/kernel/engine/workflow"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestExecutor_ExecuteWorkflow(t *testing.T) {
	t.Run("Should run a two-task workflow to success", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		wfRows := pgxmock.NewRows([]string{
			"id", "name", "description", "schedule_cron", "active", "enabled",
			"retry_policy", "sla_config", "rollback_config", "metadata",
			"last_execution_time", "last_execution_status", "created_at", "updated_at",
		}).AddRow(
			core.NewID(), "wf", "", "", true, true,
			[]byte(`{}`), []byte(`{}`), []byte(`{}`), core.JSON(`{}`),
			nil, workflow.Status(""), time.Now().UTC(), time.Now().UTC(),
		)
		mockPool.ExpectQuery("SELECT (.+) FROM metadata.workflows").WillReturnRows(wfRows)

		taskRows := pgxmock.NewRows([]string{
			"id", "workflow_name", "task_name", "task_type", "task_reference", "task_config",
			"retry_policy", "priority", "condition_type", "condition_expression",
			"loop_type", "loop_config",
		}).
			AddRow(core.NewID(), "wf", "extract", workflow.TaskCustomJob, "extract_job", core.JSON(`{}`),
				[]byte(`{}`), 0, workflow.ConditionAlways, "", nil, core.JSON(nil)).
			AddRow(core.NewID(), "wf", "load", workflow.TaskCustomJob, "load_job", core.JSON(`{}`),
				[]byte(`{}`), 0, workflow.ConditionAlways, "", nil, core.JSON(nil))
		mockPool.ExpectQuery("SELECT (.+) FROM metadata.workflow_tasks").WillReturnRows(taskRows)

		depRows := pgxmock.NewRows([]string{
			"id", "workflow_name", "upstream_task", "downstream_task", "dependency_type", "condition_expression",
		}).AddRow(core.NewID(), "wf", "extract", "load", workflow.DependencySuccess, "")
		mockPool.ExpectQuery("SELECT (.+) FROM metadata.workflow_dependencies").WillReturnRows(depRows)

		mockPool.ExpectExec("INSERT INTO metadata.workflow_executions").WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec("INSERT INTO metadata.workflow_task_executions").WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec("INSERT INTO metadata.workflow_task_executions").WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec("UPDATE metadata.workflow_executions").WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		repo := workflow.NewRepository(mockPool)
		evaluator, err := expr.NewCELEvaluator()
		require.NoError(t, err)

		ran := map[string]bool{}
		runner := workflow.TaskRunnerFunc(func(_ context.Context, task workflow.Task) (core.JSON, error) {
			ran[task.TaskName] = true
			return core.JSON(`{"status":"ok"}`), nil
		})

		executor := workflow.NewExecutor(repo, evaluator, map[workflow.TaskType]workflow.TaskRunner{
			workflow.TaskCustomJob: runner,
		})

		execution, err := executor.ExecuteWorkflow(context.Background(), "wf", workflow.TriggerManual)
		require.NoError(t, err)
		require.Equal(t, workflow.StatusSuccess, execution.Status)
		require.True(t, ran["extract"])
		require.True(t, ran["load"])
	})
}
