package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/dataforge/kernel/engine/core"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var validate = validator.New()

// ValidateDefinition struct-tag validates a workflow's top-level record and
// every one of its tasks and dependencies before it is ever persisted.
func ValidateDefinition(def Definition) error {
	if err := validate.Struct(def.Workflow); err != nil {
		return fmt.Errorf("workflow: invalid workflow %q: %w", def.Workflow.Name, err)
	}
	for _, task := range def.Tasks {
		if err := validate.Struct(task); err != nil {
			return fmt.Errorf("workflow: invalid task %q: %w", task.TaskName, err)
		}
	}
	for _, dep := range def.Dependencies {
		if err := validate.Struct(dep); err != nil {
			return fmt.Errorf("workflow: invalid dependency %s->%s: %w", dep.UpstreamTask, dep.DownstreamTask, err)
		}
	}
	return nil
}

// DB is the subset of a pgxpool.Pool the repository needs, abstracted so
// tests can substitute pgxmock.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var psq = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// Repository persists workflow definitions, executions, and versions to the
// metadata schema.
type Repository struct {
	db DB
}

// NewRepository builds a Repository backed by db.
func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// GetDefinition loads a workflow's current tasks and dependencies by name.
// Returns core.NewError(core.KindNotFound, ...) if no workflow with that
// name exists; the workflow's active flag is not checked.
func (r *Repository) GetDefinition(ctx context.Context, name string) (Definition, error) {
	var wf Workflow
	query, args, err := psq.Select(
		"id", "name", "description", "schedule_cron", "active", "enabled",
		"retry_policy", "sla_config", "rollback_config", "metadata",
		"last_execution_time", "last_execution_status", "created_at", "updated_at",
	).From("metadata.workflows").Where(squirrel.Eq{"name": name}).ToSql()
	if err != nil {
		return Definition{}, fmt.Errorf("workflow: building workflow query: %w", err)
	}
	if err := pgxscan.Get(ctx, r.db, &wf, query, args...); err != nil {
		return Definition{}, core.NewError(core.KindNotFound, fmt.Sprintf("workflow %q not found", name), err)
	}

	var tasks []Task
	taskQuery, taskArgs, err := psq.Select(
		"id", "workflow_name", "task_name", "task_type", "task_reference", "task_config",
		"retry_policy", "priority", "condition_type", "condition_expression",
		"loop_type", "loop_config",
	).From("metadata.workflow_tasks").Where(squirrel.Eq{"workflow_name": name}).ToSql()
	if err != nil {
		return Definition{}, fmt.Errorf("workflow: building tasks query: %w", err)
	}
	if err := pgxscan.Select(ctx, r.db, &tasks, taskQuery, taskArgs...); err != nil {
		return Definition{}, fmt.Errorf("workflow: loading tasks for %q: %w", name, err)
	}

	var deps []Dependency
	depQuery, depArgs, err := psq.Select(
		"id", "workflow_name", "upstream_task", "downstream_task", "dependency_type", "condition_expression",
	).From("metadata.workflow_dependencies").Where(squirrel.Eq{"workflow_name": name}).ToSql()
	if err != nil {
		return Definition{}, fmt.Errorf("workflow: building dependencies query: %w", err)
	}
	if err := pgxscan.Select(ctx, r.db, &deps, depQuery, depArgs...); err != nil {
		return Definition{}, fmt.Errorf("workflow: loading dependencies for %q: %w", name, err)
	}

	return Definition{Workflow: wf, Tasks: tasks, Dependencies: deps}, nil
}

// ListActiveWorkflows returns the names of all workflows with active=true.
func (r *Repository) ListActiveWorkflows(ctx context.Context) ([]string, error) {
	query, args, err := psq.Select("name").From("metadata.workflows").
		Where(squirrel.Eq{"active": true}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("workflow: building active-workflows query: %w", err)
	}
	var names []string
	if err := pgxscan.Select(ctx, r.db, &names, query, args...); err != nil {
		return nil, fmt.Errorf("workflow: listing active workflows: %w", err)
	}
	return names, nil
}

// ScheduledWorkflow is one active, enabled workflow's cron binding.
type ScheduledWorkflow struct {
	Name         string `db:"name"`
	ScheduleCron string `db:"schedule_cron"`
}

// ListScheduledWorkflows returns every active, enabled workflow with a
// non-empty schedule_cron, for the cron trigger plane to register at
// startup.
func (r *Repository) ListScheduledWorkflows(ctx context.Context) ([]ScheduledWorkflow, error) {
	query, args, err := psq.Select("name", "schedule_cron").From("metadata.workflows").
		Where(squirrel.Eq{"active": true, "enabled": true}).
		Where(squirrel.NotEq{"schedule_cron": ""}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("workflow: building scheduled-workflows query: %w", err)
	}
	var scheduled []ScheduledWorkflow
	if err := pgxscan.Select(ctx, r.db, &scheduled, query, args...); err != nil {
		return nil, fmt.Errorf("workflow: listing scheduled workflows: %w", err)
	}
	return scheduled, nil
}

// CreateExecution inserts a new workflow execution row in StatusRunning and
// returns its generated execution ID.
func (r *Repository) CreateExecution(ctx context.Context, workflowName string, trigger TriggerType, totalTasks int) (core.ID, error) {
	id := core.NewID()
	query, args, err := psq.Insert("metadata.workflow_executions").
		Columns("execution_id", "workflow_name", "status", "trigger_type", "started_at", "total_tasks").
		Values(id, workflowName, StatusRunning, trigger, time.Now().UTC(), totalTasks).
		ToSql()
	if err != nil {
		return core.ID{}, fmt.Errorf("workflow: building execution insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return core.ID{}, fmt.Errorf("workflow: creating execution: %w", err)
	}
	return id, nil
}

// FinishExecution records the terminal status and summary counters of an
// execution.
func (r *Repository) FinishExecution(ctx context.Context, executionID core.ID, status Status, completed, failed, skipped int, errMsg string) error {
	now := time.Now().UTC()
	query, args, err := psq.Update("metadata.workflow_executions").
		Set("status", status).
		Set("ended_at", now).
		Set("completed_tasks", completed).
		Set("failed_tasks", failed).
		Set("skipped_tasks", skipped).
		Set("error_message", errMsg).
		Where(squirrel.Eq{"execution_id": executionID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("workflow: building execution finish update: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("workflow: finishing execution %s: %w", executionID, err)
	}
	return nil
}

// RecordTaskExecution inserts a task execution record.
func (r *Repository) RecordTaskExecution(ctx context.Context, te TaskExecution) error {
	query, args, err := psq.Insert("metadata.workflow_task_executions").
		Columns(
			"id", "workflow_execution_id", "task_name", "status", "started_at",
			"ended_at", "duration_seconds", "retry_count", "error_message", "task_output",
		).
		Values(
			core.NewID(), te.WorkflowExecID, te.TaskName, te.Status, te.StartedAt,
			te.EndedAt, te.DurationSeconds, te.RetryCount, te.ErrorMessage, te.TaskOutput,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("workflow: building task execution insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("workflow: recording task execution for %q: %w", te.TaskName, err)
	}
	return nil
}

// GetExecutions returns the most recent executions of a workflow, newest
// first, bounded by limit.
func (r *Repository) GetExecutions(ctx context.Context, workflowName string, limit int) ([]Execution, error) {
	query, args, err := psq.Select(
		"execution_id", "workflow_name", "status", "trigger_type", "started_at", "ended_at",
		"duration_seconds", "total_tasks", "completed_tasks", "failed_tasks", "skipped_tasks",
		"error_message", "rollback_status",
	).From("metadata.workflow_executions").
		Where(squirrel.Eq{"workflow_name": workflowName}).
		OrderBy("started_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("workflow: building executions query: %w", err)
	}
	var executions []Execution
	if err := pgxscan.Select(ctx, r.db, &executions, query, args...); err != nil {
		return nil, fmt.Errorf("workflow: listing executions for %q: %w", workflowName, err)
	}
	return executions, nil
}

// GetTaskExecutions returns every task execution recorded for a workflow
// execution.
func (r *Repository) GetTaskExecutions(ctx context.Context, executionID core.ID) ([]TaskExecution, error) {
	query, args, err := psq.Select(
		"id", "workflow_execution_id", "task_name", "status", "started_at",
		"ended_at", "duration_seconds", "retry_count", "error_message", "task_output",
	).From("metadata.workflow_task_executions").
		Where(squirrel.Eq{"workflow_execution_id": executionID}).
		OrderBy("started_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("workflow: building task executions query: %w", err)
	}
	var executions []TaskExecution
	if err := pgxscan.Select(ctx, r.db, &executions, query, args...); err != nil {
		return nil, fmt.Errorf("workflow: listing task executions for %s: %w", executionID, err)
	}
	return executions, nil
}

// SnapshotVersion marks the current version inactive and inserts a new
// current version capturing def, used by the version manager on publish. def
// is struct-tag validated before anything is written.
func (r *Repository) SnapshotVersion(ctx context.Context, def Definition) error {
	if err := ValidateDefinition(def); err != nil {
		return err
	}
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("workflow: marshaling version payload: %w", err)
	}

	clearQuery, clearArgs, err := psq.Update("metadata.workflow_versions").
		Set("is_current", false).
		Where(squirrel.Eq{"workflow_name": def.Workflow.Name, "is_current": true}).
		ToSql()
	if err != nil {
		return fmt.Errorf("workflow: building version-clear update: %w", err)
	}
	if _, err := r.db.Exec(ctx, clearQuery, clearArgs...); err != nil {
		return fmt.Errorf("workflow: clearing current version for %q: %w", def.Workflow.Name, err)
	}

	var nextVersion int
	countQuery, countArgs, err := psq.Select("COALESCE(MAX(version), 0) + 1").
		From("metadata.workflow_versions").
		Where(squirrel.Eq{"workflow_name": def.Workflow.Name}).
		ToSql()
	if err != nil {
		return fmt.Errorf("workflow: building next-version query: %w", err)
	}
	if err := r.db.QueryRow(ctx, countQuery, countArgs...).Scan(&nextVersion); err != nil {
		return fmt.Errorf("workflow: computing next version for %q: %w", def.Workflow.Name, err)
	}

	insertQuery, insertArgs, err := psq.Insert("metadata.workflow_versions").
		Columns("id", "workflow_name", "version", "is_current", "payload", "created_at").
		Values(core.NewID(), def.Workflow.Name, nextVersion, true, core.JSON(payload), time.Now().UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("workflow: building version insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, insertQuery, insertArgs...); err != nil {
		return fmt.Errorf("workflow: inserting version for %q: %w", def.Workflow.Name, err)
	}
	return nil
}
