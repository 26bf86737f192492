// Package workflow implements the workflow DAG domain model and executor:
// dependency-ordered scheduling of heterogeneous tasks with retry, SLA
// enforcement, and rollback.
package workflow

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dataforge/kernel/engine/core"
)

// TaskType identifies what a task's task_reference invokes.
type TaskType string

const (
	TaskCustomJob     TaskType = "CUSTOM_JOB"
	TaskDataWarehouse TaskType = "DATA_WAREHOUSE"
	TaskDataVault     TaskType = "DATA_VAULT"
	TaskSync          TaskType = "SYNC"
	TaskAPICall       TaskType = "API_CALL"
	TaskScript        TaskType = "SCRIPT"
	TaskSubWorkflow   TaskType = "SUB_WORKFLOW"
)

// ConditionType controls whether a task's condition_expression gates it.
type ConditionType string

const (
	ConditionAlways ConditionType = "ALWAYS"
	ConditionIf     ConditionType = "IF"
	ConditionElse   ConditionType = "ELSE"
	ConditionElseIf ConditionType = "ELSE_IF"
)

// LoopType identifies a task's iteration protocol.
type LoopType string

const (
	LoopFor     LoopType = "FOR"
	LoopWhile   LoopType = "WHILE"
	LoopForeach LoopType = "FOREACH"
)

// DependencyType controls which upstream terminal statuses satisfy
// readiness for a downstream task (§4.2 "Readiness rule").
type DependencyType string

const (
	DependencySuccess       DependencyType = "SUCCESS"
	DependencyCompletion    DependencyType = "COMPLETION"
	DependencySkipOnFailure DependencyType = "SKIP_ON_FAILURE"
)

// Status is a workflow or task execution's lifecycle status.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusSkipped   Status = "SKIPPED"
	StatusRetrying  Status = "RETRYING"
)

// IsTerminal reports whether s is one from which no further transition
// happens without external intervention.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// TriggerType identifies what caused a workflow execution to start.
type TriggerType string

const (
	TriggerScheduled TriggerType = "SCHEDULED"
	TriggerManual    TriggerType = "MANUAL"
	TriggerAPI       TriggerType = "API"
	TriggerEvent     TriggerType = "EVENT"
)

// RollbackStatus tracks a workflow execution's compensating-action sweep.
type RollbackStatus string

const (
	RollbackPending    RollbackStatus = "PENDING"
	RollbackInProgress RollbackStatus = "IN_PROGRESS"
	RollbackCompleted  RollbackStatus = "COMPLETED"
	RollbackFailed     RollbackStatus = "FAILED"
)

// RetryPolicy controls per-task retry behavior (§4.2 "Per-task execution").
type RetryPolicy struct {
	MaxRetries        int     `json:"max_retries"`
	BaseDelaySeconds  float64 `json:"base_delay_seconds"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// RetryDelay computes base_delay * multiplier^retryCount, the backoff
// formula specified in §4.2.
func (p RetryPolicy) RetryDelay(retryCount int) time.Duration {
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := p.BaseDelaySeconds
	for i := 0; i < retryCount; i++ {
		delay *= multiplier
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay * float64(time.Second))
}

// Value and Scan let RetryPolicy round-trip through a jsonb column.
func (p RetryPolicy) Value() (driver.Value, error) { return json.Marshal(p) }

func (p *RetryPolicy) Scan(src any) error { return scanJSON(src, p) }

// SLAConfig controls SLA breach detection.
type SLAConfig struct {
	MaxExecutionTimeSeconds float64 `json:"max_execution_time_seconds"`
	AlertOnBreach           bool    `json:"alert_on_breach"`
}

// Value and Scan let SLAConfig round-trip through a jsonb column.
func (c SLAConfig) Value() (driver.Value, error) { return json.Marshal(c) }

func (c *SLAConfig) Scan(src any) error { return scanJSON(src, c) }

// RollbackConfig controls compensating-action behavior on failure.
type RollbackConfig struct {
	Enabled   bool `json:"enabled"`
	OnFailure bool `json:"on_failure"`
	OnTimeout bool `json:"on_timeout"`
	MaxDepth  int  `json:"max_depth"`
}

// Value and Scan let RollbackConfig round-trip through a jsonb column.
func (c RollbackConfig) Value() (driver.Value, error) { return json.Marshal(c) }

func (c *RollbackConfig) Scan(src any) error { return scanJSON(src, c) }

// scanJSON decodes a jsonb column (delivered as []byte, string, or nil by
// the pgx driver) into dst.
func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("workflow: cannot scan %T into jsonb struct", src)
	}
}

// Workflow is the top-level DAG definition.
type Workflow struct {
	ID                  core.ID        `db:"id,pk"`
	Name                string         `db:"name" validate:"required"`
	Description         string         `db:"description"`
	ScheduleCron         string         `db:"schedule_cron"`
	Active               bool           `db:"active"`
	Enabled              bool           `db:"enabled"`
	RetryPolicy          RetryPolicy    `db:"retry_policy"`
	SLAConfig            SLAConfig      `db:"sla_config"`
	RollbackConfig       RollbackConfig `db:"rollback_config"`
	Metadata             core.JSON      `db:"metadata"`
	LastExecutionTime    *time.Time     `db:"last_execution_time"`
	LastExecutionStatus  Status         `db:"last_execution_status"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

// Task is a single node of a workflow DAG.
type Task struct {
	ID                  core.ID       `db:"id,pk"`
	WorkflowName        string        `db:"workflow_name" validate:"required"`
	TaskName             string        `db:"task_name" validate:"required"`
	TaskType            TaskType      `db:"task_type" validate:"required"`
	TaskReference       string        `db:"task_reference" validate:"required"`
	TaskConfig           core.JSON     `db:"task_config"`
	RetryPolicy          RetryPolicy   `db:"retry_policy"`
	Priority             int           `db:"priority"`
	ConditionType        ConditionType `db:"condition_type"`
	ConditionExpression  string        `db:"condition_expression"`
	LoopType             *LoopType     `db:"loop_type"`
	LoopConfig           core.JSON     `db:"loop_config"`
}

// Dependency is a directed edge of the workflow DAG.
type Dependency struct {
	ID                  core.ID        `db:"id,pk"`
	WorkflowName        string         `db:"workflow_name" validate:"required"`
	UpstreamTask        string         `db:"upstream_task" validate:"required"`
	DownstreamTask      string         `db:"downstream_task" validate:"required"`
	DependencyType      DependencyType `db:"dependency_type" validate:"required"`
	ConditionExpression string         `db:"condition_expression"`
}

// Definition bundles a workflow with its tasks and dependencies — the unit
// the executor loads and the unit a Version snapshots.
type Definition struct {
	Workflow     Workflow
	Tasks        []Task
	Dependencies []Dependency
}

// Execution is a single run of a workflow.
type Execution struct {
	ExecutionID     core.ID        `db:"execution_id,pk"`
	WorkflowName    string         `db:"workflow_name"`
	Status          Status         `db:"status"`
	TriggerType     TriggerType    `db:"trigger_type"`
	StartedAt       time.Time      `db:"started_at"`
	EndedAt         *time.Time     `db:"ended_at"`
	DurationSeconds float64        `db:"duration_seconds"`
	TotalTasks      int            `db:"total_tasks"`
	CompletedTasks  int            `db:"completed_tasks"`
	FailedTasks     int            `db:"failed_tasks"`
	SkippedTasks    int            `db:"skipped_tasks"`
	ErrorMessage    string         `db:"error_message"`
	RollbackStatus  RollbackStatus `db:"rollback_status"`
}

// TaskExecution is a single task's outcome within an Execution.
type TaskExecution struct {
	ID              core.ID    `db:"id,pk"`
	WorkflowExecID  core.ID    `db:"workflow_execution_id"`
	TaskName        string     `db:"task_name"`
	Status          Status     `db:"status"`
	StartedAt       time.Time  `db:"started_at"`
	EndedAt         *time.Time `db:"ended_at"`
	DurationSeconds float64    `db:"duration_seconds"`
	RetryCount      int        `db:"retry_count"`
	ErrorMessage    string     `db:"error_message"`
	TaskOutput      core.JSON  `db:"task_output"`
}

// Version is an immutable snapshot of a workflow's tasks and dependencies.
type Version struct {
	ID           core.ID   `db:"id,pk"`
	WorkflowName string    `db:"workflow_name"`
	VersionNum   int       `db:"version"`
	IsCurrent    bool      `db:"is_current"`
	Payload      core.JSON `db:"payload"`
	CreatedAt    time.Time `db:"created_at"`
}
