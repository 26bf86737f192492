package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dataforge/kernel/engine/core"
	"github.com/dataforge/kernel/engine/expr"
	"github.com/dataforge/kernel/pkg/logger"
)

// TaskRunner executes a single task by its reference and returns its
// recorded output. Concrete runners (custom job, data warehouse build,
// data vault build, sync, API call, script) are registered per TaskType;
// the executor never knows how a task type actually runs.
type TaskRunner interface {
	Run(ctx context.Context, task Task) (core.JSON, error)
}

// TaskRunnerFunc adapts a function to a TaskRunner.
type TaskRunnerFunc func(ctx context.Context, task Task) (core.JSON, error)

func (f TaskRunnerFunc) Run(ctx context.Context, task Task) (core.JSON, error) { return f(ctx, task) }

// maxLoopIterations is an iteration cap for FOR/WHILE loop tasks. The
// executor does not read it: every task runs once per attempt, whatever its
// LoopType, and LoopConfig is not evaluated.
const maxLoopIterations = 1000

// maxConcurrentTasks bounds how many ready tasks a single round launches at
// once (§4.2 step 3, "launch all of R concurrently").
const maxConcurrentTasks = 8

// defaultMaxSubWorkflowDepth bounds SUB_WORKFLOW recursion; rollback also
// falls back to it when RollbackConfig.MaxDepth is unset.
const defaultMaxSubWorkflowDepth = 10

// Executor runs workflow DAGs: dependency-ordered scheduling, per-task
// retry/backoff, SLA breach detection, and reverse-topological rollback on
// failure.
type Executor struct {
	repo      *Repository
	evaluator *expr.CELEvaluator
	runners   map[TaskType]TaskRunner
	subRun    func(ctx context.Context, workflowName string, trigger TriggerType, depth int) (Execution, error)
}

// NewExecutor builds an Executor. runners maps each TaskType the workflow
// engine may dispatch to its concrete implementation; a workflow referencing
// an unregistered task type fails that task rather than panicking.
func NewExecutor(repo *Repository, evaluator *expr.CELEvaluator, runners map[TaskType]TaskRunner) *Executor {
	e := &Executor{repo: repo, evaluator: evaluator, runners: runners}
	e.subRun = func(ctx context.Context, name string, trigger TriggerType, depth int) (Execution, error) {
		return e.executeAtDepth(ctx, name, trigger, depth)
	}
	return e
}

// ExecuteWorkflow runs a workflow synchronously to completion and returns its
// final Execution record.
func (e *Executor) ExecuteWorkflow(ctx context.Context, workflowName string, trigger TriggerType) (Execution, error) {
	return e.executeAtDepth(ctx, workflowName, trigger, 0)
}

func (e *Executor) executeAtDepth(ctx context.Context, workflowName string, trigger TriggerType, depth int) (Execution, error) {
	log := logger.FromContext(ctx).With("workflow", workflowName)

	def, err := e.repo.GetDefinition(ctx, workflowName)
	if err != nil {
		return Execution{}, fmt.Errorf("workflow: loading %q: %w", workflowName, err)
	}

	graph, err := BuildGraph(def)
	if err != nil {
		return Execution{}, fmt.Errorf("workflow: building dag for %q: %w", workflowName, err)
	}

	executionID, err := e.repo.CreateExecution(ctx, workflowName, trigger, len(def.Tasks))
	if err != nil {
		return Execution{}, fmt.Errorf("workflow: starting execution of %q: %w", workflowName, err)
	}

	startedAt := time.Now().UTC()
	execution := Execution{
		ExecutionID: executionID,
		WorkflowName: workflowName,
		Status:      StatusRunning,
		TriggerType: trigger,
		StartedAt:   startedAt,
		TotalTasks:  len(def.Tasks),
	}

	statuses := make(map[string]Status, len(def.Tasks))
	outputs := make(map[string]core.JSON, len(def.Tasks))
	vars := map[string]any{}
	completed, failed, skipped := 0, 0, 0
	slaBreached := false

	for !graph.IsComplete(statuses) {
		if err := ctx.Err(); err != nil {
			execution.Status = StatusCancelled
			break
		}
		if def.Workflow.SLAConfig.MaxExecutionTimeSeconds > 0 &&
			time.Since(startedAt).Seconds() > def.Workflow.SLAConfig.MaxExecutionTimeSeconds {
			slaBreached = true
			if def.Workflow.SLAConfig.AlertOnBreach {
				log.Warn("workflow SLA breached", "max_seconds", def.Workflow.SLAConfig.MaxExecutionTimeSeconds)
			}
		}

		ready, toSkip := graph.ReadyTasks(statuses)
		if len(ready) == 0 && len(toSkip) == 0 {
			// Nothing ready and the graph isn't complete: a task upstream
			// must have failed without a SKIP_ON_FAILURE edge downstream.
			// Everything still outstanding is unreachable; mark it SKIPPED
			// so completed+failed+skipped stays equal to total_tasks (§8).
			skipped += e.skipUnreachable(ctx, graph, statuses, executionID)
			break
		}

		for _, name := range toSkip {
			statuses[name] = StatusSkipped
			skipped++
			_ = e.repo.RecordTaskExecution(ctx, TaskExecution{
				WorkflowExecID: executionID,
				TaskName:       name,
				Status:         StatusSkipped,
				StartedAt:      time.Now().UTC(),
			})
		}

		graph.sortByPriority(ready)
		for _, result := range e.runReady(ctx, graph, ready, outputs, vars, def.Workflow.RetryPolicy, depth) {
			statuses[result.name] = result.status
			if result.output != nil {
				outputs[result.name] = result.output
			}
			switch result.status {
			case StatusSuccess:
				completed++
			case StatusFailed:
				failed++
				if result.err != nil {
					log.Error("task failed", "task", result.name, "error", result.err)
				}
			case StatusSkipped:
				skipped++
			}
			endedAt := time.Now().UTC()
			errMsg := ""
			if result.err != nil {
				errMsg = result.err.Error()
			}
			if err := e.repo.RecordTaskExecution(ctx, TaskExecution{
				WorkflowExecID:  executionID,
				TaskName:        result.name,
				Status:          result.status,
				StartedAt:       result.startedAt,
				EndedAt:         &endedAt,
				DurationSeconds: endedAt.Sub(result.startedAt).Seconds(),
				RetryCount:      result.retryCount,
				ErrorMessage:    errMsg,
				TaskOutput:      result.output,
			}); err != nil {
				log.Error("failed to record task execution", "task", result.name, "error", err)
			}
		}
	}

	if execution.Status != StatusCancelled {
		switch {
		case failed > 0:
			execution.Status = StatusFailed
		case !graph.IsComplete(statuses):
			execution.Status = StatusFailed
		default:
			execution.Status = StatusSuccess
		}
	}

	if execution.Status == StatusFailed && def.Workflow.RollbackConfig.Enabled && def.Workflow.RollbackConfig.OnFailure {
		e.rollback(ctx, graph, statuses, depth, def.Workflow.RollbackConfig.MaxDepth)
		execution.RollbackStatus = RollbackCompleted
	}
	if slaBreached && execution.Status == StatusSuccess {
		log.Warn("workflow completed after SLA breach", "workflow", workflowName)
	}

	endedAt := time.Now().UTC()
	execution.EndedAt = &endedAt
	execution.DurationSeconds = endedAt.Sub(startedAt).Seconds()
	execution.CompletedTasks = completed
	execution.FailedTasks = failed
	execution.SkippedTasks = skipped

	errMsg := ""
	if execution.Status == StatusFailed {
		errMsg = "one or more tasks failed"
	}
	if err := e.repo.FinishExecution(ctx, executionID, execution.Status, completed, failed, skipped, errMsg); err != nil {
		log.Error("failed to persist execution result", "error", err)
	}

	return execution, nil
}

func (e *Executor) conditionSatisfied(ctx context.Context, task Task, outputs map[string]core.JSON, vars map[string]any) bool {
	if task.ConditionType == ConditionAlways || task.ConditionType == "" || task.ConditionExpression == "" {
		return true
	}
	data := map[string]any{
		"tasks": outputsToMap(outputs),
		"vars":  vars,
	}
	ok, err := e.evaluator.Evaluate(ctx, task.ConditionExpression, data)
	if err != nil {
		logger.FromContext(ctx).Warn("condition evaluation failed, skipping task", "task", task.TaskName, "error", err)
		return false
	}
	return ok
}

// taskRunResult is one ready task's outcome from a single dispatch round.
type taskRunResult struct {
	name       string
	status     Status
	output     core.JSON
	err        error
	retryCount int
	startedAt  time.Time
}

// runReady evaluates each ready task's condition and, for those that pass,
// runs it with retry; tasks in one round have no dependency on each other so
// they launch concurrently, bounded by maxConcurrentTasks (§4.2 step 3).
func (e *Executor) runReady(
	ctx context.Context, graph *Graph, ready []string,
	outputs map[string]core.JSON, vars map[string]any, policy RetryPolicy, depth int,
) []taskRunResult {
	results := make([]taskRunResult, len(ready))
	sem := make(chan struct{}, maxConcurrentTasks)
	var wg sync.WaitGroup
	for i, name := range ready {
		task := graph.tasks[name]
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, task Task) {
			defer wg.Done()
			defer func() { <-sem }()
			startedAt := time.Now().UTC()
			if !e.conditionSatisfied(ctx, task, outputs, vars) {
				results[i] = taskRunResult{name: task.TaskName, status: StatusSkipped, startedAt: startedAt}
				return
			}
			status, output, retryCount, runErr := e.runTaskWithRetry(ctx, task, policy, depth)
			results[i] = taskRunResult{
				name: task.TaskName, status: status, output: output,
				err: runErr, retryCount: retryCount, startedAt: startedAt,
			}
		}(i, task)
	}
	wg.Wait()
	return results
}

// skipUnreachable marks every task not yet in a terminal status SKIPPED,
// persisting a TaskExecution row for each, and reports how many it skipped.
func (e *Executor) skipUnreachable(ctx context.Context, graph *Graph, statuses map[string]Status, executionID core.ID) int {
	count := 0
	for name := range graph.tasks {
		if _, done := statuses[name]; done {
			continue
		}
		statuses[name] = StatusSkipped
		count++
		if err := e.repo.RecordTaskExecution(ctx, TaskExecution{
			WorkflowExecID: executionID,
			TaskName:       name,
			Status:         StatusSkipped,
			StartedAt:      time.Now().UTC(),
		}); err != nil {
			logger.FromContext(ctx).Error("failed to record unreachable task as skipped", "task", name, "error", err)
		}
	}
	return count
}

func outputsToMap(outputs map[string]core.JSON) map[string]any {
	out := make(map[string]any, len(outputs))
	for name, j := range outputs {
		var v any
		if err := j.As(&v); err == nil {
			out[name] = v
		}
	}
	return out
}

// runTaskWithRetry executes task, retrying per policy.RetryDelay on
// failure, and returns the task's terminal status, recorded output, and the
// number of retries actually performed (0 if it succeeded or failed on the
// first attempt).
func (e *Executor) runTaskWithRetry(ctx context.Context, task Task, workflowPolicy RetryPolicy, depth int) (Status, core.JSON, int, error) {
	policy := task.RetryPolicy
	if policy.MaxRetries == 0 && policy.BaseDelaySeconds == 0 {
		policy = workflowPolicy
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			// attempt-1 so the first retry uses retry_count=0 in the
			// base*multiplier^retry_count backoff formula (§4.2).
			select {
			case <-time.After(policy.RetryDelay(attempt - 1)):
			case <-ctx.Done():
				return StatusCancelled, nil, attempt, ctx.Err()
			}
		}
		output, err := e.runTask(ctx, task, depth)
		if err == nil {
			return StatusSuccess, output, attempt, nil
		}
		lastErr = err
		if !e.shouldRetry(task, attempt, policy) {
			return StatusFailed, nil, attempt, lastErr
		}
	}
	return StatusFailed, nil, policy.MaxRetries, lastErr
}

func (e *Executor) shouldRetry(_ Task, attempt int, policy RetryPolicy) bool {
	return attempt < policy.MaxRetries
}

func (e *Executor) runTask(ctx context.Context, task Task, depth int) (core.JSON, error) {
	if task.TaskType == TaskSubWorkflow {
		if depth+1 >= defaultMaxSubWorkflowDepth {
			return nil, fmt.Errorf(
				"workflow: sub-workflow %q exceeds max recursion depth %d", task.TaskReference, defaultMaxSubWorkflowDepth,
			)
		}
		exec, err := e.subRun(ctx, task.TaskReference, TriggerManual, depth+1)
		if err != nil {
			return nil, err
		}
		if exec.Status != StatusSuccess {
			return nil, fmt.Errorf("workflow: sub-workflow %q ended in status %s", task.TaskReference, exec.Status)
		}
		return nil, nil
	}

	runner, ok := e.runners[task.TaskType]
	if !ok {
		return nil, fmt.Errorf("workflow: no runner registered for task type %q", task.TaskType)
	}
	return runner.Run(ctx, task)
}

// rollback runs any registered compensating action for every task that
// reached StatusSuccess, in reverse topological order, up to maxDepth.
func (e *Executor) rollback(ctx context.Context, graph *Graph, statuses map[string]Status, depth, maxDepth int) {
	if maxDepth <= 0 {
		maxDepth = defaultMaxSubWorkflowDepth
	}
	if depth >= maxDepth {
		logger.FromContext(ctx).Warn("rollback depth exceeded, aborting", "max_depth", maxDepth)
		return
	}
	order := reverseTopological(graph, statuses)
	for _, name := range order {
		task := graph.tasks[name]
		runner, ok := e.runners[task.TaskType]
		if !ok {
			continue
		}
		if compensator, ok := runner.(interface {
			Compensate(ctx context.Context, task Task) error
		}); ok {
			if err := compensator.Compensate(ctx, task); err != nil {
				logger.FromContext(ctx).Error("rollback action failed", "task", name, "error", err)
			}
		}
	}
}

func reverseTopological(graph *Graph, statuses map[string]Status) []string {
	var succeeded []string
	for name, status := range statuses {
		if status == StatusSuccess {
			succeeded = append(succeeded, name)
		}
	}
	// Later-starting tasks depend on earlier ones; undo in reverse
	// insertion order relative to dependency depth.
	depthOf := make(map[string]int, len(succeeded))
	var computeDepth func(name string) int
	computeDepth = func(name string) int {
		if d, ok := depthOf[name]; ok {
			return d
		}
		max := 0
		for _, dep := range graph.edges[name] {
			if d := computeDepth(dep.UpstreamTask); d+1 > max {
				max = d + 1
			}
		}
		depthOf[name] = max
		return max
	}
	for _, name := range succeeded {
		computeDepth(name)
	}
	for i := 0; i < len(succeeded); i++ {
		for j := i + 1; j < len(succeeded); j++ {
			if depthOf[succeeded[i]] < depthOf[succeeded[j]] {
				succeeded[i], succeeded[j] = succeeded[j], succeeded[i]
			}
		}
	}
	return succeeded
}
