// Package runners wires concrete workflow.TaskRunner implementations for
// every workflow.TaskType, connecting the DAG executor to the catalog,
// custom job, and dbt subsystems that actually do the work.
package runners

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/dataforge/kernel/engine/catalog"
	"github.com/dataforge/kernel/engine/core"
	"github.com/dataforge/kernel/engine/customjob"
	"github.com/dataforge/kernel/engine/dbt"
	"github.com/dataforge/kernel/engine/workflow"
)

// CustomJobRunner dispatches TaskCustomJob tasks, whose task_reference names
// a metadata.custom_jobs row, to the custom job executor.
type CustomJobRunner struct {
	Executor *customjob.Executor
}

func (r CustomJobRunner) Run(ctx context.Context, task workflow.Task) (core.JSON, error) {
	return r.Executor.RunJob(ctx, task.TaskReference)
}

// modelRunner is shared by the DATA_WAREHOUSE and DATA_VAULT task types:
// both name a dbt model by task_reference and materialize it through the
// same compiler/executor, differing only in which models they're expected to
// dispatch (warehouse marts vs. vault hub/link/satellite models).
type modelRunner struct {
	repo     *dbt.Repository
	executor *dbt.Executor
}

func (r modelRunner) Run(ctx context.Context, task workflow.Task) (core.JSON, error) {
	model, err := r.repo.GetModel(ctx, task.TaskReference)
	if err != nil {
		return nil, fmt.Errorf("runners: loading model %q: %w", task.TaskReference, err)
	}
	run, err := r.executor.ExecuteModel(ctx, model)
	if err != nil {
		_ = r.repo.RecordModelRun(ctx, run)
		return nil, fmt.Errorf("runners: executing model %q: %w", task.TaskReference, err)
	}
	if recErr := r.repo.RecordModelRun(ctx, run); recErr != nil {
		return nil, fmt.Errorf("runners: recording run for %q: %w", task.TaskReference, recErr)
	}
	return core.NewJSON(map[string]any{
		"rows_affected": run.RowsAffected,
		"status":        run.Status,
	})
}

// NewDataWarehouseRunner builds the TaskDataWarehouse runner.
func NewDataWarehouseRunner(repo *dbt.Repository, executor *dbt.Executor) workflow.TaskRunner {
	return modelRunner{repo: repo, executor: executor}
}

// NewDataVaultRunner builds the TaskDataVault runner. Vault models are
// ordinary dbt models distinguished only by naming convention (hub_/link_/
// sat_ prefixes) and a dedicated task type so workflow authors can express
// vault-build stages distinctly from mart builds in their DAGs.
func NewDataVaultRunner(repo *dbt.Repository, executor *dbt.Executor) workflow.TaskRunner {
	return modelRunner{repo: repo, executor: executor}
}

// SyncRunner dispatches TaskSync tasks, whose task_reference names a
// DatabaseEngine, to a one-shot catalog sync of that engine.
type SyncRunner struct {
	Manager *catalog.Manager
}

func (r SyncRunner) Run(ctx context.Context, task workflow.Task) (core.JSON, error) {
	engine := catalog.DatabaseEngine(task.TaskReference)
	if err := r.Manager.SyncCatalog(ctx, engine); err != nil {
		return nil, fmt.Errorf("runners: syncing catalog for %q: %w", engine, err)
	}
	return nil, nil
}

// apiCallConfig is the shape of a TaskAPICall task's task_config.
type apiCallConfig struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"`
	TimeoutSeconds float64           `json:"timeout_seconds"`
}

// APICallRunner dispatches TaskAPICall tasks by issuing an HTTP request
// described by the task's task_config and capturing the response status and
// body as the task's output.
type APICallRunner struct {
	Client *http.Client
}

// NewAPICallRunner builds an APICallRunner. A nil client falls back to
// http.DefaultClient with a conservative per-request timeout applied via
// context, since task_config.timeout_seconds (not http.Client.Timeout) is
// the per-call knob.
func NewAPICallRunner(client *http.Client) APICallRunner {
	if client == nil {
		client = http.DefaultClient
	}
	return APICallRunner{Client: client}
}

func (r APICallRunner) Run(ctx context.Context, task workflow.Task) (core.JSON, error) {
	var cfg apiCallConfig
	if err := task.TaskConfig.As(&cfg); err != nil {
		return nil, fmt.Errorf("runners: parsing api_call config for %q: %w", task.TaskName, err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("runners: api_call task %q missing url", task.TaskName)
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds * float64(time.Second))
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, cfg.URL, strings.NewReader(cfg.Body))
	if err != nil {
		return nil, fmt.Errorf("runners: building request for %q: %w", task.TaskName, err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runners: api_call %q: %w", task.TaskName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("runners: reading response for %q: %w", task.TaskName, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("runners: api_call %q: server returned %d", task.TaskName, resp.StatusCode)
	}
	return core.NewJSON(map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(body),
	})
}

// scriptConfig is the shape of a TaskScript task's task_config.
type scriptConfig struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args"`
	Env            map[string]string `json:"env"`
	TimeoutSeconds float64           `json:"timeout_seconds"`
}

// ScriptRunner dispatches TaskScript tasks by running an external command
// and capturing its combined output. The command named by task_config.command
// must already be present on the host; no shell is invoked, so shell
// metacharacters in args are passed through literally rather than interpreted.
type ScriptRunner struct{}

func (ScriptRunner) Run(ctx context.Context, task workflow.Task) (core.JSON, error) {
	var cfg scriptConfig
	if err := task.TaskConfig.As(&cfg); err != nil {
		return nil, fmt.Errorf("runners: parsing script config for %q: %w", task.TaskName, err)
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("runners: script task %q missing command", task.TaskName)
	}
	timeout := 5 * time.Minute
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds * float64(time.Second))
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, cfg.Command, cfg.Args...)
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("runners: script %q failed: %w: %s", task.TaskName, err, out.String())
	}
	return core.NewJSON(map[string]any{"output": out.String()})
}

// Registry builds the map.TaskRunner set NewExecutor expects, wiring every
// TaskType the engine dispatches against.
func Registry(
	customJobExecutor *customjob.Executor,
	dbtRepo *dbt.Repository,
	dbtExecutor *dbt.Executor,
	catalogManager *catalog.Manager,
	httpClient *http.Client,
) map[workflow.TaskType]workflow.TaskRunner {
	return map[workflow.TaskType]workflow.TaskRunner{
		workflow.TaskCustomJob:     CustomJobRunner{Executor: customJobExecutor},
		workflow.TaskDataWarehouse: NewDataWarehouseRunner(dbtRepo, dbtExecutor),
		workflow.TaskDataVault:     NewDataVaultRunner(dbtRepo, dbtExecutor),
		workflow.TaskSync:          SyncRunner{Manager: catalogManager},
		workflow.TaskAPICall:       NewAPICallRunner(httpClient),
		workflow.TaskScript:        ScriptRunner{},
	}
}
