package main

import (
	"context"
	"fmt"

	"github.com/dataforge/kernel/engine/catalog"
	"github.com/dataforge/kernel/engine/customjob"
	"github.com/dataforge/kernel/engine/dbt"
	"github.com/dataforge/kernel/engine/expr"
	"github.com/dataforge/kernel/engine/governance"
	"github.com/dataforge/kernel/engine/infra/postgres"
	"github.com/dataforge/kernel/engine/quality"
	"github.com/dataforge/kernel/engine/queue"
	"github.com/dataforge/kernel/engine/runtimeconfig"
	"github.com/dataforge/kernel/engine/transfer"
	"github.com/dataforge/kernel/engine/trigger"
	"github.com/dataforge/kernel/engine/workflow"
	"github.com/dataforge/kernel/internal/runners"
	"github.com/dataforge/kernel/pkg/config"
	"github.com/dataforge/kernel/pkg/logger"
)

// system bundles every wired subsystem a subcommand might need, built once
// from a live Store so run/workflow-run share identical construction.
type system struct {
	store           *postgres.Store
	runtimeConfig   *runtimeconfig.Config
	catalogManager  *catalog.Manager
	lockManager     *catalog.PostgresLockManager
	queue           *queue.Queue
	pool            *queue.Pool
	quality         *quality.Validator
	governance      *governance.Collector
	workflowRepo    *workflow.Repository
	workflowExec    *workflow.Executor
	dbtRepo         *dbt.Repository
	dbtExecutor     *dbt.Executor
	customJobRepo   *customjob.Repository
	customJobExec   *customjob.Executor
	transferService *transfer.Service

	cronManager       *trigger.CronManager
	eventManager      *trigger.EventManager
	dataDrivenManager *trigger.DataDrivenManager
	backfillManager   *trigger.BackfillManager
}

// buildSystem connects to the metadata store and wires every subsystem
// against it. The process engines (DATA_WAREHOUSE/DATA_VAULT materialize
// into the same metadata pool here; a deployment targeting a separate
// warehouse connection would pass a different DB into dbt.NewExecutor).
func buildSystem(ctx context.Context, cfg *config.Config) (*system, error) {
	store, err := postgres.NewStore(ctx, &postgres.Config{
		ConnString:      cfg.Catalog.DSN,
		MaxOpenConns:    cfg.Catalog.MaxOpenConns,
		MaxIdleConns:    cfg.Catalog.MaxIdleConns,
		ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to metadata store: %w", err)
	}

	rc := runtimeconfig.New()
	if err := rc.Reload(ctx, store.Pool()); err != nil {
		return nil, fmt.Errorf("loading runtime config: %w", err)
	}

	lockManager := catalog.NewPostgresLockManager(store.Pool(), rc.LockRetrySleep())
	catalogManager := catalog.NewManager(store.Pool(), lockManager)

	q := queue.NewQueue(10000)
	pool := queue.NewPool(q, cfg.Engine.QueueWorkers)

	qualityValidator := quality.NewValidator(store.Pool())
	governanceCollector := governance.NewCollector(store.Pool(), 1.0)

	workflowRepo := workflow.NewRepository(store.Pool())
	dbtRepo := dbt.NewRepository(store.Pool())
	customJobRepo := customjob.NewRepository(store.Pool())
	customJobExec := customjob.NewExecutor(customJobRepo)

	models, macros, sources, err := loadDBTCatalogs(ctx, dbtRepo)
	if err != nil {
		return nil, err
	}
	compiler := dbt.NewCompiler(models, macros, sources)
	dbtExecutor := dbt.NewExecutor(store.Pool(), compiler, dbtRepo)

	evaluator, err := expr.NewCELEvaluator()
	if err != nil {
		return nil, fmt.Errorf("building condition evaluator: %w", err)
	}

	runnerRegistry := runners.Registry(customJobExec, dbtRepo, dbtExecutor, catalogManager, nil)
	workflowExec := workflow.NewExecutor(workflowRepo, evaluator, runnerRegistry)

	transferService := transfer.NewService(store.Pool(), lockManager, rc)

	launch := launchWorkflow(workflowExec)
	cronManager := trigger.NewCronManager(launch)
	eventManager := trigger.NewEventManager(launch)
	dataDrivenManager := trigger.NewDataDrivenManager(nil, launch)
	backfillManager := trigger.NewBackfillManager(func(ctx context.Context, workflowName, _, _ string) error {
		_, err := workflowExec.ExecuteWorkflow(ctx, workflowName, workflow.TriggerScheduled)
		return err
	})

	return &system{
		store:           store,
		runtimeConfig:   rc,
		catalogManager:  catalogManager,
		lockManager:     lockManager,
		queue:           q,
		pool:            pool,
		quality:         qualityValidator,
		governance:      governanceCollector,
		workflowRepo:    workflowRepo,
		workflowExec:    workflowExec,
		dbtRepo:         dbtRepo,
		dbtExecutor:     dbtExecutor,
		customJobRepo:   customJobRepo,
		customJobExec:   customJobExec,
		transferService: transferService,

		cronManager:       cronManager,
		eventManager:      eventManager,
		dataDrivenManager: dataDrivenManager,
		backfillManager:   backfillManager,
	}, nil
}

// launchWorkflow adapts an Executor into a trigger.WorkflowLauncher: every
// fire runs in its own detached goroutine so a slow or stuck workflow never
// blocks the trigger plane's dispatch loop, the same detachment the
// original scheduler threads gave a cron fire.
func launchWorkflow(exec *workflow.Executor) trigger.WorkflowLauncher {
	return func(ctx context.Context, workflowName string, cause trigger.TriggerType) {
		go func() {
			log := logger.FromContext(ctx).With("workflow", workflowName, "trigger", cause)
			execution, err := exec.ExecuteWorkflow(context.Background(), workflowName, workflow.TriggerType(cause))
			if err != nil {
				log.Error("triggered workflow execution failed to start", "error", err)
				return
			}
			log.Info("triggered workflow execution finished", "status", execution.Status)
		}()
	}
}

// registerCronSchedules loads every active, enabled workflow's cron binding
// and registers it with the cron manager, skipping (and logging) any
// expression that fails to parse rather than aborting startup.
func (s *system) registerCronSchedules(ctx context.Context) error {
	scheduled, err := s.workflowRepo.ListScheduledWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("listing scheduled workflows: %w", err)
	}
	log := logger.FromContext(ctx)
	for _, wf := range scheduled {
		schedule, err := trigger.ParseSchedule(wf.ScheduleCron)
		if err != nil {
			log.Error("skipping unparseable workflow cron schedule", "workflow", wf.Name, "cron", wf.ScheduleCron, "error", err)
			continue
		}
		s.cronManager.RegisterSchedule(wf.Name, schedule)
	}
	return nil
}

// loadDBTCatalogs loads the model/macro/source catalogs the dbt compiler
// needs to resolve ref()/source() calls. These are read once, by
// buildSystem at process start; they are not reloaded while the process
// runs, so catalog changes made afterwards take effect on the next start.
func loadDBTCatalogs(ctx context.Context, repo *dbt.Repository) (map[string]dbt.Model, map[string]dbt.Macro, map[string]dbt.Source, error) {
	activeModels, err := repo.GetActiveModels(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading active models: %w", err)
	}
	models := make(map[string]dbt.Model, len(activeModels))
	for _, m := range activeModels {
		models[m.ModelName] = m
	}
	macros, err := repo.GetMacros(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading macros: %w", err)
	}
	sources, err := repo.GetSources(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading sources: %w", err)
	}
	return models, macros, sources, nil
}

// startTriggers registers every active cron-scheduled workflow and starts
// the trigger plane's background loops. Safe to call only once per system.
func (s *system) startTriggers(ctx context.Context) error {
	if err := s.registerCronSchedules(ctx); err != nil {
		return err
	}
	s.cronManager.Start(ctx)
	s.eventManager.Start(ctx)
	s.dataDrivenManager.Start(ctx)
	return nil
}

func (s *system) Close(ctx context.Context) {
	s.cronManager.Stop()
	s.eventManager.Stop()
	s.dataDrivenManager.Stop()
	s.queue.Close()
	_ = s.store.Close(ctx)
}
