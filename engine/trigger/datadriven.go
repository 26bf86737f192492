package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dataforge/kernel/pkg/logger"
	"github.com/jackc/pgx/v5"
)

// dataDrivenCheckInterval matches the original 30-second poll cadence.
const dataDrivenCheckInterval = 30 * time.Second

// DataDrivenSchedule fires a workflow once a query against an arbitrary
// database returns a satisfying row.
type DataDrivenSchedule struct {
	WorkflowName     string
	Query            string
	ConnectionString string
	ConditionField   string
	ConditionValue   string
	Active           bool
}

// RowChecker runs Query against ConnectionString and reports whether the
// schedule's condition is met. Production callers implement this over
// pgx/database-sql; tests substitute a fake.
type RowChecker interface {
	Check(ctx context.Context, schedule DataDrivenSchedule) (bool, error)
}

// PgxRowChecker checks a schedule's condition by issuing Query against a
// fresh connection to ConnectionString and scanning the first matching row.
type PgxRowChecker struct{}

// Check implements RowChecker over a raw pgx connection, since each schedule
// may point at a different source database rather than the kernel's own
// metadata pool.
func (PgxRowChecker) Check(ctx context.Context, schedule DataDrivenSchedule) (bool, error) {
	conn, err := pgx.Connect(ctx, schedule.ConnectionString)
	if err != nil {
		return false, fmt.Errorf("trigger: connecting for data-driven check on %q: %w", schedule.WorkflowName, err)
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, schedule.Query)
	if err != nil {
		return false, fmt.Errorf("trigger: running data-driven query for %q: %w", schedule.WorkflowName, err)
	}
	defer rows.Close()

	if schedule.ConditionField == "" || schedule.ConditionValue == "" {
		return rows.Next(), nil
	}

	fieldDescs := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			continue
		}
		for i, fd := range fieldDescs {
			if string(fd.Name) != schedule.ConditionField {
				continue
			}
			if fmt.Sprintf("%v", values[i]) == schedule.ConditionValue {
				return true, nil
			}
		}
	}
	return false, nil
}

// DataDrivenManager polls a set of registered schedules and launches their
// workflow once the associated condition is met.
type DataDrivenManager struct {
	mu        sync.Mutex
	schedules map[string]DataDrivenSchedule
	checker   RowChecker
	launch    WorkflowLauncher

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDataDrivenManager builds a DataDrivenManager. A nil checker defaults to
// PgxRowChecker.
func NewDataDrivenManager(checker RowChecker, launch WorkflowLauncher) *DataDrivenManager {
	if checker == nil {
		checker = PgxRowChecker{}
	}
	return &DataDrivenManager{
		schedules: make(map[string]DataDrivenSchedule),
		checker:   checker,
		launch:    launch,
	}
}

// RegisterSchedule adds or replaces the schedule for a workflow.
func (m *DataDrivenManager) RegisterSchedule(s DataDrivenSchedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.WorkflowName] = s
}

// UnregisterSchedule removes a workflow's schedule.
func (m *DataDrivenManager) UnregisterSchedule(workflowName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, workflowName)
}

// Schedules returns a snapshot of all registered schedules.
func (m *DataDrivenManager) Schedules() []DataDrivenSchedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DataDrivenSchedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s)
	}
	return out
}

// Start begins the background poll loop.
func (m *DataDrivenManager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop halts the background loop and blocks until it exits.
func (m *DataDrivenManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}

func (m *DataDrivenManager) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(dataDrivenCheckInterval)
	defer ticker.Stop()
	m.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *DataDrivenManager) checkAll(ctx context.Context) {
	log := logger.FromContext(ctx)
	for _, schedule := range m.Schedules() {
		if !schedule.Active {
			continue
		}
		met, err := m.checker.Check(ctx, schedule)
		if err != nil {
			log.Error("data-driven check failed", "workflow", schedule.WorkflowName, "error", err)
			continue
		}
		if met {
			log.Info("data-driven condition met, launching workflow", "workflow", schedule.WorkflowName)
			m.launch(ctx, schedule.WorkflowName, TriggerScheduled)
		}
	}
}
