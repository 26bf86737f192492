package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dataforge/kernel/pkg/logger"
)

// dateLayout is the calendar-date format backfill boundaries are expressed in.
const dateLayout = "2006-01-02"

// BackfillInterval is the period-slicing granularity for a backfill run.
type BackfillInterval string

const (
	BackfillDaily   BackfillInterval = "daily"
	BackfillWeekly  BackfillInterval = "weekly"
	BackfillMonthly BackfillInterval = "monthly"
)

// BackfillConfig describes a historical re-run of a workflow across a date
// range, sliced into periods.
type BackfillConfig struct {
	WorkflowName    string
	StartDate       string
	EndDate         string
	DateField       string
	Interval        BackfillInterval
	Parallel        bool
	MaxParallelJobs int
}

// BackfillExecution records one period's outcome within a backfill run.
type BackfillExecution struct {
	PeriodStart  string
	PeriodEnd    string
	Status       string
	ErrorMessage string
}

// PeriodRunner executes a workflow for a single backfill period (e.g. by
// setting the workflow's DateField variable to [periodStart, periodEnd] and
// invoking the executor).
type PeriodRunner func(ctx context.Context, workflowName, periodStart, periodEnd string) error

// BackfillManager runs a workflow repeatedly across a historical date range,
// one invocation per sliced period, optionally bounded-parallel.
type BackfillManager struct {
	run PeriodRunner

	mu        sync.Mutex
	cancelled map[string]bool // workflow name -> cancel requested
	history   map[string][]BackfillExecution
}

// NewBackfillManager builds a BackfillManager that invokes run per period.
func NewBackfillManager(run PeriodRunner) *BackfillManager {
	return &BackfillManager{
		run:       run,
		cancelled: make(map[string]bool),
		history:   make(map[string][]BackfillExecution),
	}
}

// GeneratePeriods slices [start, end] into periods at the configured
// interval, returning each period's start date in order. A period ends the
// day before the next one starts; the last one ends at cfg.EndDate.
func GeneratePeriods(cfg BackfillConfig) ([]string, error) {
	start, err := time.Parse(dateLayout, cfg.StartDate)
	if err != nil {
		return nil, fmt.Errorf("trigger: invalid backfill start date %q: %w", cfg.StartDate, err)
	}
	end, err := time.Parse(dateLayout, cfg.EndDate)
	if err != nil {
		return nil, fmt.Errorf("trigger: invalid backfill end date %q: %w", cfg.EndDate, err)
	}

	var periods []string
	current := start
	for !current.After(end) {
		periods = append(periods, current.Format(dateLayout))
		switch cfg.Interval {
		case BackfillWeekly:
			current = current.AddDate(0, 0, 7)
		case BackfillMonthly:
			current = current.AddDate(0, 1, 0)
		default:
			current = current.AddDate(0, 0, 1)
		}
	}
	return periods, nil
}

// ExecuteBackfill runs cfg's workflow once per sliced period, honoring
// cfg.Parallel/MaxParallelJobs, and records each period's outcome.
func (m *BackfillManager) ExecuteBackfill(ctx context.Context, cfg BackfillConfig) error {
	log := logger.FromContext(ctx).With("workflow", cfg.WorkflowName)
	log.Info("starting backfill", "start", cfg.StartDate, "end", cfg.EndDate)

	periods, err := GeneratePeriods(cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.cancelled[cfg.WorkflowName] = false
	m.mu.Unlock()

	maxParallel := cfg.MaxParallelJobs
	if !cfg.Parallel || maxParallel < 1 {
		maxParallel = 1
	}

	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup
	for i := 0; i < len(periods); i++ {
		if m.isCancelled(cfg.WorkflowName) {
			break
		}
		periodStart := periods[i]
		periodEnd := cfg.EndDate
		if i+1 < len(periods) {
			next, _ := time.Parse(dateLayout, periods[i+1])
			periodEnd = next.AddDate(0, 0, -1).Format(dateLayout)
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(start, end string) {
			defer wg.Done()
			defer func() { <-sem }()
			m.executePeriod(ctx, cfg.WorkflowName, start, end)
		}(periodStart, periodEnd)

		if maxParallel == 1 {
			wg.Wait()
		}
	}
	wg.Wait()

	log.Info("backfill completed")
	return nil
}

func (m *BackfillManager) executePeriod(ctx context.Context, workflowName, start, end string) {
	status, errMsg := "SUCCESS", ""
	if err := m.run(ctx, workflowName, start, end); err != nil {
		status, errMsg = "FAILED", err.Error()
		logger.FromContext(ctx).Error("backfill period failed", "workflow", workflowName, "start", start, "end", end, "error", err)
	}
	m.mu.Lock()
	m.history[workflowName] = append(m.history[workflowName], BackfillExecution{
		PeriodStart: start, PeriodEnd: end, Status: status, ErrorMessage: errMsg,
	})
	m.mu.Unlock()
}

func (m *BackfillManager) isCancelled(workflowName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled[workflowName]
}

// CancelBackfill requests that a running backfill for workflowName stop
// scheduling further periods; periods already dispatched still complete.
func (m *BackfillManager) CancelBackfill(workflowName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled[workflowName] = true
}

// GetBackfillExecutions returns the recorded period outcomes for a workflow.
func (m *BackfillManager) GetBackfillExecutions(workflowName string) []BackfillExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BackfillExecution, len(m.history[workflowName]))
	copy(out, m.history[workflowName])
	return out
}
