// Package trigger implements the kernel's four launch mechanisms for a
// workflow: a cron schedule, filesystem-change events, data-driven
// predicates, and historical backfills.
package trigger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dataforge/kernel/pkg/logger"
	cronlib "github.com/robfig/cron/v3"
)

// maxNextRunIterations bounds CalculateNextRun's minute-by-minute search.
const maxNextRunIterations = 10000

// Schedule is a parsed 5-field cron expression (minute hour day month
// day-of-week), evaluated against UTC wall-clock time.
type Schedule struct {
	raw                               string
	minute, hour, day, month, weekday string
}

// ParseSchedule parses a 5-field cron expression. It additionally validates
// the expression through robfig/cron's parser as an independent sanity
// check — a field this kernel's own matcher would silently misread (e.g. a
// malformed range) is caught here before the schedule is ever registered.
func ParseSchedule(expression string) (*Schedule, error) {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return nil, fmt.Errorf("trigger: cron expression %q must have 5 fields, got %d", expression, len(fields))
	}
	if _, err := cronlib.ParseStandard(expression); err != nil {
		return nil, fmt.Errorf("trigger: cron expression %q failed validation: %w", expression, err)
	}
	return &Schedule{
		raw:     expression,
		minute:  fields[0],
		hour:    fields[1],
		day:     fields[2],
		month:   fields[3],
		weekday: fields[4],
	}, nil
}

// String returns the original cron expression.
func (s *Schedule) String() string { return s.raw }

// matchesField evaluates one cron field (*, a-b range, a,b,c list, or a/n
// step, or a bare literal) against a current value.
func matchesField(field string, current int) bool {
	if field == "*" {
		return true
	}
	if strings.Contains(field, ",") {
		for _, item := range strings.Split(field, ",") {
			if v, err := strconv.Atoi(item); err == nil && v == current {
				return true
			}
		}
		return false
	}
	if strings.Contains(field, "-") {
		parts := strings.SplitN(field, "-", 2)
		start, err1 := strconv.Atoi(parts[0])
		end, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return false
		}
		return current >= start && current <= end
	}
	if strings.Contains(field, "/") {
		parts := strings.SplitN(field, "/", 2)
		step, err := strconv.Atoi(parts[1])
		if err != nil || step <= 0 {
			return false
		}
		if parts[0] == "*" {
			return current%step == 0
		}
		start, err := strconv.Atoi(parts[0])
		if err != nil {
			return false
		}
		return current >= start && (current-start)%step == 0
	}
	v, err := strconv.Atoi(field)
	return err == nil && v == current
}

// Matches reports whether t (evaluated in UTC) satisfies the schedule.
func (s *Schedule) Matches(t time.Time) bool {
	u := t.UTC()
	return matchesField(s.minute, u.Minute()) &&
		matchesField(s.hour, u.Hour()) &&
		matchesField(s.day, u.Day()) &&
		matchesField(s.month, int(u.Month())) &&
		matchesField(s.weekday, int(u.Weekday()))
}

// CalculateNextRun searches minute-by-minute from after (exclusive) for the
// next UTC instant matching the schedule, bounded to maxNextRunIterations
// minutes (~6.9 days). Returns the zero time and false if none is found
// within that bound.
func (s *Schedule) CalculateNextRun(after time.Time) (time.Time, bool) {
	next := after.UTC().Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < maxNextRunIterations; i++ {
		if s.Matches(next) {
			return next, true
		}
		next = next.Add(time.Minute)
	}
	return time.Time{}, false
}

// cronTickInterval is the granularity cron schedules are re-checked at;
// Schedule.Matches only resolves to the minute, so checking more often
// than this buys nothing.
const cronTickInterval = time.Minute

// CronManager ticks once a minute and launches every registered workflow
// whose schedule matches the current UTC minute, guarding against a
// double-fire within the same minute if a tick is delayed.
type CronManager struct {
	mu        sync.Mutex
	schedules map[string]*Schedule // keyed by workflow name
	lastFired map[string]time.Time
	launch    WorkflowLauncher

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCronManager builds a CronManager that calls launch when a schedule
// fires.
func NewCronManager(launch WorkflowLauncher) *CronManager {
	return &CronManager{
		schedules: make(map[string]*Schedule),
		lastFired: make(map[string]time.Time),
		launch:    launch,
	}
}

// RegisterSchedule adds or replaces the cron schedule bound to a workflow.
func (m *CronManager) RegisterSchedule(workflowName string, schedule *Schedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[workflowName] = schedule
}

// UnregisterSchedule removes a workflow's cron schedule.
func (m *CronManager) UnregisterSchedule(workflowName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, workflowName)
	delete(m.lastFired, workflowName)
}

// Schedules returns a snapshot of the registered workflow -> schedule
// bindings.
func (m *CronManager) Schedules() map[string]*Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Schedule, len(m.schedules))
	for name, s := range m.schedules {
		out[name] = s
	}
	return out
}

// Start begins the background minute-tick loop.
func (m *CronManager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop halts the background loop and blocks until it exits.
func (m *CronManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}

func (m *CronManager) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(cronTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *CronManager) checkAll(ctx context.Context) {
	now := time.Now().UTC()
	minute := now.Truncate(time.Minute)
	log := logger.FromContext(ctx)

	m.mu.Lock()
	var fire []string
	for name, schedule := range m.schedules {
		if !schedule.Matches(now) {
			continue
		}
		if m.lastFired[name].Equal(minute) {
			continue
		}
		m.lastFired[name] = minute
		fire = append(fire, name)
	}
	m.mu.Unlock()

	for _, name := range fire {
		log.Info("cron schedule fired, launching workflow", "workflow", name)
		m.launch(ctx, name, TriggerScheduled)
	}
}
