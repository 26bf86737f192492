package trigger

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/dataforge/kernel/pkg/logger"
	"github.com/fsnotify/fsnotify"
)

// EventType identifies what kind of external occurrence launches a
// workflow.
type EventType string

const (
	EventFileArrival    EventType = "FILE_ARRIVAL"
	EventAPICall        EventType = "API_CALL"
	EventDatabaseChange EventType = "DATABASE_CHANGE"
	EventManual         EventType = "MANUAL"
)

// EventTrigger binds a workflow to an event source.
type EventTrigger struct {
	WorkflowName string
	EventType    EventType
	FilePath     string // only meaningful for EventFileArrival
	Active       bool
}

// filePollInterval matches the original 5-second poll cadence; fsnotify
// supplements it with immediate OS-level notification where available.
const filePollInterval = 5 * time.Second

// WorkflowLauncher starts a workflow execution asynchronously, detached from
// the triggering call.
type WorkflowLauncher func(ctx context.Context, workflowName string, trigger TriggerType)

// TriggerType mirrors workflow.TriggerType without importing the workflow
// package, keeping trigger launch-agnostic of how a launch is recorded.
type TriggerType string

const (
	TriggerEvent     TriggerType = "EVENT"
	TriggerScheduled TriggerType = "SCHEDULED"
)

// EventManager watches registered file paths for changes (via fsnotify where
// supported, with a periodic mtime-poll fallback) and launches the bound
// workflow on change.
type EventManager struct {
	mu       sync.Mutex
	triggers map[string]EventTrigger // keyed by workflow name
	lastMod  map[string]time.Time    // keyed by file path
	launch   WorkflowLauncher
	watcher  *fsnotify.Watcher

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEventManager builds an EventManager that calls launch when a watched
// event fires. fsnotify initialization failures degrade to poll-only mode
// rather than preventing startup.
func NewEventManager(launch WorkflowLauncher) *EventManager {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		watcher = nil
	}
	return &EventManager{
		triggers: make(map[string]EventTrigger),
		lastMod:  make(map[string]time.Time),
		launch:   launch,
		watcher:  watcher,
	}
}

// RegisterTrigger adds or replaces the trigger for a workflow, beginning to
// watch its file path if it's a FILE_ARRIVAL trigger.
func (m *EventManager) RegisterTrigger(t EventTrigger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[t.WorkflowName] = t
	if t.EventType == EventFileArrival && t.FilePath != "" {
		if info, err := os.Stat(t.FilePath); err == nil {
			m.lastMod[t.FilePath] = info.ModTime()
		}
		if m.watcher != nil {
			_ = m.watcher.Add(t.FilePath)
		}
	}
}

// UnregisterTrigger removes a workflow's trigger.
func (m *EventManager) UnregisterTrigger(workflowName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[workflowName]
	if !ok {
		return
	}
	delete(m.triggers, workflowName)
	if t.EventType == EventFileArrival && t.FilePath != "" {
		delete(m.lastMod, t.FilePath)
		if m.watcher != nil {
			_ = m.watcher.Remove(t.FilePath)
		}
	}
}

// Triggers returns a snapshot of all registered triggers.
func (m *EventManager) Triggers() []EventTrigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventTrigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		out = append(out, t)
	}
	return out
}

// Trigger fires the workflow bound to eventType/workflowName if registered,
// active, and matching.
func (m *EventManager) Trigger(ctx context.Context, workflowName string, eventType EventType) {
	m.mu.Lock()
	t, ok := m.triggers[workflowName]
	m.mu.Unlock()
	if ok && t.Active && t.EventType == eventType {
		m.launch(ctx, workflowName, TriggerEvent)
	}
}

// Start begins the background file-watch loop.
func (m *EventManager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop halts the background loop and blocks until it exits.
func (m *EventManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
}

func (m *EventManager) run(ctx context.Context) {
	defer close(m.done)
	log := logger.FromContext(ctx)
	ticker := time.NewTicker(filePollInterval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	if m.watcher != nil {
		events = m.watcher.Events
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkFileChanges(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				log.Debug("filesystem event observed", "path", ev.Name, "op", ev.Op.String())
				m.checkFileChanges(ctx)
			}
		}
	}
}

func (m *EventManager) checkFileChanges(ctx context.Context) {
	m.mu.Lock()
	type candidate struct {
		workflowName string
		filePath     string
	}
	var candidates []candidate
	for name, t := range m.triggers {
		if t.EventType == EventFileArrival && t.FilePath != "" {
			candidates = append(candidates, candidate{workflowName: name, filePath: t.FilePath})
		}
	}
	m.mu.Unlock()

	for _, c := range candidates {
		info, err := os.Stat(c.filePath)
		if err != nil {
			continue
		}
		m.mu.Lock()
		previous, seen := m.lastMod[c.filePath]
		changed := !seen || !previous.Equal(info.ModTime())
		if changed {
			m.lastMod[c.filePath] = info.ModTime()
		}
		t, active := m.triggers[c.workflowName]
		m.mu.Unlock()

		if changed && active && t.Active {
			logger.FromContext(ctx).Info("file changed, triggering workflow", "workflow", c.workflowName, "path", c.filePath)
			m.launch(ctx, c.workflowName, TriggerEvent)
		}
	}
}
