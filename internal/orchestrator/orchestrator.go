// Package orchestrator wires the task registry, the dispatcher and the
// event broadcaster into the single object the service layer talks to.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mirvoism/browser-automation-service/internal/agent"
	"github.com/mirvoism/browser-automation-service/internal/dispatch"
	"github.com/mirvoism/browser-automation-service/internal/events"
	"github.com/mirvoism/browser-automation-service/internal/registry"
	"github.com/mirvoism/browser-automation-service/internal/task"
)

// Archiver receives terminal task records for offline retention.
// *archive.Archive satisfies it.
type Archiver interface {
	Store(ctx context.Context, t *task.Task) error
}

// Config holds orchestrator tuning
type Config struct {
	MaxConcurrent int
	TaskBudget    time.Duration
	QueueSize     int
}

// Stats aggregates queue and connection statistics
type Stats struct {
	Queue         registry.Stats         `json:"queue_stats"`
	MaxConcurrent int                    `json:"max_concurrent"`
	Connections   events.ConnectionStats `json:"websocket_stats"`
}

// Result is the detailed view of a completed task
type Result struct {
	TaskID      string                 `json:"task_id"`
	Result      map[string]interface{} `json:"result"`
	Progress    []task.ProgressEntry   `json:"progress"`
	CompletedAt string                 `json:"completed_at"`
}

// Orchestrator accepts automation commands, runs at most MaxConcurrent
// of them at a time through the agent, and fans lifecycle events out to
// subscribed observers.
type Orchestrator struct {
	reg  *registry.Registry
	disp *dispatch.Dispatcher
	bc   *events.Broadcaster
	arch Archiver
	log  *zap.Logger
}

// New constructs an orchestrator around the given agent. arch may be
// nil to disable archiving.
func New(ag agent.Agent, cfg Config, arch Archiver, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}

	o := &Orchestrator{
		reg:  registry.New(cfg.QueueSize, log),
		bc:   events.NewBroadcaster(log),
		arch: arch,
		log:  log.Named("orchestrator"),
	}
	o.disp = dispatch.New(o.reg, ag, o, dispatch.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		TaskBudget:    cfg.TaskBudget,
	}, log)
	return o
}

// Start launches the dispatch loop
func (o *Orchestrator) Start() error {
	return o.disp.Start()
}

// Shutdown stops admissions and waits for in-flight tasks under the
// context's deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.disp.Shutdown(ctx)
}

// CreateTask queues a new automation command and returns its task id
func (o *Orchestrator) CreateTask(command string, params task.Params) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command cannot be empty")
	}

	id, err := o.reg.Create(command, params)
	if err != nil {
		return "", err
	}

	o.bc.Publish(id, events.TypeTaskStarted, map[string]interface{}{
		"command":      command,
		"llm_provider": params.LLMProvider,
		"llm_model":    params.LLMModel,
	})
	return id, nil
}

// GetTaskStatus returns the status summary for a task
func (o *Orchestrator) GetTaskStatus(id string) (task.Summary, error) {
	t, err := o.reg.Get(id)
	if err != nil {
		return task.Summary{}, err
	}
	return t.Summarize(), nil
}

// GetTaskResult returns the result of a completed task. A failed task
// yields the stored error text verbatim; any other status yields a
// not-ready error carrying the current status.
func (o *Orchestrator) GetTaskResult(id string) (*Result, error) {
	t, err := o.reg.Get(id)
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case task.StatusCompleted:
		completed := ""
		if t.CompletedAt != nil {
			completed = t.CompletedAt.Format(time.RFC3339Nano)
		}
		return &Result{
			TaskID:      t.ID,
			Result:      t.Result,
			Progress:    t.Progress,
			CompletedAt: completed,
		}, nil
	case task.StatusFailed:
		return nil, &task.FaultError{Message: t.Error}
	default:
		return nil, &task.NotReadyError{Status: t.Status}
	}
}

// ListTasks returns snapshots of up to limit tasks, most recent first
func (o *Orchestrator) ListTasks(limit int) []*task.Task {
	return o.reg.List(limit)
}

// CancelTask cancels a pending or running task
func (o *Orchestrator) CancelTask(id string) error {
	return o.disp.Cancel(id)
}

// Subscribe registers a live observer, optionally filtered to one task
func (o *Orchestrator) Subscribe(c events.Conn, taskID string) {
	o.bc.Subscribe(c, taskID)
}

// Welcome sends the connection greeting to a subscribed observer
func (o *Orchestrator) Welcome(c events.Conn, taskID string) {
	o.bc.Welcome(c, taskID)
}

// Unsubscribe removes a live observer
func (o *Orchestrator) Unsubscribe(c events.Conn) {
	o.bc.Unsubscribe(c)
}

// Stats returns aggregate queue and connection statistics
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Queue:         o.reg.Stats(),
		MaxConcurrent: o.disp.MaxConcurrent(),
		Connections:   o.bc.Stats(),
	}
}

// Publish implements dispatch.Publisher: events go to the broadcaster,
// and terminal events additionally trigger an archive export.
func (o *Orchestrator) Publish(taskID, eventType string, payload map[string]interface{}) {
	o.bc.Publish(taskID, eventType, payload)

	switch eventType {
	case events.TypeTaskCompleted, events.TypeTaskFailed, events.TypeTaskCancelled:
		o.archiveTask(taskID)
	}
}

// archiveTask exports a terminal record in the background. Archive
// failures are logged, never surfaced to task flow.
func (o *Orchestrator) archiveTask(id string) {
	if o.arch == nil {
		return
	}
	t, err := o.reg.Get(id)
	if err != nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.arch.Store(ctx, t); err != nil {
			o.log.Warn("failed to archive task",
				zap.String("task_id", id),
				zap.Error(err))
		}
	}()
}
