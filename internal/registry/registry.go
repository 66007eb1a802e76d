// Package registry owns all task records and their lifecycle. It is a
// pure state container: every mutation funnels through Transition and
// AppendProgress so that racing operations on the same task are
// linearized, but it imposes no scheduling policy of its own.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mirvoism/browser-automation-service/internal/task"
)

const defaultQueueSize = 256

// Registry stores task records and the queue of pending task ids
type Registry struct {
	mu      sync.RWMutex
	tasks   map[string]*task.Task
	pending chan string
	log     *zap.Logger
}

// Stats is a snapshot of aggregate registry state
type Stats struct {
	Total      int                 `json:"total_tasks"`
	QueueDepth int                 `json:"pending_queue_size"`
	Running    int                 `json:"running_tasks"`
	ByStatus   map[task.Status]int `json:"status_breakdown"`
}

// New creates a registry. queueSize bounds the pending queue; zero or
// negative selects the default.
func New(queueSize int, log *zap.Logger) *Registry {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		tasks:   make(map[string]*task.Task),
		pending: make(chan string, queueSize),
		log:     log.Named("registry"),
	}
}

// Create allocates a new pending task for the command, enqueues its id
// for dispatch and returns the id. It fails only when the pending queue
// is at its configured cap.
func (r *Registry) Create(command string, params task.Params) (string, error) {
	t := task.New(command, params)

	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()

	select {
	case r.pending <- t.ID:
	default:
		r.mu.Lock()
		delete(r.tasks, t.ID)
		r.mu.Unlock()
		return "", task.ErrQueueFull
	}

	r.log.Info("task created",
		zap.String("task_id", t.ID),
		zap.String("command", truncate(command, 100)))
	return t.ID, nil
}

// Get returns a snapshot of the task, or ErrNotFound
func (r *Registry) Get(id string) (*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	return t.Clone(), nil
}

// List returns snapshots of up to limit tasks, most recently created
// first. A non-positive limit returns everything.
func (r *Registry) List(limit int) []*task.Task {
	r.mu.RLock()
	out := make([]*task.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Transition moves the task along one edge of the state machine. On
// entering Running it stamps StartedAt; on entering a terminal status it
// stamps CompletedAt and attaches the result or error payload. Illegal
// edges are rejected with a TransitionError; unknown ids with
// ErrNotFound. Timestamps and payloads, once set, are never overwritten.
func (r *Registry) Transition(id string, to task.Status, result map[string]interface{}, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	from := t.Status
	if !task.ValidTransition(from, to) {
		return &task.TransitionError{ID: id, From: from, To: to}
	}

	t.Status = to
	now := nowUTC()
	switch {
	case to == task.StatusRunning:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case to.Terminal():
		if t.CompletedAt == nil {
			t.CompletedAt = &now
		}
		if to == task.StatusCompleted && t.Result == nil {
			t.Result = result
		}
		if to == task.StatusFailed && t.Error == "" {
			t.Error = errMsg
		}
	}

	r.log.Info("task status updated",
		zap.String("task_id", id),
		zap.String("old_status", string(from)),
		zap.String("new_status", string(to)))
	return nil
}

// AppendProgress appends one progress entry. Callers treat the returned
// error as a report, not a fault: progress against an unknown or
// already-terminal task is dropped.
func (r *Registry) AppendProgress(id, step string, details map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status.Terminal() {
		return task.ErrAlreadyTerminal
	}
	t.AddProgress(step, details)
	return nil
}

// Next blocks until a pending task id is available or the context is
// cancelled. Ids handed out may belong to tasks cancelled while queued;
// the dispatcher detects that at admission time.
func (r *Registry) Next(ctx context.Context) (string, error) {
	select {
	case id := <-r.pending:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stats returns aggregate counts over all records plus queue depth
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		Total:      len(r.tasks),
		QueueDepth: len(r.pending),
		ByStatus: map[task.Status]int{
			task.StatusPending:   0,
			task.StatusRunning:   0,
			task.StatusCompleted: 0,
			task.StatusFailed:    0,
			task.StatusCancelled: 0,
		},
	}
	for _, t := range r.tasks {
		s.ByStatus[t.Status]++
	}
	s.Running = s.ByStatus[task.StatusRunning]
	return s
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
