// Package dispatch runs the admission loop: it pulls pending task ids
// off the registry queue, enforces the concurrency ceiling with a
// permit semaphore, and drives the external agent for each admitted
// task, reflecting lifecycle transitions back into the registry and
// pushing live events through the publisher.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mirvoism/browser-automation-service/internal/agent"
	"github.com/mirvoism/browser-automation-service/internal/events"
	"github.com/mirvoism/browser-automation-service/internal/registry"
	"github.com/mirvoism/browser-automation-service/internal/task"
)

const (
	defaultMaxConcurrent = 3
	defaultTaskBudget    = 10 * time.Minute
)

// Publisher receives live events as the dispatcher makes progress.
// Publishing and registry mutation are two separate, non-transactional
// steps; observers may momentarily see one before the other.
type Publisher interface {
	Publish(taskID, eventType string, payload map[string]interface{})
}

// Config holds dispatcher tuning
type Config struct {
	// MaxConcurrent is the admission ceiling: at most this many tasks
	// execute simultaneously.
	MaxConcurrent int

	// TaskBudget is the overall wall-clock allowance per task. A task
	// exceeding it is cancelled and recorded as failed with a timeout
	// error.
	TaskBudget time.Duration
}

// Dispatcher admits pending tasks and supervises their execution
type Dispatcher struct {
	reg *registry.Registry
	ag  agent.Agent
	pub Publisher
	log *zap.Logger

	permits chan struct{}
	budget  time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	running bool

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	wg       sync.WaitGroup
}

// New creates a dispatcher. Zero config fields select defaults.
func New(reg *registry.Registry, ag agent.Agent, pub Publisher, cfg Config, log *zap.Logger) *Dispatcher {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.TaskBudget <= 0 {
		cfg.TaskBudget = defaultTaskBudget
	}
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		reg:      reg,
		ag:       ag,
		pub:      pub,
		log:      log.Named("dispatch"),
		permits:  make(chan struct{}, cfg.MaxConcurrent),
		budget:   cfg.TaskBudget,
		cancels:  make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
}

// MaxConcurrent returns the configured admission ceiling
func (d *Dispatcher) MaxConcurrent() int {
	return cap(d.permits)
}

// Start launches the dispatch loop
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true

	d.log.Info("dispatch loop starting",
		zap.Int("max_concurrent", cap(d.permits)),
		zap.Duration("task_budget", d.budget))
	go d.run()
	return nil
}

// run is the long-lived admission loop. It parks on the pending queue
// and on the permit semaphore rather than polling, and it never exits
// because of a single task's misbehavior.
func (d *Dispatcher) run() {
	defer close(d.loopDone)

	for {
		id, err := d.reg.Next(d.ctx)
		if err != nil {
			return
		}

		select {
		case d.permits <- struct{}{}:
		case <-d.ctx.Done():
			return
		}

		if err := d.reg.Transition(id, task.StatusRunning, nil, ""); err != nil {
			// Cancelled while queued, or an id we no longer know.
			<-d.permits
			if !errors.Is(err, task.ErrNotFound) && !errors.Is(err, task.ErrAlreadyTerminal) {
				d.log.Warn("admission rejected", zap.String("task_id", id), zap.Error(err))
			}
			continue
		}

		tctx, cancel := context.WithTimeout(context.Background(), d.budget)
		d.mu.Lock()
		d.cancels[id] = cancel
		d.mu.Unlock()

		d.wg.Add(1)
		go d.execute(tctx, id)
	}
}

// execute drives the agent for one admitted task
func (d *Dispatcher) execute(ctx context.Context, id string) {
	defer d.wg.Done()
	defer func() { <-d.permits }()
	defer func() {
		d.mu.Lock()
		if cancel, ok := d.cancels[id]; ok {
			delete(d.cancels, id)
			cancel()
		}
		d.mu.Unlock()
	}()

	t, err := d.reg.Get(id)
	if err != nil {
		d.log.Warn("admitted task vanished", zap.String("task_id", id))
		return
	}

	d.log.Info("executing task",
		zap.String("task_id", id),
		zap.String("command", truncate(t.Command, 100)))
	d.progress(id, "Starting execution", map[string]interface{}{"status": "running"})

	type outcome struct {
		result map[string]interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := d.invoke(ctx, t)
		done <- outcome{result, err}
	}()

	// The record must reach a terminal status when the budget expires
	// even if the agent ignores its context, so the agent is supervised
	// rather than waited on. A result it produces after the deadline is
	// discarded by the terminal-status check in complete/fail.
	select {
	case out := <-done:
		if out.err != nil {
			d.fail(id, out.err)
			return
		}
		d.complete(id, out.result)
	case <-ctx.Done():
		d.fail(id, ctx.Err())
	}
}

// invoke calls the agent, converting a panic into a failure so the
// dispatch loop keeps servicing other tasks.
func (d *Dispatcher) invoke(ctx context.Context, t *task.Task) (result map[string]interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("agent panic: %v", rec)
		}
	}()

	sink := func(step string, details map[string]interface{}) {
		d.progress(t.ID, step, details)
	}
	return d.ag.Execute(ctx, t.Command, t.Params, sink)
}

// progress records one step and pushes it to live observers. A report
// against a task that has already reached a terminal status is dropped.
func (d *Dispatcher) progress(id, step string, details map[string]interface{}) {
	if err := d.reg.AppendProgress(id, step, details); err != nil {
		d.log.Debug("progress report dropped",
			zap.String("task_id", id),
			zap.String("step", step),
			zap.Error(err))
		return
	}
	if details == nil {
		details = map[string]interface{}{}
	}
	d.pub.Publish(id, events.TypeAgentStep, map[string]interface{}{
		"step":    step,
		"details": details,
	})
}

// complete finalizes a successful execution. If the task was cancelled
// while the agent ran, the late success is discarded.
func (d *Dispatcher) complete(id string, result map[string]interface{}) {
	if result == nil {
		result = map[string]interface{}{}
	}
	if err := d.reg.Transition(id, task.StatusCompleted, result, ""); err != nil {
		d.log.Debug("late terminal report discarded",
			zap.String("task_id", id),
			zap.Error(err))
		return
	}
	d.log.Info("task completed", zap.String("task_id", id))
	d.pub.Publish(id, events.TypeTaskCompleted, result)
}

// fail finalizes a failed execution, mapping a blown deadline to a
// timeout error. Late reports against cancelled tasks are discarded.
func (d *Dispatcher) fail(id string, execErr error) {
	msg := execErr.Error()
	if errors.Is(execErr, context.DeadlineExceeded) {
		msg = fmt.Sprintf("task timed out after %v", d.budget)
	}

	if err := d.reg.Transition(id, task.StatusFailed, nil, msg); err != nil {
		d.log.Debug("late terminal report discarded",
			zap.String("task_id", id),
			zap.Error(err))
		return
	}
	d.log.Warn("task failed", zap.String("task_id", id), zap.String("error", msg))
	d.pub.Publish(id, events.TypeTaskFailed, map[string]interface{}{"error": msg})
}

// Cancel requests cancellation of a task. A pending task is finalized
// before it can be admitted; a running task's agent context is
// cancelled and the record finalized immediately, so a terminal report
// the agent produces later is discarded. Cancelling a task that already
// finished returns ErrAlreadyTerminal.
func (d *Dispatcher) Cancel(id string) error {
	t, err := d.reg.Get(id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return task.ErrAlreadyTerminal
	}

	// Flag the record first so a racing terminal report loses.
	if err := d.reg.Transition(id, task.StatusCancelled, nil, ""); err != nil {
		return err
	}

	d.mu.Lock()
	if cancel, ok := d.cancels[id]; ok {
		cancel()
	}
	d.mu.Unlock()

	d.log.Info("task cancelled", zap.String("task_id", id))
	d.pub.Publish(id, events.TypeTaskCancelled, map[string]interface{}{})
	return nil
}

// Shutdown stops admitting new tasks and waits for in-flight tasks to
// finish. If the context expires first, the remaining agents are
// cancelled and given a short grace period.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.cancel()

	select {
	case <-d.loopDone:
	case <-ctx.Done():
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info("all in-flight tasks finished")
		return nil
	case <-ctx.Done():
	}

	d.mu.Lock()
	n := len(d.cancels)
	for _, cancel := range d.cancels {
		cancel()
	}
	d.mu.Unlock()
	d.log.Warn("shutdown deadline exceeded, cancelling in-flight tasks", zap.Int("remaining", n))

	select {
	case <-done:
		return nil
	case <-time.After(2 * time.Second):
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
