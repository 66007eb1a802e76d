// Package agent defines the boundary to the external execution unit
// that actually performs an automation command. The orchestrator is
// indifferent to what the agent does; it only forwards the command,
// the execution parameters, a progress sink and a cancellable context.
package agent

import (
	"context"

	"github.com/mirvoism/browser-automation-service/internal/task"
)

// ProgressSink accepts incremental progress reports from an agent. It
// may be called any number of times before Execute returns and must not
// be called afterwards.
type ProgressSink func(step string, details map[string]interface{})

// Agent is the capability the dispatcher invokes per admitted task.
// The context carries cooperative cancellation and the overall
// wall-clock deadline; an agent should check it between steps. Any
// returned error is recorded verbatim as the task's failure.
type Agent interface {
	Execute(ctx context.Context, command string, params task.Params, report ProgressSink) (map[string]interface{}, error)
}

// Func adapts a plain function to the Agent interface
type Func func(ctx context.Context, command string, params task.Params, report ProgressSink) (map[string]interface{}, error)

// Execute calls f
func (f Func) Execute(ctx context.Context, command string, params task.Params, report ProgressSink) (map[string]interface{}, error) {
	return f(ctx, command, params, report)
}
