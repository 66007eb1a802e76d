package agent

import (
	"context"
	"time"

	"github.com/mirvoism/browser-automation-service/internal/task"
)

// Scripted is an agent that replays a fixed sequence of steps with a
// configurable delay between them. It stands in for a real browser
// agent in examples and development deployments where no automation
// backend is wired up.
type Scripted struct {
	Steps     []string
	StepDelay time.Duration
	Result    map[string]interface{}
	Err       error
}

// Execute reports each configured step in order, honoring context
// cancellation between steps, then returns the configured result or
// error.
func (s *Scripted) Execute(ctx context.Context, command string, params task.Params, report ProgressSink) (map[string]interface{}, error) {
	for _, step := range s.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report(step, map[string]interface{}{"command": command})
		if s.StepDelay > 0 {
			select {
			case <-time.After(s.StepDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Result != nil {
		return s.Result, nil
	}
	return map[string]interface{}{
		"success": true,
		"command": command,
		"model":   params.LLMModel,
	}, nil
}
