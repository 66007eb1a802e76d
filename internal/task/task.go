package task

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidTransition reports whether the edge from -> to is part of the
// task state machine. Terminal states have no outgoing edges.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}

// Params holds the execution parameters supplied at creation. They are
// opaque to the orchestrator and echoed back in status queries; the
// automation agent decides what to do with them.
type Params struct {
	LLMProvider    string `json:"llm_provider" yaml:"llm_provider"`
	LLMModel       string `json:"llm_model" yaml:"llm_model"`
	BrowserProfile string `json:"browser_profile" yaml:"browser_profile"`
}

// DefaultParams returns the execution parameters used when the caller
// leaves them unset.
func DefaultParams() Params {
	return Params{
		LLMProvider:    "mac_studio",
		LLMModel:       "llama4:scout",
		BrowserProfile: "anti_bot",
	}
}

// ProgressEntry is one step of a task's progress log
type ProgressEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Step      string                 `json:"step"`
	Details   map[string]interface{} `json:"details"`
}

// Task represents one automation command moving through the orchestrator
type Task struct {
	ID          string                 `json:"id"`
	Command     string                 `json:"command"`
	Status      Status                 `json:"status"`
	Params      Params                 `json:"params"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Progress    []ProgressEntry        `json:"progress"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// New creates a pending task for the given command. Unset execution
// parameters are filled from DefaultParams.
func New(command string, params Params) *Task {
	defaults := DefaultParams()
	if params.LLMProvider == "" {
		params.LLMProvider = defaults.LLMProvider
	}
	if params.LLMModel == "" {
		params.LLMModel = defaults.LLMModel
	}
	if params.BrowserProfile == "" {
		params.BrowserProfile = defaults.BrowserProfile
	}

	return &Task{
		ID:        uuid.New().String(),
		Command:   command,
		Status:    StatusPending,
		Params:    params,
		CreatedAt: time.Now().UTC(),
		Progress:  []ProgressEntry{},
	}
}

// AddProgress appends one entry to the progress log. The log is
// append-only; entries are never reordered or removed.
func (t *Task) AddProgress(step string, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}
	t.Progress = append(t.Progress, ProgressEntry{
		Timestamp: time.Now().UTC(),
		Step:      step,
		Details:   details,
	})
}

// Clone returns a copy safe to hand to readers: the progress slice and
// result map are copied so later mutations of the live record cannot be
// observed through the snapshot.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	c.Progress = make([]ProgressEntry, len(t.Progress))
	copy(c.Progress, t.Progress)
	if t.Result != nil {
		c.Result = make(map[string]interface{}, len(t.Result))
		for k, v := range t.Result {
			c.Result[k] = v
		}
	}
	return &c
}

// Summary is the compact status view returned by status queries
type Summary struct {
	ID            string  `json:"id"`
	Status        Status  `json:"status"`
	CreatedAt     string  `json:"created_at"`
	StartedAt     *string `json:"started_at"`
	CompletedAt   *string `json:"completed_at"`
	Command       string  `json:"command"`
	Params        Params  `json:"params"`
	ProgressSteps int     `json:"progress_steps"`
	HasResult     bool    `json:"has_result"`
	Error         string  `json:"error,omitempty"`
}

// Summarize builds the status summary for the task
func (t *Task) Summarize() Summary {
	s := Summary{
		ID:            t.ID,
		Status:        t.Status,
		CreatedAt:     t.CreatedAt.Format(time.RFC3339Nano),
		Command:       t.Command,
		Params:        t.Params,
		ProgressSteps: len(t.Progress),
		HasResult:     t.Result != nil,
		Error:         t.Error,
	}
	if t.StartedAt != nil {
		started := t.StartedAt.Format(time.RFC3339Nano)
		s.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := t.CompletedAt.Format(time.RFC3339Nano)
		s.CompletedAt = &completed
	}
	return s
}
