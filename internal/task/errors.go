package task

import (
	"errors"
	"fmt"
)

// Structural errors returned synchronously by registry and dispatcher
// operations. Worker faults are not represented here; they are stored
// verbatim on the failed record.
var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyTerminal   = errors.New("task already terminal")
	ErrNotReady          = errors.New("task result not ready")
	ErrQueueFull         = errors.New("pending queue is full")
)

// NotReadyError reports a result query against a task that has not
// completed, carrying the status observed at query time so the caller
// can decide whether to poll again.
type NotReadyError struct {
	Status Status
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("task not completed (status: %s)", e.Status)
}

func (e *NotReadyError) Is(target error) bool {
	return target == ErrNotReady
}

// FaultError carries a failed task's stored error text. The text is the
// worker's fault description (or the timeout message) exactly as it was
// recorded, with no decoration.
type FaultError struct {
	Message string
}

func (e *FaultError) Error() string {
	return e.Message
}

// TransitionError describes a rejected transition request
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	if target == ErrInvalidTransition {
		return true
	}
	return target == ErrAlreadyTerminal && e.From.Terminal()
}
