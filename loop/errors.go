package loop

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRunner indicates no runner is registered for the requested
	// agent kind.
	ErrNoRunner = errors.New("no runner for agent kind")

	// ErrCancelled indicates the loop was stopped on request.
	ErrCancelled = errors.New("loop cancelled")

	// ErrReviewerUnavailable indicates the reviewing agent failed too
	// many consecutive times to keep driving the loop.
	ErrReviewerUnavailable = errors.New("reviewer unavailable")
)

// ExecutionError reports where a loop run failed and what it was
// doing, with the path of phases taken up to that point.
type ExecutionError struct {
	Phase string
	Step  int
	Path  []string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("loop failed in phase %s (execution %d): %v", e.Phase, e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
