package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeoutExceeded is the cancellation cause given to a unit that ran past
// its deadline, and the cause reported in its failure.
//
//lint:ignore ST1005 the message is user-facing and fixed.
var ErrTimeoutExceeded = errors.New("Timeout has been exceeded")

// IsTimeout reports whether ctx was cancelled because its unit timed out.
func IsTimeout(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrTimeoutExceeded)
}

// ConfigurationError indicates a unit was configured with a negative timeout.
type ConfigurationError struct {
	UnitID   string
	Duration time.Duration
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("Timeout of task '%s' must be positive, but was %s", e.UnitID, e.Duration)
}

// ExecutionFailure is the outcome reported for a unit that did not succeed.
type ExecutionFailure struct {
	UnitID      string
	Description string
	Cause       error
}

// NewExecutionFailure returns the failure reported for unitID with the given cause.
func NewExecutionFailure(unitID string, cause error) *ExecutionFailure {
	return &ExecutionFailure{
		UnitID:      unitID,
		Description: fmt.Sprintf("Execution failed for task ':%s'.", unitID),
		Cause:       cause,
	}
}

func (f *ExecutionFailure) Error() string {
	if f.Cause == nil {
		return f.Description
	}
	return f.Description + " " + f.Cause.Error()
}

func (f *ExecutionFailure) Unwrap() error {
	return f.Cause
}

// TimedOut reports whether the failure was caused by an exceeded timeout.
func (f *ExecutionFailure) TimedOut() bool {
	return errors.Is(f.Cause, ErrTimeoutExceeded)
}
