package instance

import (
	"errors"
	"fmt"
)

// ValidationError reports a bad create or start request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NotFoundError reports an unknown instance.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("instance %s not found", e.ID)
}

// IsNotFound reports whether err is a local instance NotFoundError.
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return errors.As(err, &notFound)
}

// NotStartableError reports a start request against an illegal status.
type NotStartableError struct {
	ID     string
	Status Status
}

func (e *NotStartableError) Error() string {
	return fmt.Sprintf("instance %s cannot be started from status %s", e.ID, e.Status)
}

// OperationInProgressError reports a duplicate startup request.
type OperationInProgressError struct {
	InstanceID  string
	OperationID string
}

func (e *OperationInProgressError) Error() string {
	return fmt.Sprintf("startup operation %s already in progress for instance %s", e.OperationID, e.InstanceID)
}

// StartupFailedError wraps a failure in a specific startup phase.
type StartupFailedError struct {
	Phase  string
	Reason string
	Err    error
}

func (e *StartupFailedError) Error() string {
	return fmt.Sprintf("startup failed during %s: %s", e.Phase, e.Reason)
}

func (e *StartupFailedError) Unwrap() error {
	return e.Err
}

// HealthCheckTimeoutError reports a health-check wall-clock overrun.
type HealthCheckTimeoutError struct {
	ElapsedMs int64
	MaxMs     int64
}

func (e *HealthCheckTimeoutError) Error() string {
	return fmt.Sprintf("Health check timeout after %dms (max: %dms)", e.ElapsedMs, e.MaxMs)
}
