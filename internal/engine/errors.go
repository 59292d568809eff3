package engine

import (
	"errors"
	"fmt"
)

// NotFoundError reports that no sandbox exists for the given ID.
type NotFoundError struct {
	SandboxID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sandbox %s not found or expired", e.SandboxID)
}

// OperationError reports a failed container-runtime operation: a runtime
// call error, a missing image, a readiness timeout, a missing network
// address, or auth-service misconfiguration. The message is safe to show
// to callers.
type OperationError struct {
	Message string
	Err     error
}

func (e *OperationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("container operation failed: %s: %v", e.Message, e.Err)
	}
	return "container operation failed: " + e.Message
}

func (e *OperationError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a sandbox NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsOperationError reports whether err is a container OperationError.
func IsOperationError(err error) bool {
	var op *OperationError
	return errors.As(err, &op)
}

func opErrorf(format string, args ...any) *OperationError {
	return &OperationError{Message: fmt.Sprintf(format, args...)}
}

func opError(message string, err error) *OperationError {
	return &OperationError{Message: message, Err: err}
}
