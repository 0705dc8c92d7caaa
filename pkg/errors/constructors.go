package errors

import (
	"context"
	stderr "errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// NewPatternCompileError reports a malformed wildcard pattern.
func NewPatternCompileError(pattern, reason string) *StorageError {
	return NewError(ErrCodePatternCompile, fmt.Sprintf("invalid wildcard pattern %q: %s", pattern, reason)).
		WithComponent("wildcard").
		WithContext("pattern", pattern)
}

// NewConstraintRedefinitionError reports a wildcard that declares a constraint after its first occurrence.
func NewConstraintRedefinitionError(pattern, name string) *StorageError {
	return NewError(ErrCodeConstraintRedefinition,
		fmt.Sprintf("constraint for wildcard %q in pattern %q may only be declared at its first occurrence", name, pattern)).
		WithComponent("wildcard").
		WithContext("pattern", pattern).
		WithContext("wildcard", name)
}

// NewValidationError reports a query rejected by a backend.
func NewValidationError(backend, query, reason string) *StorageError {
	msg := fmt.Sprintf("invalid query %q for storage backend %s", query, backend)
	if reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, reason)
	}
	return NewError(ErrCodeValidationFailed, msg).
		WithComponent(backend).
		WithContext("query", query)
}

// NewConfigurationError reports an invalid setting.
func NewConfigurationError(setting, reason string) *StorageError {
	return NewError(ErrCodeInvalidConfig, fmt.Sprintf("invalid %s: %s", setting, reason)).
		WithContext("setting", setting)
}

// NewInsufficientSpaceError reports that required bytes were still unavailable after waiting.
func NewInsufficientSpaceError(localPath string, required, free uint64, waited time.Duration) *StorageError {
	msg := fmt.Sprintf("not enough free space to store %s: required %s, free %s",
		localPath, humanize.IBytes(required), humanize.IBytes(free))
	if waited > 0 {
		msg = fmt.Sprintf("%s (waited %s for space to become available)", msg, waited)
	}
	return NewError(ErrCodeInsufficientSpace, msg).
		WithComponent("diskspace").
		WithContext("local_path", localPath).
		WithDetail("required_bytes", required).
		WithDetail("free_bytes", free).
		WithDetail("waited", waited.String())
}

// NewOperationFailure wraps a backend primitive failure with the operation name and the
// credential-scrubbed query. Context cancellation is reported as OPERATION_CANCELED.
func NewOperationFailure(backend, operation, printQuery string, cause error) *StorageError {
	code := ErrCodeOperationFailed
	if stderr.Is(cause, context.Canceled) || stderr.Is(cause, context.DeadlineExceeded) {
		code = ErrCodeOperationCanceled
	}
	err := NewError(code, fmt.Sprintf("failed to %s %s (storage backend %s)", operation, printQuery, backend)).
		WithComponent(backend).
		WithOperation(operation).
		WithContext("query", printQuery).
		WithCause(cause)

	var se *StorageError
	if stderr.As(cause, &se) && se.Retryable {
		err.Retryable = true
	}
	return err
}

// NewUnsupportedOperationError reports an operation outside a backend's declared capabilities.
func NewUnsupportedOperationError(backend, operation, printQuery string) *StorageError {
	return NewError(ErrCodeUnsupportedOperation,
		fmt.Sprintf("storage backend %s does not support %s (query %s)", backend, operation, printQuery)).
		WithComponent(backend).
		WithOperation(operation).
		WithContext("query", printQuery)
}

// NewObjectNotFoundError reports a missing remote object.
func NewObjectNotFoundError(backend, printQuery string) *StorageError {
	return NewError(ErrCodeObjectNotFound, fmt.Sprintf("object %s does not exist", printQuery)).
		WithComponent(backend).
		WithContext("query", printQuery)
}
