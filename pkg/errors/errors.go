// Package errors provides a structured error system for flowstore with error codes, categories, and context.
package errors

import (
	stderr "errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for storage operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave    ErrorCode = "CONFIG_SAVE"

	// Pattern errors
	ErrCodePatternCompile         ErrorCode = "PATTERN_COMPILE"
	ErrCodeConstraintRedefinition ErrorCode = "CONSTRAINT_REDEFINITION"
	ErrCodePatternFormat          ErrorCode = "PATTERN_FORMAT"

	// Storage errors
	ErrCodeObjectNotFound    ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeInsufficientSpace ErrorCode = "INSUFFICIENT_SPACE"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"
	ErrCodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"

	// Plugin errors
	ErrCodeBackendNotFound      ErrorCode = "BACKEND_NOT_FOUND"
	ErrCodePluginInvalid        ErrorCode = "PLUGIN_INVALID"
	ErrCodeUnsupportedOperation ErrorCode = "UNSUPPORTED_OPERATION"

	// Operation errors
	ErrCodeOperationFailed   ErrorCode = "OPERATION_FAILED"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryPattern       ErrorCategory = "pattern"
	CategoryStorage       ErrorCategory = "storage"
	CategoryPlugin        ErrorCategory = "plugin"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// StorageError represents a structured error with context and metadata.
type StorageError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	UserFacing bool `json:"user_facing"`
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a StorageError with the same code.
func (e *StorageError) Is(target error) bool {
	if se, ok := target.(*StorageError); ok {
		return e.Code == se.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *StorageError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%q", k, e.Context[k]))
		}
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("StorageError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new error with defaults derived from the code.
func NewError(code ErrorCode, message string) *StorageError {
	return &StorageError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		UserFacing: IsUserFacingByDefault(code),
	}
}

// Newf creates a new error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *StorageError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigLoad, ErrCodeConfigSave:
		return CategoryConfiguration
	case ErrCodePatternCompile, ErrCodeConstraintRedefinition, ErrCodePatternFormat:
		return CategoryPattern
	case ErrCodeObjectNotFound, ErrCodeInsufficientSpace, ErrCodeNetworkError, ErrCodeCircuitOpen:
		return CategoryStorage
	case ErrCodeBackendNotFound, ErrCodePluginInvalid, ErrCodeUnsupportedOperation:
		return CategoryPlugin
	case ErrCodeOperationFailed, ErrCodeOperationCanceled, ErrCodeRetryExhausted, ErrCodeValidationFailed:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeNetworkError, ErrCodeInternalError:
		return true
	default:
		return false
	}
}

// IsUserFacingByDefault determines if an error should be shown to users.
func IsUserFacingByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeInvalidConfig, ErrCodePatternCompile, ErrCodeConstraintRedefinition, ErrCodePatternFormat,
		ErrCodeValidationFailed, ErrCodeInsufficientSpace, ErrCodeObjectNotFound, ErrCodeBackendNotFound,
		ErrCodeUnsupportedOperation, ErrCodeOperationFailed:
		return true
	default:
		return false
	}
}

// IsCode reports whether any error in err's chain is a StorageError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var se *StorageError
	for err != nil {
		if stderr.As(err, &se) {
			if se.Code == code {
				return true
			}
			err = se.Cause
			continue
		}
		return false
	}
	return false
}

// CodeOf returns the code of the outermost StorageError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var se *StorageError
	if stderr.As(err, &se) {
		return se.Code
	}
	return ""
}

// WithContext adds contextual information to an error
func (e *StorageError) WithContext(key, value string) *StorageError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *StorageError) WithComponent(component string) *StorageError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *StorageError) WithOperation(operation string) *StorageError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *StorageError) WithCause(cause error) *StorageError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the retryable hint
func (e *StorageError) WithRetryable(retryable bool) *StorageError {
	e.Retryable = retryable
	return e
}

// GetRecommendation returns a user-friendly recommendation for fixing the error
func (e *StorageError) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeConstraintRedefinition: "Declare a wildcard constraint only at the first occurrence of the wildcard.",
		ErrCodePatternCompile:         "Check the wildcard pattern syntax, e.g. {sample} or {sample,[A-Z]+}.",
		ErrCodeValidationFailed:       "Check the query syntax expected by the storage backend.",
		ErrCodeInsufficientSpace: "Free local disk space or raise wait_for_free_local_storage " +
			"so retrieval can wait for space to become available.",
		ErrCodeInvalidConfig:        "Check the configuration file syntax and required parameters.",
		ErrCodeBackendNotFound:      "Check the query protocol and the list of registered backends.",
		ErrCodeUnsupportedOperation: "The backend does not implement this operation; use a read-write backend.",
		ErrCodeNetworkError:         "Verify network connectivity to the storage endpoint.",
		ErrCodeCircuitOpen: "The storage endpoint failed repeatedly; requests resume after " +
			"circuit_breaker.open_timeout.",
	}

	if rec, exists := recommendations[e.Code]; exists {
		return rec
	}
	return "Please check the error message for details."
}

// UserFacingMessage returns a simplified message suitable for end users
func (e *StorageError) UserFacingMessage() string {
	if !e.UserFacing {
		return "An internal error occurred."
	}
	return e.Message
}
