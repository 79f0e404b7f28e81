package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a Kizuna error code.
type ErrorCode string

const (
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"      // 400
	ErrNotFound            ErrorCode = "NOT_FOUND"            // 404
	ErrFileNotFound        ErrorCode = "FILE_NOT_FOUND"       // 404
	ErrConflict            ErrorCode = "CONFLICT"             // 409
	ErrCancelled           ErrorCode = "CANCELLED"            // 499
	ErrRegistryQuery       ErrorCode = "REGISTRY_QUERY"       // 500
	ErrRegistryDecode      ErrorCode = "REGISTRY_DECODE"      // 500
	ErrRegistryPersistence ErrorCode = "REGISTRY_PERSISTENCE" // 500
	ErrResolveFailed       ErrorCode = "RESOLVE_FAILED"       // 500
	ErrInternal            ErrorCode = "INTERNAL"             // 500
)

// KizunaError represents a structured error with code, status, and details.
// Cause carries the underlying error, if any, and is exposed through Unwrap.
type KizunaError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *KizunaError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *KizunaError) Unwrap() error {
	return e.Cause
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *KizunaError {
	return &KizunaError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for when a character or chunk cannot be found.
func NewNotFound(identifier string) *KizunaError {
	return &KizunaError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewFileNotFound creates a 404 error for a missing import file.
func NewFileNotFound(path string) *KizunaError {
	return &KizunaError{
		Code:    ErrFileNotFound,
		Status:  404,
		Message: fmt.Sprintf("file not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewConflict creates a 409 error for general conflicts.
func NewConflict(msg string) *KizunaError {
	return &KizunaError{
		Code:    ErrConflict,
		Status:  409,
		Message: msg,
	}
}

// NewCancelled creates a 499 error when an operation observed context cancellation.
func NewCancelled(op string) *KizunaError {
	return &KizunaError{
		Code:    ErrCancelled,
		Status:  499,
		Message: fmt.Sprintf("%s cancelled", op),
		Details: map[string]any{"operation": op},
	}
}

// NewRegistryQuery creates an error for a failed index or storage read.
func NewRegistryQuery(op string, err error) *KizunaError {
	return &KizunaError{
		Code:    ErrRegistryQuery,
		Status:  500,
		Message: fmt.Sprintf("registry query %s failed: %v", op, err),
		Details: map[string]any{"operation": op},
		Cause:   err,
	}
}

// NewRegistryDecode creates an error for a stored row that failed to deserialize.
func NewRegistryDecode(what string, err error) *KizunaError {
	return &KizunaError{
		Code:    ErrRegistryDecode,
		Status:  500,
		Message: fmt.Sprintf("registry decode %s failed: %v", what, err),
		Details: map[string]any{"field": what},
		Cause:   err,
	}
}

// NewRegistryPersistence creates an error for a failed registry write.
func NewRegistryPersistence(op string, err error) *KizunaError {
	return &KizunaError{
		Code:    ErrRegistryPersistence,
		Status:  500,
		Message: fmt.Sprintf("registry write %s failed: %v", op, err),
		Details: map[string]any{"operation": op},
		Cause:   err,
	}
}

// NewResolveFailed wraps the registry failure that aborted resolution of alias.
func NewResolveFailed(alias string, cause error) *KizunaError {
	msg := "resolve failed"
	if cause != nil {
		msg = fmt.Sprintf("resolve %q failed: %v", alias, cause)
	}
	return &KizunaError{
		Code:    ErrResolveFailed,
		Status:  500,
		Message: msg,
		Details: map[string]any{"alias": alias},
		Cause:   cause,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
// The message stays generic; the original error text is kept in Details for logging.
func NewInternal(err error) *KizunaError {
	details := map[string]any{}
	if err != nil {
		details["internal_error"] = err.Error()
	}
	return &KizunaError{
		Code:    ErrInternal,
		Status:  500,
		Message: "an internal error occurred",
		Details: details,
		Cause:   err,
	}
}

// Is reports whether err, or any error it wraps, is a KizunaError with the given code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if kErr, ok := err.(*KizunaError); ok && kErr.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// CodeOf returns the code of the outermost KizunaError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var kErr *KizunaError
	if stderrors.As(err, &kErr) {
		return kErr.Code
	}
	return ErrInternal
}
