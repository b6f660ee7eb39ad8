package engine

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/rootbeer/rootbeer/pkg/paths"
	"github.com/rootbeer/rootbeer/pkg/registry"
)

// ErrorClass is the small fixed set of results a capability call can report.
type ErrorClass string

const (
	// ErrorClassCapacity indicates a registry ceiling was hit.
	// The script can recover by tracking fewer items.
	ErrorClassCapacity ErrorClass = "capacity_exceeded"

	// ErrorClassNotFound indicates a referenced path or id does not exist.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassAccess indicates a path exists but is not usable under the
	// current effective permissions.
	ErrorClassAccess ErrorClass = "access_denied"

	// ErrorClassAllocation indicates a buffer could not grow. Fatal.
	ErrorClassAllocation ErrorClass = "allocation_failure"

	// ErrorClassInvalid indicates malformed input such as a bad intermediate id.
	ErrorClassInvalid ErrorClass = "invalid_argument"

	// ErrorClassPrivilege indicates a privilege drop or restore failed. Fatal.
	ErrorClassPrivilege ErrorClass = "privilege"

	// ErrorClassStore indicates the revision store is not in the state an
	// operation requires.
	ErrorClassStore ErrorClass = "store_consistency"

	// ErrorClassBudget indicates the script ran out of steps or time.
	ErrorClassBudget ErrorClass = "budget_exceeded"

	// ErrorClassPolicy indicates a policy rule denied an operation.
	ErrorClassPolicy ErrorClass = "policy_denied"

	// ErrorClassIO covers any other filesystem failure.
	ErrorClassIO ErrorClass = "io"
)

// EngineError is a classified error carrying the path and operation that
// produced it.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	Class     ErrorClass `json:"class"`
	Message   string     `json:"message"`
	Path      string     `json:"path,omitempty"`
	Operation string     `json:"operation,omitempty"`
	Err       error      `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Operation != "" {
		msg = e.Operation + ": " + msg
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s (path=%s)", msg, e.Path)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Class, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another *EngineError of the same class.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// NewError creates an error of the given class.
func NewError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewCapacityError creates a capacity-exceeded error.
func NewCapacityError(message string, err error) *EngineError {
	return NewError(ErrorClassCapacity, message, err)
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string, err error) *EngineError {
	return NewError(ErrorClassNotFound, message, err)
}

// NewInvalidError creates an invalid-argument error.
func NewInvalidError(message string, err error) *EngineError {
	return NewError(ErrorClassInvalid, message, err)
}

// NewStoreError creates a store-consistency error.
func NewStoreError(message string, err error) *EngineError {
	return NewError(ErrorClassStore, message, err)
}

// WithPath adds the offending path.
func (e *EngineError) WithPath(path string) *EngineError {
	e.Path = path
	return e
}

// WithOperation adds the operation being performed.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// Classify wraps err in an EngineError whose class is derived from the
// underlying cause. An err that is already classified is returned as is.
func Classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return err
	}
	var class ErrorClass
	switch {
	case errors.Is(err, registry.ErrCapacityExceeded):
		class = ErrorClassCapacity
	case errors.Is(err, fs.ErrNotExist):
		class = ErrorClassNotFound
	case errors.Is(err, fs.ErrPermission):
		class = ErrorClassAccess
	case errors.Is(err, paths.ErrEmptyPath):
		class = ErrorClassInvalid
	default:
		class = ErrorClassIO
	}
	return &EngineError{Class: class, Message: string(class), Path: path, Operation: op, Err: err}
}

// ClassOf returns the class of err, or "" when it is not classified.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsCapacityExceeded reports whether err is a capacity-exceeded error.
func IsCapacityExceeded(err error) bool { return ClassOf(err) == ErrorClassCapacity }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return ClassOf(err) == ErrorClassNotFound }

// IsAccessDenied reports whether err is an access-denied error.
func IsAccessDenied(err error) bool { return ClassOf(err) == ErrorClassAccess }

// IsInvalid reports whether err is an invalid-argument error.
func IsInvalid(err error) bool { return ClassOf(err) == ErrorClassInvalid }

// IsBudgetExceeded reports whether err is a budget error.
func IsBudgetExceeded(err error) bool { return ClassOf(err) == ErrorClassBudget }

// IsFatal returns true for errors that must abort the whole process
// without touching the store.
func IsFatal(err error) bool {
	switch ClassOf(err) {
	case ErrorClassAllocation, ErrorClassPrivilege:
		return true
	}
	return false
}
