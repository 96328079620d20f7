package model

import "fmt"

// Standard error codes.
const (
	ErrNotFound            = "NOT_FOUND"
	ErrConflict            = "CONFLICT"
	ErrInvalidState        = "INVALID_STATE"
	ErrValidationFailed    = "VALIDATION_FAILED"
	ErrRetryExhausted      = "RETRY_EXHAUSTED"
	ErrHandlerFailure      = "HANDLER_FAILURE"
	ErrUnsupportedStepType = "UNSUPPORTED_STEP_TYPE"
	ErrNoActiveSteps       = "NO_ACTIVE_STEPS"
	ErrInternalError       = "INTERNAL_ERROR"
)

// Error is the structured error returned by all engine and service
// operations. It carries a stable code plus a human-readable message, so no
// raw fault ever surfaces past the engine boundary. It implements the error
// interface.
type Error struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *Error {
	return &Error{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *Error {
	return &Error{Code: ErrConflict, Message: msg}
}

// NewInvalidStateError returns an INVALID_STATE error for operations that are
// illegal in the entity's current status.
func NewInvalidStateError(msg string) *Error {
	return &Error{Code: ErrInvalidState, Message: msg}
}

// NewValidationFailedError returns a VALIDATION_FAILED error with field-level
// details.
func NewValidationFailedError(msg string, details []FieldError) *Error {
	return &Error{Code: ErrValidationFailed, Message: msg, Details: details}
}

// NewRetryExhaustedError returns a RETRY_EXHAUSTED error.
func NewRetryExhaustedError(msg string) *Error {
	return &Error{Code: ErrRetryExhausted, Message: msg}
}

// NewHandlerFailureError returns a HANDLER_FAILURE error.
func NewHandlerFailureError(msg string) *Error {
	return &Error{Code: ErrHandlerFailure, Message: msg}
}

// NewUnsupportedStepTypeError returns an UNSUPPORTED_STEP_TYPE error.
func NewUnsupportedStepTypeError(stepType StepType) *Error {
	return &Error{
		Code:    ErrUnsupportedStepType,
		Message: fmt.Sprintf("unsupported step type %q", stepType),
	}
}

// NewNoActiveStepsError returns a NO_ACTIVE_STEPS error.
func NewNoActiveStepsError(templateID string) *Error {
	return &Error{
		Code:    ErrNoActiveSteps,
		Message: fmt.Sprintf("template %q has no active steps", templateID),
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *Error {
	return &Error{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// ErrorCode extracts the code from an error, or INTERNAL_ERROR when err is
// not a structured Error.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ErrInternalError
}
