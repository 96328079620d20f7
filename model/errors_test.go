package model

import "testing"

func TestError_Error(t *testing.T) {
	e := &Error{Code: ErrNotFound, Message: "instance missing"}
	want := "NOT_FOUND: instance missing"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestError_implements_error(t *testing.T) {
	var _ error = (*Error)(nil)
}

func TestNewNotFoundError(t *testing.T) {
	e := NewNotFoundError("resource missing")
	if e.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", e.Code, ErrNotFound)
	}
	if e.Message != "resource missing" {
		t.Errorf("Message = %q, want %q", e.Message, "resource missing")
	}
}

func TestNewInvalidStateError(t *testing.T) {
	e := NewInvalidStateError("cannot cancel a completed workflow")
	if e.Code != ErrInvalidState {
		t.Errorf("Code = %q, want %q", e.Code, ErrInvalidState)
	}
}

func TestNewValidationFailedError(t *testing.T) {
	details := []FieldError{
		{Field: "steps", Code: "REQUIRED", Message: "template has no active steps"},
	}
	e := NewValidationFailedError("template validation failed", details)
	if e.Code != ErrValidationFailed {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationFailed)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "steps" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "steps")
	}
}

func TestNewUnsupportedStepTypeError(t *testing.T) {
	e := NewUnsupportedStepTypeError(StepType("teleport"))
	if e.Code != ErrUnsupportedStepType {
		t.Errorf("Code = %q, want %q", e.Code, ErrUnsupportedStepType)
	}
}

func TestNewRetryExhaustedError(t *testing.T) {
	e := NewRetryExhaustedError("max retries reached")
	if e.Code != ErrRetryExhausted {
		t.Errorf("Code = %q, want %q", e.Code, ErrRetryExhausted)
	}
}

func TestErrorCode(t *testing.T) {
	if got := ErrorCode(nil); got != "" {
		t.Errorf("ErrorCode(nil) = %q, want empty", got)
	}
	if got := ErrorCode(NewConflictError("version conflict")); got != ErrConflict {
		t.Errorf("ErrorCode = %q, want %q", got, ErrConflict)
	}
	if got := ErrorCode(errPlain); got != ErrInternalError {
		t.Errorf("ErrorCode(plain) = %q, want %q", got, ErrInternalError)
	}
}

var errPlain = errFixture("boom")

type errFixture string

func (e errFixture) Error() string { return string(e) }
