package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeResourceBusy, "session already claimed")

	if err.Code != ErrCodeResourceBusy {
		t.Errorf("Expected code %s, got %s", ErrCodeResourceBusy, err.Code)
	}
	if err.Retryable {
		t.Error("New errors should not be retryable by default")
	}
	if !strings.Contains(err.Error(), "RESOURCE_BUSY") {
		t.Errorf("Error string should contain the code, got %q", err.Error())
	}
}

func TestWrap(t *testing.T) {
	underlying := stderrors.New("connection refused")
	err := Wrap(underlying, ErrCodeQueueBroker, "enqueue failed")

	if !stderrors.Is(err, underlying) {
		t.Error("Wrapped error should satisfy errors.Is for the underlying error")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Error string should include underlying message, got %q", err.Error())
	}

	if Wrap(nil, ErrCodeInternal, "nope") != nil {
		t.Error("Wrapping nil should return nil")
	}
}

func TestIsCode_Wrapped(t *testing.T) {
	inner := New(ErrCodeResourceNotFound, "no such session")
	outer := fmt.Errorf("acquire: %w", inner)

	if !IsCode(outer, ErrCodeResourceNotFound) {
		t.Error("IsCode should see through fmt.Errorf wrapping")
	}
	if IsCode(outer, ErrCodeResourceBusy) {
		t.Error("IsCode should not match a different code")
	}
	if IsCode(nil, ErrCodeResourceNotFound) {
		t.Error("IsCode(nil) should be false")
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(New(ErrCodeValidation, "bad input")); got != ErrCodeValidation {
		t.Errorf("Expected VALIDATION, got %s", got)
	}
	if got := GetCode(stderrors.New("plain")); got != ErrCodeInternal {
		t.Errorf("Plain errors should map to INTERNAL, got %s", got)
	}
	if got := GetCode(nil); got != "" {
		t.Errorf("nil error should map to empty code, got %s", got)
	}
}

func TestIsRetryable(t *testing.T) {
	transient := New(ErrCodeInteraction, "element timeout").WithRetryable(true)
	permanent := New(ErrCodeValidation, "empty recipient")

	if !IsRetryable(fmt.Errorf("step 3: %w", transient)) {
		t.Error("Retryable flag should survive wrapping")
	}
	if IsRetryable(permanent) {
		t.Error("Permanent error reported as retryable")
	}
	if IsRetryable(stderrors.New("plain")) {
		t.Error("Untyped errors should be treated as permanent")
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrCodeResourceBusy, "claimed").
		WithContext("session_id", "s-1").
		WithContext("job_id", "j-9")

	msg := err.Error()
	if !strings.Contains(msg, "session_id: s-1") {
		t.Errorf("Context should render in message, got %q", msg)
	}
}
