package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestReconError_Error(t *testing.T) {
	err := Wrap(fmt.Errorf("connection refused"), CodeSearchFailed, "search request failed").
		WithContext("page", 3).
		WithContext("cursor", "42")

	want := "[E102] search request failed (cursor=42, page=3): connection refused"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestWrap_Nil(t *testing.T) {
	if err := Wrap(nil, CodeUnknown, "nothing"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestCodes(t *testing.T) {
	cause := errors.New("boom")
	wrapped := fmt.Errorf("download: %w", SearchFailed(cause, 1))

	if !IsCode(wrapped, CodeSearchFailed) {
		t.Error("IsCode should see through fmt wrapping")
	}
	if GetCode(wrapped) != CodeSearchFailed {
		t.Errorf("GetCode = %s", GetCode(wrapped))
	}
	if GetCode(cause) != CodeUnknown {
		t.Errorf("GetCode(plain) = %s, want %s", GetCode(cause), CodeUnknown)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is should reach the cause")
	}
	if !errors.Is(wrapped, New(CodeSearchFailed, "other message")) {
		t.Error("errors.Is should match on code")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{SearchFailed(errors.New("reset"), 1), true},
		{FromContext(context.DeadlineExceeded, "search"), true},
		{New(CodeUploadFailed, "part failed"), true},
		{FromContext(context.Canceled, "search"), false},
		{BackendStatus(400, "bad query"), false},
		{InvalidConfig("search.url", ""), false},
		{errors.New("plain"), false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestFromContext(t *testing.T) {
	if code := FromContext(context.Canceled, "x").Code; code != CodeContextCanceled {
		t.Errorf("Canceled code = %s", code)
	}
	if code := FromContext(context.DeadlineExceeded, "x").Code; code != CodeTimeout {
		t.Errorf("DeadlineExceeded code = %s", code)
	}
}

func TestMultiError(t *testing.T) {
	var m MultiError
	if m.Combined() != nil {
		t.Error("empty Combined() should be nil")
	}

	first := errors.New("first")
	m.Add(first)
	m.Add(nil)
	if m.Combined() != first {
		t.Errorf("single Combined() = %v, want the error itself", m.Combined())
	}

	m.Add(errors.New("second"))
	err := m.Combined()
	if err == nil || !strings.HasPrefix(err.Error(), "2 errors occurred") {
		t.Errorf("Combined() = %v", err)
	}
}

func TestStackTrace(t *testing.T) {
	err := New(CodeUnknown, "x")
	if len(err.StackTrace) == 0 {
		t.Fatal("no stack captured")
	}
	if !strings.Contains(err.StackTrace[0].Function, "TestStackTrace") {
		t.Errorf("first frame = %s, want the caller", err.StackTrace[0].Function)
	}
}
