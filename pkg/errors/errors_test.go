package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewConfigError("API endpoint not configured")
	expected := "CONFIG_ERROR: API endpoint not configured"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("disk full")
	err := NewStorageError("write", originalErr)

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
	if !errors.Is(err, originalErr) {
		t.Error("errors.Is should see through AppError")
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAttachmentError("attach failed", true, nil)
	err.WithContext("tab_id", "T1").WithContext("attempt", 3)

	if err.Context["tab_id"] != "T1" {
		t.Errorf("Context[tab_id] = %v, want 'T1'", err.Context["tab_id"])
	}
	if err.Context["attempt"] != 3 {
		t.Errorf("Context[attempt] = %v, want 3", err.Context["attempt"])
	}
}

func TestTaxonomyCodes(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		code ErrorCode
	}{
		{"config", NewConfigError("missing"), ErrCodeConfig},
		{"timeout", NewTimeoutError("getStats", nil), ErrCodeTimeout},
		{"attachment", NewAttachmentError("busy", false, nil), ErrCodeAttachment},
		{"storage", NewStorageError("read", nil), ErrCodeStorage},
		{"normalization skip", NewNormalizationSkip("bad entry"), ErrCodeNormalizationSkip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %v, want %v", tt.err.Code, tt.code)
			}
			if !IsCode(fmt.Errorf("wrapped: %w", tt.err), tt.code) {
				t.Errorf("IsCode should match wrapped %v", tt.code)
			}
		})
	}
}

func TestIsRetriable(t *testing.T) {
	retriable := NewAttachmentError("Detached while handling command", true, nil)
	fatal := NewAttachmentError("No tab with given id", false, nil)

	if !IsRetriable(fmt.Errorf("attempt 1: %w", retriable)) {
		t.Error("IsRetriable() should return true for wrapped retriable error")
	}
	if IsRetriable(fatal) {
		t.Error("IsRetriable() should return false for fatal attachment error")
	}
	if IsRetriable(errors.New("plain")) {
		t.Error("IsRetriable() should return false for plain errors")
	}
}

func TestIsAppError(t *testing.T) {
	appErr := NewInvalidInputError("test")
	regularErr := errors.New("regular error")

	if !IsAppError(appErr) {
		t.Error("IsAppError() should return true for AppError")
	}
	if IsAppError(regularErr) {
		t.Error("IsAppError() should return false for regular error")
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewNotFoundError("tab")

	if result := GetAppError(appErr); result != appErr {
		t.Errorf("GetAppError() = %v, want %v", result, appErr)
	}

	wrapped := fmt.Errorf("outer: %w", appErr)
	if result := GetAppError(wrapped); result != appErr {
		t.Errorf("GetAppError(wrapped) = %v, want %v", result, appErr)
	}

	if result := GetAppError(nil); result != nil {
		t.Errorf("GetAppError(nil) = %v, want nil", result)
	}
	if result := GetAppError(errors.New("plain")); result != nil {
		t.Errorf("GetAppError(plain) = %v, want nil", result)
	}
}
