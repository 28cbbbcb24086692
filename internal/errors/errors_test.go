package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestEDSError_Error(t *testing.T) {
	err := New(ErrCategoryLedger, CodeVersionExists, "version exists")
	expected := "[LEDGER:VERSION_EXISTS] version exists"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestEDSError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("revert: not allowed")
	err := ErrUpgradeFailedRevert.WithCause(cause)
	expected := "[EXECUTION:UPGRADE_FAILED_WITH_REVERT] upgrade failed with revert: revert: not allowed"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestEDSError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryStorage, CodeUploadFailed, "upload", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestEDSError_Is(t *testing.T) {
	detailed := ErrDistributionNotFound.WithDetails(map[string]interface{}{"id": "0x01"})
	wrapped := fmt.Errorf("instantiate: %w", detailed)

	if !errors.Is(wrapped, ErrDistributionNotFound) {
		t.Error("wrapped sentinel with details should match via Is")
	}
	if errors.Is(wrapped, ErrAddressNotFound) {
		t.Error("errors with different codes should not match via Is")
	}
	if errors.Is(ErrInvalidApp, ErrInvalidInstance) {
		t.Error("distinct authorization codes should not match")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStorage, CodeUploadFailed, true},
		{ErrCategoryStorage, CodeDownloadFailed, true},
		{ErrCategoryStorage, CodeObjectNotFound, false},
		{ErrCategoryLedger, CodeVersionIncrementInvalid, false},
		{ErrCategoryAuthorization, CodeVersionOutdated, false},
		{ErrCategoryExecution, CodeUpgradeFailedPanic, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	if GetCategory(ErrNotAnInstaller) != ErrCategoryAuthorization {
		t.Errorf("got %q, want %q", GetCategory(ErrNotAnInstaller), ErrCategoryAuthorization)
	}
	if GetCode(ErrNotAnInstaller) != CodeNotAnInstaller {
		t.Errorf("got %q, want %q", GetCode(ErrNotAnInstaller), CodeNotAnInstaller)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-EDSError should return empty category")
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-EDSError should return empty code")
	}
}

func TestWithDetails(t *testing.T) {
	detailed := ErrAliasAlreadyExists.WithDetails(map[string]interface{}{"alias": "token"})

	if detailed.Details["alias"] != "token" {
		t.Error("WithDetails should set details")
	}
	// Sentinel should be unmodified
	if ErrAliasAlreadyExists.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	v := NewValidationError("bad version string")
	if v.Category != ErrCategoryValidation || v.Code != CodeInvalidArgument {
		t.Error("NewValidationError mismatch")
	}

	s := NewStorageError(CodeUploadFailed, "s3 down", cause)
	if s.Category != ErrCategoryStorage || !errors.Is(s, cause) || !s.Retryable {
		t.Error("NewStorageError mismatch")
	}

	i := NewInternalError("unexpected", cause)
	if i.Category != ErrCategoryInternal || i.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}
