// Package errors provides structured error types for the distribution
// control plane. All errors include a category, code, message, and retryable
// flag for consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the kind of precondition that failed.
type ErrorCategory string

const (
	ErrCategoryLookup        ErrorCategory = "LOOKUP"
	ErrCategoryUniqueness    ErrorCategory = "UNIQUENESS"
	ErrCategoryVersion       ErrorCategory = "VERSION"
	ErrCategoryLedger        ErrorCategory = "LEDGER"
	ErrCategoryAuthorization ErrorCategory = "AUTHORIZATION"
	ErrCategoryMigration     ErrorCategory = "MIGRATION"
	ErrCategoryExecution     ErrorCategory = "EXECUTION"
	ErrCategoryValidation    ErrorCategory = "VALIDATION"
	ErrCategoryStorage       ErrorCategory = "STORAGE"
	ErrCategoryInternal      ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Lookup codes
	CodeDistributionNotFound = "DISTRIBUTION_NOT_FOUND"
	CodeAddressNotFound      = "ADDRESS_NOT_FOUND"
	CodeInvalidRepository    = "INVALID_REPOSITORY"
	CodeAppNotFound          = "APP_NOT_FOUND"

	// Uniqueness codes
	CodeAliasAlreadyExists = "ALIAS_ALREADY_EXISTS"
	CodeDistributionExists = "DISTRIBUTION_EXISTS"
	CodeAlreadyExists      = "ALREADY_EXISTS"

	// Version codes
	CodeInvalidVersionRequested = "INVALID_VERSION_REQUESTED"
	CodeUnversionedDistribution = "UNVERSIONED_DISTRIBUTION"
	CodeVersionMismatch         = "VERSION_MISMATCH"

	// Ledger codes
	CodeVersionDoesNotExist      = "VERSION_DOES_NOT_EXIST"
	CodeVersionIncrementInvalid  = "VERSION_INCREMENT_INVALID"
	CodeVersionExists            = "VERSION_EXISTS"
	CodeReleaseZeroNotAllowed    = "RELEASE_ZERO_NOT_ALLOWED"
	CodeMajorVersionDoesNotExist = "MAJOR_VERSION_DOES_NOT_EXIST"

	// Authorization codes
	CodeInvalidApp      = "INVALID_APP"
	CodeInvalidInstance = "INVALID_INSTANCE"
	CodeNotAnInstaller  = "NOT_AN_INSTALLER"
	CodeNotAnInstance   = "NOT_AN_INSTANCE"
	CodeVersionOutdated = "VERSION_OUTDATED"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeInvalidTarget   = "INVALID_TARGET"

	// Migration codes
	CodeMigrationContractNotFound = "MIGRATION_CONTRACT_NOT_FOUND"
	CodeMigrationAlreadyExists    = "MIGRATION_ALREADY_EXISTS"
	CodeInvalidMigration          = "INVALID_MIGRATION"
	CodeMigrationOutOfRange       = "MIGRATION_OUT_OF_RANGE"
	CodeAppDataLengthMismatch     = "APP_DATA_LENGTH_MISMATCH"

	// Execution codes
	CodeInstantiationFailed   = "INSTANTIATION_FAILED"
	CodeInstantiationPanic    = "INSTANTIATION_PANIC"
	CodeInstantiationLowLevel = "INSTANTIATION_LOW_LEVEL"
	CodeUpgradeFailedRevert   = "UPGRADE_FAILED_WITH_REVERT"
	CodeUpgradeFailedPanic    = "UPGRADE_FAILED_WITH_PANIC"
	CodeUpgradeFailedError    = "UPGRADE_FAILED_WITH_ERROR"
	CodeNoCode                = "NO_CODE"

	// Validation codes
	CodeInvalidArgument = "INVALID_ARGUMENT"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// EDSError is the structured error type used throughout the system.
type EDSError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *EDSError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *EDSError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *EDSError) Is(target error) bool {
	var t *EDSError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new EDSError.
func New(category ErrorCategory, code, message string) *EDSError {
	return &EDSError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new EDSError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *EDSError {
	return &EDSError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *EDSError) WithDetails(details map[string]interface{}) *EDSError {
	cp := *e
	cp.Details = details
	return &cp
}

// WithCause returns a copy of the error wrapping cause.
func (e *EDSError) WithCause(cause error) *EDSError {
	cp := *e
	cp.Cause = cause
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ae *EDSError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an EDSError.
func GetCategory(err error) ErrorCategory {
	var ae *EDSError
	if errors.As(err, &ae) {
		return ae.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an EDSError.
func GetCode(err error) string {
	var ae *EDSError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// Only transient storage failures are worth retrying. Everything else is a
// precondition the caller has to correct first.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Sentinel errors. Compare with errors.Is; attach context with WithDetails.
var (
	ErrDistributionNotFound = New(ErrCategoryLookup, CodeDistributionNotFound, "distribution not found")
	ErrAddressNotFound      = New(ErrCategoryLookup, CodeAddressNotFound, "address not found")
	ErrInvalidRepository    = New(ErrCategoryLookup, CodeInvalidRepository, "invalid repository")
	ErrAppNotFound          = New(ErrCategoryLookup, CodeAppNotFound, "app not found")

	ErrAliasAlreadyExists = New(ErrCategoryUniqueness, CodeAliasAlreadyExists, "alias already exists")
	ErrDistributionExists = New(ErrCategoryUniqueness, CodeDistributionExists, "distribution already exists")
	ErrAlreadyExists      = New(ErrCategoryUniqueness, CodeAlreadyExists, "already exists")

	ErrInvalidVersionRequested = New(ErrCategoryVersion, CodeInvalidVersionRequested, "invalid version requested")
	ErrUnversionedDistribution = New(ErrCategoryVersion, CodeUnversionedDistribution, "unversioned distribution")
	ErrVersionMismatch         = New(ErrCategoryVersion, CodeVersionMismatch, "version mismatch")

	ErrVersionDoesNotExist      = New(ErrCategoryLedger, CodeVersionDoesNotExist, "version does not exist")
	ErrVersionIncrementInvalid  = New(ErrCategoryLedger, CodeVersionIncrementInvalid, "version increment invalid")
	ErrVersionExists            = New(ErrCategoryLedger, CodeVersionExists, "version exists")
	ErrReleaseZeroNotAllowed    = New(ErrCategoryLedger, CodeReleaseZeroNotAllowed, "release zero not allowed")
	ErrMajorVersionDoesNotExist = New(ErrCategoryLedger, CodeMajorVersionDoesNotExist, "major version does not exist")

	ErrInvalidApp      = New(ErrCategoryAuthorization, CodeInvalidApp, "invalid app")
	ErrInvalidInstance = New(ErrCategoryAuthorization, CodeInvalidInstance, "invalid instance")
	ErrNotAnInstaller  = New(ErrCategoryAuthorization, CodeNotAnInstaller, "not an installer")
	ErrNotAnInstance   = New(ErrCategoryAuthorization, CodeNotAnInstance, "not an instance")
	ErrVersionOutdated = New(ErrCategoryAuthorization, CodeVersionOutdated, "version outdated")
	ErrUnauthorized    = New(ErrCategoryAuthorization, CodeUnauthorized, "unauthorized")
	ErrInvalidTarget   = New(ErrCategoryAuthorization, CodeInvalidTarget, "invalid target")

	ErrMigrationContractNotFound = New(ErrCategoryMigration, CodeMigrationContractNotFound, "migration contract not found")
	ErrMigrationAlreadyExists    = New(ErrCategoryMigration, CodeMigrationAlreadyExists, "migration already exists")
	ErrInvalidMigration          = New(ErrCategoryMigration, CodeInvalidMigration, "invalid migration")
	ErrMigrationOutOfRange       = New(ErrCategoryMigration, CodeMigrationOutOfRange, "app version outside migration range")
	ErrAppDataLengthMismatch     = New(ErrCategoryMigration, CodeAppDataLengthMismatch, "app data length mismatch")

	ErrInstantiationFailed   = New(ErrCategoryExecution, CodeInstantiationFailed, "instantiation failed")
	ErrInstantiationPanic    = New(ErrCategoryExecution, CodeInstantiationPanic, "instantiation panicked")
	ErrInstantiationLowLevel = New(ErrCategoryExecution, CodeInstantiationLowLevel, "instantiation failed with low-level error")
	ErrUpgradeFailedRevert   = New(ErrCategoryExecution, CodeUpgradeFailedRevert, "upgrade failed with revert")
	ErrUpgradeFailedPanic    = New(ErrCategoryExecution, CodeUpgradeFailedPanic, "upgrade failed with panic")
	ErrUpgradeFailedError    = New(ErrCategoryExecution, CodeUpgradeFailedError, "upgrade failed with error")
	ErrNoCode                = New(ErrCategoryExecution, CodeNoCode, "no code at address")

	ErrInvalidArgument = New(ErrCategoryValidation, CodeInvalidArgument, "invalid argument")
)

// Convenience constructors for common errors.

func NewValidationError(message string) *EDSError {
	return New(ErrCategoryValidation, CodeInvalidArgument, message)
}

func NewStorageError(code, message string, cause error) *EDSError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *EDSError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
