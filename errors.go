package connect

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the failure class of a WalletError.
type ErrorCode string

const (
	CodeNotInitialized         ErrorCode = "NOT_INITIALIZED"
	CodeAlreadyInitialized     ErrorCode = "ALREADY_INITIALIZED"
	CodeTimeout                ErrorCode = "TIMEOUT"
	CodeDestroyed              ErrorCode = "DESTROYED"
	CodeSignFailed             ErrorCode = "SIGN_FAILED"
	CodeInvalidMessage         ErrorCode = "INVALID_MESSAGE"
	CodeInvalidOrigin          ErrorCode = "INVALID_ORIGIN"
	CodeValidationFailed       ErrorCode = "VALIDATION_FAILED"
	CodeCredentialInaccessible ErrorCode = "CREDENTIAL_INACCESSIBLE"
	CodeAlreadyExists          ErrorCode = "ALREADY_EXISTS"
	CodeUserCancelled          ErrorCode = "USER_CANCELLED"
	CodeUnknownKey             ErrorCode = "UNKNOWN_KEY"
	CodeUnknownAddress         ErrorCode = "UNKNOWN_ADDRESS"
)

// WalletError is the error type surfaced to SDK callers. The Code is stable
// and suitable for programmatic handling; Message is human-readable and may
// come verbatim from the wallet frontend.
type WalletError struct {
	Code    ErrorCode
	Message string
	cause   error
}

func (e *WalletError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *WalletError) Unwrap() error { return e.cause }

// newError builds a WalletError with a formatted message.
func newError(code ErrorCode, format string, args ...any) *WalletError {
	return &WalletError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// wrapError builds a WalletError that preserves the underlying cause.
func wrapError(code ErrorCode, cause error, format string, args ...any) *WalletError {
	return &WalletError{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the ErrorCode from err, or "" if err is not a WalletError.
func CodeOf(err error) ErrorCode {
	var we *WalletError
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

// IsCode reports whether err is a WalletError with the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
