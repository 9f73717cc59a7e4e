package service

import (
	"fmt"
	"net/http"
)

// Error codes returned to clients.
const (
	CodeValidation         = "validation_error"
	CodeInvalidCredentials = "invalid_credentials"
	CodeAccountLocked      = "account_locked"
	CodeAccountSuspended   = "account_suspended"
	CodeAccountInactive    = "account_inactive"
	CodePendingVerify      = "pending_verification"
	CodeTokenInvalid       = "token_invalid"
	CodeTokenExpired       = "token_expired"
	CodeTokenRevoked       = "token_revoked"
	CodeMFAInvalid         = "mfa_invalid"
	CodeMFAExpired         = "mfa_expired"
	CodeMFATooMany         = "mfa_too_many_attempts"
	CodeRateLimited        = "rate_limit_exceeded"
	CodeAlreadyLinked      = "already_linked"
	CodeLinkedToAnother    = "linked_to_another"
	CodeLastMethod         = "last_method"
	CodeNotFound           = "not_found"
	CodeServerError        = "server_error"
)

// FieldError carries field-level validation detail.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

// Error is the typed failure surfaced to HTTP handlers. Store and network
// failures are wrapped as server_error before reaching a client; the cause
// stays attached for boundary logging but never enters a response body.
type Error struct {
	Code    string
	Message string
	Status  int
	Fields  []FieldError
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

func validationError(message string, fields ...FieldError) *Error {
	return &Error{Code: CodeValidation, Message: message, Status: http.StatusBadRequest, Fields: fields}
}

// invalidCredentials is deliberately generic so responses cannot be used to
// probe which emails exist.
func invalidCredentials() *Error {
	return newError(CodeInvalidCredentials, "Invalid email or password.", http.StatusUnauthorized)
}

func rateLimited() *Error {
	return newError(CodeRateLimited, "Too many attempts. Try again later.", http.StatusTooManyRequests)
}

func serverError(err error) *Error {
	return &Error{
		Code:    CodeServerError,
		Message: "An internal error occurred.",
		Status:  http.StatusInternalServerError,
		cause:   err,
	}
}

// ErrUnauthenticated is returned when a protected handler is reached without
// validated claims.
var ErrUnauthenticated = newError(CodeTokenInvalid, "Authentication required.", http.StatusUnauthorized)
