package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
//
// The prefix of every code selects its class in the pipeline's error taxonomy:
//
//	auth_*       AuthenticationError    never retried, 401 at the gateway
//	validation_* ValidationError        never retried, 400 at the gateway
//	transient_*  TransientDeliveryError retried by the layer that detected it
//	fatal_*      FatalExecutionError    not retried, escalated to an operator
//	queue_*      QueueUnavailableError  500 at the gateway, redelivery at the worker
//	internal_*   unexpected failures    500
type ErrorCode string

// All components MUST use these constants instead of hardcoded strings.
const (
	// Authentication (401)
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"

	// Validation (400)
	ErrCodeValidationInvalidJSON      ErrorCode = "validation_invalid_json"
	ErrCodeValidationMissingField     ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidType      ErrorCode = "validation_invalid_field_type"
	ErrCodeValidationInvalidCharacter ErrorCode = "validation_invalid_characters"
	ErrCodeValidationInvalidTask      ErrorCode = "validation_invalid_task"

	// Transient delivery or execution failures (retryable)
	ErrCodeTransientTimeout     ErrorCode = "transient_timeout"
	ErrCodeTransientNetwork     ErrorCode = "transient_network"
	ErrCodeTransientThrottled   ErrorCode = "transient_throttled"
	ErrCodeTransientUpstream    ErrorCode = "transient_upstream_unavailable"
	ErrCodeTransientConflict    ErrorCode = "transient_operation_in_progress"
	ErrCodeTransientCircuitOpen ErrorCode = "transient_circuit_open"

	// Fatal execution failures (never retried)
	ErrCodeFatalUnauthenticated  ErrorCode = "fatal_provider_unauthenticated"
	ErrCodeFatalPermissionDenied ErrorCode = "fatal_permission_denied"
	ErrCodeFatalNotFound         ErrorCode = "fatal_instance_not_found"
	ErrCodeFatalRejected         ErrorCode = "fatal_request_rejected"
	ErrCodeFatalRetriesExhausted ErrorCode = "fatal_retries_exhausted"

	// Queue / claim infrastructure
	ErrCodeQueueUnavailable ErrorCode = "queue_unavailable"
	ErrCodeQueueClaimStore  ErrorCode = "queue_claim_store_unavailable"

	// Internal (500)
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
)

// HTTPStatus maps an ErrorCode to the HTTP status the gateway answers with.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "transient_"):
		return http.StatusServiceUnavailable
	case strings.HasPrefix(s, "fatal_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Transient reports whether the code belongs to the retryable class.
func (c ErrorCode) Transient() bool {
	return strings.HasPrefix(string(c), "transient_")
}

// Fatal reports whether the code belongs to the permanent execution class.
func (c ErrorCode) Fatal() bool {
	return strings.HasPrefix(string(c), "fatal_")
}

// AppError is the standard application error type used throughout the pipeline.
// Components express failures as AppError so that retry classification and
// HTTP status mapping are driven by a single code.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf extracts the ErrorCode from the first AppError in err's chain.
// Errors that carry no AppError are reported as internal_unexpected_error.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}

// IsTransient reports whether err is classified as a TransientDeliveryError.
func IsTransient(err error) bool {
	return err != nil && CodeOf(err).Transient()
}

// IsFatal reports whether err is classified as a FatalExecutionError.
func IsFatal(err error) bool {
	return err != nil && CodeOf(err).Fatal()
}
