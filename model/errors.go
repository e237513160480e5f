package model

import (
	"errors"
	"fmt"
	"strings"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrStorageUnavailable = "STORAGE_UNAVAILABLE"
	ErrPayloadTooLarge    = "PAYLOAD_TOO_LARGE"
)

// Claim workflow error codes.
const (
	ErrIllegalTransition  = "ILLEGAL_TRANSITION"
	ErrPreconditionFailed = "PRECONDITION_FAILED"
	ErrInvalidState       = "INVALID_STATE"
	ErrInvalidInput       = "INVALID_INPUT"
)

// Field error codes used in ErrorEnvelope.Details.
const (
	FieldMissingDocument = "MISSING_DOCUMENT"
	FieldFlaggedDocument = "FLAGGED_DOCUMENT"
	FieldRequired        = "REQUIRED"
	FieldTooShort        = "TOO_SHORT"
	FieldTooLong         = "TOO_LONG"
	FieldOutOfRange      = "OUT_OF_RANGE"
	FieldUnknown         = "UNKNOWN_REFERENCE"
)

// ErrorEnvelope is the standard error returned by the engine, the stores and
// the HTTP API. It implements the error interface.
type ErrorEnvelope struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details []FieldError   `json:"details,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code carried by err, or "" when err is not an
// ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err carries the given envelope code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewIllegalTransitionError reports an action that is not defined for the
// claim's current status.
func NewIllegalTransitionError(current ClaimStatus, action Action) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrIllegalTransition,
		Message: fmt.Sprintf("action %q is not allowed while the claim is %s", action, current),
		Meta: map[string]any{
			"current_status": string(current),
			"action":         string(action),
		},
	}
}

// NewPreconditionFailedError reports a business rule that blocks an otherwise
// legal action. Details name the missing or offending elements.
func NewPreconditionFailedError(msg string, details ...FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrPreconditionFailed, Message: msg, Details: details}
}

// NewInvalidStateError returns an INVALID_STATE error.
func NewInvalidStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidState, Message: msg}
}

// NewInvalidInputError returns an INVALID_INPUT error.
func NewInvalidInputError(msg string, details ...FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidInput, Message: msg, Details: details}
}

// NewStorageUnavailableError returns a STORAGE_UNAVAILABLE error.
func NewStorageUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStorageUnavailable,
		Message: "The claim store is temporarily unavailable",
	}
}

// NewPayloadTooLargeError returns a PAYLOAD_TOO_LARGE error.
func NewPayloadTooLargeError(limit int64) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPayloadTooLarge,
		Message: fmt.Sprintf("Upload exceeds the %d byte limit", limit),
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// DetailFields returns the Field names of the envelope's details joined by
// commas. Used in log lines.
func (e *ErrorEnvelope) DetailFields() string {
	fields := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		fields = append(fields, d.Field)
	}
	return strings.Join(fields, ",")
}
