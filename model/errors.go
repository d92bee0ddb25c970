package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrRateLimited     = "RATE_LIMITED"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Engine-specific error codes.
const (
	ErrExecutionNotActive = "EXECUTION_NOT_ACTIVE"
	ErrExecutionClaimed   = "EXECUTION_CLAIMED"
	ErrUnknownAction      = "UNKNOWN_ACTION"
	ErrDefinitionInactive = "DEFINITION_INACTIVE"
)

// ErrorEnvelope is the standard error response envelope. It implements
// the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
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

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
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

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrRateLimited, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewExecutionNotActiveError returns an EXECUTION_NOT_ACTIVE error.
func NewExecutionNotActiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrExecutionNotActive, Message: msg}
}

// NewExecutionClaimedError returns an EXECUTION_CLAIMED error, raised
// when another engine instance already holds the execution in running
// state.
func NewExecutionClaimedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrExecutionClaimed, Message: msg}
}

// NewDefinitionInactiveError returns a DEFINITION_INACTIVE error.
func NewDefinitionInactiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDefinitionInactive, Message: msg}
}

// IsCode reports whether err is an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	ee, ok := err.(*ErrorEnvelope)
	return ok && ee.Code == code
}
