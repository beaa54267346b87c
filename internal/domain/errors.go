package domain

import (
	"errors"
	"fmt"
)

// Error codes for the failure taxonomy. Per-candidate failures (parse,
// score) never abort a request; backend failures do.
const (
	ErrValidation     = "VALIDATION_ERROR"
	ErrLexicalBackend = "LEXICAL_BACKEND_ERROR"
	ErrDenseNotReady  = "DENSE_NOT_READY"
	ErrNoResults      = "NO_RESULTS"
	ErrParse          = "PARSE_ERROR"
	ErrScore          = "SCORE_ERROR"
	ErrCancelled      = "CANCELLED"
	ErrInternalServer = "INTERNAL_SERVER_ERROR"
)

// MatchError is the standardized error carried across component boundaries.
type MatchError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface.
func (e *MatchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *MatchError) Unwrap() error {
	return e.cause
}

// NewMatchError creates a MatchError wrapping an optional cause.
func NewMatchError(code, message string, cause error) *MatchError {
	details := ""
	if cause != nil {
		details = cause.Error()
	}
	return &MatchError{Code: code, Message: message, Details: details, cause: cause}
}

// ValidationError represents an invalid request parameter. It surfaces as a
// 4xx-equivalent and has no side effects.
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: message, Value: value}
}

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	return hasCode(err, ErrValidation)
}

// IsLexicalBackend reports whether err is a lexical backend failure, which
// is fatal to the whole request.
func IsLexicalBackend(err error) bool {
	return hasCode(err, ErrLexicalBackend)
}

func hasCode(err error, code string) bool {
	var me *MatchError
	return errors.As(err, &me) && me.Code == code
}
