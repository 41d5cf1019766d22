package dispatch

import (
	"errors"
	"fmt"
)

// Error codes reported to callers.
const (
	CodeInvalidContentID = "invalid_content_id"
	CodeContentNotFound  = "content_not_found"
	CodeInvalidInput     = "invalid_input"
	CodeTooManyItems     = "too_many_items"
	CodeSubmitFailed     = "submit_failed"
)

// ValidationError rejects a request before any job is created or changed.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

func invalid(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}
