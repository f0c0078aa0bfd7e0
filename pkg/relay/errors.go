package relay

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors matched with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrSendFailed = errors.New("send failed")
)

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned before any state changes when a request is
// malformed.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation error: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

// SendFailedError is returned when the transport rejected an admitted
// send. The message is marked failed and nothing was charged.
type SendFailedError struct {
	MessageID string
	Err       error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("send failed: %v", e.Err)
}

// Is reports ErrSendFailed.
func (e *SendFailedError) Is(target error) bool { return target == ErrSendFailed }

func (e *SendFailedError) Unwrap() error { return e.Err }
