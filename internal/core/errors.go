package core

import (
	"errors"
	"fmt"
)

// Error codes for domain errors.
const (
	ErrCodeInvalidIdentity = "invalid_identity"
	ErrCodeEmptyMessage    = "empty_message"
	ErrCodeLogUnavailable  = "log_unavailable"
	ErrCodeBusUnavailable  = "bus_unavailable"
	ErrCodeMalformedRecord = "malformed_record"
	ErrCodeSessionClosed   = "session_closed"
)

var (
	// ErrInvalidIdentity rejects channel derivation input; fatal to session open.
	ErrInvalidIdentity = coreError(ErrCodeInvalidIdentity, "invalid identity")
	// ErrEmptyMessage rejects blank text before any transport is touched.
	ErrEmptyMessage = coreError(ErrCodeEmptyMessage, "message is empty")
	// ErrLogUnavailable reports a durable log backend failure.
	ErrLogUnavailable = coreError(ErrCodeLogUnavailable, "durable log unavailable")
	// ErrBusUnavailable reports an ephemeral transport failure.
	ErrBusUnavailable = coreError(ErrCodeBusUnavailable, "ephemeral bus unavailable")
	// ErrMalformedRecord reports a stored or received record that fails validation.
	ErrMalformedRecord = coreError(ErrCodeMalformedRecord, "malformed record")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = coreError(ErrCodeSessionClosed, "session closed")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// Code extracts the domain error code from err, or "" if err carries none.
func Code(err error) string {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// wrapCode annotates a sentinel with detail while keeping errors.Is working.
func wrapCode(sentinel *CoreError, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// LogUnavailable wraps a backend error as ErrLogUnavailable.
func LogUnavailable(op string, err error) error {
	if errors.Is(err, ErrLogUnavailable) || errors.Is(err, ErrMalformedRecord) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrLogUnavailable, op, err)
}

// BusUnavailable wraps a transport error as ErrBusUnavailable.
func BusUnavailable(op string, err error) error {
	if errors.Is(err, ErrBusUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrBusUnavailable, op, err)
}

// Malformed builds an ErrMalformedRecord with detail.
func Malformed(format string, args ...any) error {
	return wrapCode(ErrMalformedRecord, format, args...)
}
