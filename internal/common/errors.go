package common

import (
	"errors"
	"fmt"
	"time"
)

// Machine-readable error codes surfaced in the response envelope.
const (
	CodeInvalidToken  = "INVALID_TOKEN"
	CodeNoAuth        = "NO_AUTH"
	CodeQuotaExceeded = "QUOTA_EXCEEDED"
	CodeValidation    = "VALIDATION_ERROR"
	CodeNotFound      = "NOT_FOUND"
	CodeStorage       = "STORAGE_ERROR"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrUnauthorized = errors.New("authentication required")
)

// AuthError distinguishes expired tokens (recoverable, re-mint anonymous)
// from malformed or badly signed ones. Neither yields a registered identity.
type AuthError struct {
	Code    string
	Expired bool
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %v", e.Err)
	}
	return "auth: " + e.Code
}

func (e *AuthError) Unwrap() error { return e.Err }

// QuotaError carries the time left until the caller's window resets.
type QuotaError struct {
	Limit     int
	Current   int
	ResetsAt  time.Time
	Remaining time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %d/%d, resets in %s", e.Current, e.Limit, e.Remaining.Round(time.Second))
}

// ValidationError blocks before any mutation occurs.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
	}
	return "validation: " + e.Msg
}
