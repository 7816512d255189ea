package sharing

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrConfig      = errors.New("sharing: configuration error")
	ErrAuth        = errors.New("sharing: authentication failed")
	ErrNotFound    = errors.New("sharing: not found")
	ErrNetwork     = errors.New("sharing: network error")
	ErrTimeout     = errors.New("sharing: timeout")
	ErrExpiredLink = errors.New("sharing: signed url expired")
	ErrPartialRead = errors.New("sharing: partial read")
)

// ConfigError reports a malformed or missing credential profile or an
// invalid request built from caller input.
type ConfigError struct {
	Source string
	Field  string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "invalid configuration"
	if e.Source != "" {
		msg += " in " + e.Source
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %q)", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }
func (e *ConfigError) Unwrap() error        { return e.Err }

// AuthError reports a bearer token that is missing, expired or rejected.
type AuthError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	msg := "authentication failed"
	if e.Endpoint != "" {
		msg += " for " + e.Endpoint
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// NotFoundError covers both missing resources and resources the caller may
// not see. The server never distinguishes the two.
type NotFoundError struct {
	Share   string
	Schema  string
	Table   string
	Message string
}

func (e *NotFoundError) Error() string {
	msg := "not found"
	if ref := e.resource(); ref != "" {
		msg = ref + " not found"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *NotFoundError) resource() string {
	switch {
	case e.Table != "":
		return fmt.Sprintf("table %s.%s.%s", e.Share, e.Schema, e.Table)
	case e.Schema != "":
		return fmt.Sprintf("schema %s.%s", e.Share, e.Schema)
	case e.Share != "":
		return "share " + e.Share
	default:
		return ""
	}
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NetworkError is a transport failure or a server side 5xx.
type NetworkError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.URL)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }
func (e *NetworkError) Unwrap() error        { return e.Err }

// TimeoutError reports a call that exceeded its bounded wait.
type TimeoutError struct {
	Op      string
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s %s timed out", e.Op, e.URL)
	if e.Timeout > 0 {
		msg += " after " + e.Timeout.String()
	}
	return msg
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }
func (e *TimeoutError) Unwrap() error        { return e.Err }

// ExpiredLinkError is returned instead of fetching a signed URL past its
// expiration. The remedy is a new query, not a retry.
type ExpiredLinkError struct {
	FileIndex int
	FileID    string
	URL       string
	ExpiredAt time.Time
}

func (e *ExpiredLinkError) Error() string {
	return fmt.Sprintf("signed url for file %d (%s) expired at %s; re-run the query",
		e.FileIndex, e.FileID, e.ExpiredAt.UTC().Format(time.RFC3339))
}

func (e *ExpiredLinkError) Is(target error) bool { return target == ErrExpiredLink }

// PartialReadError aborts a materialization after one file failed for good.
type PartialReadError struct {
	FileIndex int
	FileID    string
	URL       string
	Completed int
	Cause     error
}

func (e *PartialReadError) Error() string {
	return fmt.Sprintf("materialization failed at file %d (%s) after %d completed files: %v",
		e.FileIndex, e.FileID, e.Completed, e.Cause)
}

func (e *PartialReadError) Is(target error) bool { return target == ErrPartialRead }
func (e *PartialReadError) Unwrap() error        { return e.Cause }
