package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ValidationError reports malformed or incomplete client input, keyed by
// field. Requests rejected this way never touch the ledger.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// AsValidationError unwraps err as a *ValidationError if it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

var (
	// ErrBackendUnavailable covers connection refused and timeouts talking
	// to the local model server.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendProtocol covers unexpected response shapes from the backend.
	ErrBackendProtocol = errors.New("unexpected backend response")

	// ErrObserverStream covers an unreadable or unexpectedly rotated log
	// stream; recovered locally by reopening.
	ErrObserverStream = errors.New("observer stream error")

	// ErrReportingTransport covers an unreachable autoscaler; retried with
	// backoff, never surfaced on the client path.
	ErrReportingTransport = errors.New("autoscaler transport error")
)
