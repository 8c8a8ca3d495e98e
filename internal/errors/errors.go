// Package errors defines the orchestration error taxonomy shared by every
// component, plus the resilience primitives built on it (circuit breaker,
// backoff). Internal boundaries return *Error values; only the tool
// dispatcher converts them to the external envelope.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for the external envelope. The
// set is closed: new failure modes get a new kind, not a reused one.
type Kind string

const (
	KindValidation          Kind = "Validation"
	KindNotFound            Kind = "NotFound"
	KindTerminalState       Kind = "TerminalState"
	KindPhaseMismatch       Kind = "PhaseMismatch"
	KindArtifactValidation  Kind = "ArtifactValidation"
	KindReadOnly            Kind = "ReadOnly"
	KindInvalidProjectState Kind = "InvalidProjectState"
	KindQueueFull           Kind = "QueueFull"
	KindShuttingDown        Kind = "ShuttingDown"
	KindNoAgentAvailable    Kind = "NoAgentAvailable"
	KindCircuitOpen         Kind = "CircuitOpen"
	KindRateLimited         Kind = "RateLimited"
	KindSpawnFailed         Kind = "SpawnFailed"
	KindChildExitedNonZero  Kind = "ChildExitedNonZero"
	KindKillFailed          Kind = "KillFailed"
	KindPersistence         Kind = "PersistenceError"

	// KindInternal is the fallback for errors that escaped classification.
	KindInternal Kind = "Internal"
)

// Severity grades an error for the envelope and the observability sink.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// DefaultSeverity returns the severity a kind carries unless overridden.
// Admission rejections are expected operating conditions, not faults.
func DefaultSeverity(kind Kind) Severity {
	switch kind {
	case KindQueueFull, KindShuttingDown, KindRateLimited, KindCircuitOpen:
		return SeverityWarning
	case KindValidation, KindNotFound, KindTerminalState, KindPhaseMismatch,
		KindArtifactValidation, KindReadOnly, KindInvalidProjectState,
		KindNoAgentAvailable:
		return SeverityWarning
	case KindPersistence, KindKillFailed:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// Error is the typed error carried across internal boundaries.
type Error struct {
	Kind     Kind
	Message  string
	Severity Severity
	Hint     string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithHint attaches a remediation hint surfaced through the envelope.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// Newf builds a classified error.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:     kind,
		Message:  fmt.Sprintf(format, args...),
		Severity: DefaultSeverity(kind),
	}
}

// Wrapf builds a classified error around a cause.
func Wrapf(err error, kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:     kind,
		Message:  fmt.Sprintf(format, args...),
		Severity: DefaultSeverity(kind),
		Err:      err,
	}
}

// Validationf is the constructor for the most common precondition failure.
func Validationf(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

// NotFoundf reports a missing id.
func NotFoundf(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// KindOf extracts the kind from anywhere in the chain; unclassified errors
// report KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind == kind
	}
	return false
}

// AsError extracts the typed error, wrapping unclassified ones as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return &Error{
		Kind:     KindInternal,
		Message:  err.Error(),
		Severity: SeverityError,
		Err:      err,
	}
}

// Envelope is the structured error shape crossing the tool boundary. Stack
// traces never appear here.
type Envelope struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Hint     string `json:"hint,omitempty"`
}

// ToEnvelope converts any error into the external envelope.
func ToEnvelope(err error) Envelope {
	typed := AsError(err)
	if typed == nil {
		return Envelope{}
	}
	return Envelope{
		Code:     string(typed.Kind),
		Message:  typed.Message,
		Severity: string(typed.Severity),
		Hint:     typed.Hint,
	}
}

// HTTPStatus maps an error kind to the HTTP adapter's status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindValidation, KindArtifactValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTerminalState, KindPhaseMismatch, KindInvalidProjectState, KindReadOnly:
		return http.StatusConflict
	case KindQueueFull, KindRateLimited:
		return http.StatusTooManyRequests
	case KindShuttingDown:
		return http.StatusServiceUnavailable
	case KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindNoAgentAvailable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// IsOutboundFailure is the default circuit-breaker classifier: admission
// rejections and caller-initiated cancellations are not downstream failures
// and must not trip the breaker.
func IsOutboundFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch KindOf(err) {
	case KindCircuitOpen, KindRateLimited, KindShuttingDown, KindQueueFull:
		return false
	}
	return true
}
