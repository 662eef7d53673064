// Package apperr defines the error taxonomy shared by the incident lifecycle,
// exposure calculator and resolution workflow.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/bissquit/biwatch/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
)

// Error kinds. Match them with errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state transition")
	ErrPersistence         = errors.New("persistence error")
	ErrWindowUndefined     = errors.New("exposure window undefined")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrNotNextStep         = errors.New("step is not the next step")
)

var defaultSeverity = map[error]domain.Severity{
	ErrValidation:          domain.SeverityLow,
	ErrNotFound:            domain.SeverityMedium,
	ErrInvalidState:        domain.SeverityMedium,
	ErrPersistence:         domain.SeverityHigh,
	ErrWindowUndefined:     domain.SeverityHigh,
	ErrUpstreamUnavailable: domain.SeverityMedium,
	ErrNotNextStep:         domain.SeverityLow,
}

// Error is a user-presentable failure.
type Error struct {
	Kind      error
	Message   string
	Code      string
	Severity  domain.Severity
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// IsRetryable returns whether the failed action may be retried as is.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// Blocking reports whether the UI should stop further progress until addressed.
func (e *Error) Blocking() bool {
	return e.Severity.IsBlocking()
}

// New creates an error of the given kind with the kind's default severity.
func New(kind error, code, message string) *Error {
	return &Error{
		Kind:     kind,
		Message:  message,
		Code:     code,
		Severity: defaultSeverity[kind],
	}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind error, code, message string, cause error) *Error {
	e := New(kind, code, message)
	e.Err = cause
	return e
}

// WithSeverity overrides the severity.
func (e *Error) WithSeverity(s domain.Severity) *Error {
	e.Severity = s
	return e
}

// WithRetryable overrides the retryable hint.
func (e *Error) WithRetryable(r bool) *Error {
	e.Retryable = r
	return e
}

// Validation returns a ValidationError.
func Validation(code, message string) *Error {
	return New(ErrValidation, code, message)
}

// NotFound returns a NotFoundError.
func NotFound(code, message string) *Error {
	return New(ErrNotFound, code, message)
}

// InvalidState returns an InvalidStateError.
func InvalidState(code, message string) *Error {
	return New(ErrInvalidState, code, message)
}

// Persistence wraps a storage failure and classifies whether it is transient.
func Persistence(message string, cause error) *Error {
	return Wrap(ErrPersistence, "persistence_failed", message, cause).WithRetryable(IsTransient(cause))
}

// Upstream wraps a collaborator failure. Timeouts and unreachable peers are retryable.
func Upstream(message string, cause error) *Error {
	return Wrap(ErrUpstreamUnavailable, "upstream_unavailable", message, cause).WithRetryable(IsTransient(cause))
}

// As extracts *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsTransient reports whether err looks like a network, timeout or
// connection-level database failure rather than a permanent rejection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "53", "57", "40":
			// connection exception, insufficient resources, operator intervention,
			// transaction rollback (serialization failure, deadlock)
			return true
		}
		return false
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}
