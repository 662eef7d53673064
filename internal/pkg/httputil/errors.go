package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/biwatch/internal/apperr"
	"github.com/bissquit/biwatch/internal/pkg/ctxlog"
)

// ErrorMapping defines how an error kind maps to an HTTP status.
type ErrorMapping struct {
	Error  error
	Status int
}

// DefaultErrorMappings maps every apperr kind to its HTTP status.
// Retryable persistence errors are promoted to 503 in HandleError.
var DefaultErrorMappings = []ErrorMapping{
	{Error: apperr.ErrValidation, Status: http.StatusBadRequest},
	{Error: apperr.ErrNotFound, Status: http.StatusNotFound},
	{Error: apperr.ErrInvalidState, Status: http.StatusConflict},
	{Error: apperr.ErrNotNextStep, Status: http.StatusConflict},
	{Error: apperr.ErrWindowUndefined, Status: http.StatusUnprocessableEntity},
	{Error: apperr.ErrUpstreamUnavailable, Status: http.StatusServiceUnavailable},
	{Error: apperr.ErrPersistence, Status: http.StatusInternalServerError},
}

// HandleError maps an error to an HTTP response using provided mappings.
// If no mapping matches, logs the error and returns 500 Internal Server Error.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	appErr, isAppErr := apperr.As(err)

	for _, m := range mappings {
		if !errors.Is(err, m.Error) {
			continue
		}

		status := m.Status
		if !isAppErr {
			Error(w, status, err.Error())
			return
		}

		if errors.Is(err, apperr.ErrPersistence) {
			if appErr.IsRetryable() {
				status = http.StatusServiceUnavailable
			}
			// Driver messages stay in the logs.
			ctxlog.FromContext(ctx).Error("persistence error", "error", err, "retryable", appErr.IsRetryable())
		}
		AppError(w, status, appErr)
		return
	}

	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}

// AppError writes an *apperr.Error with its classification fields.
func AppError(w http.ResponseWriter, status int, err *apperr.Error) {
	if err.IsRetryable() {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, ErrorBody{
		Message:   err.Message,
		Code:      err.Code,
		Severity:  err.Severity,
		Retryable: err.IsRetryable(),
		Blocking:  err.Blocking(),
	})
}
