// Package httputil holds the HTTP plumbing shared by biwatch handlers:
// response envelopes, error mapping, auth and request middleware.
package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bissquit/biwatch/internal/domain"
	"github.com/go-playground/validator/v10"
)

// ErrorBody is the payload of every {"error": ...} response.
type ErrorBody struct {
	Message   string          `json:"message"`
	Code      string          `json:"code,omitempty"`
	Severity  domain.Severity `json:"severity,omitempty"`
	Retryable bool            `json:"retryable"`
	Blocking  bool            `json:"blocking"`
	Details   interface{}     `json:"details,omitempty"`
}

// FieldError describes one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "status", status, "error", err)
	}
}

// JSON writes v as is, without the data envelope.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	writeJSON(w, status, v)
}

// Text writes a plain text response. Used by the health endpoints.
func Text(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(text)); err != nil {
		slog.Error("failed to write response", "status", status, "error", err)
	}
}

// Success writes {"data": v}.
func Success(w http.ResponseWriter, status int, v interface{}) {
	writeJSON(w, status, map[string]interface{}{"data": v})
}

// Error writes {"error": {"message": ...}} for failures that carry no
// classification, such as malformed bodies or rate limiting.
func Error(w http.ResponseWriter, status int, message string) {
	writeError(w, status, ErrorBody{Message: message})
}

func writeError(w http.ResponseWriter, status int, body ErrorBody) {
	writeJSON(w, status, map[string]ErrorBody{"error": body})
}

// ValidationError writes a 400 for a rejected request body. Validator
// failures are listed per field.
func ValidationError(w http.ResponseWriter, err error) {
	body := ErrorBody{
		Message:  "validation error",
		Code:     "invalid_request",
		Severity: domain.SeverityLow,
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		details := make([]FieldError, 0, len(fieldErrs))
		for _, e := range fieldErrs {
			details = append(details, FieldError{Field: e.Field(), Message: e.Tag()})
		}
		body.Details = details
	} else {
		body.Details = err.Error()
	}

	writeError(w, http.StatusBadRequest, body)
}
