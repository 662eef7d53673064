package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bissquit/biwatch/internal/apperr"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errorBody struct {
	Error struct {
		Message   string `json:"message"`
		Code      string `json:"code"`
		Severity  string `json:"severity"`
		Retryable bool   `json:"retryable"`
		Blocking  bool   `json:"blocking"`
	} `json:"error"`
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantStatus    int
		wantCode      string
		wantRetryable bool
		wantBlocking  bool
	}{
		{
			name:       "validation",
			err:        apperr.Validation("affected_tools_count", "affected tools count must be positive"),
			wantStatus: http.StatusBadRequest,
			wantCode:   "affected_tools_count",
		},
		{
			name:       "not found wrapped",
			err:        fmt.Errorf("get: %w", apperr.NotFound("incident_not_found", "incident not found")),
			wantStatus: http.StatusNotFound,
			wantCode:   "incident_not_found",
		},
		{
			name:       "invalid state",
			err:        apperr.InvalidState("already_resolved", "incident already resolved"),
			wantStatus: http.StatusConflict,
			wantCode:   "already_resolved",
		},
		{
			name:       "not next step",
			err:        apperr.New(apperr.ErrNotNextStep, "not_next_step", "complete the previous step first"),
			wantStatus: http.StatusConflict,
			wantCode:   "not_next_step",
		},
		{
			name:         "window undefined",
			err:          apperr.New(apperr.ErrWindowUndefined, "no_prior_pass", "no passed test before failure"),
			wantStatus:   http.StatusUnprocessableEntity,
			wantCode:     "no_prior_pass",
			wantBlocking: true,
		},
		{
			name:          "upstream timeout",
			err:           apperr.Upstream("asset history unavailable", context.DeadlineExceeded),
			wantStatus:    http.StatusServiceUnavailable,
			wantCode:      "upstream_unavailable",
			wantRetryable: true,
		},
		{
			name:          "transient persistence",
			err:           apperr.Persistence("save incident", &pgconn.PgError{Code: "08006"}),
			wantStatus:    http.StatusServiceUnavailable,
			wantCode:      "persistence_failed",
			wantRetryable: true,
			wantBlocking:  true,
		},
		{
			name:         "constraint violation",
			err:          apperr.Persistence("save incident", &pgconn.PgError{Code: "23505"}),
			wantStatus:   http.StatusInternalServerError,
			wantCode:     "persistence_failed",
			wantBlocking: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()

			HandleError(context.Background(), rec, tt.err, DefaultErrorMappings)

			assert.Equal(t, tt.wantStatus, rec.Code)

			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.Error.Code)
			assert.Equal(t, tt.wantRetryable, body.Error.Retryable)
			assert.Equal(t, tt.wantBlocking, body.Error.Blocking)

			if tt.wantRetryable {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			} else {
				assert.Empty(t, rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestHandleError_Unmapped(t *testing.T) {
	rec := httptest.NewRecorder()

	HandleError(context.Background(), rec, errors.New("boom"), DefaultErrorMappings)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal error")
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
		wantErr    bool
	}{
		{query: "", wantLimit: 20, wantOffset: 0},
		{query: "limit=5&offset=10", wantLimit: 5, wantOffset: 10},
		{query: "limit=500", wantLimit: 100, wantOffset: 0},
		{query: "limit=0", wantErr: true},
		{query: "offset=-1", wantErr: true},
		{query: "limit=abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)

			limit, offset, err := ParsePagination(req, 20, 100)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLimit, limit)
			assert.Equal(t, tt.wantOffset, offset)
		})
	}
}
