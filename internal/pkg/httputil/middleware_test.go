package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bissquit/biwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubValidator struct {
	userID string
	role   domain.Role
	err    error
	got    string
}

func (s *stubValidator) ValidateToken(_ context.Context, token string) (string, domain.Role, error) {
	s.got = token
	return s.userID, s.role, s.err
}

func echoIdentity() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{
			"user_id": GetUserID(r.Context()),
			"role":    string(GetRole(r.Context())),
		})
	})
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		query      string
		upgrade    bool
		validErr   error
		wantStatus int
		wantToken  string
	}{
		{name: "valid bearer", header: "Bearer abc", wantStatus: http.StatusOK, wantToken: "abc"},
		{name: "lowercase scheme", header: "bearer abc", wantStatus: http.StatusOK, wantToken: "abc"},
		{name: "missing header", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "empty token", header: "Bearer ", wantStatus: http.StatusUnauthorized},
		{name: "rejected token", header: "Bearer abc", validErr: errors.New("expired"), wantStatus: http.StatusUnauthorized},
		{name: "query token on upgrade", query: "xyz", upgrade: true, wantStatus: http.StatusOK, wantToken: "xyz"},
		{name: "query token without upgrade", query: "xyz", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &stubValidator{userID: "operator-1", role: domain.RoleOperator, err: tt.validErr}
			handler := AuthMiddleware(v)(echoIdentity())

			target := "/"
			if tt.query != "" {
				target = "/?access_token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.upgrade {
				req.Header.Set("Upgrade", "websocket")
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantToken, v.got)

				var body map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, "operator-1", body["user_id"])
				assert.Equal(t, "operator", body["role"])
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name       string
		role       *domain.Role
		required   domain.Role
		wantStatus int
	}{
		{name: "no role", required: domain.RoleUser, wantStatus: http.StatusUnauthorized},
		{name: "user below operator", role: rolePtr(domain.RoleUser), required: domain.RoleOperator, wantStatus: http.StatusForbidden},
		{name: "operator meets operator", role: rolePtr(domain.RoleOperator), required: domain.RoleOperator, wantStatus: http.StatusOK},
		{name: "admin above operator", role: rolePtr(domain.RoleAdmin), required: domain.RoleOperator, wantStatus: http.StatusOK},
		{name: "unknown role", role: rolePtr(domain.Role("guest")), required: domain.RoleUser, wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequireRole(tt.required)(echoIdentity())

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.role != nil {
				req = req.WithContext(context.WithValue(req.Context(), RoleKey, *tt.role))
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := CORSMiddleware([]string{"https://sterile.example"})(echoIdentity())

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://sterile.example")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "https://sterile.example", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")
	})

	t.Run("disallowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://elsewhere.example")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func rolePtr(r domain.Role) *domain.Role {
	return &r
}
