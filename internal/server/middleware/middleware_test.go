package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/inkboard/internal/auth"
	"github.com/gosuda/inkboard/internal/server/middleware"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { //nolint:gochecknoglobals // test helper
	w.WriteHeader(http.StatusOK)
})

// contextHandler captures context values set by middleware.
type contextHandler struct {
	userID string
	name   string
	called bool
}

func (h *contextHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.called = true
	h.userID, _ = middleware.UserIDFromContext(r.Context())
	h.name, _ = middleware.UserNameFromContext(r.Context())
	w.WriteHeader(http.StatusOK)
}

// ===========================================================================
// 1. Context helpers
// ===========================================================================

func TestUserIDFromContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		ctx    context.Context
		want   string
		wantOK bool
	}{
		{name: "present", ctx: context.WithValue(context.Background(), middleware.ContextKeyUserID, "user-1"), want: "user-1", wantOK: true},
		{name: "absent", ctx: context.Background()},
		{name: "empty", ctx: context.WithValue(context.Background(), middleware.ContextKeyUserID, "")},
		{name: "wrong type", ctx: context.WithValue(context.Background(), middleware.ContextKeyUserID, 42)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := middleware.UserIDFromContext(tt.ctx)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWithIdentity(t *testing.T) {
	t.Parallel()

	ctx := middleware.WithIdentity(context.Background(), auth.Identity{UserID: "user-7", Name: "Ada"})

	id, ok := middleware.UserIDFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "user-7", id)

	name, ok := middleware.UserNameFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "Ada", name)
}

// ===========================================================================
// 2. RateLimitByIP middleware
// ===========================================================================

func request(remote string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = remote
	return req
}

func TestRateLimitByIP_BurstExceeded_Returns429(t *testing.T) {
	t.Parallel()

	// Very low rate (effectively zero refill during the test) with burst of 2.
	handler := middleware.RateLimitByIP(t.Context(), 0.001, 2)(okHandler)

	for i := range 2 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, request("10.0.0.1:1234"))
		require.Equalf(t, http.StatusOK, rec.Code, "request %d should pass", i+1)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, request("10.0.0.1:1234"))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")
}

func TestRateLimitByIP_IgnoresSourcePort(t *testing.T) {
	t.Parallel()

	handler := middleware.RateLimitByIP(t.Context(), 0.001, 1)(okHandler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, request("10.0.0.2:1000"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, request("10.0.0.2:2000"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimitByIP_IndependentPerIP(t *testing.T) {
	t.Parallel()

	handler := middleware.RateLimitByIP(t.Context(), 0.001, 1)(okHandler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, request("10.0.0.3:1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, request("10.0.0.3:1"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, request("10.0.0.4:1"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// ===========================================================================
// 3. Auth middleware
// ===========================================================================

const testJWTSecret = "test-jwt-secret-for-middleware-tests"

func verifier() auth.Verifier {
	return auth.NewHMACVerifier(testJWTSecret, "inkboard", "")
}

func TestAuth_ValidToken_PopulatesContext(t *testing.T) {
	t.Parallel()

	token, err := auth.IssueToken(testJWTSecret, "user-1", "inkboard", 15*time.Minute)
	require.NoError(t, err)

	capture := &contextHandler{}
	handler := middleware.Auth(verifier())(capture)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.True(t, capture.called, "inner handler must be called")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", capture.userID)
}

func TestAuth_Rejects(t *testing.T) {
	t.Parallel()

	expired, err := auth.IssueToken(testJWTSecret, "user-1", "inkboard", -time.Hour)
	require.NoError(t, err)
	foreign, err := auth.IssueToken("another-secret-that-is-long-enough", "user-1", "inkboard", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name       string
		authHeader string
	}{
		{name: "no header"},
		{name: "garbage token", authHeader: "Bearer totally.invalid.token"},
		{name: "expired", authHeader: "Bearer " + expired},
		{name: "wrong secret", authHeader: "Bearer " + foreign},
		{name: "basic scheme", authHeader: "Basic dXNlcjpwYXNz"},
		{name: "bearer without token", authHeader: "Bearer "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			capture := &contextHandler{}
			handler := middleware.Auth(verifier())(capture)
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.False(t, capture.called)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), "missing or invalid credentials")
		})
	}
}

func TestAuth_BearerFormat(t *testing.T) {
	t.Parallel()

	token, err := auth.IssueToken(testJWTSecret, "user-1", "inkboard", 15*time.Minute)
	require.NoError(t, err)

	for _, scheme := range []string{"Bearer ", "bearer ", "BEARER "} {
		t.Run(scheme, func(t *testing.T) {
			t.Parallel()

			handler := middleware.Auth(verifier())(okHandler)
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.Header.Set("Authorization", scheme+token)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}
