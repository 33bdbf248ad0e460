package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-0123456789")

func serve(t *testing.T, method, path, token string) (int, Identity) {
	t.Helper()
	var seen Identity
	mw := NewMiddleware(testSecret, NewDefaultPolicy([]string{"/healthz"}, []string{"/metrics"}))
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp.Code, seen
}

func signed(t *testing.T, role string, ttl time.Duration) string {
	t.Helper()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return token
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	code, _ := serve(t, http.MethodGet, "/api/v1/alarms", "")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestMiddlewareExemptions(t *testing.T) {
	code, _ := serve(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = serve(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestMiddlewareRoles(t *testing.T) {
	cases := []struct {
		name   string
		role   string
		method string
		path   string
		want   int
	}{
		{"viewer reads alarms", "viewer", http.MethodGet, "/api/v1/alarms", http.StatusOK},
		{"viewer reads oscillation settings", "viewer", http.MethodGet, "/api/v1/alarms/oscillation", http.StatusOK},
		{"viewer cannot command", "viewer", http.MethodPost, "/api/v1/commands", http.StatusForbidden},
		{"operator commands", "operator", http.MethodPost, "/api/v1/commands", http.StatusOK},
		{"operator refreshes supervision", "operator", http.MethodPost, "/api/v1/supervision/5/refresh", http.StatusOK},
		{"operator cannot configure", "operator", http.MethodPost, "/api/v1/configuration", http.StatusForbidden},
		{"operator cannot tune oscillation", "operator", http.MethodPut, "/api/v1/alarms/oscillation", http.StatusForbidden},
		{"admin tunes oscillation", "admin", http.MethodPut, "/api/v1/alarms/oscillation", http.StatusOK},
		{"admin configures", "admin", http.MethodPost, "/api/v1/configuration", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _ := serve(t, tc.method, tc.path, signed(t, tc.role, time.Hour))
			assert.Equal(t, tc.want, code)
		})
	}
}

func TestMiddlewareStoresIdentity(t *testing.T) {
	code, id := serve(t, http.MethodGet, "/api/v1/tags/3", signed(t, "operator", time.Hour))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, Identity{Subject: "user-1", Role: RoleOperator}, id)
}

func TestMiddlewareRejectsExpiredAndUnknownRole(t *testing.T) {
	code, _ := serve(t, http.MethodGet, "/api/v1/alarms", signed(t, "admin", -time.Minute))
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = serve(t, http.MethodGet, "/api/v1/alarms", signed(t, "root", time.Hour))
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestUncoveredPathPassesThrough(t *testing.T) {
	code, id := serve(t, http.MethodGet, "/other", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, id.Subject)
}

func TestIssueJWTRoundTrip(t *testing.T) {
	token, err := IssueJWT(testSecret, "ops-1", RoleOperator, time.Hour)
	require.NoError(t, err)
	claims, err := ParseJWT(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "ops-1", claims.Subject)
	assert.Equal(t, "operator", claims.Role)

	_, err = ParseJWT(token, []byte("other"))
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = ParseJWT("", testSecret)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRoleSatisfies(t *testing.T) {
	assert.True(t, RoleAdmin.Satisfies(RoleOperator))
	assert.True(t, RoleViewer.Satisfies(RoleViewer))
	assert.False(t, RoleViewer.Satisfies(RoleOperator))
	assert.False(t, Role("root").Satisfies(RoleViewer))
}
