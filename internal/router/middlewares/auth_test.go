package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

const (
	testIssuer   = "seismonet"
	testAudience = "seismonet-api"
)

func testTokenConfig() TokenConfig {
	return TokenConfig{Secret: testSecret, Issuer: testIssuer, Audience: testAudience}
}

func signClaims(t *testing.T, secret []byte, claims apiClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func signToken(t *testing.T, secret []byte, role string) string {
	t.Helper()
	return signClaims(t, secret, apiClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@example.com",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	})
}

func authedHandler(minRole Role) http.Handler {
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h = Authorize(minRole)(h)
	return Authentication(testTokenConfig())(h)
}

func doRequest(t *testing.T, h http.Handler, authorization string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthenticationValidToken(t *testing.T) {
	t.Parallel()

	rec := doRequest(t, authedHandler(RoleViewer), "Bearer "+signToken(t, testSecret, "viewer"))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticationMissingToken(t *testing.T) {
	t.Parallel()

	rec := doRequest(t, authedHandler(RoleViewer), "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "authentication required")
}

func TestAuthenticationMalformedHeader(t *testing.T) {
	t.Parallel()

	rec := doRequest(t, authedHandler(RoleViewer), "Basic dXNlcjpwYXNz")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "malformed")
}

func TestAuthenticationWrongSecret(t *testing.T) {
	t.Parallel()

	rec := doRequest(t, authedHandler(RoleViewer), "Bearer "+signToken(t, []byte("other-secret"), "viewer"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticationExpiredToken(t *testing.T) {
	t.Parallel()

	token := signClaims(t, testSecret, apiClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@example.com",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		Role: "viewer",
	})

	rec := doRequest(t, authedHandler(RoleViewer), "Bearer "+token)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticationIssuerMismatch(t *testing.T) {
	t.Parallel()

	token := signClaims(t, testSecret, apiClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@example.com",
			Issuer:    "someone-else",
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "viewer",
	})

	rec := doRequest(t, authedHandler(RoleViewer), "Bearer "+token)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid issuer")
}

func TestAuthenticationAudienceMismatch(t *testing.T) {
	t.Parallel()

	token := signClaims(t, testSecret, apiClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@example.com",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{"another-service"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "viewer",
	})

	rec := doRequest(t, authedHandler(RoleViewer), "Bearer "+token)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid audience")
}

func TestAuthenticationUnknownRole(t *testing.T) {
	t.Parallel()

	rec := doRequest(t, authedHandler(RoleViewer), "Bearer "+signToken(t, testSecret, "superuser"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "unknown role")
}

func TestAuthorizeRoleHierarchy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role string
		min  Role
		want int
	}{
		{"viewer", RoleViewer, http.StatusOK},
		{"viewer", RoleOperator, http.StatusForbidden},
		{"viewer", RoleAdmin, http.StatusForbidden},
		{"operator", RoleViewer, http.StatusOK},
		{"operator", RoleOperator, http.StatusOK},
		{"operator", RoleAdmin, http.StatusForbidden},
		{"admin", RoleViewer, http.StatusOK},
		{"admin", RoleOperator, http.StatusOK},
		{"admin", RoleAdmin, http.StatusOK},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.role+"_"+string(tc.min), func(t *testing.T) {
			t.Parallel()
			rec := doRequest(t, authedHandler(tc.min), "Bearer "+signToken(t, testSecret, tc.role))
			require.Equal(t, tc.want, rec.Code)
		})
	}
}
