package router

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"

	"github.com/seismonet/go-seismonet/internal/router/middlewares"
	"github.com/seismonet/go-seismonet/pkg/eventstore"
	"github.com/seismonet/go-seismonet/pkg/metastore"
)

var testSecret = []byte("router-test-secret")

func testHandler(t *testing.T, ready bool) http.Handler {
	t.Helper()

	store, err := eventstore.Open(eventstore.Config{Dir: t.TempDir(), SchemaID: "sf-v1"})
	require.NoError(t, err)
	meta, err := metastore.New("file:" + filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close() //nolint
		meta.Close()  //nolint
	})

	token := middlewares.TokenConfig{Secret: testSecret, Issuer: "seismonet", Audience: "seismonet-api"}
	r, err := ConfiguredRouter(token, 1000, time.Second, Deps{
		Store: store,
		Meta:  meta,
		Ready: func() bool { return ready },
	})
	require.NoError(t, err)
	return r.Handler()
}

func token(t *testing.T, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  "ops@example.com",
		"iss":  "seismonet",
		"aud":  "seismonet-api",
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return s
}

func do(h http.Handler, method, target, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.RemoteAddr = "10.0.0.1:4242"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpointsOpen(t *testing.T) {
	t.Parallel()

	h := testHandler(t, true)
	for _, target := range []string{"/healthz", "/health"} {
		rec := do(h, http.MethodGet, target, "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	}
	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/readyz", "").Code)
	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/ready", "").Code)
	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/version", "").Code)
}

func TestReadyzBeforeServing(t *testing.T) {
	t.Parallel()

	h := testHandler(t, false)
	require.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/readyz", "").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/ready", "").Code)
}

func TestEventsRequireAuthentication(t *testing.T) {
	t.Parallel()

	h := testHandler(t, true)
	require.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/v1/events", "").Code)
	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/v1/events", token(t, "viewer")).Code)
}

func TestRoleGates(t *testing.T) {
	t.Parallel()

	h := testHandler(t, true)

	// Dead letters require operator.
	require.Equal(t, http.StatusForbidden, do(h, http.MethodGet, "/api/v1/deadletters", token(t, "viewer")).Code)
	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/v1/deadletters", token(t, "operator")).Code)

	// Cache purge requires admin.
	require.Equal(t, http.StatusForbidden, do(h, http.MethodPost, "/api/v1/admin/caches/purge", token(t, "operator")).Code)
	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/api/v1/admin/caches/purge", token(t, "admin")).Code)
}

func TestUnknownRouteIs404(t *testing.T) {
	t.Parallel()

	h := testHandler(t, true)
	require.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/v1/nothing", "").Code)
}
