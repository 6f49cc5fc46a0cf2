package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/genwatch/internal/api"
	mw "github.com/kiranshivaraju/genwatch/internal/api/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testKey = "gw_test_key_0123456789"

// --- stub counter ---

type stubCounter struct{ n int64 }

func (c *stubCounter) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	c.n++
	return c.n, nil
}

func marker(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Handler", name)
		w.WriteHeader(http.StatusOK)
	}
}

func fullDeps(t *testing.T, auth *mw.Auth) api.Dependencies {
	t.Helper()
	return api.Dependencies{
		Auth:          auth,
		HealthHandler: marker("health"),
		Metrics:       marker("metrics"),
		SubmitHandler: marker("submit"),
		ListJobs:      marker("list-jobs"),
		GetJob:        marker("get-job"),
		StreamJob:     marker("stream-job"),
		ListWatches:   marker("list-watches"),
		PutWatch:      marker("put-watch"),
		DeleteWatch:   marker("delete-watch"),
		ListHistory:   marker("list-history"),
		GetHistory:    marker("get-history"),
	}
}

func authWithKey(t *testing.T) *mw.Auth {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(testKey), bcrypt.MinCost)
	require.NoError(t, err)
	return mw.NewAuth(string(h))
}

func TestRouter_RoutesToHandlers(t *testing.T) {
	router := api.NewRouter(fullDeps(t, nil))

	cases := []struct {
		method, path, handler string
	}{
		{http.MethodGet, "/api/v1/health", "health"},
		{http.MethodGet, "/metrics", "metrics"},
		{http.MethodPost, "/api/v1/jobs", "submit"},
		{http.MethodGet, "/api/v1/jobs", "list-jobs"},
		{http.MethodGet, "/api/v1/jobs/abc", "get-job"},
		{http.MethodGet, "/api/v1/jobs/abc/stream", "stream-job"},
		{http.MethodGet, "/api/v1/watches", "list-watches"},
		{http.MethodPut, "/api/v1/watches/abc", "put-watch"},
		{http.MethodDelete, "/api/v1/watches/abc", "delete-watch"},
		{http.MethodGet, "/api/v1/history", "list-history"},
		{http.MethodGet, "/api/v1/history/abc", "get-history"},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tc.handler, w.Header().Get("X-Handler"))
			assert.NotEmpty(t, w.Header().Get(mw.RequestIDHeader))
		})
	}
}

func TestRouter_NilHandlerIsNotImplemented(t *testing.T) {
	router := api.NewRouter(api.Dependencies{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/history", nil))

	assert.Equal(t, http.StatusNotImplemented, w.Code)
	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "NOT_IMPLEMENTED", body["error"]["code"])
}

func TestRouter_MetricsAbsentWithoutHandler(t *testing.T) {
	router := api.NewRouter(api.Dependencies{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_HealthIsPublic(t *testing.T) {
	router := api.NewRouter(fullDeps(t, authWithKey(t)))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_ProtectedRoutesRequireKey(t *testing.T) {
	router := api.NewRouter(fullDeps(t, authWithKey(t)))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/watches", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/watches", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "list-watches", w.Header().Get("X-Handler"))
}

func TestRouter_RateLimitApplied(t *testing.T) {
	deps := fullDeps(t, nil)
	deps.RateLimit = mw.NewRateLimit(&stubCounter{}, 2)
	router := api.NewRouter(deps)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
