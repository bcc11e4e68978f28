package observability_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/dispatchcore/pkg/observability"
)

func TestHealthzReportsFailingCheck(t *testing.T) {
	healthy := observability.MetricsRouter(map[string]observability.Check{
		"postgres": func(context.Context) error { return nil },
	})
	rec := httptest.NewRecorder()
	healthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	broken := observability.MetricsRouter(map[string]observability.Check{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	rec = httptest.NewRecorder()
	broken.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "redis")
}

func TestSetupLoggerHonoursLevel(t *testing.T) {
	logger := observability.SetupLogger("test", "warn")
	require.False(t, logger.Core().Enabled(-1))
	require.True(t, logger.Core().Enabled(1))
}
