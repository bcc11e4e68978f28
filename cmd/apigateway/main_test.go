package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/dispatchcore/internal/config"
	"github.com/example/dispatchcore/internal/ratelimit"
)

func TestGatewayProxiesAndLimitsPerTier(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Method+" "+r.URL.RequestURI())
	}))
	t.Cleanup(upstream.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Default()
	cfg.RateLimit.Tiers["anonymous"] = config.TierConfig{MaxRequests: 2, Window: time.Minute}
	cfg.RateLimit.Backend = "redis"
	cfg.Gateway.DispatchURL = upstream.URL
	limiter := buildLimiter(context.Background(), cfg, client)
	gw := httptest.NewServer(newGateway(cfg, upstreamsFrom(cfg), limiter, zap.NewNop()))
	t.Cleanup(gw.Close)

	for i := 0; i < 2; i++ {
		resp, err := http.Get(gw.URL + "/v1/routes/estimate?pickup_lat=1&pickup_lng=2")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "GET /v1/routes/estimate?pickup_lat=1&pickup_lng=2", string(body))
		require.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
	}

	resp, err := http.Get(gw.URL + "/v1/escrows/O1")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
	require.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	for _, k := range keys {
		require.True(t, strings.HasPrefix(k, "gw:anonymous:"), "gateway windows stay apart from upstream ones: %s", k)
	}
}

func TestRootCommandLoadsUpstreamsFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	data := `gateway:
  addr: ":9988"
  dispatch_url: http://dispatch.internal:8080
  location_url: http://location.internal:8081
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	var got *config.Config
	cmd := newRootCmd(func(_ context.Context, cfg *config.Config) error {
		got = cfg
		return nil
	})
	cmd.SetArgs([]string{"--config", path})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	require.Equal(t, ":9988", got.Gateway.Addr)
	require.Equal(t, upstreams{dispatch: "http://dispatch.internal:8080", location: "http://location.internal:8081"}, upstreamsFrom(got))
	require.Equal(t, "gw", got.Gateway.RateLimitPrefix)
}

func TestGatewayServesOpenAPI(t *testing.T) {
	gw := httptest.NewServer(newGateway(config.Default(), upstreams{dispatch: "http://127.0.0.1:1"}, ratelimit.NewFixedWindow(nil), zap.NewNop()))
	t.Cleanup(gw.Close)

	resp, err := http.Get(gw.URL + "/docs/openapi.yaml")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "/v1/escrows/{orderId}/release")
}
