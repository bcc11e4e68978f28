package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/dispatchcore/internal/auth"
	"github.com/example/dispatchcore/internal/config"
	dispatch "github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/outbox"
)

const testSecret = "test-secret"

func newTestApp(t *testing.T, tweak func(*config.Config)) (*app, http.Handler) {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	if tweak != nil {
		tweak(cfg)
	}
	a, err := newApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, apiRouter(a, zap.NewNop())
}

func bearer(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := auth.Sign(testSecret, auth.Claims{Role: role, RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	require.NoError(t, err)
	return "Bearer " + tok
}

const taxiOrder = `{"order_id":"O1","type":"taxi","buyer_id":"B1","pickup":{"lat":-4.32,"lng":15.31},"dropoff":{"lat":-4.4,"lng":15.3}}`

func TestInMemoryAppServesHealthAndGuardsEscrow(t *testing.T) {
	_, h := newTestApp(t, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/observability/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/escrows/O1", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/orders/O1/audit", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAnonymousDispatchIsRateLimited(t *testing.T) {
	_, h := newTestApp(t, nil)

	for i := 0; i < config.DefaultTiers()["anonymous"].MaxRequests; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", strings.NewReader(taxiOrder))
		req.Header.Set("X-Client-ID", "kiosk-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code, "empty pool has no eligible drivers")
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", strings.NewReader(taxiOrder))
	req.Header.Set("X-Client-ID", "kiosk-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestInMemoryDispatchQueuesOffersWithoutNATS(t *testing.T) {
	a, h := newTestApp(t, nil)
	require.NoError(t, a.pool.Upsert(context.Background(), dispatch.DriverCandidate{
		DriverID: "taxi-1", ServiceType: dispatch.ServiceTaxi, Coordinates: dispatch.GeoPoint{Lat: -4.321, Lng: 15.311},
		IsOnline: true, IsAvailable: true, IsVerified: true, LastPing: time.Now(),
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/dispatch", strings.NewReader(taxiOrder)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	out, ok := a.source.(*outbox.Memory)
	require.True(t, ok)
	pending := out.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "dispatch.offers.taxi-1", pending[0].Topic)

	req := httptest.NewRequest(http.MethodPost, "/v1/dispatch/O1/accept", nil)
	req.Header.Set("Authorization", bearer(t, "taxi-1", auth.RoleDriver))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestBehindGatewaySkipsLimiter(t *testing.T) {
	_, h := newTestApp(t, func(cfg *config.Config) { cfg.RateLimit.BehindGateway = true })

	for i := 0; i <= config.DefaultTiers()["anonymous"].MaxRequests; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", strings.NewReader(taxiOrder))
		req.Header.Set("X-Client-ID", "kiosk-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		require.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}
