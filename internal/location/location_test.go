package location_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/dispatchcore/internal/auth"
	"github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/dispatch/pool"
	"github.com/example/dispatchcore/internal/location"
)

const secret = "test-secret"

func dialStream(t *testing.T, p location.Pinger) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ForceServerCodec(location.Codec{}))
	location.RegisterLocationServer(srv, location.NewServer(p, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestStreamRecordsPingsIntoPool(t *testing.T) {
	p := pool.NewMemory(time.Minute, nil)
	ctx := context.Background()
	require.NoError(t, p.Upsert(ctx, domain.DriverCandidate{
		DriverID: "taxi-1", ServiceType: domain.ServiceTaxi, IsOnline: true, IsAvailable: true, IsVerified: true,
		Coordinates: domain.GeoPoint{Lat: -4.30, Lng: 15.30}, LastPing: time.Now().Add(-time.Hour),
	}))
	conn := dialStream(t, p)

	stream, err := location.StreamLocation(ctx, conn)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&location.DriverPing{DriverID: "taxi-1", Lat: -4.3210, Lng: 15.3110}))
	require.NoError(t, stream.Send(&location.DriverPing{DriverID: "ghost", Lat: -4.3, Lng: 15.3}))
	require.NoError(t, stream.Send(&location.DriverPing{DriverID: "taxi-1", Lat: 95, Lng: 15.3}))
	ack, err := stream.CloseAndRecv()
	require.NoError(t, err)
	require.Equal(t, 1, ack.Accepted)
	require.Equal(t, 2, ack.Rejected)

	got, err := p.Driver(ctx, "taxi-1")
	require.NoError(t, err)
	require.Equal(t, domain.GeoPoint{Lat: -4.3210, Lng: 15.3110}, got.Coordinates)
	require.WithinDuration(t, time.Now(), got.LastPing, 5*time.Second)

	near, err := p.Nearby(ctx, domain.CandidateQuery{Point: domain.GeoPoint{Lat: -4.321, Lng: 15.311}, RadiusKM: 1})
	require.NoError(t, err)
	require.Len(t, near, 1, "fresh ping makes the driver visible again")
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := auth.Sign(secret, auth.Claims{Role: role, RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	require.NoError(t, err)
	return tok
}

func send(t *testing.T, method, url, bearer, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bearer)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestDriverRegistryEndpoints(t *testing.T) {
	p := pool.NewMemory(time.Minute, nil)
	r := chi.NewRouter()
	r.Use(auth.Middleware(secret))
	location.NewHTTP(p).Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	driver := token(t, "courier-7", auth.RoleDriver)
	admin := token(t, "ops", auth.RoleAdmin)
	url := srv.URL + "/v1/drivers/courier-7"
	body := `{"service_type":"delivery","coordinates":{"lat":-4.32,"lng":15.31},"is_online":true,"is_available":true}`

	resp := send(t, http.MethodPut, srv.URL+"/v1/drivers/someone-else", driver, body)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = send(t, http.MethodPut, url, driver, `{"service_type":"delivery","coordinates":{"lat":-4.32,"lng":15.31},"is_verified":true}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = send(t, http.MethodPut, url, driver, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var c domain.DriverCandidate
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	require.False(t, c.IsVerified)

	resp = send(t, http.MethodPut, url, admin, `{"service_type":"delivery","coordinates":{"lat":-4.32,"lng":15.31},"is_online":true,"is_available":true,"is_verified":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = send(t, http.MethodPut, url, driver, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	require.True(t, c.IsVerified, "driver update keeps admin verification")

	resp = send(t, http.MethodPut, url, driver, `{"service_type":"taxi","coordinates":{"lat":-4.32,"lng":15.31},"is_online":true,"is_available":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	require.Equal(t, domain.ServiceTaxi, c.ServiceType)
	require.False(t, c.IsVerified, "switching service type drops verification")
	stored, err := p.Driver(context.Background(), "courier-7")
	require.NoError(t, err)
	require.False(t, stored.IsVerified)

	resp = send(t, http.MethodPut, url, driver, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	require.False(t, c.IsVerified, "switching back does not restore it")

	resp = send(t, http.MethodDelete, url, driver, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = send(t, http.MethodGet, url, admin, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
