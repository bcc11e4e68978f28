package pool_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/dispatch/pool"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var (
	pickup = domain.GeoPoint{Lat: -4.32, Lng: 15.31}
	now    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func candidate(id string, lat, lng float64, ping time.Time) domain.DriverCandidate {
	return domain.DriverCandidate{
		DriverID:      id,
		Coordinates:   domain.GeoPoint{Lat: lat, Lng: lng},
		ServiceType:   domain.ServiceTaxi,
		RatingAverage: 4.5,
		IsOnline:      true,
		IsAvailable:   true,
		IsVerified:    true,
		LastPing:      ping,
	}
}

func TestMemoryNearbyFiltersRadiusAndStaleness(t *testing.T) {
	ctx := context.Background()
	p := pool.NewMemory(2*time.Minute, fixedClock{now: now})

	require.NoError(t, p.Upsert(ctx, candidate("near", -4.321, 15.311, now)))
	require.NoError(t, p.Upsert(ctx, candidate("mid", -4.33, 15.32, now.Add(-time.Minute))))
	require.NoError(t, p.Upsert(ctx, candidate("stale", -4.3201, 15.3101, now.Add(-3*time.Minute))))
	require.NoError(t, p.Upsert(ctx, candidate("far", -4.9, 15.9, now)))

	got, err := p.Nearby(ctx, domain.CandidateQuery{Point: pickup, RadiusKM: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "near", got[0].DriverID)
	require.Equal(t, "mid", got[1].DriverID)

	got, err = p.Nearby(ctx, domain.CandidateQuery{Point: pickup, RadiusKM: 10, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

// crowd puts n ready taxis closer to pickup than one ready courier.
func crowd(t *testing.T, ctx context.Context, p interface {
	Upsert(context.Context, domain.DriverCandidate) error
}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, p.Upsert(ctx, candidate(fmt.Sprintf("taxi-%02d", i), -4.3201, 15.3101, now)))
	}
	courier := candidate("courier", -4.33, 15.31, now)
	courier.ServiceType = domain.ServiceDelivery
	require.NoError(t, p.Upsert(ctx, courier))
}

func TestMemoryNearbyFiltersBeforeLimit(t *testing.T) {
	ctx := context.Background()
	p := pool.NewMemory(2*time.Minute, fixedClock{now: now})
	crowd(t, ctx, p, 50)

	got, err := p.Nearby(ctx, domain.CandidateQuery{Point: pickup, RadiusKM: 10, ServiceType: domain.ServiceDelivery, ReadyOnly: true, Limit: 50})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "courier", got[0].DriverID)

	got, err = p.Nearby(ctx, domain.CandidateQuery{Point: pickup, RadiusKM: 10, ServiceType: domain.ServiceTaxi, Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.Equal(t, "taxi-00", got[0].DriverID)
}

func TestMemoryRecordPing(t *testing.T) {
	ctx := context.Background()
	p := pool.NewMemory(time.Minute, fixedClock{now: now})
	require.ErrorIs(t, p.RecordPing(ctx, "ghost", pickup, now), domain.ErrDriverNotFound)

	require.NoError(t, p.Upsert(ctx, candidate("d1", 0, 0, now.Add(-time.Hour))))
	got, err := p.Nearby(ctx, domain.CandidateQuery{Point: pickup, RadiusKM: 5})
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, p.RecordPing(ctx, "d1", pickup, now))
	got, err = p.Nearby(ctx, domain.CandidateQuery{Point: pickup, RadiusKM: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)

	d, err := p.Driver(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, pickup, d.Coordinates)

	require.NoError(t, p.Remove(ctx, "d1"))
	_, err = p.Driver(ctx, "d1")
	require.ErrorIs(t, err, domain.ErrDriverNotFound)
}

func TestRedisPoolNearby(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()
	client := startRedis(t, ctx)
	p := pool.NewRedis(client, "", 2*time.Minute, fixedClock{now: now})

	require.NoError(t, p.Upsert(ctx, candidate("near", -4.321, 15.311, now)))
	require.NoError(t, p.Upsert(ctx, candidate("stale", -4.3201, 15.3101, now.Add(-5*time.Minute))))
	courier := candidate("courier", -4.33, 15.32, now)
	courier.ServiceType = domain.ServiceDelivery
	courier.IsVerified = false
	require.NoError(t, p.Upsert(ctx, courier))

	got, err := p.Nearby(ctx, domain.CandidateQuery{Point: pickup, RadiusKM: 10, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "near", got[0].DriverID)
	require.Equal(t, domain.ServiceDelivery, got[1].ServiceType)
	require.False(t, got[1].IsVerified)
	require.InDelta(t, -4.33, got[1].Coordinates.Lat, 1e-4)

	require.NoError(t, p.RecordPing(ctx, "stale", pickup, now))
	d, err := p.Driver(ctx, "stale")
	require.NoError(t, err)
	require.Equal(t, now.UnixMilli(), d.LastPing.UnixMilli())

	require.ErrorIs(t, p.RecordPing(ctx, "ghost", pickup, now), domain.ErrDriverNotFound)
}

func TestRedisPoolWidensSearchUntilLimitMatches(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()
	p := pool.NewRedis(startRedis(t, ctx), "", 2*time.Minute, fixedClock{now: now})
	crowd(t, ctx, p, 100)

	got, err := p.Nearby(ctx, domain.CandidateQuery{Point: pickup, RadiusKM: 10, ServiceType: domain.ServiceDelivery, ReadyOnly: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "courier", got[0].DriverID)

	got, err = p.Nearby(ctx, domain.CandidateQuery{Point: pickup, RadiusKM: 10, ServiceType: domain.ServiceTaxi, Limit: 3})
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func startRedis(t *testing.T, ctx context.Context) *redis.Client {
	container, err := rediscontainer.Run(ctx, "redis:7", testcontainers.WithWaitStrategy(wait.ForLog("Ready to accept connections")))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})
	endpoint, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: strings.TrimPrefix(endpoint, "redis://")})
	require.NoError(t, client.Ping(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}
