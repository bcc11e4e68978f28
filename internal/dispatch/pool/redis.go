package pool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

const (
	defaultGeoKey         = "drivers:geo"
	defaultMetadataPrefix = "driver:"

	minSearchWindow    = 64
	searchWindowFactor = 4
)

var errInvalidGeoResult = errors.New("invalid geo search result")

// Redis keeps driver positions in a GEO set and each driver's profile in a
// hash keyed by driver id.
type Redis struct {
	client     *redis.Client
	geoKey     string
	metaPrefix string
	staleAfter time.Duration
	clock      domain.Clock
}

// NewRedis constructs a Redis-backed pool.
func NewRedis(client *redis.Client, geoKey string, staleAfter time.Duration, clock domain.Clock) *Redis {
	if geoKey == "" {
		geoKey = defaultGeoKey
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Redis{client: client, geoKey: geoKey, metaPrefix: defaultMetadataPrefix, staleAfter: staleAfter, clock: clock}
}

// Upsert writes position and profile in one pipeline.
func (r *Redis) Upsert(ctx context.Context, c domain.DriverCandidate) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Name: c.DriverID, Longitude: c.Coordinates.Lng, Latitude: c.Coordinates.Lat})
		p.HSet(ctx, r.metaKey(c.DriverID), map[string]any{
			"service_type":   string(c.ServiceType),
			"vehicle_class":  c.VehicleClass,
			"rating_average": c.RatingAverage,
			"online":         boolField(c.IsOnline),
			"available":      boolField(c.IsAvailable),
			"verified":       boolField(c.IsVerified),
			"last_ping":      c.LastPing.UnixMilli(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert driver: %w", err)
	}
	return nil
}

// RecordPing moves a known driver and refreshes its last ping.
func (r *Redis) RecordPing(ctx context.Context, driverID string, point domain.GeoPoint, at time.Time) error {
	exists, err := r.client.Exists(ctx, r.metaKey(driverID)).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if exists == 0 {
		return domain.ErrDriverNotFound
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Name: driverID, Longitude: point.Lng, Latitude: point.Lat})
		p.HSet(ctx, r.metaKey(driverID), "last_ping", at.UnixMilli())
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis record ping: %w", err)
	}
	return nil
}

// Remove drops a driver.
func (r *Redis) Remove(ctx context.Context, driverID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.geoKey, driverID)
		p.Del(ctx, r.metaKey(driverID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis remove driver: %w", err)
	}
	return nil
}

// Nearby returns fresh candidates matching q, sorted by distance. GEOSEARCH
// cannot filter on profile fields, so the search window grows until Limit
// matches are found or the radius is exhausted.
func (r *Redis) Nearby(ctx context.Context, q domain.CandidateQuery) ([]domain.DriverCandidate, error) {
	window := 0
	if q.Limit > 0 {
		window = max(q.Limit*searchWindowFactor, minSearchWindow)
	}
	for {
		results, err := r.search(ctx, q, window)
		if err != nil {
			return nil, err
		}
		candidates, err := r.load(ctx, q, results)
		if err != nil {
			return nil, err
		}
		exhausted := window == 0 || len(results) < window
		if exhausted || len(candidates) >= q.Limit {
			if q.Limit > 0 && len(candidates) > q.Limit {
				candidates = candidates[:q.Limit]
			}
			return candidates, nil
		}
		window *= searchWindowFactor
	}
}

func (r *Redis) search(ctx context.Context, q domain.CandidateQuery, count int) ([]redis.GeoLocation, error) {
	results, err := r.client.GeoSearchLocation(ctx, r.geoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  q.Point.Lng,
			Latitude:   q.Point.Lat,
			Radius:     q.RadiusKM,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      count,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geosearch: %w", err)
	}
	return results, nil
}

func (r *Redis) load(ctx context.Context, q domain.CandidateQuery, results []redis.GeoLocation) ([]domain.DriverCandidate, error) {
	if len(results) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(results))
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, res := range results {
			cmds[i] = p.HGetAll(ctx, r.metaKey(res.Name))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis load drivers: %w", err)
	}

	cutoff := r.clock.Now().Add(-r.staleAfter)
	candidates := make([]domain.DriverCandidate, 0, len(results))
	for i, res := range results {
		if res.Name == "" {
			return nil, errInvalidGeoResult
		}
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		c := decodeCandidate(res.Name, fields)
		c.Coordinates = domain.GeoPoint{Lat: res.Latitude, Lng: res.Longitude}
		if c.LastPing.Before(cutoff) || !q.Matches(c) {
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// Driver satisfies domain.DriverDirectory.
func (r *Redis) Driver(ctx context.Context, driverID string) (domain.DriverCandidate, error) {
	fields, err := r.client.HGetAll(ctx, r.metaKey(driverID)).Result()
	if err != nil {
		return domain.DriverCandidate{}, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return domain.DriverCandidate{}, domain.ErrDriverNotFound
	}
	c := decodeCandidate(driverID, fields)
	positions, err := r.client.GeoPos(ctx, r.geoKey, driverID).Result()
	if err != nil {
		return domain.DriverCandidate{}, fmt.Errorf("redis geopos: %w", err)
	}
	if len(positions) == 1 && positions[0] != nil {
		c.Coordinates = domain.GeoPoint{Lat: positions[0].Latitude, Lng: positions[0].Longitude}
	}
	return c, nil
}

func (r *Redis) metaKey(driverID string) string {
	return r.metaPrefix + driverID
}

func decodeCandidate(id string, fields map[string]string) domain.DriverCandidate {
	rating, _ := strconv.ParseFloat(fields["rating_average"], 64)
	pingMS, _ := strconv.ParseInt(fields["last_ping"], 10, 64)
	return domain.DriverCandidate{
		DriverID:      id,
		ServiceType:   domain.ServiceType(fields["service_type"]),
		VehicleClass:  fields["vehicle_class"],
		RatingAverage: rating,
		IsOnline:      fields["online"] == "1",
		IsAvailable:   fields["available"] == "1",
		IsVerified:    fields["verified"] == "1",
		LastPing:      time.UnixMilli(pingMS).UTC(),
	}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
