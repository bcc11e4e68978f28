// Package route estimates trip distance and duration and resolves addresses,
// caching provider answers and collapsing bursts of requests from one client.
package route

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/dispatchcore/internal/apperror"
	"github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/dispatch/eligibility"
	"github.com/example/dispatchcore/internal/geocache"
)

const (
	DefaultDebounce = 300 * time.Millisecond
	// keyPrecision rounds coordinates to roughly 11 m before caching.
	keyPrecision = 4
)

// Estimate is a provider answer for one pickup and destination pair.
type Estimate struct {
	Pickup      domain.GeoPoint `json:"pickup"`
	Dropoff     domain.GeoPoint `json:"dropoff"`
	DistanceKM  float64         `json:"distance_km"`
	DurationSec float64         `json:"duration_sec"`
}

// DriverETA is the time for the closest available driver to reach a pickup.
type DriverETA struct {
	DriverID    string  `json:"driver_id"`
	DistanceKM  float64 `json:"distance_km"`
	DurationSec float64 `json:"duration_sec"`
}

type Provider interface {
	Route(ctx context.Context, from, to domain.GeoPoint) (Estimate, error)
}

type Geocoder interface {
	ReverseGeocode(ctx context.Context, p domain.GeoPoint) (string, error)
}

// Config tunes caching and debouncing.
type Config struct {
	CacheTTL time.Duration
	Debounce time.Duration
	// ApproachRadiusKM bounds the driver search in DriverETA.
	ApproachRadiusKM float64
}

type Service struct {
	provider  Provider
	geocoder  Geocoder
	pool      domain.CandidatePool
	routes    *geocache.Cache[Estimate]
	addresses *geocache.Cache[string]
	inflight  *geocache.Coalescer[Estimate]
	cfg       Config
	logger    *zap.Logger
}

// New builds a Service. A nil provider falls back to the straight-line
// estimator; pool may be nil when DriverETA is not used.
func New(provider Provider, geocoder Geocoder, pool domain.CandidatePool, logger *zap.Logger, cfg Config) *Service {
	if provider == nil {
		provider = HaversineEstimator{}
	}
	if geocoder == nil {
		geocoder = CoordinateGeocoder{}
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = geocache.DefaultTTL
	}
	if cfg.ApproachRadiusKM <= 0 {
		cfg.ApproachRadiusKM = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		provider:  provider,
		geocoder:  geocoder,
		pool:      pool,
		routes:    geocache.New[Estimate]("routes", geocache.Config{DefaultTTL: cfg.CacheTTL}),
		addresses: geocache.New[string]("addresses", geocache.Config{DefaultTTL: cfg.CacheTTL}),
		inflight:  geocache.NewCoalescer[Estimate](),
		cfg:       cfg,
		logger:    logger.Named("route"),
	}
}

func routeKey(from, to domain.GeoPoint) string {
	return from.Key(keyPrecision) + "|" + to.Key(keyPrecision)
}

// Estimate returns the route between from and to. Calls sharing a session
// are debounced: only the last pair requested within the quiet period is sent
// to the provider, and every waiting caller receives that answer. An empty
// session coalesces on the route itself.
func (s *Service) Estimate(ctx context.Context, session string, from, to domain.GeoPoint) (Estimate, error) {
	const op = "route.estimate"
	if !from.Valid() || !to.Valid() {
		return Estimate{}, apperror.Validation(op, "pickup and dropoff must be valid coordinates")
	}
	key := routeKey(from, to)
	if est, ok := s.routes.Get(key); ok {
		return est, nil
	}
	if session == "" {
		session = key
	}
	est, err := s.inflight.Schedule(ctx, session, s.cfg.Debounce, func(ctx context.Context) (Estimate, error) {
		if est, ok := s.routes.Get(key); ok {
			return est, nil
		}
		est, err := s.provider.Route(ctx, from, to)
		if err != nil {
			return Estimate{}, err
		}
		s.routes.Set(key, est)
		return est, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Estimate{}, ctx.Err()
		}
		return Estimate{}, apperror.Transient(op, err)
	}
	return est, nil
}

// ReverseGeocode resolves p to an address, caching by rounded coordinates.
func (s *Service) ReverseGeocode(ctx context.Context, p domain.GeoPoint) (string, error) {
	const op = "route.reverse_geocode"
	if !p.Valid() {
		return "", apperror.Validation(op, "invalid coordinates")
	}
	key := p.Key(keyPrecision)
	if addr, ok := s.addresses.Get(key); ok {
		return addr, nil
	}
	addr, err := s.geocoder.ReverseGeocode(ctx, p)
	if err != nil {
		return "", apperror.Transient(op, err)
	}
	s.addresses.Set(key, addr)
	return addr, nil
}

// DriverETA estimates arrival of the nearest driver dispatch would offer an
// order needing serviceType.
// It returns false when no candidate is within the approach radius.
func (s *Service) DriverETA(ctx context.Context, pickup domain.GeoPoint, serviceType domain.ServiceType) (DriverETA, bool, error) {
	const op = "route.driver_eta"
	if s.pool == nil {
		return DriverETA{}, false, nil
	}
	candidates, err := s.pool.Nearby(ctx, domain.CandidateQuery{
		Point:       pickup,
		RadiusKM:    s.cfg.ApproachRadiusKM,
		ServiceType: serviceType,
		ReadyOnly:   true,
		Limit:       1,
	})
	if err != nil {
		return DriverETA{}, false, apperror.Transient(op, err)
	}
	for _, c := range candidates {
		if eligibility.Check(c, serviceType) != nil {
			continue
		}
		est, err := s.provider.Route(ctx, c.Coordinates, pickup)
		if err != nil {
			return DriverETA{}, false, apperror.Transient(op, err)
		}
		return DriverETA{DriverID: c.DriverID, DistanceKM: est.DistanceKM, DurationSec: est.DurationSec}, true, nil
	}
	return DriverETA{}, false, nil
}

// Invalidate drops cached routes touching from and to and aborts any
// debounced call pending for session.
func (s *Service) Invalidate(session string, from, to domain.GeoPoint) {
	s.routes.Delete(routeKey(from, to))
	if session != "" {
		s.inflight.Cancel(session)
	}
}

// Close aborts every pending debounced call.
func (s *Service) Close() {
	s.inflight.CancelAll(true)
}

// HaversineEstimator derives duration from great-circle distance at a fixed
// average speed. It needs no network and serves as the default provider.
type HaversineEstimator struct {
	SpeedKMH float64
}

func (h HaversineEstimator) Route(_ context.Context, from, to domain.GeoPoint) (Estimate, error) {
	speed := h.SpeedKMH
	if speed <= 0 {
		speed = 35
	}
	dist := domain.HaversineKM(from, to)
	return Estimate{
		Pickup:      from,
		Dropoff:     to,
		DistanceKM:  dist,
		DurationSec: dist / speed * 3600,
	}, nil
}

// CoordinateGeocoder renders the coordinates themselves; used when no address
// provider is configured.
type CoordinateGeocoder struct{}

func (CoordinateGeocoder) ReverseGeocode(_ context.Context, p domain.GeoPoint) (string, error) {
	return fmt.Sprintf("%.5f, %.5f", p.Lat, p.Lng), nil
}
