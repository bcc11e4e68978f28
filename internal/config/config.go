package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix scopes environment overrides, e.g. DISPATCHCORE_DISPATCH__RADIUS_KM.
const EnvPrefix = "DISPATCHCORE_"

type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	GRPC      GRPCConfig      `json:"grpc"`
	Postgres  PostgresConfig  `json:"postgres"`
	Redis     RedisConfig     `json:"redis"`
	NATS      NATSConfig      `json:"nats"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	GeoCache  GeoCacheConfig  `json:"geocache"`
	Route     RouteConfig     `json:"route"`
	RateLimit RateLimitConfig `json:"ratelimit"`
	Gateway   GatewayConfig   `json:"gateway"`
	Escrow    EscrowConfig    `json:"escrow"`
	Outbox    OutboxConfig    `json:"outbox"`
	Auth      AuthConfig      `json:"auth"`
	Logging   LoggingConfig   `json:"logging"`
}

type HTTPConfig struct {
	Addr              string        `json:"addr"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout"`
}

// GRPCConfig addresses the driver location ingest stream; "off" disables it.
type GRPCConfig struct {
	Addr string `json:"addr"`
}

type PostgresConfig struct {
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
}

type RedisConfig struct {
	Addr   string `json:"addr"`
	GeoKey string `json:"geo_key"`
}

type NATSConfig struct {
	URL           string `json:"url"`
	OfferSubject  string `json:"offer_subject"`
	EscrowSubject string `json:"escrow_subject"`
}

// DispatchConfig tunes the dispatch pass.
type DispatchConfig struct {
	RadiusKM         float64       `json:"radius_km"`
	Timeout          time.Duration `json:"timeout"`
	StaleAfter       time.Duration `json:"stale_after"`
	CandidateLimit   int           `json:"candidate_limit"`
	DistanceCacheTTL time.Duration `json:"distance_cache_ttl"`
	// OfferTTL is how long a dispatched order stays open for acceptance.
	// A granted acceptance does not expire.
	OfferTTL time.Duration `json:"offer_ttl"`
}

type GeoCacheConfig struct {
	DefaultTTL    time.Duration `json:"default_ttl"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

type RouteConfig struct {
	Debounce time.Duration `json:"debounce"`
	CacheTTL time.Duration `json:"cache_ttl"`
}

// TierConfig is the quota of one rate-limiting tier.
type TierConfig struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

type RateLimitConfig struct {
	// Backend selects "memory" or "redis".
	Backend         string                `json:"backend"`
	CleanupInterval time.Duration         `json:"cleanup_interval"`
	Tiers           map[string]TierConfig `json:"tiers"`
	// BehindGateway turns the limiter off in the upstream services because
	// apigateway already charged the request.
	BehindGateway bool `json:"behind_gateway"`
}

// GatewayConfig addresses apigateway's listener and its upstreams.
type GatewayConfig struct {
	Addr        string `json:"addr"`
	DispatchURL string `json:"dispatch_url"`
	// LocationURL routes /v1/drivers to a standalone locationservice; empty
	// sends it to the dispatch service.
	LocationURL string `json:"location_url"`
	// RateLimitPrefix keys the gateway's windows apart from any limiter the
	// upstreams run against the same Redis.
	RateLimitPrefix string `json:"ratelimit_prefix"`
}

// EscrowConfig holds the escrow policy windows. They are deployment choices,
// not business constants.
type EscrowConfig struct {
	AutoReleaseWindow time.Duration `json:"auto_release_window"`
	DisputeWindow     time.Duration `json:"dispute_window"`
	ResolutionRoles   []string      `json:"resolution_roles"`
	SweepInterval     time.Duration `json:"sweep_interval"`
	SweepBatch        int           `json:"sweep_batch"`
}

type OutboxConfig struct {
	PollInterval time.Duration `json:"poll_interval"`
	BatchSize    int           `json:"batch_size"`
	RetryMax     int           `json:"retry_max"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
}

type LoggingConfig struct {
	Level string `json:"level"`
}

// Load reads path (YAML or JSON) when given, overlays DISPATCHCORE_ environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		var parser koanf.Parser
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.SetDefaults()
	return &cfg
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ReadHeaderTimeout <= 0 {
		c.HTTP.ReadHeaderTimeout = 5 * time.Second
	}
	if c.GRPC.Addr == "" {
		c.GRPC.Addr = ":9090"
	}
	if c.Postgres.MaxOpenConns <= 0 {
		c.Postgres.MaxOpenConns = 10
	}
	if c.Redis.GeoKey == "" {
		c.Redis.GeoKey = "drivers:geo"
	}
	if c.NATS.OfferSubject == "" {
		c.NATS.OfferSubject = "dispatch.offers"
	}
	if c.NATS.EscrowSubject == "" {
		c.NATS.EscrowSubject = "escrow.notifications"
	}
	if c.Dispatch.RadiusKM <= 0 {
		c.Dispatch.RadiusKM = 10
	}
	if c.Dispatch.Timeout <= 0 {
		c.Dispatch.Timeout = 3 * time.Second
	}
	if c.Dispatch.StaleAfter <= 0 {
		c.Dispatch.StaleAfter = 2 * time.Minute
	}
	if c.Dispatch.CandidateLimit <= 0 {
		c.Dispatch.CandidateLimit = 50
	}
	if c.Dispatch.DistanceCacheTTL <= 0 {
		c.Dispatch.DistanceCacheTTL = 30 * time.Second
	}
	if c.Dispatch.OfferTTL <= 0 {
		c.Dispatch.OfferTTL = 15 * time.Minute
	}
	if c.GeoCache.DefaultTTL <= 0 {
		c.GeoCache.DefaultTTL = 10 * time.Minute
	}
	if c.GeoCache.SweepInterval <= 0 {
		c.GeoCache.SweepInterval = time.Minute
	}
	if c.Route.Debounce <= 0 {
		c.Route.Debounce = 300 * time.Millisecond
	}
	if c.Route.CacheTTL <= 0 {
		c.Route.CacheTTL = c.GeoCache.DefaultTTL
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.RateLimit.CleanupInterval <= 0 {
		c.RateLimit.CleanupInterval = time.Minute
	}
	if c.RateLimit.Tiers == nil {
		c.RateLimit.Tiers = map[string]TierConfig{}
	}
	for name, tier := range DefaultTiers() {
		current, ok := c.RateLimit.Tiers[name]
		if !ok {
			c.RateLimit.Tiers[name] = tier
			continue
		}
		if current.MaxRequests <= 0 {
			current.MaxRequests = tier.MaxRequests
		}
		if current.Window <= 0 {
			current.Window = tier.Window
		}
		c.RateLimit.Tiers[name] = current
	}
	if c.Gateway.Addr == "" {
		c.Gateway.Addr = ":8088"
	}
	if c.Gateway.DispatchURL == "" {
		c.Gateway.DispatchURL = "http://localhost:8080"
	}
	if c.Gateway.RateLimitPrefix == "" {
		c.Gateway.RateLimitPrefix = "gw"
	}
	if c.Escrow.AutoReleaseWindow <= 0 {
		c.Escrow.AutoReleaseWindow = 72 * time.Hour
	}
	if c.Escrow.DisputeWindow <= 0 {
		c.Escrow.DisputeWindow = 48 * time.Hour
	}
	if len(c.Escrow.ResolutionRoles) == 0 {
		c.Escrow.ResolutionRoles = []string{"admin"}
	}
	if c.Escrow.SweepInterval <= 0 {
		c.Escrow.SweepInterval = time.Minute
	}
	if c.Escrow.SweepBatch <= 0 {
		c.Escrow.SweepBatch = 100
	}
	if c.Outbox.PollInterval <= 0 {
		c.Outbox.PollInterval = 200 * time.Millisecond
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.RetryMax <= 0 {
		c.Outbox.RetryMax = 3
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// DefaultTiers are the stock quotas: anonymous 10/min, authenticated 60/min,
// premium 300/min.
func DefaultTiers() map[string]TierConfig {
	return map[string]TierConfig{
		"anonymous":     {MaxRequests: 10, Window: time.Minute},
		"authenticated": {MaxRequests: 60, Window: time.Minute},
		"premium":       {MaxRequests: 300, Window: time.Minute},
	}
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("ratelimit.backend must be memory or redis, got %q", c.RateLimit.Backend))
	}
	if c.RateLimit.Backend == "redis" && c.Redis.Addr == "" {
		errs = append(errs, errors.New("ratelimit.backend redis requires redis.addr"))
	}
	if c.Escrow.DisputeWindow > c.Escrow.AutoReleaseWindow {
		errs = append(errs, errors.New("escrow.dispute_window must not exceed escrow.auto_release_window"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not supported", c.Logging.Level))
	}
	return errors.Join(errs...)
}
