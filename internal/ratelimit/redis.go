package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "rl"

// RedisWindow shares fixed windows across gateway replicas. The check and the
// increment run in one Lua script so concurrent callers cannot overshoot.
type RedisWindow struct {
	client redis.Scripter
	quotas map[Tier]Quota
	prefix string
	script *redis.Script
	now    func() time.Time
}

// NewRedisWindow constructs the Redis-backed limiter.
func NewRedisWindow(client redis.Scripter, quotas map[Tier]Quota, prefix string) *RedisWindow {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	copied := make(map[Tier]Quota, len(quotas))
	for tier, q := range quotas {
		copied[tier] = q
	}
	return &RedisWindow{
		client: client,
		quotas: copied,
		prefix: prefix,
		script: redis.NewScript(fixedWindowLua),
		now:    time.Now,
	}
}

// Check satisfies Limiter. Expired windows are dropped by Redis key expiry.
func (r *RedisWindow) Check(ctx context.Context, key string, tier Tier) (Decision, error) {
	quota, ok := r.quotas[tier]
	if !ok || quota.MaxRequests <= 0 || quota.Window <= 0 {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	redisKey := strings.Join([]string{r.prefix, string(tier), key}, ":")
	result, err := r.script.Run(ctx, r.client, []string{redisKey}, quota.MaxRequests, quota.Window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis fixed window: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return Decision{}, errors.New("invalid redis response")
	}
	allowed, err := toInt64(values[0])
	if err != nil {
		return Decision{}, err
	}
	remaining, err := toInt64(values[1])
	if err != nil {
		return Decision{}, err
	}
	ttlMS, err := toInt64(values[2])
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:   allowed == 1,
		Limit:     quota.MaxRequests,
		Remaining: int(remaining),
		ResetAt:   r.now().Add(time.Duration(ttlMS) * time.Millisecond),
	}
	outcome := "allowed"
	if !d.Allowed {
		outcome = "rejected"
	}
	decisions.WithLabelValues(string(tier), outcome).Inc()
	return d, nil
}

func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case float64:
		return int64(val), nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	default:
		return 0, errors.New("unsupported type")
	}
}

const fixedWindowLua = `
local key = KEYS[1]
local max = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])

local count = tonumber(redis.call('GET', key) or '0')
local ttl = tonumber(redis.call('PTTL', key))

if count == 0 or ttl <= 0 then
  redis.call('SET', key, 1, 'PX', window_ms)
  return {1, max - 1, window_ms}
end

if count >= max then
  return {0, 0, ttl}
end

redis.call('INCR', key)
return {1, max - count - 1, ttl}
`
