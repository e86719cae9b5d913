package api

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"event-store/domain"
)

// Limiter decides whether the client identified by key may proceed. When it
// may not, retryAfter estimates how long until it may.
type Limiter interface {
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

const visitorIdle = 3 * time.Minute

// MemoryLimiter keeps a token bucket per client in process memory.
type MemoryLimiter struct {
	perMinute int

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiter allows perMinute requests per client with a burst of the
// same size.
func NewMemoryLimiter(perMinute int) *MemoryLimiter {
	return &MemoryLimiter{
		perMinute: perMinute,
		visitors:  make(map[string]*visitor),
		lastSweep: time.Now(),
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := time.Now()
	m.mu.Lock()
	if now.Sub(m.lastSweep) > time.Minute {
		for k, v := range m.visitors {
			if now.Sub(v.lastSeen) > visitorIdle {
				delete(m.visitors, k)
			}
		}
		m.lastSweep = now
	}
	v, ok := m.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(float64(m.perMinute)/60), m.perMinute)}
		m.visitors[key] = v
	}
	v.lastSeen = now
	m.mu.Unlock()

	r := v.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute, nil
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d, nil
	}
	return true, 0, nil
}

// tokenBucketScript refills and takes one token atomically.
// KEYS[1] bucket, ARGV: refill per second, capacity, now (seconds), ttl (seconds).
// Returns {allowed, milli-tokens left}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill", tostring(last_refill))
redis.call("EXPIRE", key, ttl)
return {allowed, math.floor(tokens * 1000)}
`)

// RedisLimiter shares token buckets between instances through Redis.
type RedisLimiter struct {
	client    *redis.Client
	prefix    string
	perMinute int
}

func NewRedisLimiter(client *redis.Client, prefix string, perMinute int) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, perMinute: perMinute}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	perSecond := float64(r.perMinute) / 60
	if perSecond <= 0 {
		perSecond = 1
	}
	ttl := int(math.Ceil(float64(r.perMinute)/perSecond)) + 1
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, r.client, []string{r.prefix + key}, perSecond, r.perMinute, now, ttl).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis limiter: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("redis limiter: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	missing := 1 - float64(res[1])/1000
	return false, time.Duration(missing / perSecond * float64(time.Second)), nil
}

// RateLimit rejects requests over the client's budget with
// RATE_LIMIT_EXCEEDED. A failing limiter backend fails closed with
// SERVICE_UNAVAILABLE.
func RateLimit(scope string, l Limiter, logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			client := c.RealIP()
			ok, retryAfter, err := l.Allow(c.Request().Context(), scope+":"+client)
			if err != nil {
				logger.WithError(err).WithField("scope", scope).Warn("rate limiter unavailable")
				return domain.Unavailable(err, "rate limiter unavailable")
			}
			if !ok {
				secs := int(math.Ceil(retryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				return (&domain.Error{
					Code:    domain.CodeRateLimitExceeded,
					Message: fmt.Sprintf("%s rate limit exceeded", scope),
				}).WithDetail("retry_after_seconds", secs)
			}
			return next(c)
		}
	}
}
