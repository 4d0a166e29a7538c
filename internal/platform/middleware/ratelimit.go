package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/labintel/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per key.
	RequestsPerSecond float64
	// BurstSize is the number of requests allowed at once.
	BurstSize int
	// Skipper bypasses limiting, e.g. for health checks.
	Skipper middleware.Skipper
}

// DefaultRateLimitConfig allows two uploads per second with bursts of ten.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 2,
		BurstSize:         10,
	}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Store counts requests per key. Implementations must be safe for
// concurrent use.
type Store interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// tokenBucket implements a token bucket rate limiter.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	evicted    bool
}

// memorySweepInterval bounds how often idle buckets are scanned for.
const memorySweepInterval = time.Minute

// MemoryStore keeps one token bucket per key in process memory. Buckets idle
// long enough to have refilled completely are dropped, since a fresh bucket
// behaves the same.
type MemoryStore struct {
	rate  float64
	burst float64
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	lastSweep time.Time
}

// NewMemoryStore creates a MemoryStore refilling rate tokens per second up
// to burst.
func NewMemoryStore(rate float64, burst int) *MemoryStore {
	if burst < 1 {
		burst = 1
	}
	idle := time.Hour
	if rate > 0 {
		idle = time.Duration(float64(burst) / rate * float64(time.Second))
	}
	return &MemoryStore{
		rate:    rate,
		burst:   float64(burst),
		idle:    idle,
		now:     time.Now,
		buckets: make(map[string]*tokenBucket),
	}
}

func (s *MemoryStore) bucket(key string) *tokenBucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if now.Sub(s.lastSweep) >= memorySweepInterval {
		s.sweep(now)
	}
	b, ok := s.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: s.burst, lastRefill: now}
		s.buckets[key] = b
	}
	return b
}

// sweep drops full buckets. Callers hold s.mu.
func (s *MemoryStore) sweep(now time.Time) {
	s.lastSweep = now
	for k, b := range s.buckets {
		b.mu.Lock()
		if now.Sub(b.lastRefill) >= s.idle {
			b.evicted = true
			delete(s.buckets, k)
		}
		b.mu.Unlock()
	}
}

func (s *MemoryStore) Allow(_ context.Context, key string) (Decision, error) {
	b := s.bucket(key)
	b.mu.Lock()
	for b.evicted {
		b.mu.Unlock()
		b = s.bucket(key)
		b.mu.Lock()
	}
	defer b.mu.Unlock()

	now := s.now()
	b.tokens = math.Min(s.burst, b.tokens+now.Sub(b.lastRefill).Seconds()*s.rate)
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: int(b.tokens)}, nil
	}
	retry := time.Second
	if s.rate > 0 {
		retry = time.Duration((1 - b.tokens) / s.rate * float64(time.Second))
	}
	return Decision{RetryAfter: retry}, nil
}

// RedisStore is a fixed-window counter shared by all server instances. Each
// key may make limit requests per window.
type RedisStore struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
}

// NewRedisStore creates a RedisStore. Keys are namespaced under
// "labintel:ratelimit:".
func NewRedisStore(client redis.UniversalClient, limit int, window time.Duration) *RedisStore {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisStore{client: client, limit: limit, window: window, prefix: "labintel:ratelimit:"}
}

// windowScript increments the counter and gives it the window as expiry
// whenever it has none, in one atomic step. A counter that lost its expiry
// is repaired on its next use.
var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

func (s *RedisStore) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := windowScript.Run(ctx, s.client, []string{s.prefix + key}, s.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", key, res)
	}
	count, ttl := res[0], time.Duration(res[1])*time.Millisecond

	if int(count) <= s.limit {
		return Decision{Allowed: true, Remaining: s.limit - int(count)}, nil
	}
	if ttl <= 0 {
		ttl = s.window
	}
	return Decision{RetryAfter: ttl}, nil
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RateLimit limits requests per authenticated user, or per client IP when
// no user is known. A store error lets the request through.
func RateLimit(store Store, cfg RateLimitConfig, logger zerolog.Logger) echo.MiddlewareFunc {
	limitHeader := strconv.Itoa(cfg.BurstSize)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			key := "ip:" + c.RealIP()
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
				key = "user:" + uid
			}

			d, err := store.Allow(c.Request().Context(), key)
			if err != nil {
				logger.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable")
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitHeader)
			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			return next(c)
		}
	}
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
