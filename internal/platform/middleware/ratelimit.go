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
	"github.com/redis/go-redis/v9"

	"github.com/medglosa/medglosa/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration. Limiter defaults to an
// in-process token bucket built from the rate and burst.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	Limiter           Limiter
}

// DefaultRateLimitConfig matches the RATE_LIMIT_RPS and RATE_LIMIT_BURST
// defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
	}
}

// Limiter decides whether the client identified by key may make one more
// request. When it may not, retryAfter says how long to wait.
type Limiter interface {
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

// RateLimit rejects clients that exceed their budget with 429. Clients are
// keyed by authenticated user and remote IP. A non-positive rate disables
// the middleware. Limiter errors let the request through.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	limiter := cfg.Limiter
	if limiter == nil && cfg.RequestsPerSecond > 0 {
		limiter = NewMemoryLimiter(cfg.RequestsPerSecond, cfg.BurstSize)
	}
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.RequestsPerSecond <= 0 {
				return next(c)
			}

			key := c.RealIP()
			if userID := auth.UserIDFromContext(c.Request().Context()); userID != "" {
				key = userID + ":" + key
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			ok, wait, err := limiter.Allow(c.Request().Context(), key)
			if err != nil || ok {
				return next(c)
			}

			h.Set("Retry-After", strconv.Itoa(retrySeconds(wait)))
			h.Set("X-RateLimit-Remaining", "0")
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		}
	}
}

func retrySeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// bucket is one client's token bucket. Guarded by MemoryLimiter.mu.
type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// MemoryLimiter keeps one token bucket per key in process memory. Buckets
// that have refilled completely are dropped on the next sweep.
type MemoryLimiter struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

const sweepInterval = time.Minute

func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	if burst < 1 {
		burst = 1
	}
	return &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastSeen: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.lastSeen).Seconds()*l.rate)
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0, nil
	}
	if l.rate <= 0 {
		return false, time.Second, nil
	}
	wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	return false, wait, nil
}

func (l *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < sweepInterval {
		return
	}
	l.lastSweep = now
	for k, b := range l.buckets {
		if l.rate > 0 && b.tokens+now.Sub(b.lastSeen).Seconds()*l.rate >= l.burst {
			delete(l.buckets, k)
		}
	}
}

// Len reports the number of tracked clients.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// windowCounter increments the counter for key and returns the new count
// and the time left before the counter resets.
type windowCounter interface {
	incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// RedisLimiter shares a fixed-window budget between server instances. A
// window lasts as long as an empty bucket takes to refill, and admits
// burst requests.
type RedisLimiter struct {
	counter windowCounter
	window  time.Duration
	burst   int64
	prefix  string
}

func NewRedisLimiter(client *redis.Client, rate float64, burst int) *RedisLimiter {
	return newRedisLimiter(redisCounter{client: client}, rate, burst)
}

func newRedisLimiter(counter windowCounter, rate float64, burst int) *RedisLimiter {
	if burst < 1 {
		burst = 1
	}
	window := time.Second
	if rate > 0 {
		window = time.Duration(float64(burst) / rate * float64(time.Second))
	}
	if window < time.Second {
		window = time.Second
	}
	return &RedisLimiter{counter: counter, window: window, burst: int64(burst), prefix: "medglosa:ratelimit:"}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	n, ttl, err := l.counter.incr(ctx, l.prefix+key, l.window)
	if err != nil {
		return false, 0, err
	}
	if n <= l.burst {
		return true, 0, nil
	}
	if ttl <= 0 {
		ttl = l.window
	}
	return false, ttl, nil
}

type redisCounter struct {
	client *redis.Client
}

func (r redisCounter) incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit counter %s: %w", key, err)
	}
	return incr.Val(), ttl.Val(), nil
}
