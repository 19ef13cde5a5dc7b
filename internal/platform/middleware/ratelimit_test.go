package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medglosa/medglosa/internal/platform/auth"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func newRateLimitContext(e *echo.Echo, user string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/procedures", nil)
	if user != "" {
		req = req.WithContext(auth.WithUser(req.Context(), user, []string{auth.RoleBilling}))
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRateLimit_AllowsBurst(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(okHandler)

	for i := 0; i < 5; i++ {
		c, rec := newRateLimitContext(e, "")
		require.NoError(t, handler(c), "request %d", i+1)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimit_RejectsOverBudget(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(okHandler)

	for i := 0; i < 2; i++ {
		c, _ := newRateLimitContext(e, "")
		require.NoError(t, handler(c))
	}

	c, rec := newRateLimitContext(e, "")
	err := handler(c)

	var he *echo.HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusTooManyRequests, he.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	retry, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, convErr)
	assert.GreaterOrEqual(t, retry, 1)
}

func TestRateLimit_SeparateBudgetPerUser(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(okHandler)

	c, _ := newRateLimitContext(e, "user-a")
	require.NoError(t, handler(c))
	c, _ = newRateLimitContext(e, "user-a")
	assert.Error(t, handler(c))

	c, _ = newRateLimitContext(e, "user-b")
	assert.NoError(t, handler(c))
}

func TestRateLimit_DisabledWithZeroRate(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{})(okHandler)

	for i := 0; i < 10; i++ {
		c, _ := newRateLimitContext(e, "")
		require.NoError(t, handler(c))
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return false, 0, errors.New("connection refused")
}

func TestRateLimit_LimiterErrorLetsRequestThrough(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, Limiter: failingLimiter{}})(okHandler)

	c, rec := newRateLimitContext(e, "")
	require.NoError(t, handler(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	assert.Equal(t, 50.0, cfg.RequestsPerSecond)
	assert.Equal(t, 100, cfg.BurstSize)
}

func TestMemoryLimiter_Refills(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(2, 1)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _, _ := l.Allow(ctx, "k")
	require.True(t, ok)

	ok, wait, _ := l.Allow(ctx, "k")
	require.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, wait)

	now = now.Add(500 * time.Millisecond)
	ok, _, _ = l.Allow(ctx, "k")
	assert.True(t, ok)
}

func TestMemoryLimiter_ZeroRateNeverRefills(t *testing.T) {
	l := NewMemoryLimiter(0, 1)
	ctx := context.Background()

	ok, _, _ := l.Allow(ctx, "k")
	require.True(t, ok)
	ok, wait, _ := l.Allow(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)
}

func TestMemoryLimiter_SweepsIdleClients(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(10, 5)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		_, _, _ = l.Allow(ctx, k)
	}
	require.Equal(t, 3, l.Len())

	now = now.Add(2 * sweepInterval)
	_, _, _ = l.Allow(ctx, "d")
	assert.Equal(t, 1, l.Len())
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	window time.Duration
	err    error
}

func (f *fakeCounter) incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, 0, f.err
	}
	if f.counts == nil {
		f.counts = map[string]int64{}
	}
	f.window = window
	f.counts[key]++
	return f.counts[key], window, nil
}

func TestRedisLimiter_FixedWindow(t *testing.T) {
	counter := &fakeCounter{}
	l := newRedisLimiter(counter, 50, 100)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		ok, _, err := l.Allow(ctx, "user-a:10.0.0.1")
		require.NoError(t, err)
		require.True(t, ok, "request %d", i+1)
	}

	ok, wait, err := l.Allow(ctx, "user-a:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2*time.Second, wait)
	assert.Equal(t, 2*time.Second, counter.window)
	assert.Contains(t, counter.counts, "medglosa:ratelimit:user-a:10.0.0.1")
}

func TestRedisLimiter_MinimumWindow(t *testing.T) {
	l := newRedisLimiter(&fakeCounter{}, 1000, 1)
	assert.Equal(t, time.Second, l.window)
}

func TestRedisLimiter_PropagatesCounterError(t *testing.T) {
	l := newRedisLimiter(&fakeCounter{err: errors.New("redis down")}, 1, 1)
	_, _, err := l.Allow(context.Background(), "k")
	assert.Error(t, err)
}
