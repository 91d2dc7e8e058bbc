package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter(RateLimitConfig{RequestsPerWindow: 2, Window: time.Hour, Burst: 1})

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "principal:1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, _ := l.Allow(ctx, "principal:1")
	assert.False(t, ok, "rate plus burst exhausted")

	ok, _ = l.Allow(ctx, "principal:2")
	assert.True(t, ok, "budgets are per key")
}

func TestRedisLimiter(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l := NewRedisLimiter(client, RateLimitConfig{RequestsPerWindow: 2, Window: time.Minute}, "")
	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "principal:1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "principal:1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("tenantguard:ratelimit:principal:1"))

	mr.FastForward(time.Minute + time.Second)
	ok, err = l.Allow(ctx, "principal:1")
	require.NoError(t, err)
	assert.True(t, ok, "a new window starts once the key expires")

	mr.Close()
	ok, err = l.Allow(ctx, "principal:1")
	assert.Error(t, err)
	assert.True(t, ok, "fails open")
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return true, errors.New("redis down")
}

func (failingLimiter) Config() RateLimitConfig { return DefaultRateLimitConfig() }

func TestRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	send := func(h http.Handler, principal string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/anything", nil)
		req.Header.Set(PrincipalHeader, principal)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	limiter := NewMemoryLimiter(RateLimitConfig{RequestsPerWindow: 1, Window: time.Minute})
	h := PrincipalMiddleware(RateLimitMiddleware(limiter, nil)(ok))

	w := send(h, "7")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))

	w = send(h, "7")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusNoContent, send(h, "8").Code)

	h = PrincipalMiddleware(RateLimitMiddleware(failingLimiter{}, nil)(ok))
	assert.Equal(t, http.StatusNoContent, send(h, "7").Code)
}
