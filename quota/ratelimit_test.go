package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func exerciseLimiter(t *testing.T, lim GroupLimiter, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := lim.Allow(ctx, "g1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
		advance(time.Second)
	}
	ok, err := lim.Allow(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, ok)

	// 其他群组与私聊不受影响
	ok, _ = lim.Allow(ctx, "g2")
	assert.True(t, ok)
	ok, _ = lim.Allow(ctx, "")
	assert.True(t, ok)

	// 第一条记录滑出窗口后放行一次
	advance(57 * time.Second)
	ok, _ = lim.Allow(ctx, "g1")
	assert.True(t, ok)
	ok, _ = lim.Allow(ctx, "g1")
	assert.False(t, ok)

	// 失败的请求撤回记录后可以再放行一次
	require.NoError(t, lim.Release(ctx, "g1"))
	ok, _ = lim.Allow(ctx, "g1")
	assert.True(t, ok)
	require.NoError(t, lim.Release(ctx, ""))
}

func TestMemoryLimiter(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	lim := NewMemoryLimiter(DefaultRateLimitConfig()).WithClock(func() time.Time { return now })
	exerciseLimiter(t, lim, func(d time.Duration) { now = now.Add(d) })
}

func TestRateLimitedMessage(t *testing.T) {
	assert.Equal(t, "⏳ 群内请求过于频繁，请等待 60 秒后再试。", RateLimitedMessage(time.Minute))
}

func TestMemoryLimiter_Disabled(t *testing.T) {
	lim := NewMemoryLimiter(RateLimitConfig{Enabled: false, Max: 1})
	for i := 0; i < 5; i++ {
		ok, err := lim.Allow(context.Background(), "g")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	lim := NewRedisLimiter(client, DefaultRateLimitConfig(), zap.NewNop()).WithClock(func() time.Time { return now })
	exerciseLimiter(t, lim, func(d time.Duration) { now = now.Add(d) })

	// 被拒绝的请求不会留在窗口里
	n, err := client.ZCard(context.Background(), "bananaflow:ratelimit:group:g1").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	lim := NewRedisLimiter(client, DefaultRateLimitConfig(), nil)
	_, err = lim.Allow(context.Background(), "g1")
	assert.Error(t, err)
}
