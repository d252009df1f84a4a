package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/bananaflow/llm"
	"github.com/BaSui01/bananaflow/quota"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var _ llm.KVCache = (*Manager)(nil)

type countingRecorder struct {
	mu           sync.Mutex
	hits, misses int
}

func (r *countingRecorder) RecordCacheHit(string) {
	r.mu.Lock()
	r.hits++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordCacheMiss(string) {
	r.mu.Lock()
	r.misses++
	r.mu.Unlock()
}

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T, opts ...Option) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)

	config := Config{
		Addr:       mr.Addr(),
		KeyPrefix:  "bf:",
		DefaultTTL: 1 * time.Minute,
	}
	manager, err := NewManager(config, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return mr, manager
}

func TestManager_SetAndGet(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "test-key", "test-value", time.Minute))

	value, err := manager.Get(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, "test-value", value)

	// 前缀落到 Redis 中
	raw, err := mr.Get("bf:test-key")
	require.NoError(t, err)
	assert.Equal(t, "test-value", raw)
}

func TestManager_DefaultTTL(t *testing.T) {
	mr, manager := setupTestRedis(t)
	require.NoError(t, manager.Set(context.Background(), "k", "v", 0))
	assert.Equal(t, time.Minute, mr.TTL("bf:k"))
}

func TestManager_Miss(t *testing.T) {
	rec := &countingRecorder{}
	_, manager := setupTestRedis(t, WithHitRecorder(rec))
	ctx := context.Background()

	value, err := manager.Get(ctx, "non-existent")
	assert.True(t, IsCacheMiss(err))
	assert.Equal(t, "", value)

	require.NoError(t, manager.Set(ctx, "present", "1", time.Minute))
	_, err = manager.Get(ctx, "present")
	require.NoError(t, err)

	assert.Equal(t, 1, rec.hits)
	assert.Equal(t, 1, rec.misses)
}

func TestManager_Delete(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "a", "1", time.Minute))
	require.NoError(t, manager.Set(ctx, "b", "2", time.Minute))
	require.NoError(t, manager.Delete(ctx, "a", "b"))
	require.NoError(t, manager.Delete(ctx))

	_, err := manager.Get(ctx, "a")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_JSON(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	models := []string{"gemini-2.5-flash-image", "imagen-4"}
	require.NoError(t, manager.SetJSON(ctx, "models:main", models, time.Minute))

	var got []string
	require.NoError(t, manager.GetJSON(ctx, "models:main", &got))
	assert.Equal(t, models, got)

	assert.Error(t, manager.SetJSON(ctx, "bad", make(chan int), time.Minute))

	require.NoError(t, manager.Set(ctx, "not-json", "{", time.Minute))
	assert.Error(t, manager.GetJSON(ctx, "not-json", &got))

	assert.True(t, IsCacheMiss(manager.GetJSON(ctx, "absent", &got)))
}

func TestManager_TTL(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "test-ttl", "value", 100*time.Millisecond))
	value, err := manager.Get(ctx, "test-ttl")
	require.NoError(t, err)
	assert.Equal(t, "value", value)

	mr.FastForward(200 * time.Millisecond)

	_, err = manager.Get(ctx, "test-ttl")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_Closed(t *testing.T) {
	_, manager := setupTestRedis(t)
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	ctx := context.Background()
	assert.ErrorIs(t, manager.Ping(ctx), ErrClosed)
	assert.ErrorIs(t, manager.Set(ctx, "k", "v", 0), ErrClosed)
	_, err := manager.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager_ConnectFailed(t *testing.T) {
	manager, err := NewManager(Config{Addr: "127.0.0.1:1"}, nil)
	assert.Nil(t, manager)
	assert.Error(t, err)
}

func TestManager_KeyStatusStore(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	store := llm.NewCacheStatusStore(manager, time.Hour, nil)
	_, ok := store.Icon(ctx, "sk-abc")
	assert.False(t, ok)

	store.SetIcon(ctx, "sk-abc", "🟢")
	icon, ok := store.Icon(ctx, "sk-abc")
	assert.True(t, ok)
	assert.Equal(t, "🟢", icon)
}

func TestManager_SharedClientForLimiter(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	limiter := quota.NewRedisLimiter(manager.Client(), quota.RateLimitConfig{Enabled: true, Window: time.Minute, Max: 1}, nil)
	ok, err := limiter.Allow(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = limiter.Allow(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_ConcurrentOperations(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("concurrent-%d", id)
			assert.NoError(t, manager.Set(ctx, key, "value", time.Minute))
			value, err := manager.Get(ctx, key)
			assert.NoError(t, err)
			assert.Equal(t, "value", value)
		}(i)
	}
	wg.Wait()
}
