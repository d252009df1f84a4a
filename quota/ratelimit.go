package quota

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig 群组滑动窗口限流
type RateLimitConfig struct {
	Enabled bool
	Window  time.Duration
	Max     int
}

// DefaultRateLimitConfig 60 秒内每群最多 3 次
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Enabled: true, Window: 60 * time.Second, Max: 3}
}

func (c RateLimitConfig) normalize() RateLimitConfig {
	def := DefaultRateLimitConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Max <= 0 {
		c.Max = def.Max
	}
	return c
}

// GroupLimiter 判断群组在当前窗口内是否还能发起请求。
// groupID 为空（私聊）或限流关闭时总是放行。
// 请求最终失败时调用 Release 撤回最近一次记录。
type GroupLimiter interface {
	Allow(ctx context.Context, groupID string) (bool, error)
	Release(ctx context.Context, groupID string) error
}

// RateLimitedMessage 是群组被限流时的提示
func RateLimitedMessage(window time.Duration) string {
	return fmt.Sprintf("⏳ 群内请求过于频繁，请等待 %d 秒后再试。", int(window.Seconds()))
}

// =============================================================================
// 🧠 内存实现
// =============================================================================

// MemoryLimiter 进程内滑动窗口
type MemoryLimiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	buckets map[string][]time.Time
	now     func() time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(cfg RateLimitConfig) *MemoryLimiter {
	return &MemoryLimiter{cfg: cfg.normalize(), buckets: make(map[string][]time.Time), now: time.Now}
}

// Window 返回窗口长度
func (m *MemoryLimiter) Window() time.Duration { return m.cfg.Window }

// WithClock 替换时间源
func (m *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	m.now = now
	return m
}

// Allow implements GroupLimiter.
func (m *MemoryLimiter) Allow(_ context.Context, groupID string) (bool, error) {
	if groupID == "" || !m.cfg.Enabled {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	windowStart := now.Add(-m.cfg.Window)
	valid := m.buckets[groupID][:0]
	for _, ts := range m.buckets[groupID] {
		if ts.After(windowStart) {
			valid = append(valid, ts)
		}
	}
	if len(valid) >= m.cfg.Max {
		m.buckets[groupID] = valid
		return false, nil
	}
	m.buckets[groupID] = append(valid, now)
	return true, nil
}

// Release implements GroupLimiter.
func (m *MemoryLimiter) Release(_ context.Context, groupID string) error {
	if groupID == "" || !m.cfg.Enabled {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b := m.buckets[groupID]; len(b) > 0 {
		m.buckets[groupID] = b[:len(b)-1]
	}
	return nil
}

// =============================================================================
// 🔴 Redis 实现
// =============================================================================

// RedisLimiter 用 ZSET 记录请求时间戳，多实例共享窗口
type RedisLimiter struct {
	client redis.Cmdable
	cfg    RateLimitConfig
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

// NewRedisLimiter creates a limiter over a Redis client.
func NewRedisLimiter(client redis.Cmdable, cfg RateLimitConfig, logger *zap.Logger) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{
		client: client,
		cfg:    cfg.normalize(),
		prefix: "bananaflow:ratelimit:group:",
		now:    time.Now,
		logger: logger.With(zap.String("component", "group_limiter")),
	}
}

// Allow implements GroupLimiter.
//
// 先写入再计数：超出上限时撤回本次写入。并发下可能多拒绝，但不会多放行。
func (r *RedisLimiter) Allow(ctx context.Context, groupID string) (bool, error) {
	if groupID == "" || !r.cfg.Enabled {
		return true, nil
	}
	key := r.prefix + groupID
	now := r.now()
	member := uuid.NewString()
	minScore := strconv.FormatInt(now.Add(-r.cfg.Window).UnixNano(), 10)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", minScore)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, r.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("group rate limit: %w", err)
	}

	if card.Val() > int64(r.cfg.Max) {
		if err := r.client.ZRem(ctx, key, member).Err(); err != nil {
			r.logger.Warn("rate limit rollback failed", zap.String("group_id", groupID), zap.Error(err))
		}
		return false, nil
	}
	return true, nil
}

// Release implements GroupLimiter.
func (r *RedisLimiter) Release(ctx context.Context, groupID string) error {
	if groupID == "" || !r.cfg.Enabled {
		return nil
	}
	if err := r.client.ZPopMax(ctx, r.prefix+groupID, 1).Err(); err != nil {
		return fmt.Errorf("release group rate limit: %w", err)
	}
	return nil
}

// Window 返回窗口长度
func (r *RedisLimiter) Window() time.Duration { return r.cfg.Window }

// WithClock 替换时间源
func (r *RedisLimiter) WithClock(now func() time.Time) *RedisLimiter {
	r.now = now
	return r
}
