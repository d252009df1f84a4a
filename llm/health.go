package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/bananaflow/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// KeyHealth 是单把 Key 的探测结论
type KeyHealth string

const (
	HealthAvailable   KeyHealth = "available"
	HealthNoModels    KeyHealth = "available_no_models"
	HealthTimeout     KeyHealth = "timeout"
	HealthAuthFailed  KeyHealth = "auth_failed"
	HealthQuota       KeyHealth = "quota_exhausted"
	HealthRateLimited KeyHealth = "rate_limited"
	HealthServerError KeyHealth = "server_error"
	HealthFailed      KeyHealth = "failed"
	HealthCooling     KeyHealth = "cooling"
)

const (
	// HealthCheckTimeout 单把 Key 探测的超时
	HealthCheckTimeout = 10 * time.Second
	// HealthCheckConcurrency 并发探测上限
	HealthCheckConcurrency = 5

	iconUnknown = "❌"
)

// Icon 返回用于展示的状态图标
func (h KeyHealth) Icon() string {
	switch h {
	case HealthAvailable, HealthNoModels:
		return "✅"
	case HealthTimeout, HealthServerError:
		return "⌛"
	case HealthAuthFailed:
		return "🔒️"
	case HealthQuota:
		return "💰️"
	case HealthRateLimited:
		return "🛡️"
	}
	return iconUnknown
}

func healthFromKind(kind types.ErrorKind) KeyHealth {
	switch kind {
	case types.KindAuthFailed:
		return HealthAuthFailed
	case types.KindQuotaExhausted:
		return HealthQuota
	case types.KindRateLimit:
		return HealthRateLimited
	case types.KindServerError:
		return HealthServerError
	}
	return HealthFailed
}

// KeyStatus 是一次探测的结果
type KeyStatus struct {
	Index    int           `json:"index"`
	Masked   string        `json:"key"`
	Health   KeyHealth     `json:"health"`
	Label    string        `json:"label"`
	Cooldown time.Duration `json:"cooldown,omitempty"`
	Models   int           `json:"models"`
}

// =============================================================================
// 🗂️ 状态缓存
// =============================================================================

// StatusStore 保存每把 Key 最近一次的状态图标
type StatusStore interface {
	Icon(ctx context.Context, key string) (string, bool)
	SetIcon(ctx context.Context, key, icon string)
}

// MemoryStatusStore 进程内实现
type MemoryStatusStore struct {
	mu    sync.RWMutex
	icons map[string]string
}

// NewMemoryStatusStore creates an empty store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{icons: make(map[string]string)}
}

// Icon implements StatusStore.
func (s *MemoryStatusStore) Icon(_ context.Context, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	icon, ok := s.icons[key]
	return icon, ok
}

// SetIcon implements StatusStore.
func (s *MemoryStatusStore) SetIcon(_ context.Context, key, icon string) {
	s.mu.Lock()
	s.icons[key] = icon
	s.mu.Unlock()
}

// KVCache 是 CacheStatusStore 依赖的最小键值接口，internal/cache.Manager 满足它
type KVCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// CacheStatusStore 把状态图标放进共享缓存，多实例部署时可见
type CacheStatusStore struct {
	cache  KVCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCacheStatusStore wraps a KV cache.
func NewCacheStatusStore(c KVCache, ttl time.Duration, logger *zap.Logger) *CacheStatusStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CacheStatusStore{cache: c, ttl: ttl, logger: logger}
}

// Key 原文不落盘，只存摘要
func statusCacheKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "bananaflow:keystatus:" + hex.EncodeToString(sum[:8])
}

// Icon implements StatusStore.
func (s *CacheStatusStore) Icon(ctx context.Context, key string) (string, bool) {
	v, err := s.cache.Get(ctx, statusCacheKey(key))
	if err != nil || v == "" {
		return "", false
	}
	return v, true
}

// SetIcon implements StatusStore.
func (s *CacheStatusStore) SetIcon(ctx context.Context, key, icon string) {
	if err := s.cache.Set(ctx, statusCacheKey(key), icon, s.ttl); err != nil {
		s.logger.Debug("key status cache write failed", zap.Error(err))
	}
}

func (o *Orchestrator) storeStatus(ctx context.Context, key string, h KeyHealth) {
	o.statuses.SetIcon(context.WithoutCancel(ctx), key, h.Icon())
}

// =============================================================================
// 🩺 探测
// =============================================================================

// TestKeyAvailability 通过 ListModels 探测单把 Key。
// 冷却中的 Key 不探测，直接返回缓存图标；探测结果不会改动冷却表。
func (o *Orchestrator) TestKeyAvailability(ctx context.Context, preset types.ConnectionPreset, key string) KeyStatus {
	st := KeyStatus{Masked: MaskKey(key)}

	if left, cooling := o.pool.Remaining(key); cooling {
		icon, ok := o.statuses.Icon(ctx, key)
		if !ok {
			icon = iconUnknown
		}
		st.Health = HealthCooling
		st.Cooldown = left
		st.Label = icon + " (冷却中)"
		return st
	}

	probeCtx, cancel := context.WithTimeout(ctx, o.probeTTL)
	defer cancel()

	models, err := o.ListModels(probeCtx, &types.APIRequest{
		APIKey: key,
		Preset: preset,
		Config: types.GenerationConfig{Prompt: "test"},
	})

	switch {
	case err == nil && len(models) > 0:
		st.Health, st.Label, st.Models = HealthAvailable, "✅", len(models)
	case err == nil:
		st.Health, st.Label = HealthNoModels, "✅ (无模型)"
	case errors.Is(probeCtx.Err(), context.DeadlineExceeded):
		st.Health, st.Label = HealthTimeout, "⌛ (超时)"
	default:
		kind := types.KindOf(err)
		if kind == types.KindUnknown || kind.Terminal() {
			st.Health, st.Label = HealthFailed, "❌ (错误)"
		} else {
			st.Health = healthFromKind(kind)
			st.Label = st.Health.Icon()
		}
	}

	o.storeStatus(ctx, key, st.Health)
	return st
}

// CheckKeys 并发探测预设下的全部 Key，并发度受信号量限制
func (o *Orchestrator) CheckKeys(ctx context.Context, preset types.ConnectionPreset) ([]KeyStatus, error) {
	out := make([]KeyStatus, len(preset.APIKeys))
	sem := semaphore.NewWeighted(HealthCheckConcurrency)
	g, gctx := errgroup.WithContext(ctx)

	for i, key := range preset.APIKeys {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			st := o.TestKeyAvailability(gctx, preset, key)
			st.Index = i + 1
			out[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}
