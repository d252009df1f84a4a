package llm

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/BaSui01/bananaflow/types"
	"go.uber.org/zap"
)

const (
	// RateLimitCooldown 限流后 Key 的冷却时长
	RateLimitCooldown = 60 * time.Second
	// CredentialCooldown 鉴权失败或额度耗尽后的冷却时长
	CredentialCooldown = 300 * time.Second

	defaultWaitSeconds = 60
)

// CooldownFor returns how long a key sits out after failing with kind.
// 其余错误类型不冷却。
func CooldownFor(kind types.ErrorKind) time.Duration {
	switch kind {
	case types.KindRateLimit:
		return RateLimitCooldown
	case types.KindAuthFailed, types.KindQuotaExhausted:
		return CredentialCooldown
	}
	return 0
}

// KeyPool 负责按预设轮询 Key 并维护冷却表。
//
// 游标按预设名独立保存；冷却表以 Key 字符串为索引，跨预设共享。
// 所有状态由同一把互斥锁保护。
type KeyPool struct {
	mu      sync.Mutex
	cursors map[string]int
	cooling map[string]time.Time
	now     func() time.Time
	logger  *zap.Logger
}

// NewKeyPool creates an empty pool.
func NewKeyPool(logger *zap.Logger) *KeyPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyPool{
		cursors: make(map[string]int),
		cooling: make(map[string]time.Time),
		now:     time.Now,
		logger:  logger.With(zap.String("component", "key_pool")),
	}
}

// WithClock 替换时间源，测试使用
func (p *KeyPool) WithClock(now func() time.Time) *KeyPool {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
	return p
}

// purgeLocked 清理已过期的冷却项
func (p *KeyPool) purgeLocked(now time.Time) {
	for k, exp := range p.cooling {
		if !now.Before(exp) {
			delete(p.cooling, k)
		}
	}
}

// Next 从游标位置开始找第一把未冷却的 Key，每检查一个位置游标前进一步。
func (p *KeyPool) Next(preset string, keys []string) (string, error) {
	if len(keys) == 0 {
		return "", types.Errorf(types.KindInvalidArgument, "预设 [%s] 未配置 API Key", preset)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.purgeLocked(now)

	minWait := time.Duration(math.MaxInt64)
	for i := 0; i < len(keys); i++ {
		idx := p.cursors[preset] % len(keys)
		p.cursors[preset] = (idx + 1) % len(keys)

		key := keys[idx]
		exp, cooling := p.cooling[key]
		if !cooling {
			return key, nil
		}
		if wait := exp.Sub(now); wait < minWait {
			minWait = wait
		}
	}

	secs := defaultWaitSeconds
	if minWait > 0 && minWait != time.Duration(math.MaxInt64) {
		secs = int(math.Ceil(minWait.Seconds()))
	}
	p.logger.Warn("all keys cooling", zap.String("preset", preset), zap.Int("keys", len(keys)), zap.Int("wait_sec", secs))
	return "", types.NewError(types.KindQuotaExhausted, fmt.Sprintf("所有 Key 均在冷却中，请等待约 %d 秒。", secs))
}

// Cool 让 key 冷却 d；已有更晚的到期时间时保留较晚者
func (p *KeyPool) Cool(key string, d time.Duration) {
	if d <= 0 || key == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	exp := p.now().Add(d)
	if cur, ok := p.cooling[key]; ok && cur.After(exp) {
		return
	}
	p.cooling[key] = exp
	p.logger.Info("key cooling", zap.String("key", MaskKey(key)), zap.Duration("for", d))
}

// Remaining 返回 key 剩余冷却时长
func (p *KeyPool) Remaining(key string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	exp, ok := p.cooling[key]
	if !ok {
		return 0, false
	}
	left := exp.Sub(p.now())
	if left <= 0 {
		delete(p.cooling, key)
		return 0, false
	}
	return left, true
}

// IsCooling reports whether key is currently excluded from rotation.
func (p *KeyPool) IsCooling(key string) bool {
	_, ok := p.Remaining(key)
	return ok
}

// Reset 解除 key 的冷却
func (p *KeyPool) Reset(key string) {
	p.mu.Lock()
	delete(p.cooling, key)
	p.mu.Unlock()
}

// CoolingCount 返回当前处于冷却中的 Key 数量
func (p *KeyPool) CoolingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purgeLocked(p.now())
	return len(p.cooling)
}

// MaskKey 仅保留首尾各 4 位
func MaskKey(key string) string {
	r := []rune(key)
	if len(r) <= 8 {
		return "****"
	}
	return string(r[:4]) + "****" + string(r[len(r)-4:])
}
