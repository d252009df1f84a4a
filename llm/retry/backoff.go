package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/BaSui01/bananaflow/types"
)

// Policy 定义编排器在两次尝试之间的等待策略
//
// RATE_LIMIT / SERVER_ERROR 走指数退避：min(Base * 2^attempt, Max) + [0, Jitter)；
// 其他可重试类型固定等待 Flat。
type Policy struct {
	Base   time.Duration // 指数退避基数
	Max    time.Duration // 指数部分上限（不含抖动）
	Jitter time.Duration // 抖动上限（不含）
	Flat   time.Duration // 非限流类错误的固定等待

	mu   sync.Mutex
	rand *rand.Rand
}

// DefaultPolicy 返回默认策略：1.5s 基数、8s 上限、1s 抖动、0.5s 固定等待
func DefaultPolicy() *Policy {
	return &Policy{
		Base:   1500 * time.Millisecond,
		Max:    8 * time.Second,
		Jitter: time.Second,
		Flat:   500 * time.Millisecond,
	}
}

// WithSeed 固定随机源，测试使用
func (p *Policy) WithSeed(seed int64) *Policy {
	p.mu.Lock()
	p.rand = rand.New(rand.NewSource(seed))
	p.mu.Unlock()
	return p
}

// Exponential reports whether kind uses exponential backoff.
func Exponential(kind types.ErrorKind) bool {
	return kind == types.KindRateLimit || kind == types.KindServerError
}

// Delay returns how long to wait after the given zero-based attempt failed.
func (p *Policy) Delay(attempt int, kind types.ErrorKind) time.Duration {
	if !Exponential(kind) {
		return p.Flat
	}
	if attempt < 0 {
		attempt = 0
	}
	base := float64(p.Base) * math.Pow(2, float64(attempt))
	if base > float64(p.Max) {
		base = float64(p.Max)
	}
	return time.Duration(base) + p.jitter()
}

func (p *Policy) jitter() time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var f float64
	if p.rand != nil {
		f = p.rand.Float64()
	} else {
		f = rand.Float64()
	}
	return time.Duration(f * float64(p.Jitter))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("重试等待被取消: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}

// ErrPollExhausted is returned when Poll runs out of attempts.
var ErrPollExhausted = errors.New("retry: poll attempts exhausted")

// Poll 以固定间隔调用 fn，直到 fn 返回 done、出错或次数耗尽。
// 第一次调用前先等待一个间隔，与上游异步任务的节奏保持一致。
func Poll(ctx context.Context, interval time.Duration, attempts int, fn func(attempt int) (bool, error)) error {
	for i := 0; i < attempts; i++ {
		if err := Sleep(ctx, interval); err != nil {
			return err
		}
		done, err := fn(i)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return ErrPollExhausted
}
