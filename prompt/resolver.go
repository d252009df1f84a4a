package prompt

import (
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// MaxInputRunes 超过此长度的输入原样返回
	MaxInputRunes = 5000
	// MaxRounds 最多替换轮数
	MaxRounds = 5

	// 转义 %% 时使用的占位符，不能包含 '%'
	escapeSentinel = "\x00PCT\x00"
)

// Result 是一次解析的结果
type Result struct {
	Text string
	// Truncated 表示第 MaxRounds 轮仍在变化，结果可能未完全展开
	Truncated bool
	Rounds    int
}

// Resolver 把模板变量替换为具体值
type Resolver struct {
	registry *Registry
	now      func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

// ResolverOption 配置 Resolver
type ResolverOption func(*Resolver)

// WithRegistry 使用自定义变量表
func WithRegistry(r *Registry) ResolverOption {
	return func(res *Resolver) { res.registry = r }
}

// WithNow 替换时间源
func WithNow(now func() time.Time) ResolverOption {
	return func(res *Resolver) { res.now = now }
}

// WithRand 替换随机源
func WithRand(rnd *rand.Rand) ResolverOption {
	return func(res *Resolver) { res.rnd = rnd }
}

// NewResolver creates a resolver over the built-in registry.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry: DefaultRegistry(),
		now:      time.Now,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the variable registry used by this resolver.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

func (r *Resolver) intn(n int) int {
	if n <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Intn(n)
}

// Resolve 展开 text 中的模板变量。
//
// params 对应 --p/--p2 等填空参数，ctx 是上下文变量（un、uid、g 等）。
func (r *Resolver) Resolve(text string, params map[string]string, ctx map[string]string) Result {
	if !strings.Contains(text, "%") || utf8.RuneCountInString(text) > MaxInputRunes {
		return Result{Text: text}
	}

	text = strings.ReplaceAll(text, "%%", escapeSentinel)

	for k, v := range ctx {
		if k == "" {
			continue
		}
		text = strings.ReplaceAll(text, "%"+k+"%", v)
	}

	env := &Env{Params: params, Context: lowerKeys(ctx), Now: r.now(), Intn: r.intn}

	res := Result{}
	for res.Rounds < MaxRounds && strings.Contains(text, "%") {
		next := r.registry.apply(text, env)
		res.Rounds++
		if next == text {
			break
		}
		text = next
		if res.Rounds == MaxRounds && strings.Contains(text, "%") {
			// 再试一轮，仍有变化说明没有收敛
			res.Truncated = r.registry.apply(text, env) != text
		}
	}

	res.Text = strings.ReplaceAll(text, escapeSentinel, "%")
	return res
}

func lowerKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
