package prompt

import (
	"math/rand"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var fixedNow = time.Date(2026, 3, 7, 9, 5, 3, 0, time.UTC) // 星期六

func newTestResolver(seed int64) *Resolver {
	return NewResolver(
		WithNow(func() time.Time { return fixedNow }),
		WithRand(rand.New(rand.NewSource(seed))),
	)
}

func TestResolve_FillIn(t *testing.T) {
	r := newTestResolver(1)

	assert.Equal(t, "hi", r.Resolve("%p:hi%", nil, nil).Text)
	assert.Equal(t, "cat", r.Resolve("%p:hi%", map[string]string{"p": "cat"}, nil).Text)
	assert.Equal(t, "a dog and ", r.Resolve("a %p2:dog% and %P%", nil, nil).Text)
	assert.Equal(t, "x=1 y=2", r.Resolve("x=%p% y=%p2%", map[string]string{"p": "1", "p2": "2"}, nil).Text)
}

func TestResolve_EscapedPercent(t *testing.T) {
	r := newTestResolver(1)
	res := r.Resolve("100%% done %rn:1-1%", nil, nil)
	assert.Equal(t, "100% done 1", res.Text)
	assert.False(t, res.Truncated)

	assert.Equal(t, "%p%", r.Resolve("%%p%%", nil, nil).Text)
}

func TestResolve_Context(t *testing.T) {
	r := newTestResolver(1)
	ctx := map[string]string{"un": "小明", "uid": "10001", "g": "测试群"}

	res := r.Resolve("%un%(%UID%) 在 %g% 说 %age%", nil, ctx)
	// 未提供的上下文变量原样保留
	assert.Equal(t, "小明(10001) 在 测试群 说 %age%", res.Text)
}

func TestResolve_Random(t *testing.T) {
	r := newTestResolver(42)

	for i := 0; i < 50; i++ {
		v := r.Resolve("%r:A|B|C%", nil, nil).Text
		assert.Contains(t, []string{"A", "B", "C"}, v)

		n := r.Resolve("%rn:3-5%", nil, nil).Text
		assert.Contains(t, []string{"3", "4", "5"}, n)

		assert.Contains(t, Palette, r.Resolve("%rc%", nil, nil).Text)
	}

	letters := r.Resolve("%rl:8%", nil, nil).Text
	assert.Regexp(t, regexp.MustCompile(`^[a-zA-Z]{8}$`), letters)

	// 参数非法时保持原样
	assert.Equal(t, "%rn:9-1%", r.Resolve("%rn:9-1%", nil, nil).Text)
	assert.Equal(t, "%rl:x%", r.Resolve("%rl:x%", nil, nil).Text)
}

func TestResolve_Time(t *testing.T) {
	r := newTestResolver(1)
	assert.Equal(t, "03月07日 09:05:03 星期六", r.Resolve("%d% %t% %wd%", nil, nil).Text)
}

func TestResolve_Nested(t *testing.T) {
	r := newTestResolver(1)
	// 同一轮内后面的变量可以展开前面变量的结果
	res := r.Resolve("%p%", map[string]string{"p": "%rn:7-7%"}, nil)
	assert.Equal(t, "7", res.Text)
	assert.Equal(t, 1, res.Rounds)

	// 上下文变量的值里带填空变量，需要第二轮
	res = r.Resolve("%UN%", nil, map[string]string{"un": "%p:z%"})
	assert.Equal(t, "z", res.Text)
	assert.Equal(t, 2, res.Rounds)
	assert.False(t, res.Truncated)
}

func TestResolve_Truncated(t *testing.T) {
	r := newTestResolver(1)
	// 自引用的填空参数永远不会收敛
	res := r.Resolve("%p%", map[string]string{"p": "x%p%"}, nil)
	assert.True(t, res.Truncated)
	assert.Equal(t, MaxRounds, res.Rounds)
	assert.Equal(t, strings.Repeat("x", MaxRounds)+"%p%", res.Text)
}

func TestResolve_Bounds(t *testing.T) {
	r := newTestResolver(1)

	plain := "no variables here"
	assert.Equal(t, Result{Text: plain}, r.Resolve(plain, nil, nil))

	long := strings.Repeat("长", MaxInputRunes) + "%p:x%"
	res := r.Resolve(long, nil, nil)
	assert.Equal(t, long, res.Text)
	assert.Zero(t, res.Rounds)
}

func TestRegistry_Describe(t *testing.T) {
	entries := DefaultRegistry().Describe()
	require.Len(t, entries, 4)

	assert.Equal(t, "🔧 工具", entries[0].Category)
	assert.Equal(t, "%p% (填空)", entries[0].Display[0])
	assert.Equal(t, "👤 用户/群组", entries[1].Category)
	assert.Contains(t, entries[1].Display, "%uid%(QQ号)")
	assert.Contains(t, entries[1].Description, "%run%(随机群友)")
	assert.Equal(t, "🎲 随机", entries[2].Category)
	assert.Equal(t, "%rc%", entries[2].Display[3])
	assert.Equal(t, "%wd%(当前时间)", entries[3].Display[2])
}

// 展开结果不再含有可解析的变量时，再次解析不会改变它
func TestResolve_Idempotent(t *testing.T) {
	tokens := []string{"a", " ", "%p:x%", "%rn:1-9%", "%rc%", "%d%", "%un%", "%%", "%", "%r:A|B%", "猫"}
	rapid.Check(t, func(t *rapid.T) {
		parts := rapid.SliceOfN(rapid.SampledFrom(tokens), 0, 12).Draw(t, "parts")
		input := strings.Join(parts, " ")

		r := newTestResolver(rapid.Int64().Draw(t, "seed"))
		ctx := map[string]string{"un": "bob"}
		first := r.Resolve(input, nil, ctx)
		if first.Truncated {
			t.Fatalf("unexpected truncation for %q", input)
		}
		second := r.Resolve(first.Text, nil, ctx)
		if second.Text != first.Text {
			t.Fatalf("not idempotent: %q -> %q -> %q", input, first.Text, second.Text)
		}
	})
}
