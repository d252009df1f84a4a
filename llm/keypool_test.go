package llm

import (
	"fmt"
	"testing"
	"time"

	"github.com/BaSui01/bananaflow/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestPool() (*KeyPool, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewKeyPool(zap.NewNop()).WithClock(clock.now), clock
}

func TestCooldownFor(t *testing.T) {
	assert.Equal(t, 60*time.Second, CooldownFor(types.KindRateLimit))
	assert.Equal(t, 300*time.Second, CooldownFor(types.KindAuthFailed))
	assert.Equal(t, 300*time.Second, CooldownFor(types.KindQuotaExhausted))
	assert.Zero(t, CooldownFor(types.KindServerError))
	assert.Zero(t, CooldownFor(types.KindUnknown))
}

func TestKeyPool_RoundRobin(t *testing.T) {
	p, _ := newTestPool()
	keys := []string{"a", "b", "c"}
	var got []string
	for i := 0; i < 6; i++ {
		k, err := p.Next("p", keys)
		require.NoError(t, err)
		got = append(got, k)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)

	// 游标按预设独立
	k, err := p.Next("other", keys)
	require.NoError(t, err)
	assert.Equal(t, "a", k)
}

func TestKeyPool_SkipsCooling(t *testing.T) {
	p, clock := newTestPool()
	keys := []string{"a", "b", "c"}
	p.Cool("b", time.Minute)

	var got []string
	for i := 0; i < 4; i++ {
		k, err := p.Next("p", keys)
		require.NoError(t, err)
		got = append(got, k)
	}
	assert.NotContains(t, got, "b")

	clock.advance(time.Minute)
	assert.False(t, p.IsCooling("b"))
	assert.Equal(t, 0, p.CoolingCount())
}

func TestKeyPool_AllCooling(t *testing.T) {
	p, clock := newTestPool()
	keys := []string{"a", "b"}
	p.Cool("a", 300*time.Second)
	p.Cool("b", 45*time.Second)

	_, err := p.Next("p", keys)
	require.Error(t, err)
	assert.Equal(t, types.KindQuotaExhausted, types.KindOf(err))
	e, _ := types.AsError(err)
	assert.Equal(t, "所有 Key 均在冷却中，请等待约 45 秒。", e.Message)

	clock.advance(45 * time.Second)
	k, err := p.Next("p", keys)
	require.NoError(t, err)
	assert.Equal(t, "b", k)
}

func TestKeyPool_EmptyKeys(t *testing.T) {
	p, _ := newTestPool()
	_, err := p.Next("p", nil)
	assert.Equal(t, types.KindInvalidArgument, types.KindOf(err))
}

func TestKeyPool_CoolKeepsLaterExpiry(t *testing.T) {
	p, _ := newTestPool()
	p.Cool("a", 300*time.Second)
	p.Cool("a", 60*time.Second)
	left, ok := p.Remaining("a")
	require.True(t, ok)
	assert.Equal(t, 300*time.Second, left)

	p.Reset("a")
	assert.False(t, p.IsCooling("a"))
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", MaskKey("short"))
	assert.Equal(t, "sk-a****wxyz", MaskKey("sk-abcdefghijklmnopqrstuvwxyz"))
}

// 连续 len(keys) 次选择恰好覆盖每把未冷却的 Key 一次
func TestKeyPool_RoundRobinCoverageProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("each key selected once per cycle", prop.ForAll(
		func(n int, offset int) bool {
			p, _ := newTestPool()
			keys := make([]string, n)
			for i := range keys {
				keys[i] = fmt.Sprintf("key-%d", i)
			}
			for i := 0; i < offset; i++ {
				if _, err := p.Next("p", keys); err != nil {
					return false
				}
			}
			seen := make(map[string]int)
			for i := 0; i < n; i++ {
				k, err := p.Next("p", keys)
				if err != nil {
					return false
				}
				seen[k]++
			}
			if len(seen) != n {
				return false
			}
			for _, c := range seen {
				if c != 1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}

// 冷却窗口内的 Key 永远不会被选中，窗口结束后可再次被选中
func TestKeyPool_CooldownWindowProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 8).Draw(t, "n")
		keys := make([]string, n)
		for i := range keys {
			keys[i] = fmt.Sprintf("k%d", i)
		}
		p, clock := newTestPool()

		cooled := rapid.IntRange(0, n-2).Draw(t, "cooled")
		window := time.Duration(rapid.IntRange(1, 600).Draw(t, "window")) * time.Second
		for i := 0; i < cooled; i++ {
			p.Cool(keys[i], window)
		}

		steps := rapid.IntRange(1, 3*n).Draw(t, "steps")
		elapsed := time.Duration(0)
		for i := 0; i < steps; i++ {
			k, err := p.Next("p", keys)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for j := 0; j < cooled; j++ {
				if k == keys[j] && elapsed < window {
					t.Fatalf("cooling key %s selected at %v (window %v)", k, elapsed, window)
				}
			}
			step := time.Duration(rapid.IntRange(0, 120).Draw(t, "step")) * time.Second
			clock.advance(step)
			elapsed += step
		}
	})
}
