package llm

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/bananaflow/internal/cache"
	"github.com/BaSui01/bananaflow/llm/image"
	"github.com/BaSui01/bananaflow/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// probeAdapter 按 Key 返回预设的探测结果
type probeAdapter struct {
	results  map[string]error
	models   map[string][]string
	block    map[string]bool
	inflight atomic.Int32
	peak     atomic.Int32
}

func (p *probeAdapter) Kind() types.BackendKind { return types.BackendOpenAI }

func (p *probeAdapter) Generate(context.Context, *types.APIRequest) (*types.GenResult, error) {
	return nil, types.NewError(types.KindServerError, "not used")
}

func (p *probeAdapter) ListModels(ctx context.Context, req *types.APIRequest) ([]string, error) {
	n := p.inflight.Add(1)
	defer p.inflight.Add(-1)
	for {
		cur := p.peak.Load()
		if n <= cur || p.peak.CompareAndSwap(cur, n) {
			break
		}
	}
	if p.block[req.APIKey] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	time.Sleep(5 * time.Millisecond)
	if err := p.results[req.APIKey]; err != nil {
		return nil, err
	}
	return p.models[req.APIKey], nil
}

func newProbeOrchestrator(t *testing.T, a image.Adapter, opts ...Option) (*Orchestrator, *fakeClock) {
	t.Helper()
	pool, clock := newTestPool()
	opts = append([]Option{
		WithKeyPool(pool),
		WithProbeTimeout(50 * time.Millisecond),
		WithAdapterFactory(func(types.BackendKind, *image.Transport, image.Config, *zap.Logger) (image.Adapter, error) {
			return a, nil
		}),
	}, opts...)
	o := NewOrchestrator(nil, zap.NewNop(), opts...)
	t.Cleanup(o.Close)
	return o, clock
}

func TestKeyHealth_Icon(t *testing.T) {
	assert.Equal(t, "✅", HealthAvailable.Icon())
	assert.Equal(t, "🔒️", HealthAuthFailed.Icon())
	assert.Equal(t, "💰️", HealthQuota.Icon())
	assert.Equal(t, "🛡️", HealthRateLimited.Icon())
	assert.Equal(t, "⌛", HealthServerError.Icon())
	assert.Equal(t, "❌", HealthFailed.Icon())
}

func TestTestKeyAvailability(t *testing.T) {
	pa := &probeAdapter{
		results: map[string]error{
			"auth-key-000000": types.NewError(types.KindAuthFailed, "bad"),
			"quota-key-00000": types.NewError(types.KindServerError, "HTTP 402").WithHTTPStatus(402),
			"rate-key-000000": types.NewError(types.KindRateLimit, "slow"),
			"srv-key-0000000": types.NewError(types.KindServerError, "oops"),
			"odd-key-0000000": types.NewError(types.KindNotFound, "gone"),
		},
		models: map[string][]string{"good-key-000000": {"m1", "m2"}},
		block:  map[string]bool{"slow-key-000000": true},
	}
	o, _ := newProbeOrchestrator(t, pa)
	preset := types.ConnectionPreset{Name: "p", Backend: types.BackendOpenAI}
	ctx := context.Background()

	cases := []struct {
		key    string
		health KeyHealth
		label  string
	}{
		{"good-key-000000", HealthAvailable, "✅"},
		{"empty-key-00000", HealthNoModels, "✅ (无模型)"},
		{"slow-key-000000", HealthTimeout, "⌛ (超时)"},
		{"auth-key-000000", HealthAuthFailed, "🔒️"},
		{"quota-key-00000", HealthQuota, "💰️"},
		{"rate-key-000000", HealthRateLimited, "🛡️"},
		{"srv-key-0000000", HealthServerError, "⌛"},
		{"odd-key-0000000", HealthFailed, "❌ (错误)"},
	}
	for _, tc := range cases {
		t.Run(string(tc.health), func(t *testing.T) {
			st := o.TestKeyAvailability(ctx, preset, tc.key)
			assert.Equal(t, tc.health, st.Health)
			assert.Equal(t, tc.label, st.Label)
			assert.Equal(t, MaskKey(tc.key), st.Masked)
		})
	}

	st := o.TestKeyAvailability(ctx, preset, "good-key-000000")
	assert.Equal(t, 2, st.Models)

	// 探测失败不改变冷却表
	assert.Zero(t, o.Pool().CoolingCount())
}

func TestTestKeyAvailability_CoolingUsesCachedIcon(t *testing.T) {
	pa := &probeAdapter{}
	o, clock := newProbeOrchestrator(t, pa)
	preset := types.ConnectionPreset{Name: "p"}
	ctx := context.Background()

	o.Pool().Cool("never-probed-key", time.Minute)
	st := o.TestKeyAvailability(ctx, preset, "never-probed-key")
	assert.Equal(t, HealthCooling, st.Health)
	assert.Equal(t, "❌ (冷却中)", st.Label)
	assert.Equal(t, time.Minute, st.Cooldown)

	o.storeStatus(ctx, "rate-limited-key", HealthRateLimited)
	o.Pool().Cool("rate-limited-key", 30*time.Second)
	st = o.TestKeyAvailability(ctx, preset, "rate-limited-key")
	assert.Equal(t, "🛡️ (冷却中)", st.Label)
	assert.Zero(t, pa.peak.Load())

	clock.advance(time.Minute)
	st = o.TestKeyAvailability(ctx, preset, "rate-limited-key")
	assert.Equal(t, HealthNoModels, st.Health)
}

func TestCheckKeys(t *testing.T) {
	keys := keysN(12)
	pa := &probeAdapter{
		results: map[string]error{keys[3]: types.NewError(types.KindAuthFailed, "bad")},
		models:  map[string][]string{},
	}
	for _, k := range keys {
		pa.models[k] = []string{"m"}
	}
	o, _ := newProbeOrchestrator(t, pa)

	out, err := o.CheckKeys(context.Background(), types.ConnectionPreset{Name: "p", APIKeys: keys})
	require.NoError(t, err)
	require.Len(t, out, len(keys))
	for i, st := range out {
		assert.Equal(t, i+1, st.Index)
		assert.Equal(t, MaskKey(keys[i]), st.Masked)
	}
	assert.Equal(t, HealthAuthFailed, out[3].Health)
	assert.Equal(t, HealthAvailable, out[0].Health)
	assert.LessOrEqual(t, pa.peak.Load(), int32(HealthCheckConcurrency))
}

func TestCheckKeys_Cancelled(t *testing.T) {
	o, _ := newProbeOrchestrator(t, &probeAdapter{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.CheckKeys(ctx, types.ConnectionPreset{Name: "p", APIKeys: keysN(3)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCacheStatusStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	mgr, err := cache.NewManager(cache.Config{Addr: mr.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	defer mgr.Close()

	store := NewCacheStatusStore(mgr, time.Hour, zap.NewNop())
	ctx := context.Background()

	_, ok := store.Icon(ctx, "sk-secret-value")
	assert.False(t, ok)

	store.SetIcon(ctx, "sk-secret-value", "🔒️")
	icon, ok := store.Icon(ctx, "sk-secret-value")
	require.True(t, ok)
	assert.Equal(t, "🔒️", icon)

	// 原始 Key 不出现在缓存键里
	for _, k := range mr.Keys() {
		assert.NotContains(t, k, "sk-secret-value")
	}
	assert.Equal(t, time.Hour, mr.TTL(statusCacheKey("sk-secret-value")))

	// 编排器冷却时写入共享缓存
	fa := &fakeAdapter{fn: failWith(types.KindQuotaExhausted)}
	h := newHarness(t, fa)
	h.orch.statuses = store
	keys := keysN(1)
	_, _ = h.orch.Generate(ctx, request(keys))
	icon, ok = store.Icon(ctx, keys[0])
	require.True(t, ok)
	assert.Equal(t, "💰️", icon)
}
