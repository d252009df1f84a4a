package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/BaSui01/bananaflow/internal/cache"
	"github.com/BaSui01/bananaflow/internal/ctxkeys"
	"github.com/BaSui01/bananaflow/llm"
	"github.com/BaSui01/bananaflow/preset"
	"github.com/BaSui01/bananaflow/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var adminID = ctxkeys.Identity{UserID: "root", IsAdmin: true}

type fakeProber struct {
	models    []string
	listCalls atomic.Int32
	statuses  []llm.KeyStatus
}

func (f *fakeProber) CheckKeys(_ context.Context, p types.ConnectionPreset) ([]llm.KeyStatus, error) {
	return f.statuses, nil
}

func (f *fakeProber) ListModels(_ context.Context, req *types.APIRequest) ([]string, error) {
	f.listCalls.Add(1)
	if req.Preset.Name == "broken" {
		return nil, types.NewError(types.KindAuthFailed, "bad key").WithHTTPStatus(401)
	}
	return f.models, nil
}

func newPresetFixture(t *testing.T) (*preset.Manager, *fakeProber) {
	t.Helper()
	mgr := preset.NewManager(preset.NewMemoryStore(), zap.NewNop())
	require.NoError(t, mgr.Upsert(context.Background(), types.ConnectionPreset{
		Name: "main", Backend: types.BackendGoogle, Model: "gemini-image",
		APIKeys: []string{"AIzaKEY-one-1111", "AIzaKEY-two-2222"},
	}))
	require.NoError(t, mgr.Upsert(context.Background(), types.ConnectionPreset{
		Name: "backup", Backend: types.BackendOpenAI, Model: "gpt-image-1",
	}))
	return mgr, &fakeProber{models: []string{"gemini-image", "imagen"}}
}

func serve(h http.HandlerFunc, method, target, body string, id *ctxkeys.Identity, pathValues map[string]string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	for k, v := range pathValues {
		r.SetPathValue(k, v)
	}
	if id != nil {
		r = withIdentity(r, *id)
	}
	w := httptest.NewRecorder()
	h(w, r)
	return w
}

func dataAs[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Success bool `json:"success"`
		Data    T    `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Data
}

func TestPresetHandler_RequiresAdmin(t *testing.T) {
	mgr, prober := newPresetFixture(t)
	h := NewPresetHandler(mgr, prober, zap.NewNop())

	w := serve(h.HandleList, http.MethodGet, "/api/v1/presets", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(h.HandleList, http.MethodGet, "/api/v1/presets", "", &ctxkeys.Identity{UserID: "u1"}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPresetHandler_ListAndActivate(t *testing.T) {
	mgr, prober := newPresetFixture(t)
	h := NewPresetHandler(mgr, prober, zap.NewNop())

	w := serve(h.HandleList, http.MethodGet, "/api/v1/presets", "", &adminID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := dataAs[PresetListResponse](t, w)
	assert.Equal(t, "main", list.Active)
	require.Len(t, list.Presets, 2)
	assert.Equal(t, "backup", list.Presets[0].Name)
	assert.Equal(t, 2, list.Presets[1].KeyCount)
	assert.Contains(t, list.Text, "➡️ main")

	w = serve(h.HandleActivate, http.MethodPost, "/", "", &adminID, map[string]string{"name": "backup"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "backup", mgr.ActiveName())

	w = serve(h.HandleActivate, http.MethodPost, "/", "", &adminID, map[string]string{"name": "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPresetHandler_PutKeepsKeys(t *testing.T) {
	mgr, prober := newPresetFixture(t)
	h := NewPresetHandler(mgr, prober, zap.NewNop())

	w := serve(h.HandlePut, http.MethodPut, "/", `{"backend":"google","model":"gemini-2"}`, &adminID, map[string]string{"name": "main"})
	require.Equal(t, http.StatusOK, w.Code)
	p, _ := mgr.Get("main")
	assert.Equal(t, "gemini-2", p.Model)
	assert.Len(t, p.APIKeys, 2)

	w = serve(h.HandlePut, http.MethodPut, "/", `{"backend":"zai","model":"glm","api_keys":["tok-1"]}`, &adminID, map[string]string{"name": "fresh"})
	require.Equal(t, http.StatusCreated, w.Code)
	got := dataAs[PresetView](t, w)
	assert.Equal(t, types.BackendZai, got.Backend)
	assert.Equal(t, 1, got.KeyCount)

	w = serve(h.HandlePut, http.MethodPut, "/", `{"backend":"azure","model":"x"}`, &adminID, map[string]string{"name": "bad"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPresetHandler_RenameAndDelete(t *testing.T) {
	mgr, prober := newPresetFixture(t)
	h := NewPresetHandler(mgr, prober, zap.NewNop())

	w := serve(h.HandleRename, http.MethodPost, "/", `{"new_name":"primary"}`, &adminID, map[string]string{"name": "main"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "primary", mgr.ActiveName())

	w = serve(h.HandleRename, http.MethodPost, "/", `{"new_name":"backup"}`, &adminID, map[string]string{"name": "primary"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(h.HandleDelete, http.MethodDelete, "/", "", &adminID, map[string]string{"name": "primary"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "backup", mgr.ActiveName())

	w = serve(h.HandleDelete, http.MethodDelete, "/", "", &adminID, map[string]string{"name": "primary"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPresetHandler_Keys(t *testing.T) {
	mgr, prober := newPresetFixture(t)
	prober.statuses = []llm.KeyStatus{
		{Index: 1, Health: llm.HealthAvailable, Label: "✅"},
		{Index: 2, Health: llm.HealthCooling, Label: "❓ (冷却中)"},
	}
	h := NewPresetHandler(mgr, prober, zap.NewNop())
	name := map[string]string{"name": "main"}

	w := serve(h.HandleListKeys, http.MethodGet, "/api/v1/presets/main/keys", "", &adminID, name)
	require.Equal(t, http.StatusOK, w.Code)
	keys := dataAs[KeyListResponse](t, w)
	assert.Equal(t, []string{"AIza****1111", "AIza****2222"}, keys.Keys)
	assert.Empty(t, keys.Status)
	assert.NotContains(t, w.Body.String(), "AIzaKEY-one-1111")

	w = serve(h.HandleListKeys, http.MethodGet, "/api/v1/presets/main/keys?check=1", "", &adminID, name)
	keys = dataAs[KeyListResponse](t, w)
	require.Len(t, keys.Status, 2)
	assert.Contains(t, keys.Text, "1. AIza****1111 ✅")
	assert.Contains(t, keys.Text, "(冷却中)")

	w = serve(h.HandleAddKeys, http.MethodPost, "/", `{"keys":["AIzaKEY-one-1111","AIzaKEY-new-3333"]}`, &adminID, name)
	require.Equal(t, http.StatusOK, w.Code)
	added := dataAs[map[string]int](t, w)
	assert.Equal(t, map[string]int{"added": 1, "duplicates": 1, "total": 3}, added)

	w = serve(h.HandleAddKeys, http.MethodPost, "/", `{"keys":[]}`, &adminID, name)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(h.HandleDeleteKey, http.MethodDelete, "/", "", &adminID, map[string]string{"name": "main", "index": "1"})
	require.Equal(t, http.StatusOK, w.Code)
	p, _ := mgr.Get("main")
	assert.Equal(t, []string{"AIzaKEY-two-2222", "AIzaKEY-new-3333"}, p.APIKeys)

	w = serve(h.HandleDeleteKey, http.MethodDelete, "/", "", &adminID, map[string]string{"name": "main", "index": "9"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = serve(h.HandleDeleteKey, http.MethodDelete, "/", "", &adminID, map[string]string{"name": "main", "index": "zero"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = serve(h.HandleAddKeys, http.MethodPost, "/", `{"keys":["k"]}`, &adminID, map[string]string{"name": "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPresetHandler_ModelsCached(t *testing.T) {
	mr := miniredis.RunT(t)
	cm, err := cache.NewManager(cache.Config{Addr: mr.Addr(), KeyPrefix: "bf:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cm.Close() })

	mgr, prober := newPresetFixture(t)
	h := NewPresetHandler(mgr, prober, zap.NewNop(), WithModelCache(cm, 0))
	name := map[string]string{"name": "main"}

	w := serve(h.HandleListModels, http.MethodGet, "/api/v1/presets/main/models", "", &adminID, name)
	require.Equal(t, http.StatusOK, w.Code)
	first := dataAs[ModelListResponse](t, w)
	assert.False(t, first.Cached)
	assert.Equal(t, []string{"gemini-image", "imagen"}, first.Models)
	assert.True(t, mr.Exists("bf:models:main"))

	w = serve(h.HandleListModels, http.MethodGet, "/api/v1/presets/main/models", "", &adminID, name)
	second := dataAs[ModelListResponse](t, w)
	assert.True(t, second.Cached)
	assert.Equal(t, int32(1), prober.listCalls.Load())

	w = serve(h.HandleListModels, http.MethodGet, "/api/v1/presets/main/models?refresh=true", "", &adminID, name)
	assert.False(t, dataAs[ModelListResponse](t, w).Cached)
	assert.Equal(t, int32(2), prober.listCalls.Load())

	// 修改预设后缓存失效
	serve(h.HandlePut, http.MethodPut, "/", `{"backend":"google","model":"other"}`, &adminID, name)
	assert.False(t, mr.Exists("bf:models:main"))
}

func TestPresetHandler_ModelsUpstreamError(t *testing.T) {
	mgr, prober := newPresetFixture(t)
	require.NoError(t, mgr.Upsert(context.Background(), types.ConnectionPreset{
		Name: "broken", Backend: types.BackendGoogle, Model: "m", APIKeys: []string{"k"},
	}))
	h := NewPresetHandler(mgr, prober, zap.NewNop())

	w := serve(h.HandleListModels, http.MethodGet, "/", "", &adminID, map[string]string{"name": "broken"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
