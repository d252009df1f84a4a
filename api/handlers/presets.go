package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/BaSui01/bananaflow/llm"
	"github.com/BaSui01/bananaflow/prompt"
	"github.com/BaSui01/bananaflow/service"
	"github.com/BaSui01/bananaflow/types"
	"go.uber.org/zap"
)

// DefaultModelsTTL 模型列表缓存时间
const DefaultModelsTTL = 10 * time.Minute

// PresetAdmin 是预设管理需要的能力，通常是 *preset.Manager
type PresetAdmin interface {
	List() []types.ConnectionPreset
	ActiveName() string
	Get(name string) (types.ConnectionPreset, bool)
	Upsert(ctx context.Context, p types.ConnectionPreset) error
	Delete(ctx context.Context, name string) (bool, error)
	SetActive(ctx context.Context, name string) (bool, error)
	Rename(ctx context.Context, oldName, newName string) (bool, error)
	AddKeys(ctx context.Context, name string, keys []string) (added, dup int, err error)
	DeleteKey(ctx context.Context, name string, index int) (bool, int, error)
	MaskedKeys(name string) ([]string, error)
	Book() *prompt.Book
	SetPrompt(ctx context.Context, kind prompt.Kind, name, content string) error
	DeletePrompt(ctx context.Context, kind prompt.Kind, name string) (bool, error)
}

// KeyProber 探测 Key 与列出模型，通常是 *llm.Orchestrator
type KeyProber interface {
	CheckKeys(ctx context.Context, preset types.ConnectionPreset) ([]llm.KeyStatus, error)
	ListModels(ctx context.Context, req *types.APIRequest) ([]string, error)
}

// JSONCache 模型列表缓存，通常是 *cache.Manager
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// PresetHandler 连接预设、Key 与模型列表管理（均需管理员）
type PresetHandler struct {
	presets   PresetAdmin
	prober    KeyProber
	cache     JSONCache
	modelsTTL time.Duration
	logger    *zap.Logger
}

// PresetHandlerOption 配置 PresetHandler
type PresetHandlerOption func(*PresetHandler)

// WithModelCache 缓存模型列表
func WithModelCache(c JSONCache, ttl time.Duration) PresetHandlerOption {
	return func(h *PresetHandler) {
		h.cache = c
		if ttl > 0 {
			h.modelsTTL = ttl
		}
	}
}

// NewPresetHandler 创建 PresetHandler
func NewPresetHandler(presets PresetAdmin, prober KeyProber, logger *zap.Logger, opts ...PresetHandlerOption) *PresetHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &PresetHandler{
		presets:   presets,
		prober:    prober,
		modelsTTL: DefaultModelsTTL,
		logger:    logger.With(zap.String("handler", "presets")),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// PresetView 预设的对外视图，不含明文 Key
type PresetView struct {
	Name     string            `json:"name"`
	Backend  types.BackendKind `json:"backend"`
	BaseURL  string            `json:"base_url,omitempty"`
	Model    string            `json:"model"`
	Stream   *bool             `json:"stream,omitempty"`
	KeyCount int               `json:"key_count"`
	Active   bool              `json:"active"`
}

// PresetListResponse GET /api/v1/presets 响应
type PresetListResponse struct {
	Active  string       `json:"active"`
	Presets []PresetView `json:"presets"`
	Text    string       `json:"text"`
}

// PutPresetRequest PUT /api/v1/presets/{name} 请求体。
// APIKeys 为 nil 时保留原有 Key。
type PutPresetRequest struct {
	Backend string   `json:"backend" validate:"required,oneof=google openai zai"`
	BaseURL string   `json:"base_url,omitempty" validate:"omitempty,url"`
	Model   string   `json:"model" validate:"required,max=128"`
	Stream  *bool    `json:"stream,omitempty"`
	APIKeys []string `json:"api_keys,omitempty" validate:"max=200,dive,required"`
}

// RenamePresetRequest POST /api/v1/presets/{name}/rename 请求体
type RenamePresetRequest struct {
	NewName string `json:"new_name" validate:"required,max=64,excludesall=/"`
}

// AddKeysRequest POST /api/v1/presets/{name}/keys 请求体
type AddKeysRequest struct {
	Keys []string `json:"keys" validate:"required,min=1,max=200,dive,required"`
}

func view(p types.ConnectionPreset, active string) PresetView {
	return PresetView{
		Name:     p.Name,
		Backend:  p.Backend,
		BaseURL:  p.BaseURL,
		Model:    p.Model,
		Stream:   p.Stream,
		KeyCount: len(p.APIKeys),
		Active:   p.Name == active,
	}
}

func (h *PresetHandler) lookup(w http.ResponseWriter, r *http.Request) (types.ConnectionPreset, bool) {
	name := r.PathValue("name")
	p, ok := h.presets.Get(name)
	if !ok {
		WriteErrorMessage(w, types.KindNotFound, "❌ 找不到预设: "+name, h.logger)
		return types.ConnectionPreset{}, false
	}
	return p, true
}

func (h *PresetHandler) storeFailed(w http.ResponseWriter, err error) {
	if e, ok := types.AsError(err); ok {
		WriteError(w, e, h.logger)
		return
	}
	WriteError(w, types.NewError(types.KindUnknown, "preset store failure").WithCause(err), h.logger)
}

// =============================================================================
// 🔗 连接预设
// =============================================================================

// HandleList GET /api/v1/presets
func (h *PresetHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, h.logger); !ok {
		return
	}
	list := h.presets.List()
	active := h.presets.ActiveName()
	resp := PresetListResponse{
		Active:  active,
		Presets: make([]PresetView, 0, len(list)),
		Text:    service.ConnectionList(list, active),
	}
	for _, p := range list {
		resp.Presets = append(resp.Presets, view(p, active))
	}
	WriteSuccess(w, resp)
}

// HandlePut PUT /api/v1/presets/{name}
func (h *PresetHandler) HandlePut(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, h.logger); !ok {
		return
	}
	var req PutPresetRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	name := r.PathValue("name")
	backend, _ := types.ParseBackendKind(req.Backend)
	p := types.ConnectionPreset{
		Name:    name,
		Backend: backend,
		BaseURL: req.BaseURL,
		Model:   req.Model,
		Stream:  req.Stream,
		APIKeys: req.APIKeys,
	}
	existing, existed := h.presets.Get(name)
	if req.APIKeys == nil && existed {
		p.APIKeys = existing.APIKeys
	}
	if err := h.presets.Upsert(r.Context(), p); err != nil {
		h.storeFailed(w, err)
		return
	}
	h.invalidateModels(r.Context(), name)

	saved, _ := h.presets.Get(name)
	status := http.StatusOK
	if !existed {
		status = http.StatusCreated
	}
	WriteStatus(w, status, view(saved, h.presets.ActiveName()))
}

// HandleDelete DELETE /api/v1/presets/{name}
func (h *PresetHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, h.logger); !ok {
		return
	}
	name := r.PathValue("name")
	deleted, err := h.presets.Delete(r.Context(), name)
	if err != nil {
		h.storeFailed(w, err)
		return
	}
	if !deleted {
		WriteErrorMessage(w, types.KindNotFound, "❌ 找不到预设: "+name, h.logger)
		return
	}
	h.invalidateModels(r.Context(), name)
	WriteSuccess(w, map[string]string{"deleted": name, "active": h.presets.ActiveName()})
}

// HandleActivate POST /api/v1/presets/{name}/activate
func (h *PresetHandler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, h.logger); !ok {
		return
	}
	name := r.PathValue("name")
	ok, err := h.presets.SetActive(r.Context(), name)
	if err != nil {
		h.storeFailed(w, err)
		return
	}
	if !ok {
		WriteErrorMessage(w, types.KindNotFound, "❌ 找不到预设: "+name, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"active": name})
}

// HandleRename POST /api/v1/presets/{name}/rename
func (h *PresetHandler) HandleRename(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, h.logger); !ok {
		return
	}
	var req RenamePresetRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	oldName := r.PathValue("name")
	ok, err := h.presets.Rename(r.Context(), oldName, req.NewName)
	if err != nil {
		h.storeFailed(w, err)
		return
	}
	if !ok {
		WriteErrorMessage(w, types.KindInvalidArgument, "❌ 重命名失败: 预设不存在或新名称已被占用", h.logger)
		return
	}
	h.invalidateModels(r.Context(), oldName)
	WriteSuccess(w, map[string]string{"old_name": oldName, "new_name": req.NewName})
}

// =============================================================================
// 🔑 Key 管理
// =============================================================================

// KeyListResponse GET /api/v1/presets/{name}/keys 响应
type KeyListResponse struct {
	Preset string          `json:"preset"`
	Keys   []string        `json:"keys"`
	Status []llm.KeyStatus `json:"status,omitempty"`
	Text   string          `json:"text"`
}

// HandleListKeys GET /api/v1/presets/{name}/keys[?check=1]
func (h *PresetHandler) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, h.logger); !ok {
		return
	}
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}
	masked, err := h.presets.MaskedKeys(p.Name)
	if err != nil {
		h.storeFailed(w, err)
		return
	}
	resp := KeyListResponse{Preset: p.Name, Keys: masked}

	var icons map[string]string
	if check, _ := strconv.ParseBool(r.URL.Query().Get("check")); check && h.prober != nil && len(p.APIKeys) > 0 {
		statuses, err := h.prober.CheckKeys(r.Context(), p)
		if err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Warn("key check incomplete", zap.String("preset", p.Name), zap.Error(err))
		}
		resp.Status = statuses
		icons = make(map[string]string, len(statuses))
		for i, st := range statuses {
			if i < len(p.APIKeys) && st.Label != "" {
				icons[p.APIKeys[i]] = st.Label
			}
		}
	}
	resp.Text = service.KeyList(p.Name, p.APIKeys, icons)
	WriteSuccess(w, resp)
}

// HandleAddKeys POST /api/v1/presets/{name}/keys
func (h *PresetHandler) HandleAddKeys(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, h.logger); !ok {
		return
	}
	var req AddKeysRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	name := r.PathValue("name")
	added, dup, err := h.presets.AddKeys(r.Context(), name, req.Keys)
	if err != nil {
		h.storeFailed(w, err)
		return
	}
	total := 0
	if p, ok := h.presets.Get(name); ok {
		total = len(p.APIKeys)
	}
	WriteSuccess(w, map[string]int{"added": added, "duplicates": dup, "total": total})
}

// HandleDeleteKey DELETE /api/v1/presets/{name}/keys/{index}，index 从 1 开始
func (h *PresetHandler) HandleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, h.logger); !ok {
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 1 {
		WriteErrorMessage(w, types.KindInvalidArgument, "❌ 序号必须是正整数", h.logger)
		return
	}
	name := r.PathValue("name")
	deleted, remaining, err := h.presets.DeleteKey(r.Context(), name, index)
	if err != nil {
		h.storeFailed(w, err)
		return
	}
	if !deleted {
		WriteError(w, types.Errorf(types.KindNotFound, "❌ 序号 %d 超出范围 (共 %d 个 Key)", index, remaining), h.logger)
		return
	}
	WriteSuccess(w, map[string]int{"deleted": index, "remaining": remaining})
}

// =============================================================================
// 📋 模型列表
// =============================================================================

// ModelListResponse GET /api/v1/presets/{name}/models 响应
type ModelListResponse struct {
	Preset string   `json:"preset"`
	Models []string `json:"models"`
	Cached bool     `json:"cached"`
}

func modelsCacheKey(preset string) string { return "models:" + preset }

func (h *PresetHandler) invalidateModels(ctx context.Context, preset string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Delete(ctx, modelsCacheKey(preset)); err != nil {
		h.logger.Debug("models cache invalidation failed", zap.String("preset", preset), zap.Error(err))
	}
}

// HandleListModels GET /api/v1/presets/{name}/models[?refresh=1]
func (h *PresetHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, h.logger); !ok {
		return
	}
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if h.prober == nil {
		WriteErrorMessage(w, types.KindServerError, "model listing unavailable", h.logger)
		return
	}

	key := modelsCacheKey(p.Name)
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	if h.cache != nil && !refresh {
		var models []string
		if err := h.cache.GetJSON(r.Context(), key, &models); err == nil {
			WriteSuccess(w, ModelListResponse{Preset: p.Name, Models: models, Cached: true})
			return
		}
	}

	models, err := h.prober.ListModels(r.Context(), &types.APIRequest{Preset: p})
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	if models == nil {
		models = []string{}
	}
	if h.cache != nil {
		if err := h.cache.SetJSON(r.Context(), key, models, h.modelsTTL); err != nil {
			h.logger.Debug("models cache write failed", zap.String("preset", p.Name), zap.Error(err))
		}
	}
	WriteSuccess(w, ModelListResponse{Preset: p.Name, Models: models})
}
