package handlers

import (
	"net/http"

	"github.com/BaSui01/bananaflow/prompt"
	"github.com/BaSui01/bananaflow/types"
	"go.uber.org/zap"
)

// PromptHandler 提示词预设与变量说明
type PromptHandler struct {
	presets  PresetAdmin
	registry *prompt.Registry
	logger   *zap.Logger
}

// NewPromptHandler 创建 PromptHandler；registry 为 nil 时使用内置变量表
func NewPromptHandler(presets PresetAdmin, registry *prompt.Registry, logger *zap.Logger) *PromptHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = prompt.DefaultRegistry()
	}
	return &PromptHandler{
		presets:  presets,
		registry: registry,
		logger:   logger.With(zap.String("handler", "prompts")),
	}
}

// PutPromptRequest PUT /api/v1/prompts/{kind}/{name} 请求体
type PutPromptRequest struct {
	Content string `json:"content" validate:"required,max=20000"`
}

func parseKind(w http.ResponseWriter, raw string, logger *zap.Logger) (prompt.Kind, bool) {
	switch prompt.Kind(raw) {
	case prompt.KindPrompt, prompt.KindOptimizer:
		return prompt.Kind(raw), true
	}
	WriteError(w, types.Errorf(types.KindInvalidArgument, "unknown prompt kind %q", raw), logger)
	return "", false
}

// HandleVariables GET /api/v1/prompts/variables
func (h *PromptHandler) HandleVariables(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.registry.Describe())
}

// HandleList GET /api/v1/prompts/{kind}
func (h *PromptHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r, h.logger); !ok {
		return
	}
	kind, ok := parseKind(w, r.PathValue("kind"), h.logger)
	if !ok {
		return
	}
	WriteSuccess(w, h.presets.Book().Snapshot(kind))
}

// HandlePut PUT /api/v1/prompts/{kind}/{name}
func (h *PromptHandler) HandlePut(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, h.logger); !ok {
		return
	}
	kind, ok := parseKind(w, r.PathValue("kind"), h.logger)
	if !ok {
		return
	}
	var req PutPromptRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	name := r.PathValue("name")
	if dup, found := h.presets.Book().FindDuplicate(kind, req.Content); found && dup != name {
		h.logger.Info("prompt content duplicates an existing preset",
			zap.String("name", name), zap.String("duplicate_of", dup))
	}
	if err := h.presets.SetPrompt(r.Context(), kind, name, req.Content); err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"kind": string(kind), "name": name})
}

// HandleDelete DELETE /api/v1/prompts/{kind}/{name}
func (h *PromptHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, h.logger); !ok {
		return
	}
	kind, ok := parseKind(w, r.PathValue("kind"), h.logger)
	if !ok {
		return
	}
	name := r.PathValue("name")
	deleted, err := h.presets.DeletePrompt(r.Context(), kind, name)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	if !deleted {
		WriteErrorMessage(w, types.KindNotFound, "❌ 找不到提示词预设: "+name, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"deleted": name})
}
