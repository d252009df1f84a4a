package handlers

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/BaSui01/bananaflow/llm/image"
	"github.com/BaSui01/bananaflow/service"
	"github.com/BaSui01/bananaflow/types"
	"go.uber.org/zap"
)

// DefaultGenerationBodyBytes 生成请求体上限，足够容纳 5 张 base64 图片
const DefaultGenerationBodyBytes int64 = 64 << 20

// Generator 执行一次生成流程，通常是 *service.GenerationService
type Generator interface {
	Generate(ctx context.Context, in service.GenerateInput) (*types.GenResult, *service.Outcome, error)
}

// GenerateRequest POST /api/v1/images/generations 请求体
type GenerateRequest struct {
	// Prompt 是描述文本或提示词预设名
	Prompt           string            `json:"prompt" validate:"max=8000"`
	AdditionalPrompt string            `json:"additional_prompt,omitempty" validate:"max=4000"`
	Preset           string            `json:"preset,omitempty" validate:"max=64"`
	ImageSize        string            `json:"image_size,omitempty" validate:"omitempty,oneof=1K 2K 4K 1k 2k 4k"`
	AspectRatio      string            `json:"aspect_ratio,omitempty" validate:"max=16"`
	Params           map[string]string `json:"params,omitempty"`
	Context          map[string]string `json:"context,omitempty"`
	TimeoutSeconds   int               `json:"timeout_seconds,omitempty" validate:"min=0,max=3600"`
	EnableSearch     bool              `json:"enable_search,omitempty"`
	EnableThinking   bool              `json:"enable_thinking,omitempty"`
	GIF              bool              `json:"gif,omitempty"`
	Enhance          string            `json:"enhance,omitempty" validate:"max=2000"`
	// Images 是 base64、data URI 或 http(s) 地址
	Images         []string `json:"images,omitempty" validate:"max=5"`
	Mode           string   `json:"mode,omitempty" validate:"omitempty,oneof=text image"`
	ResponseFormat string   `json:"response_format,omitempty" validate:"omitempty,oneof=b64_json data_uri"`
	Debug          bool     `json:"debug,omitempty"`
}

// GeneratedImage 一张生成的图片
type GeneratedImage struct {
	B64JSON  string `json:"b64_json,omitempty"`
	DataURI  string `json:"data_uri,omitempty"`
	MimeType string `json:"mime_type"`
	Bytes    int    `json:"bytes"`
}

// GenerateResponse 生成结果；失败时只有 Outcome
type GenerateResponse struct {
	Images       []GeneratedImage `json:"images,omitempty"`
	Text         string           `json:"text,omitempty"`
	Model        string           `json:"model,omitempty"`
	ElapsedMS    int64            `json:"elapsed_ms,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
	Debug        *types.DebugInfo `json:"debug,omitempty"`
	Outcome      *service.Outcome `json:"outcome,omitempty"`
}

// GenerationHandler 处理生图请求
type GenerationHandler struct {
	gen     Generator
	maxBody int64
	logger  *zap.Logger
}

// NewGenerationHandler 创建 GenerationHandler；maxBody <= 0 时使用默认上限
func NewGenerationHandler(gen Generator, maxBody int64, logger *zap.Logger) *GenerationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBody <= 0 {
		maxBody = DefaultGenerationBodyBytes
	}
	return &GenerationHandler{
		gen:     gen,
		maxBody: maxBody,
		logger:  logger.With(zap.String("handler", "generation")),
	}
}

// toInput 把请求与调用方身份合成服务输入
func (req *GenerateRequest) toInput(userID, groupID string, isAdmin bool) service.GenerateInput {
	ctxVars := make(map[string]string, len(req.Context)+2)
	for k, v := range req.Context {
		ctxVars[k] = v
	}
	if _, ok := ctxVars["uid"]; !ok && userID != "" {
		ctxVars["uid"] = userID
	}
	if _, ok := ctxVars["g"]; !ok && groupID != "" {
		ctxVars["g"] = groupID
	}

	return service.GenerateInput{
		UserID:           userID,
		GroupID:          groupID,
		IsAdmin:          isAdmin,
		Prompt:           req.Prompt,
		AdditionalPrompt: req.AdditionalPrompt,
		Params:           req.Params,
		Context:          ctxVars,
		Preset:           req.Preset,
		ImageSize:        req.ImageSize,
		AspectRatio:      req.AspectRatio,
		Timeout:          time.Duration(req.TimeoutSeconds) * time.Second,
		EnableSearch:     req.EnableSearch,
		EnableThinking:   req.EnableThinking,
		GIFMode:          req.GIF,
		Enhance:          req.Enhance,
		ImageRefs:        req.Images,
		RequireImage:     req.Mode == "image",
		Debug:            req.Debug,
	}
}

// HandleGenerate POST /api/v1/images/generations
// @Summary 生成图片
// @Tags 生成
// @Accept json
// @Produce json
// @Router /api/v1/images/generations [post]
func (h *GenerationHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, h.logger)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req GenerateRequest
	if err := DecodeJSONBodyLimit(w, r, &req, h.maxBody, h.logger); err != nil {
		return
	}

	res, out, err := h.gen.Generate(r.Context(), req.toInput(id.UserID, id.GroupID, id.IsAdmin))
	if err != nil {
		e, _ := types.Classify(err)
		if e.Kind == types.KindDebugInfo {
			// 调试模式不是失败：请求没有发往上游
			WriteSuccess(w, GenerateResponse{Debug: e.Debug, Outcome: out})
			return
		}
		WriteErrorData(w, e, GenerateResponse{Outcome: out}, h.logger)
		return
	}

	resp := GenerateResponse{
		Text:         res.Text,
		Model:        res.Model,
		ElapsedMS:    res.Elapsed.Milliseconds(),
		FinishReason: res.FinishReason,
		Outcome:      out,
	}
	for _, data := range res.Images {
		img := GeneratedImage{MimeType: image.SniffMime(data), Bytes: len(data)}
		if req.ResponseFormat == "data_uri" {
			img.DataURI = image.DataURI(data)
		} else {
			img.B64JSON = base64.StdEncoding.EncodeToString(data)
		}
		resp.Images = append(resp.Images, img)
	}

	h.logger.Info("image generated",
		zap.String("user_id", id.UserID),
		zap.String("group_id", id.GroupID),
		zap.String("model", res.Model),
		zap.Int("images", len(res.Images)),
		zap.Int("cost", res.Cost),
	)
	WriteSuccess(w, resp)
}
