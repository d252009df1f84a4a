package image

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/BaSui01/bananaflow/llm/streaming"
	"github.com/BaSui01/bananaflow/types"
	"go.uber.org/zap"
)

// GoogleAdapter 对接 Gemini generateContent / streamGenerateContent 协议
type GoogleAdapter struct {
	transport *Transport
	cfg       Config
	logger    *zap.Logger
}

// NewGoogleAdapter creates a Google-style adapter.
func NewGoogleAdapter(t *Transport, cfg Config, logger *zap.Logger) *GoogleAdapter {
	return &GoogleAdapter{
		transport: t,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "google_adapter")),
	}
}

// Kind implements Adapter.
func (a *GoogleAdapter) Kind() types.BackendKind { return types.BackendGoogle }

type geminiPart struct {
	Text       string        `json:"text,omitempty"`
	InlineData *geminiInline `json:"inlineData,omitempty"`
}

type geminiInline struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type geminiThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
}

type geminiGenConfig struct {
	ResponseModalities []string              `json:"responseModalities"`
	MaxOutputTokens    int                   `json:"maxOutputTokens"`
	ImageConfig        *geminiImageConfig    `json:"imageConfig,omitempty"`
	ThinkingConfig     *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiSafety struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig geminiGenConfig  `json:"generationConfig"`
	SafetySettings   []geminiSafety   `json:"safetySettings"`
	Tools            []map[string]any `json:"tools,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text       string          `json:"text,omitempty"`
				Thought    json.RawMessage `json:"thought,omitempty"`
				InlineData *geminiInline   `json:"inlineData,omitempty"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

var harmCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
}

var safetyFinishReasons = map[string]bool{
	"PROHIBITED_CONTENT": true,
	"IMAGE_SAFETY":       true,
	"SAFETY":             true,
}

func (a *GoogleAdapter) baseURL(preset types.ConnectionPreset) string {
	base := strings.TrimRight(preset.BaseURL, "/")
	if base == "" {
		base = a.cfg.GoogleBaseURL
	}
	for _, suffix := range []string{"/v1beta", "/v1"} {
		base = strings.TrimSuffix(base, suffix)
	}
	return base
}

func cleanModelName(model string) string {
	return strings.TrimPrefix(model, "models/")
}

func buildGeminiRequest(req *types.APIRequest, model string) geminiRequest {
	var parts []geminiPart
	if req.Config.Prompt != "" {
		parts = append(parts, geminiPart{Text: req.Config.Prompt})
	}
	for _, img := range req.Images {
		parts = append(parts, geminiPart{InlineData: &geminiInline{
			MimeType: SniffMime(img),
			Data:     base64.StdEncoding.EncodeToString(img),
		}})
	}

	gen := geminiGenConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
		MaxOutputTokens:    2048,
	}

	ic := &geminiImageConfig{}
	if ar := req.Config.AspectRatio; ar != "" && ar != types.DefaultAspectRatio {
		ic.AspectRatio = ar
	}
	if isProImageModel(strings.ToLower(model)) && req.Config.ImageSize != "" && req.Config.ImageSize != types.DefaultImageSize {
		ic.ImageSize = req.Config.ImageSize
	}
	if ic.AspectRatio != "" || ic.ImageSize != "" {
		gen.ImageConfig = ic
	}
	if req.Config.EnableThinking {
		gen.ThinkingConfig = &geminiThinkingConfig{IncludeThoughts: true}
	}

	safety := make([]geminiSafety, 0, len(harmCategories))
	for _, c := range harmCategories {
		safety = append(safety, geminiSafety{Category: c, Threshold: "BLOCK_NONE"})
	}

	out := geminiRequest{
		Contents:         []geminiContent{{Parts: parts}},
		GenerationConfig: gen,
		SafetySettings:   safety,
	}
	if req.Config.EnableSearch {
		out.Tools = []map[string]any{{"googleSearch": map[string]any{}}}
	}
	return out
}

// Generate implements Adapter.
func (a *GoogleAdapter) Generate(ctx context.Context, req *types.APIRequest) (*types.GenResult, error) {
	model := cleanModelName(req.Preset.Model)
	stream := req.Preset.StreamOr(true)

	method := "generateContent"
	if stream {
		method = "streamGenerateContent"
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s", a.baseURL(req.Preset), url.PathEscape(model), method)
	if stream {
		endpoint += "?alt=sse"
	}

	ctx, cancel := withTimeout(ctx, req.Config.Timeout)
	defer cancel()

	httpReq, err := newJSONRequest(ctx, http.MethodPost, endpoint, buildGeminiRequest(req, model))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-goog-api-key", req.APIKey)

	resp, err := a.transport.Do(httpReq, req.Proxy)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readErrorMessage(resp.Body)
		return nil, types.Errorf(types.KindServerError, "Google API (%d): %s", resp.StatusCode, msg).
			WithHTTPStatus(resp.StatusCode)
	}

	acc := &geminiAccumulator{model: model}
	if stream {
		err = streaming.Read(ctx, resp.Body, func(payload string) error {
			var chunk geminiResponse
			if json.Unmarshal([]byte(payload), &chunk) != nil {
				return nil
			}
			acc.add(&chunk, true)
			return nil
		})
		if err != nil {
			e, _ := types.Classify(err)
			if e.Kind == types.KindServerError || e.Kind == types.KindUnknown {
				return nil, types.NewError(types.KindServerError, "流式读取中断: "+err.Error()).WithCause(err)
			}
			return nil, e
		}
		return acc.streamResult()
	}

	var body geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, types.NewError(types.KindServerError, "响应解析失败: "+err.Error()).WithCause(err)
	}
	return unaryResult(&body, model)
}

// geminiAccumulator 跨 SSE 分片累积文本、思考与图片
type geminiAccumulator struct {
	model        string
	text         []string
	thoughts     []string
	images       [][]byte
	finishReason string
	blockReason  string
}

func (acc *geminiAccumulator) add(chunk *geminiResponse, stream bool) {
	if len(chunk.Candidates) == 0 {
		if chunk.PromptFeedback != nil && chunk.PromptFeedback.BlockReason != "" {
			acc.blockReason = chunk.PromptFeedback.BlockReason
		}
		return
	}
	cand := chunk.Candidates[0]
	switch cand.FinishReason {
	case "", "STOP", "MAX_TOKENS", "NONE":
	default:
		acc.finishReason = cand.FinishReason
	}
	for _, part := range cand.Content.Parts {
		if thought, isFlag := decodeThought(part.Thought); thought != "" || isFlag {
			if isFlag {
				acc.thoughts = append(acc.thoughts, part.Text)
				continue
			}
			acc.thoughts = append(acc.thoughts, thought)
		}
		if part.Text != "" {
			acc.text = append(acc.text, part.Text)
		}
		if part.InlineData != nil && part.InlineData.Data != "" {
			if b, ok := DecodeBase64(part.InlineData.Data); ok {
				acc.images = append(acc.images, b)
			}
		}
	}
}

// decodeThought 兼容 thought 为布尔标记（文本即思考）或字符串两种形态
func decodeThought(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var flag bool
	if json.Unmarshal(raw, &flag) == nil {
		return "", flag
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, false
	}
	return "", false
}

func (acc *geminiAccumulator) result() *types.GenResult {
	reason := acc.finishReason
	if reason == "" {
		reason = "success"
	}
	return &types.GenResult{
		Images:       acc.images,
		Text:         strings.Join(acc.text, ""),
		Thoughts:     strings.Join(acc.thoughts, "\n"),
		Model:        acc.model,
		FinishReason: reason,
	}
}

func (acc *geminiAccumulator) streamResult() (*types.GenResult, error) {
	if len(acc.images) > 0 {
		return acc.result(), nil
	}
	if acc.blockReason != "" {
		return nil, types.NewError(types.KindSafetyBlock, "请求被拦截: "+acc.blockReason)
	}
	if safetyFinishReasons[acc.finishReason] {
		return nil, types.Errorf(types.KindSafetyBlock, "内容安全拦截 (%s)", acc.finishReason)
	}
	if len(acc.text) == 0 && len(acc.thoughts) == 0 {
		if acc.finishReason == "" {
			return nil, types.NewError(types.KindServerError, "API 返回空内容 (请检查 Prompt 是否被安全策略拦截)")
		}
		return nil, types.Errorf(types.KindServerError, "流式请求完成，但未收到有效内容 (Reason: %s)", acc.finishReason)
	}
	return nil, noImageError(strings.Join(acc.text, ""))
}

func unaryResult(body *geminiResponse, model string) (*types.GenResult, error) {
	if len(body.Candidates) == 0 {
		reason := "Unknown"
		if body.PromptFeedback != nil && body.PromptFeedback.BlockReason != "" {
			reason = body.PromptFeedback.BlockReason
		}
		return nil, types.NewError(types.KindSafetyBlock, "请求被拦截: "+reason)
	}

	fr := body.Candidates[0].FinishReason
	switch {
	case safetyFinishReasons[fr]:
		return nil, types.Errorf(types.KindSafetyBlock, "内容安全拦截 (%s)", fr)
	case fr == "OTHER":
		return nil, types.NewError(types.KindServerError, "API 返回 OTHER 错误 (可能是参数不兼容)")
	case fr != "" && fr != "STOP" && fr != "MAX_TOKENS":
		return nil, types.Errorf(types.KindServerError, "生成异常结束 (%s)", fr)
	}

	acc := &geminiAccumulator{model: model}
	acc.add(body, false)
	if fr != "" {
		acc.finishReason = fr
	}
	if len(acc.images) > 0 {
		return acc.result(), nil
	}
	if len(acc.text) == 0 && len(acc.thoughts) == 0 {
		return nil, types.NewError(types.KindUnknown, "未收到有效内容")
	}
	return nil, noImageError(strings.Join(acc.text, ""))
}

func noImageError(text string) error {
	return types.Errorf(types.KindUnknown, "模型未返回图片，回复: %s", truncate(strings.TrimSpace(text), 100))
}

// ListModels implements Adapter.
func (a *GoogleAdapter) ListModels(ctx context.Context, req *types.APIRequest) ([]string, error) {
	endpoint := a.baseURL(req.Preset) + "/v1beta/models"
	httpReq, err := newJSONRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-goog-api-key", req.APIKey)

	resp, err := a.transport.Do(httpReq, req.Proxy)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readErrorMessage(resp.Body)
		a.logger.Warn("获取模型列表失败", zap.Int("status", resp.StatusCode))
		return nil, types.ClassifyStatus(resp.StatusCode, fmt.Sprintf("Google API (%d): %s", resp.StatusCode, msg))
	}

	var body struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, types.NewError(types.KindServerError, "模型列表解析失败").WithCause(err)
	}

	var out []string
	for _, m := range body.Models {
		name := cleanModelName(m.Name)
		if containsAny(strings.ToLower(name), "banana", "image", "vision") {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}
