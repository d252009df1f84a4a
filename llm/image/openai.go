package image

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"regexp"
	"sort"
	"strings"

	"github.com/BaSui01/bananaflow/llm/streaming"
	"github.com/BaSui01/bananaflow/types"
	"go.uber.org/zap"
)

// openAIRoute 是 OpenAI 兼容网关的三种请求形态
type openAIRoute int

const (
	routeChat openAIRoute = iota
	routeGenerations
	routeEdits
)

func (r openAIRoute) String() string {
	switch r {
	case routeGenerations:
		return "images/generations"
	case routeEdits:
		return "images/edits"
	default:
		return "chat/completions"
	}
}

var reVersionSuffix = regexp.MustCompile(`/v1(?:beta)?$`)

var responseFormatKeywords = []string{
	"response_format", "b64_json", "not supported", "unknown parameter", "unrecognized",
}

var openAIModelKeywords = []string{
	"image", "vision", "dall", "pic", "flux", "journey", "mid", "sdxl", "banana", "rec", "o1",
}

// OpenAIAdapter 对接 OpenAI 兼容网关（chat/completions 与 images API）
type OpenAIAdapter struct {
	transport *Transport
	cfg       Config
	logger    *zap.Logger
}

// NewOpenAIAdapter creates an OpenAI-compatible adapter.
func NewOpenAIAdapter(t *Transport, cfg Config, logger *zap.Logger) *OpenAIAdapter {
	return &OpenAIAdapter{
		transport: t,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "openai_adapter")),
	}
}

// Kind implements Adapter.
func (a *OpenAIAdapter) Kind() types.BackendKind { return types.BackendOpenAI }

// isImagesEndpoint 判断 base 是否直接指向 images API
func isImagesEndpoint(base string) bool {
	u := strings.TrimRight(strings.ToLower(strings.TrimSpace(base)), "/")
	if u == "" {
		return false
	}
	return strings.HasSuffix(u, "/images/generations") || strings.Contains(u, "/images/")
}

func chooseRoute(preset types.ConnectionPreset, imageCount int) openAIRoute {
	model := strings.ToLower(preset.Model)
	native := strings.Contains(model, "dall-e") && !strings.Contains(strings.ToLower(preset.BaseURL), "chat")
	if !isImagesEndpoint(preset.BaseURL) && !native {
		return routeChat
	}
	if imageCount > 0 {
		return routeEdits
	}
	return routeGenerations
}

// resolveEndpoint 补全或替换端点路径
func resolveEndpoint(base, fallback string, route openAIRoute) string {
	u := strings.TrimRight(strings.TrimSpace(base), "/")
	if u == "" {
		u = strings.TrimRight(fallback, "/")
	}
	isChat := route == routeChat

	var out string
	switch {
	case strings.HasSuffix(u, "/images/generations"):
		out = u
		if isChat {
			out = strings.TrimSuffix(u, "/images/generations") + "/chat/completions"
		}
	case strings.HasSuffix(u, "/images/edits"):
		out = strings.TrimSuffix(u, "/images/edits") + "/images/generations"
		if isChat {
			out = strings.TrimSuffix(u, "/images/edits") + "/chat/completions"
		}
	case strings.HasSuffix(u, "/chat/completions"):
		out = u
		if !isChat {
			out = strings.TrimSuffix(u, "/chat/completions") + "/images/generations"
		}
	case isChat:
		if reVersionSuffix.MatchString(u) {
			out = u + "/chat/completions"
		} else {
			out = u + "/v1/chat/completions"
		}
	default:
		switch {
		case strings.HasSuffix(u, "/v1"):
			out = u + "/images/generations"
		case strings.HasSuffix(u, "/v1/models"):
			out = strings.TrimSuffix(u, "/models") + "/images/generations"
		default:
			out = u + "/v1/images/generations"
		}
	}

	if route == routeEdits {
		out = strings.TrimSuffix(out, "/images/generations") + "/images/edits"
	}
	return out
}

// mapImagesSize 把 1K/2K 之类的档位映射成 images API 的 size
func mapImagesSize(size, model string) string {
	s := strings.ToUpper(size)
	m := strings.ToLower(model)

	if strings.Contains(m, "dall-e-3") {
		if containsAny(s, "1792", "HD", "2K") {
			return "1792x1024"
		}
		return "1024x1024"
	}
	if strings.Contains(m, "dall-e") {
		switch {
		case strings.Contains(s, "512"):
			return "512x512"
		case strings.Contains(s, "256"):
			return "256x256"
		}
		return "1024x1024"
	}
	switch {
	case containsAny(s, "2K", "2048"):
		return "2048x2048"
	case containsAny(s, "1K", "1024"):
		return "1024x1024"
	case strings.Contains(s, "768"):
		return "768x768"
	case strings.Contains(s, "512"):
		return "512x512"
	}
	return "1024x1024"
}

func buildChatPayload(req *types.APIRequest, stream bool) map[string]any {
	content := []map[string]any{{"type": "text", "text": req.Config.Prompt}}
	for _, img := range req.Images {
		content = append(content, map[string]any{
			"type":      "image_url",
			"image_url": map[string]string{"url": DataURI(img)},
		})
	}

	payload := map[string]any{
		"model":    req.Preset.Model,
		"messages": []map[string]any{{"role": "user", "content": content}},
		"stream":   stream,
	}

	if isProImageModel(strings.ToLower(req.Preset.Model)) {
		payload["modalities"] = []string{"image", "text"}
		ic := map[string]string{}
		if ar := req.Config.AspectRatio; ar != "" && ar != types.DefaultAspectRatio {
			ic["aspectRatio"] = ar
		}
		if sz := req.Config.ImageSize; sz != "" && sz != types.DefaultImageSize {
			ic["imageSize"] = sz
		}
		if len(ic) > 0 {
			payload["generationConfig"] = map[string]any{"imageConfig": ic}
		}
	} else {
		payload["max_tokens"] = 2048
	}
	return payload
}

func buildGenerationsPayload(req *types.APIRequest) map[string]any {
	payload := map[string]any{
		"model":           req.Preset.Model,
		"prompt":          req.Config.Prompt,
		"n":               1,
		"size":            mapImagesSize(req.Config.ImageSize, req.Preset.Model),
		"response_format": "b64_json",
	}
	if strings.Contains(strings.ToLower(req.Preset.Model), "dall-e-3") {
		payload["quality"] = "standard"
	}
	return payload
}

// Generate implements Adapter.
func (a *OpenAIAdapter) Generate(ctx context.Context, req *types.APIRequest) (*types.GenResult, error) {
	route := chooseRoute(req.Preset, len(req.Images))
	stream := route == routeChat && req.Preset.StreamOr(false)

	ctx, cancel := withTimeout(ctx, req.Config.Timeout)
	defer cancel()

	a.logger.Debug("openai request",
		zap.String("route", route.String()),
		zap.String("model", req.Preset.Model),
		zap.Bool("stream", stream),
		zap.Int("images", len(req.Images)))

	var (
		content any
		err     error
	)
	switch route {
	case routeChat:
		endpoint := resolveEndpoint(req.Preset.BaseURL, a.cfg.OpenAIBaseURL, routeChat)
		content, err = a.postJSON(ctx, req, endpoint, buildChatPayload(req, stream), stream)
	case routeGenerations:
		content, err = a.generations(ctx, req, buildGenerationsPayload(req))
	case routeEdits:
		content, err = a.edits(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	ref, ok := ExtractImageURL(content)
	if !ok {
		hint := ""
		if stream {
			hint = " (流式模式可能丢失了Base64图片，请尝试关闭流式)"
		}
		return nil, types.Errorf(types.KindServerError, "API返回数据结构异常，无法提取图片%s。预览: %s",
			hint, truncate(previewOf(content), 200))
	}

	data, err := a.transport.Fetch(ctx, ref, req.Proxy)
	if err != nil {
		return nil, err
	}
	return &types.GenResult{
		Images:       [][]byte{data},
		Model:        req.Preset.Model,
		FinishReason: "success",
	}, nil
}

// generations 调用 images/generations，b64_json 被拒时降级为 url 再试一次
func (a *OpenAIAdapter) generations(ctx context.Context, req *types.APIRequest, payload map[string]any) (any, error) {
	endpoint := resolveEndpoint(req.Preset.BaseURL, a.cfg.OpenAIBaseURL, routeGenerations)
	content, err := a.postJSON(ctx, req, endpoint, payload, false)
	if err == nil || payload["response_format"] != "b64_json" || !isResponseFormatError(err) {
		return content, err
	}
	a.logger.Info("b64_json 不支持，改用 url 格式重试")
	payload["response_format"] = "url"
	return a.postJSON(ctx, req, endpoint, payload, false)
}

// edits 以 multipart 提交参考图；端点 404 时回退到带 image 字段的 generations
func (a *OpenAIAdapter) edits(ctx context.Context, req *types.APIRequest) (any, error) {
	endpoint := resolveEndpoint(req.Preset.BaseURL, a.cfg.OpenAIBaseURL, routeEdits)

	body, contentType, err := buildEditsForm(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, types.NewError(types.KindInvalidArgument, "请求构建失败: "+err.Error()).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	a.authorize(httpReq, req.APIKey)

	content, err := a.do(httpReq, req.Proxy, false)
	if err == nil {
		return content, nil
	}
	if e, ok := types.AsError(err); !ok || e.HTTPStatus != http.StatusNotFound {
		return nil, err
	}

	a.logger.Info("images/edits 不可用，回退到 images/generations")
	payload := buildGenerationsPayload(req)
	payload["image"] = DataURI(req.Images[0])
	return a.generations(ctx, req, payload)
}

func buildEditsForm(req *types.APIRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	field := "image"
	if len(req.Images) > 1 {
		field = "image[]"
	}
	for i, img := range req.Images {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="%s"; filename="image_%d.%s"`, field, i, Extension(img)))
		h.Set("Content-Type", SniffMime(img))
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", types.NewError(types.KindInvalidArgument, "表单构建失败").WithCause(err)
		}
		if _, err := part.Write(img); err != nil {
			return nil, "", types.NewError(types.KindInvalidArgument, "表单构建失败").WithCause(err)
		}
	}

	fields := [][2]string{
		{"model", req.Preset.Model},
		{"prompt", req.Config.Prompt},
		{"n", "1"},
		{"size", mapImagesSize(req.Config.ImageSize, req.Preset.Model)},
		{"response_format", "b64_json"},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", types.NewError(types.KindInvalidArgument, "表单构建失败").WithCause(err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", types.NewError(types.KindInvalidArgument, "表单构建失败").WithCause(err)
	}
	return &buf, w.FormDataContentType(), nil
}

func (a *OpenAIAdapter) authorize(r *http.Request, key string) {
	r.Header.Set("Authorization", "Bearer "+key)
	r.Header.Set("Accept-Encoding", "gzip, deflate")
}

func (a *OpenAIAdapter) postJSON(ctx context.Context, req *types.APIRequest, endpoint string, payload any, stream bool) (any, error) {
	httpReq, err := newJSONRequest(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return nil, err
	}
	a.authorize(httpReq, req.APIKey)
	return a.do(httpReq, req.Proxy, stream)
}

// do 发送请求；流式时返回拼接后的文本，否则返回解码后的 JSON
func (a *OpenAIAdapter) do(httpReq *http.Request, proxy string, stream bool) (any, error) {
	resp, err := a.transport.Do(httpReq, proxy)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readErrorMessage(resp.Body)
		return nil, types.Errorf(types.KindServerError, "HTTP %d: %s", resp.StatusCode, msg).
			WithHTTPStatus(resp.StatusCode)
	}

	if stream {
		return readChatStream(httpReq.Context(), resp.Body)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		// 部分网关直接返回纯文本
		return string(raw), nil
	}
	return decoded, nil
}

func readChatStream(ctx context.Context, body io.Reader) (string, error) {
	var sb strings.Builder
	err := streaming.Read(ctx, body, func(payload string) error {
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if json.Unmarshal([]byte(payload), &chunk) != nil || len(chunk.Choices) == 0 {
			return nil
		}
		sb.WriteString(chunk.Choices[0].Delta.Content)
		return nil
	})
	if err != nil {
		return "", transportError(err)
	}
	return sb.String(), nil
}

// isResponseFormatError 只认参数校验类状态码，5xx 里碰巧出现的关键字不算
func isResponseFormatError(err error) bool {
	e, ok := types.AsError(err)
	if !ok {
		return false
	}
	if e.HTTPStatus != http.StatusBadRequest && e.HTTPStatus != http.StatusUnprocessableEntity {
		return false
	}
	return containsAny(strings.ToLower(e.Message), responseFormatKeywords...)
}

func previewOf(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// ListModels implements Adapter.
func (a *OpenAIAdapter) ListModels(ctx context.Context, req *types.APIRequest) ([]string, error) {
	chat := resolveEndpoint(req.Preset.BaseURL, a.cfg.OpenAIBaseURL, routeChat)
	endpoint := strings.TrimSuffix(chat, "/chat/completions") + "/models"

	httpReq, err := newJSONRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	resp, err := a.transport.Do(httpReq, req.Proxy)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readErrorMessage(resp.Body)
		a.logger.Warn("获取模型列表失败", zap.String("url", endpoint), zap.Int("status", resp.StatusCode))
		return nil, types.ClassifyStatus(resp.StatusCode, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg))
	}

	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, types.NewError(types.KindServerError, "模型列表解析失败").WithCause(err)
	}

	var out []string
	for _, m := range body.Data {
		if m.ID != "" && containsAny(strings.ToLower(m.ID), openAIModelKeywords...) {
			out = append(out, m.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}
