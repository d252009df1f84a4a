package image

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/bananaflow/llm/retry"
	"github.com/BaSui01/bananaflow/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var zaiAspectRatios = map[string]bool{
	"1:1": true, "2:3": true, "3:2": true, "3:4": true, "4:3": true, "4:5": true,
	"5:4": true, "9:16": true, "16:9": true, "21:9": true, "dynamic": true,
}

const zaiDefaultModel = "gemini-3-pro-image-preview"

// zai 常返回站内相对路径的 Markdown 图片
var reRelativeImage = regexp.MustCompile(`!\[.*?\]\((/[^\s)]+)\)`)

func extractZaiMedia(text string) (string, bool) {
	if m := reRelativeImage.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	return ExtractFromText(text)
}

// ZaiAdapter 对接需要 darkknight 签名的 zai 网关
type ZaiAdapter struct {
	transport *Transport
	cfg       Config
	creds     *credentialCache
	logger    *zap.Logger
	now       func() time.Time
}

// NewZaiAdapter creates the signed zai adapter.
func NewZaiAdapter(t *Transport, cfg Config, logger *zap.Logger) *ZaiAdapter {
	return &ZaiAdapter{
		transport: t,
		cfg:       cfg,
		creds:     newCredentialCache(),
		logger:    logger.With(zap.String("component", "zai_adapter")),
		now:       time.Now,
	}
}

// Kind implements Adapter.
func (a *ZaiAdapter) Kind() types.BackendKind { return types.BackendZai }

// NonRetryable 凭证是全局的，换 Key 重试没有意义
func (a *ZaiAdapter) NonRetryable() []types.ErrorKind {
	return []types.ErrorKind{types.KindAuthFailed}
}

func mapZaiSize(size string) string {
	s := strings.ToUpper(size)
	switch {
	case strings.Contains(s, "4K"):
		return "4K"
	case strings.Contains(s, "2K"):
		return "2K"
	}
	return "1K"
}

func mapZaiAspect(ar string) string {
	if zaiAspectRatios[ar] {
		return ar
	}
	return "dynamic"
}

func (a *ZaiAdapter) base(preset types.ConnectionPreset) string {
	if b := strings.TrimRight(preset.BaseURL, "/"); b != "" {
		return b
	}
	return strings.TrimRight(a.cfg.ZaiBaseURL, "/")
}

// session 保存一次生成过程中的签名上下文
type zaiSession struct {
	adapter *ZaiAdapter
	signer  *Signer
	token   string
	base    string
	proxy   string
}

func (s *zaiSession) headers(h http.Header) error {
	sig, err := s.signer.Header()
	if err != nil {
		return types.NewError(types.KindAuthFailed, "签名生成失败: "+err.Error()).WithCause(err)
	}
	h.Set("Authorization", s.token)
	h.Set("x-zai-darkknight", sig)
	h.Set("x-zai-fp", s.signer.Fingerprint())
	h.Set("User-Agent", browserUserAgent)
	h.Set("Origin", s.base)
	h.Set("Referer", s.base+"/")
	return nil
}

func (s *zaiSession) send(req *http.Request) (*http.Response, error) {
	if err := s.headers(req.Header); err != nil {
		return nil, err
	}
	resp, err := s.adapter.transport.Do(req, s.proxy)
	if err != nil {
		return nil, transportError(err)
	}
	return resp, nil
}

// Generate implements Adapter.
func (a *ZaiAdapter) Generate(ctx context.Context, req *types.APIRequest) (*types.GenResult, error) {
	signer, token, err := a.creds.resolve(ctx, req.APIKey, a.cfg.Credentials)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, req.Config.Timeout)
	defer cancel()

	s := &zaiSession{adapter: a, signer: signer, token: token, base: a.base(req.Preset), proxy: req.Proxy}

	files := make([]string, 0, len(req.Images))
	for _, img := range req.Images {
		u, err := s.upload(ctx, img)
		if err != nil {
			return nil, err
		}
		files = append(files, u)
	}

	chatID, parentID, err := s.handshake(ctx, req, files)
	if err != nil {
		return nil, err
	}
	return s.chat(ctx, req, chatID, parentID, files)
}

// upload 手工拼装 multipart 正文，与浏览器上传格式保持一致
func (s *zaiSession) upload(ctx context.Context, img []byte) (string, error) {
	mimeType := SniffMime(img)
	ext := strings.TrimPrefix(mimeType, "image/")
	filename := fmt.Sprintf("pasted-image-%d.%s", s.adapter.now().Unix(), ext)

	rnd := make([]byte, 16)
	if _, err := rand.Read(rnd); err != nil {
		return "", types.NewError(types.KindServerError, "boundary 生成失败").WithCause(err)
	}
	boundary := "----WebKitFormBoundary" + hex.EncodeToString(rnd)

	var body bytes.Buffer
	body.WriteString("--" + boundary + "\r\n")
	body.WriteString("Content-Disposition: form-data; name=\"metadata\"\r\n\r\n")
	body.WriteString(`{"public_access":true,"source":"base64_conversion"}` + "\r\n")
	body.WriteString("--" + boundary + "\r\n")
	fmt.Fprintf(&body, "Content-Disposition: form-data; name=\"file\"; filename=\"%s\"\r\n", filename)
	fmt.Fprintf(&body, "Content-Type: %s\r\n\r\n", mimeType)
	body.Write(img)
	body.WriteString("\r\n--" + boundary + "--\r\n")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/api/v1/files/", &body)
	if err != nil {
		return "", types.NewError(types.KindInvalidArgument, "请求构建失败").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	httpReq.ContentLength = int64(body.Len())

	resp, err := s.send(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", types.Errorf(types.KindServerError, "Zai 图片上传失败 (%d)", resp.StatusCode).
			WithHTTPStatus(resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.ID == "" {
		return "", types.NewError(types.KindServerError, "Zai 图片上传失败: 响应缺失ID")
	}
	return "/api/v1/files/" + out.ID + "/content/public", nil
}

func (s *zaiSession) handshake(ctx context.Context, req *types.APIRequest, files []string) (string, string, error) {
	msgID := uuid.NewString()
	model := req.Preset.Model
	now := s.adapter.now()

	message := map[string]any{
		"id":          msgID,
		"parentId":    nil,
		"childrenIds": []string{},
		"role":        "user",
		"content":     req.Config.Prompt,
		"timestamp":   now.Unix(),
		"models":      []string{model},
	}
	if len(files) > 0 {
		list := make([]map[string]string, 0, len(files))
		for _, f := range files {
			list = append(list, map[string]string{"type": "image", "url": f})
		}
		message["files"] = list
	}

	payload := map[string]any{
		"chat": map[string]any{
			"id":     "",
			"title":  "New Chat",
			"models": []string{model},
			"params": map[string]any{},
			"history": map[string]any{
				"messages":  map[string]any{msgID: message},
				"currentId": msgID,
			},
			"messages":  []any{message},
			"tags":      []string{},
			"timestamp": now.UnixMilli(),
		},
		"folder_id": nil,
	}

	httpReq, err := newJSONRequest(ctx, http.MethodPost, s.base+"/api/v1/chats/new", payload)
	if err != nil {
		return "", "", err
	}
	resp, err := s.send(httpReq)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readErrorMessage(resp.Body)
		s.adapter.logger.Error("zai handshake failed", zap.Int("status", resp.StatusCode), zap.String("body", msg))
		return "", "", types.Errorf(types.KindServerError, "Zai 建房失败 (%d)", resp.StatusCode).
			WithHTTPStatus(resp.StatusCode)
	}

	var out struct {
		ID   string `json:"id"`
		Chat struct {
			History struct {
				CurrentID string `json:"currentId"`
			} `json:"history"`
		} `json:"chat"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.ID == "" {
		return "", "", types.NewError(types.KindServerError, "Zai 建房失败: 响应缺失会话ID")
	}
	parent := out.Chat.History.CurrentID
	if parent == "" {
		parent = msgID
	}
	return out.ID, parent, nil
}

func (s *zaiSession) chat(ctx context.Context, req *types.APIRequest, chatID, parentID string, files []string) (*types.GenResult, error) {
	var parts []map[string]any
	if req.Config.Prompt != "" {
		parts = append(parts, map[string]any{"type": "text", "text": req.Config.Prompt})
	}
	for _, f := range files {
		parts = append(parts, map[string]any{"type": "image_url", "image_url": map[string]string{"url": f}})
	}
	messages := []map[string]any{{"role": "user", "content": parts}}

	payload := map[string]any{
		"chat_id":      chatID,
		"model":        req.Preset.Model,
		"messages":     messages,
		"stream":       true,
		"params":       map[string]any{},
		"image_size":   mapZaiSize(req.Config.ImageSize),
		"aspect_ratio": mapZaiAspect(req.Config.AspectRatio),
	}
	if req.Config.GIFMode {
		sid := make([]byte, 12)
		_, _ = rand.Read(sid)
		payload["id"] = uuid.NewString()
		payload["parent_id"] = parentID
		payload["session_id"] = base64.RawURLEncoding.EncodeToString(sid)
		payload["background_tasks"] = map[string]bool{
			"title_generation": true, "tags_generation": true, "follow_up_generation": true,
		}
		payload["features"] = map[string]bool{
			"voice": false, "image_generation": false, "code_interpreter": false, "web_search": false,
		}
		payload["tool_servers"] = []any{}
		payload["actions"] = []any{}
		payload["filters"] = []any{}
		payload["gifGeneration"] = true
	}

	httpReq, err := newJSONRequest(ctx, http.MethodPost, s.base+"/api/chat/completions", payload)
	if err != nil {
		return nil, err
	}
	resp, err := s.send(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if req.Config.GIFMode {
		// 提交即可，结果通过轮询会话历史获取
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		s.adapter.logger.Info("zai gif task submitted", zap.String("chat_id", chatID))
		return s.poll(ctx, req, chatID)
	}

	if resp.StatusCode != http.StatusOK {
		msg := readErrorMessage(resp.Body)
		s.adapter.logger.Error("zai chat failed", zap.Int("status", resp.StatusCode), zap.String("body", msg))
		return nil, types.Errorf(types.KindServerError, "Zai 生成失败 (%d)", resp.StatusCode).
			WithHTTPStatus(resp.StatusCode)
	}

	content, err := readChatStream(ctx, resp.Body)
	if err != nil {
		return nil, err
	}

	ref, ok := extractZaiMedia(content)
	if !ok {
		if len([]rune(content)) > 5 {
			return nil, types.Errorf(types.KindServerError, "未检测到图片链接，Zai 回复: %s...", truncate(content, 100))
		}
		return nil, types.NewError(types.KindServerError, "Zai 响应为空")
	}
	return s.download(ctx, req, ref, content)
}

func (s *zaiSession) download(ctx context.Context, req *types.APIRequest, ref, text string) (*types.GenResult, error) {
	if strings.HasPrefix(ref, "/") {
		ref = s.base + ref
	}
	data, err := s.adapter.transport.Fetch(ctx, ref, s.proxy)
	if err != nil {
		return nil, err
	}
	return &types.GenResult{
		Images:       [][]byte{data},
		Text:         text,
		Model:        req.Preset.Model,
		FinishReason: "success",
	}, nil
}

type zaiMessage struct {
	Role    string          `json:"role"`
	Content string          `json:"content"`
	Error   json.RawMessage `json:"error,omitempty"`
	Files   []struct {
		URL string `json:"url"`
	} `json:"files,omitempty"`
}

type zaiChatHistory struct {
	Chat struct {
		History struct {
			CurrentID string                `json:"currentId"`
			Messages  map[string]zaiMessage `json:"messages"`
		} `json:"history"`
		Messages []zaiMessage `json:"messages"`
	} `json:"chat"`
}

func (h *zaiChatHistory) last() zaiMessage {
	if m, ok := h.Chat.History.Messages[h.Chat.History.CurrentID]; ok && h.Chat.History.CurrentID != "" {
		return m
	}
	if n := len(h.Chat.Messages); n > 0 {
		return h.Chat.Messages[n-1]
	}
	return zaiMessage{}
}

// poll 轮询会话历史，直到助手消息里出现媒体链接
func (s *zaiSession) poll(ctx context.Context, req *types.APIRequest, chatID string) (*types.GenResult, error) {
	cfg := s.adapter.cfg
	var found string
	var text string

	err := retry.Poll(ctx, cfg.ZaiPollInterval, cfg.ZaiPollAttempts, func(attempt int) (bool, error) {
		endpoint := fmt.Sprintf("%s/api/v1/chats/%s?_t=%s", s.base, chatID, strconv.FormatInt(s.adapter.now().Unix(), 10))
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return false, types.NewError(types.KindInvalidArgument, "请求构建失败").WithCause(err)
		}
		httpReq.Header.Set("Cache-Control", "no-cache")

		resp, err := s.send(httpReq)
		if err != nil {
			if types.KindOf(err) == types.KindAuthFailed {
				return false, err
			}
			s.adapter.logger.Warn("zai poll error", zap.Int("attempt", attempt+1), zap.Error(err))
			return false, nil
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false, nil
		}

		var hist zaiChatHistory
		if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
			return false, nil
		}
		msg := hist.last()
		s.adapter.logger.Debug("zai poll",
			zap.Int("attempt", attempt+1),
			zap.String("role", msg.Role),
			zap.Int("content_len", len(msg.Content)))

		if msg.Role != "assistant" {
			return false, nil
		}
		if len(msg.Error) > 0 && string(msg.Error) != "null" {
			s.adapter.logger.Warn("zai task reported error", zap.ByteString("error", msg.Error))
			return false, nil
		}
		for _, f := range msg.Files {
			if f.URL != "" {
				found = f.URL
				break
			}
		}
		if found == "" {
			if u, ok := extractZaiMedia(msg.Content); ok {
				found = u
			} else if c := strings.TrimSpace(msg.Content); strings.HasPrefix(c, "http") {
				found = c
			}
		}
		text = msg.Content
		return found != "", nil
	})

	switch {
	case errors.Is(err, retry.ErrPollExhausted):
		return nil, types.NewError(types.KindServerError, "GIF 生成超时 (指针未更新或无结果)")
	case err != nil:
		if _, ok := types.AsError(err); ok {
			return nil, err
		}
		return nil, transportError(err)
	}
	return s.download(ctx, req, found, text)
}

// ListModels implements Adapter. zai 没有模型列表接口。
func (a *ZaiAdapter) ListModels(_ context.Context, _ *types.APIRequest) ([]string, error) {
	return []string{zaiDefaultModel}, nil
}
