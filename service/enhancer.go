package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/bananaflow/llm/image"
	"github.com/BaSui01/bananaflow/prompt"
	"go.uber.org/zap"
)

const (
	customSystemInstruction = "You are a helpful AI assistant for image generation. " +
		"Your task is to modify the User's original prompt according to their specific requirements. " +
		"Maintain the core subject of the original prompt unless asked to change it. "
	directOutputSuffix = " Directly output the final prompt without explanation."

	// CustomEnhancerPreset 表示使用自定义修改要求而非优化预设
	CustomEnhancerPreset = "Custom"
)

// EnhanceResult 是一次提示词优化的结果
type EnhanceResult struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	Preset string `json:"preset,omitempty"`
	// Applied 为 false 时 Prompt 是原始提示词
	Applied bool `json:"applied"`
}

// Enhancer 改写提示词。失败时返回原始提示词，不返回错误。
type Enhancer interface {
	Enhance(ctx context.Context, original, instruction string) EnhanceResult
}

// EnhancerConfig OpenAI 兼容的对话接口配置
type EnhancerConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Proxy   string
}

// ChatEnhancer 通过 /v1/chat/completions 改写提示词
type ChatEnhancer struct {
	cfg       EnhancerConfig
	transport *image.Transport
	book      func() *prompt.Book
	logger    *zap.Logger
}

// NewChatEnhancer creates an enhancer. book supplies optimizer presets.
func NewChatEnhancer(cfg EnhancerConfig, t *image.Transport, book func() *prompt.Book, logger *zap.Logger) *ChatEnhancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &ChatEnhancer{
		cfg:       cfg,
		transport: t,
		book:      book,
		logger:    logger.With(zap.String("component", "prompt_enhancer")),
	}
}

// Enabled reports whether an endpoint is configured.
func (e *ChatEnhancer) Enabled() bool {
	return e != nil && e.cfg.BaseURL != "" && e.cfg.Model != ""
}

// buildMessages 返回 system 指令、用户内容与使用的预设名
func (e *ChatEnhancer) buildMessages(original, instruction string) (string, string, string) {
	if instruction == "" {
		instruction = "default"
	}
	if e.book != nil {
		if sys, ok := e.book().Get(prompt.KindOptimizer, instruction); ok {
			return sys, "User Description: " + original + directOutputSuffix, instruction
		}
	}
	user := "Original Prompt: " + original + "\n" +
		"Modification Requirement: " + instruction + "\n" +
		"Refined Prompt:" + directOutputSuffix
	return customSystemInstruction, user, CustomEnhancerPreset
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Enhance implements Enhancer.
func (e *ChatEnhancer) Enhance(ctx context.Context, original, instruction string) EnhanceResult {
	fallback := EnhanceResult{Prompt: original}
	if !e.Enabled() {
		e.logger.Warn("提示词优化失败: 未配置优化模型")
		return fallback
	}

	system, user, presetName := e.buildMessages(original, instruction)
	content, model, err := e.chat(ctx, system, user)
	if err != nil {
		e.logger.Error("调用 LLM 进行提示词优化时出错", zap.Error(err))
		return fallback
	}

	content = cleanEnhancerOutput(content)
	if !usableEnhancerOutput(content) {
		e.logger.Warn("提示词优化失败: LLM 返回无效内容", zap.String("content", content))
		return fallback
	}

	e.logger.Info("提示词优化完成",
		zap.String("preset", presetName),
		zap.String("model", model),
		zap.Int("original_len", len(original)),
		zap.Int("enhanced_len", len(content)),
	)
	if model == "" {
		model = e.cfg.Model
	}
	return EnhanceResult{Prompt: content, Model: model, Preset: presetName, Applied: true}
}

func (e *ChatEnhancer) chat(ctx context.Context, system, user string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]any{
		"model": e.cfg.Model,
		"messages": []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		"stream": false,
	})
	if err != nil {
		return "", "", err
	}

	endpoint := chatEndpoint(e.cfg.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.transport.Do(req, e.cfg.Proxy)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("enhancer http %d: %s", resp.StatusCode, truncateRunes(string(body), 200))
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", "", fmt.Errorf("decode enhancer response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", out.Model, nil
	}
	return out.Choices[0].Message.Content, out.Model, nil
}

func chatEndpoint(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasSuffix(base, "/chat/completions"):
		return base
	case strings.HasSuffix(base, "/v1"):
		return base + "/chat/completions"
	default:
		return base + "/v1/chat/completions"
	}
}

// cleanEnhancerOutput 去掉代码块标记与首尾空白
func cleanEnhancerOutput(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		// 去掉语言标记所在的首行
		if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.Contains(s[:i], " ") {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func usableEnhancerOutput(s string) bool {
	if len([]rune(s)) < 2 {
		return false
	}
	// 很短且带 error 的回复通常是上游错误文本
	if len([]rune(s)) < 64 && strings.Contains(strings.ToLower(s), "error") {
		return false
	}
	return true
}
