package types

import (
	"strings"
	"time"
)

// BackendKind selects the wire protocol family of a preset.
type BackendKind string

const (
	BackendGoogle BackendKind = "google"
	BackendOpenAI BackendKind = "openai"
	BackendZai    BackendKind = "zai"
)

// ParseBackendKind 解析后端类型，大小写不敏感；未知返回 false
func ParseBackendKind(s string) (BackendKind, bool) {
	switch BackendKind(strings.ToLower(strings.TrimSpace(s))) {
	case BackendGoogle:
		return BackendGoogle, true
	case BackendOpenAI:
		return BackendOpenAI, true
	case BackendZai:
		return BackendZai, true
	}
	return "", false
}

// ConnectionPreset is a named backend configuration.
type ConnectionPreset struct {
	Name    string      `json:"name" yaml:"name"`
	Backend BackendKind `json:"backend" yaml:"backend"`
	BaseURL string      `json:"base_url" yaml:"base_url"`
	Model   string      `json:"model" yaml:"model"`
	// Stream 三态：nil 表示由后端自行决定
	Stream  *bool    `json:"stream,omitempty" yaml:"stream,omitempty"`
	APIKeys []string `json:"api_keys" yaml:"api_keys"`
}

// StreamOr returns the stream preference or def when unset.
func (p ConnectionPreset) StreamOr(def bool) bool {
	if p.Stream == nil {
		return def
	}
	return *p.Stream
}

// Clone returns a deep copy safe to hand across goroutines.
func (p ConnectionPreset) Clone() ConnectionPreset {
	out := p
	out.APIKeys = append([]string(nil), p.APIKeys...)
	if p.Stream != nil {
		v := *p.Stream
		out.Stream = &v
	}
	return out
}

// GenerationConfig holds per-request generation parameters.
type GenerationConfig struct {
	Prompt              string        `json:"prompt"`
	ImageSize           string        `json:"image_size"`
	AspectRatio         string        `json:"aspect_ratio"`
	Timeout             time.Duration `json:"timeout"`
	EnableSearch        bool          `json:"enable_search"`
	EnableThinking      bool          `json:"enable_thinking"`
	EnhancerInstruction string        `json:"enhancer_instruction,omitempty"`
	TargetUserID        string        `json:"target_user_id,omitempty"`
	GIFMode             bool          `json:"gif_mode,omitempty"`
}

const (
	DefaultImageSize   = "1K"
	DefaultAspectRatio = "default"
	DefaultTimeout     = 300 * time.Second
)

// WithDefaults fills unset fields.
func (c GenerationConfig) WithDefaults() GenerationConfig {
	if c.ImageSize == "" {
		c.ImageSize = DefaultImageSize
	}
	if c.AspectRatio == "" {
		c.AspectRatio = DefaultAspectRatio
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// APIRequest is the full input of one generation attempt.
// APIKey 在每次重试时由编排器重新赋值。
type APIRequest struct {
	APIKey string
	Preset ConnectionPreset
	Config GenerationConfig
	Images [][]byte
	Proxy  string
	Debug  bool
}

// GenResult is a successful generation output.
type GenResult struct {
	Images       [][]byte      `json:"-"`
	Text         string        `json:"text,omitempty"`
	Thoughts     string        `json:"thoughts,omitempty"`
	Model        string        `json:"model"`
	Elapsed      time.Duration `json:"elapsed"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Cost         int           `json:"cost"`
}
