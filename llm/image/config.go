package image

import (
	"fmt"
	"time"

	"github.com/BaSui01/bananaflow/types"
	"go.uber.org/zap"
)

// Config 汇总各适配器的默认端点和 zai 相关参数
type Config struct {
	GoogleBaseURL   string           `json:"google_base_url" yaml:"google_base_url"`
	OpenAIBaseURL   string           `json:"openai_base_url" yaml:"openai_base_url"`
	ZaiBaseURL      string           `json:"zai_base_url" yaml:"zai_base_url"`
	ZaiPollInterval time.Duration    `json:"zai_poll_interval" yaml:"zai_poll_interval"`
	ZaiPollAttempts int              `json:"zai_poll_attempts" yaml:"zai_poll_attempts"`
	Credentials     CredentialSource `json:"-" yaml:"-"`
}

// DefaultConfig returns the public upstream endpoints.
func DefaultConfig() Config {
	return Config{
		GoogleBaseURL:   "https://generativelanguage.googleapis.com",
		OpenAIBaseURL:   "https://api.openai.com",
		ZaiBaseURL:      "https://zai.is",
		ZaiPollInterval: 5 * time.Second,
		ZaiPollAttempts: 60,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.GoogleBaseURL == "" {
		c.GoogleBaseURL = def.GoogleBaseURL
	}
	if c.OpenAIBaseURL == "" {
		c.OpenAIBaseURL = def.OpenAIBaseURL
	}
	if c.ZaiBaseURL == "" {
		c.ZaiBaseURL = def.ZaiBaseURL
	}
	if c.ZaiPollInterval <= 0 {
		c.ZaiPollInterval = def.ZaiPollInterval
	}
	if c.ZaiPollAttempts <= 0 {
		c.ZaiPollAttempts = def.ZaiPollAttempts
	}
	return c
}

// NewAdapter 按后端类型构造适配器
func NewAdapter(kind types.BackendKind, t *Transport, cfg Config, logger *zap.Logger) (Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	switch kind {
	case types.BackendGoogle:
		return NewGoogleAdapter(t, cfg, logger), nil
	case types.BackendOpenAI:
		return NewOpenAIAdapter(t, cfg, logger), nil
	case types.BackendZai:
		return NewZaiAdapter(t, cfg, logger), nil
	default:
		return nil, types.NewError(types.KindInvalidArgument, fmt.Sprintf("不支持的后端类型: %q", kind))
	}
}
