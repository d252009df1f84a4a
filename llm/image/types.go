package image

import (
	"context"
	"strings"

	"github.com/BaSui01/bananaflow/types"
)

// Adapter 是单个后端协议族的实现，按 BackendKind 选择并缓存。
type Adapter interface {
	// Kind 返回后端类型
	Kind() types.BackendKind

	// Generate 执行一次生成；失败返回 *types.Error
	Generate(ctx context.Context, req *types.APIRequest) (*types.GenResult, error)

	// ListModels 列出可用于生图的模型
	ListModels(ctx context.Context, req *types.APIRequest) ([]string, error)
}

// RetryOverrider 由需要额外禁止重试的适配器实现
type RetryOverrider interface {
	NonRetryable() []types.ErrorKind
}

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// isProImageModel 判断是否为支持 imageSize 的 pro 图像模型
func isProImageModel(lowerModel string) bool {
	return containsAny(lowerModel, "pro") && containsAny(lowerModel, "image", "banana")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
