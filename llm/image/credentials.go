package image

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/bananaflow/types"
	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredentials 表示凭证源中没有可用的凭证包
var ErrNoCredentials = errors.New("zai credentials not found")

// CredentialBundle 是 zai 凭证文件的结构
type CredentialBundle struct {
	PrivateKey  JWK             `json:"private_key"`
	Fingerprint json.RawMessage `json:"fingerprint"`
	Token       string          `json:"token"`
}

// CredentialSource 提供 zai 凭证包原文
type CredentialSource interface {
	// Load 返回凭证 JSON 与来源描述
	Load(ctx context.Context) ([]byte, string, error)
}

// FileCredentialSource 依次尝试多个路径，返回第一个可读的文件
type FileCredentialSource struct {
	Paths []string
}

// Load implements CredentialSource.
func (f FileCredentialSource) Load(_ context.Context) ([]byte, string, error) {
	var tried []string
	for _, p := range f.Paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			tried = append(tried, p)
			continue
		}
		return data, "file " + p, nil
	}
	return nil, "", fmt.Errorf("%w (tried: %s)", ErrNoCredentials, strings.Join(tried, ", "))
}

// StaticCredentialSource 返回固定的凭证内容
type StaticCredentialSource []byte

// Load implements CredentialSource.
func (s StaticCredentialSource) Load(_ context.Context) ([]byte, string, error) {
	if len(s) == 0 {
		return nil, "", ErrNoCredentials
	}
	return []byte(s), "static", nil
}

// credentialCache 按凭证内容的 SHA-256 缓存解析好的 Signer
type credentialCache struct {
	mu     sync.Mutex
	hash   [32]byte
	signer *Signer
	token  string
	now    func() time.Time
}

func newCredentialCache() *credentialCache {
	return &credentialCache{now: time.Now}
}

// looksLikeBundle 判断 API Key 本身是否就是凭证 JSON
func looksLikeBundle(key string) bool {
	k := strings.TrimSpace(key)
	return strings.HasPrefix(k, "{") && strings.Contains(k, `"private_key"`)
}

// resolve 优先使用 key 内嵌的凭证 JSON，其次是配置的凭证源
func (c *credentialCache) resolve(ctx context.Context, apiKey string, src CredentialSource) (*Signer, string, error) {
	var raw []byte
	if looksLikeBundle(apiKey) && json.Valid([]byte(strings.TrimSpace(apiKey))) {
		raw = []byte(strings.TrimSpace(apiKey))
	}
	if raw == nil && src != nil {
		data, _, err := src.Load(ctx)
		if err == nil {
			raw = data
		}
	}
	if raw == nil {
		return nil, "", types.NewError(types.KindAuthFailed,
			"未找到有效的 Zai 凭证，请提供凭证文件或在 Key 中直接填写凭证 JSON")
	}

	sum := sha256.Sum256(raw)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.signer == nil || c.hash != sum {
		var bundle CredentialBundle
		if err := json.Unmarshal(raw, &bundle); err != nil {
			return nil, "", types.NewError(types.KindAuthFailed, "凭证解析失败: "+err.Error()).WithCause(err)
		}
		if bundle.Token == "" {
			return nil, "", types.NewError(types.KindAuthFailed, "凭证缺少 token")
		}
		signer, err := NewSigner(bundle.PrivateKey, bundle.Fingerprint)
		if err != nil {
			return nil, "", types.NewError(types.KindAuthFailed, "凭证初始化失败: "+err.Error()).WithCause(err)
		}
		c.hash, c.signer, c.token = sum, signer, bundle.Token
	}

	if err := checkTokenExpiry(c.token, c.now()); err != nil {
		return nil, "", err
	}
	return c.signer, c.token, nil
}

// checkTokenExpiry 对 JWT 形态的 token 检查 exp，不验证签名
func checkTokenExpiry(token string, now time.Time) error {
	raw := strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if strings.Count(raw, ".") != 2 {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if now.After(exp.Time) {
		return types.Errorf(types.KindAuthFailed, "Zai token 已于 %s 过期，请重新生成凭证", exp.Time.Format(time.DateTime))
	}
	return nil
}
