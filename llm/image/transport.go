package image

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/BaSui01/bananaflow/internal/tlsutil"
	"github.com/BaSui01/bananaflow/types"
	"go.uber.org/zap"
)

// ErrTransportClosed is returned when a closed Transport is used.
var ErrTransportClosed = errors.New("image: transport closed")

// DefaultConnectTimeout 建连超时；总超时由每次调用的 context 决定
const DefaultConnectTimeout = 15 * time.Second

// Transport 是所有适配器共享的 HTTP 句柄，按代理地址缓存 client。
//
// 引用计数：NewTransport 返回时持有 1 个引用，Retain/Release 增减，
// 归零时关闭空闲连接。Close 强制关闭且只生效一次。
type Transport struct {
	mu      sync.Mutex
	refs    int
	closed  bool
	clients map[string]*http.Client
	base    *http.Transport
	logger  *zap.Logger
}

// NewTransport creates a shared transport holding one reference.
func NewTransport(logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		refs:    1,
		clients: make(map[string]*http.Client),
		base:    tlsutil.ClientTransport(DefaultConnectTimeout),
		logger:  logger.With(zap.String("component", "image_transport")),
	}
}

// Retain adds a reference; it fails once the transport is closed.
func (t *Transport) Retain() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.refs++
	return true
}

// Release drops a reference and closes the transport at zero.
func (t *Transport) Release() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.refs--
	last := t.refs <= 0
	t.mu.Unlock()
	if last {
		t.Close()
	}
}

// Close closes idle connections once; later calls are no-ops.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	clients := t.clients
	t.clients = nil
	t.mu.Unlock()

	t.base.CloseIdleConnections()
	for _, c := range clients {
		c.CloseIdleConnections()
	}
	t.logger.Debug("transport closed")
}

// Closed reports whether Close has run.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Client returns the client for proxy ("" for direct).
func (t *Transport) Client(proxy string) (*http.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	if c, ok := t.clients[proxy]; ok {
		return c, nil
	}

	rt := t.base
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", proxy, err)
		}
		rt = t.base.Clone()
		rt.Proxy = http.ProxyURL(u)
	}
	c := &http.Client{Transport: rt}
	t.clients[proxy] = c
	return c, nil
}

// Do sends req through the client for proxy.
func (t *Transport) Do(req *http.Request, proxy string) (*http.Response, error) {
	c, err := t.Client(proxy)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// =============================================================================
// 🔧 请求辅助
// =============================================================================

func newJSONRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, types.NewError(types.KindInvalidArgument, "请求构建失败: "+err.Error()).WithCause(err)
		}
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return nil, types.NewError(types.KindInvalidArgument, "请求构建失败: "+err.Error()).WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// transportError 把网络层错误转换成统一错误值
func transportError(err error) error {
	if errors.Is(err, ErrTransportClosed) {
		return types.NewError(types.KindServerError, "HTTP 连接已关闭").WithCause(err)
	}
	e, _ := types.Classify(err)
	return e
}

// readErrorMessage 读取响应体中的错误消息
// 尝试解析 {"error":{"message":..}}，失败则回退到原始文本（截断 200）
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64*1024))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Status != "" {
			return fmt.Sprintf("(%s): %s", errResp.Error.Status, errResp.Error.Message)
		}
		return errResp.Error.Message
	}
	return truncate(string(data), 200)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// withTimeout 为一次上游调用加上总超时
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = types.DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}
