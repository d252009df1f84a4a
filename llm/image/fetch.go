package image

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BaSui01/bananaflow/types"
)

// MaxImageBytes 单张图片下载上限
const MaxImageBytes = 32 << 20

// Fetch 下载 URL 或解码 data URI / base64，返回原始字节
func (t *Transport) Fetch(ctx context.Context, ref, proxy string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, types.NewError(types.KindServerError, "图片地址为空")
	}

	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		clean := strings.Join(strings.Fields(ref), "")
		if b, ok := DecodeBase64(clean); ok {
			return b, nil
		}
		return nil, types.NewError(types.KindServerError, "图片数据解码失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, types.NewError(types.KindServerError, "图片地址无效: "+err.Error()).WithCause(err)
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := t.Do(req, proxy)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.Errorf(types.KindServerError, "图片下载失败 (HTTP %d)", resp.StatusCode).
			WithHTTPStatus(resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return nil, transportError(err)
	}
	if len(data) > MaxImageBytes {
		return nil, types.NewError(types.KindServerError, fmt.Sprintf("图片超过 %d MB", MaxImageBytes>>20))
	}
	if len(data) == 0 {
		return nil, types.NewError(types.KindServerError, "图片内容为空")
	}
	return data, nil
}
