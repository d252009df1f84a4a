package image

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// tinyPNG 只包含签名与一个伪 IHDR，足够 mimetype 识别
var tinyPNG = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

var tinyGIF = []byte("GIF89a\x01\x00\x01\x00\x80\x00\x00")

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	tr := NewTransport(zap.NewNop())
	t.Cleanup(tr.Close)
	return tr
}

func testConfig(base string) Config {
	cfg := DefaultConfig()
	cfg.GoogleBaseURL = base
	cfg.OpenAIBaseURL = base
	cfg.ZaiBaseURL = base
	return cfg
}

// writeSSE 按 data: 事件写出并刷新
func writeSSE(t *testing.T, w http.ResponseWriter, events ...string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, ok := w.(http.Flusher)
	require.True(t, ok)
	for _, e := range events {
		_, err := fmt.Fprintf(w, "data: %s\n\n", e)
		require.NoError(t, err)
		flusher.Flush()
	}
}

func servePNG(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(tinyPNG)
}

func boolPtr(b bool) *bool { return &b }

func newServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}
