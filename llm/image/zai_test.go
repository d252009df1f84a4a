package image

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/bananaflow/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testJWK(t *testing.T) (JWK, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pad := func(b []byte) []byte {
		out := make([]byte, 32)
		copy(out[32-len(b):], b)
		return out
	}
	return JWK{
		Crv: "P-256",
		Kty: "EC",
		D:   b64url.EncodeToString(pad(key.D.Bytes())),
		X:   b64url.EncodeToString(pad(key.X.Bytes())),
		Y:   b64url.EncodeToString(pad(key.Y.Bytes())),
	}, key
}

func testBundle(t *testing.T, token string) []byte {
	t.Helper()
	jwk, _ := testJWK(t)
	raw, err := json.Marshal(CredentialBundle{
		PrivateKey:  jwk,
		Fingerprint: json.RawMessage(`{"ua":"test","screen":{"w":1920,"h":1080}}`),
		Token:       token,
	})
	require.NoError(t, err)
	return raw
}

func TestSigner_HeaderVerifies(t *testing.T) {
	jwk, key := testJWK(t)
	s, err := NewSigner(jwk, json.RawMessage(`{"b":2,"a":1}`))
	require.NoError(t, err)
	s.now = func() time.Time { return time.UnixMilli(1700000000123) }

	header, err := s.Header()
	require.NoError(t, err)
	assert.NotContains(t, header, "=")

	ok, err := verifyHeader(&key.PublicKey, header)
	require.NoError(t, err)
	assert.True(t, ok)

	raw, err := base64.RawURLEncoding.DecodeString(header)
	require.NoError(t, err)
	// 键按字典序、指纹内部同样排序
	assert.True(t, strings.HasPrefix(string(raw), `{"fp":{"a":1,"b":2},"nonce":"`), string(raw))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Len(t, payload["nonce"], 64)
	assert.EqualValues(t, 1700000000123, payload["ts"])
	assert.EqualValues(t, 1, payload["v"])
	pk := payload["pk"].(map[string]any)
	assert.Equal(t, jwk.X, pk["x"])
	assert.Equal(t, "EC", pk["kty"])

	sig, err := base64.RawURLEncoding.DecodeString(payload["sig"].(string))
	require.NoError(t, err)
	assert.Len(t, sig, 64)
}

func TestCanonicalJSON_EscapesNonASCII(t *testing.T) {
	b, err := canonicalJSON(map[string]any{"b": "a,b:c", "a": "中文🍌", "c": []int{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"\u4e2d\u6587\ud83c\udf4c","b":"a,b:c","c":[1,2]}`, string(b))

	b, err = canonicalJSON(map[string]any{"q": `say "hi", <ok>`})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"say \"hi\", <ok>"}`, string(b))
}

func TestSigner_FingerprintKeepsKeyOrder(t *testing.T) {
	jwk, key := testJWK(t)
	s, err := NewSigner(jwk, json.RawMessage(`{"ua":"Mozilla/5.0","lang":"zh-CN,中文","tz": -480}`))
	require.NoError(t, err)
	assert.Equal(t, `{"ua": "Mozilla/5.0", "lang": "zh-CN,\u4e2d\u6587", "tz": -480}`, s.Fingerprint())

	header, err := s.Header()
	require.NoError(t, err)
	ok, err := verifyHeader(&key.PublicKey, header)
	require.NoError(t, err)
	assert.True(t, ok)

	raw, err := base64.RawURLEncoding.DecodeString(header)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), `{"fp":{"lang":"zh-CN,\u4e2d\u6587","tz":-480,"ua":"Mozilla/5.0"},`), string(raw))

	bare, err := NewSigner(jwk, nil)
	require.NoError(t, err)
	assert.Equal(t, "null", bare.Fingerprint())
}

func TestSigner_RejectsBadKey(t *testing.T) {
	jwk, _ := testJWK(t)
	jwk.X = jwk.Y
	_, err := NewSigner(jwk, nil)
	assert.Error(t, err)

	_, err = NewSigner(JWK{D: "!!", X: "a", Y: "b"}, nil)
	assert.Error(t, err)
}

func TestCredentialCache_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		c := newCredentialCache()
		_, _, err := c.resolve(ctx, "plain-key", nil)
		assert.Equal(t, types.KindAuthFailed, types.KindOf(err))
	})

	t.Run("key json wins over source", func(t *testing.T) {
		c := newCredentialCache()
		inline := testBundle(t, "inline-token")
		_, token, err := c.resolve(ctx, string(inline), StaticCredentialSource(testBundle(t, "file-token")))
		require.NoError(t, err)
		assert.Equal(t, "inline-token", token)
	})

	t.Run("source used and cached", func(t *testing.T) {
		c := newCredentialCache()
		src := StaticCredentialSource(testBundle(t, "file-token"))
		s1, token, err := c.resolve(ctx, "ignored", src)
		require.NoError(t, err)
		assert.Equal(t, "file-token", token)
		s2, _, err := c.resolve(ctx, "ignored", src)
		require.NoError(t, err)
		assert.Same(t, s1, s2)
	})

	t.Run("expired jwt token", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"exp": time.Now().Add(-time.Hour).Unix(),
		}).SignedString([]byte("secret"))
		require.NoError(t, err)

		c := newCredentialCache()
		_, _, err = c.resolve(ctx, "", StaticCredentialSource(testBundle(t, "Bearer "+tok)))
		require.Error(t, err)
		assert.Equal(t, types.KindAuthFailed, types.KindOf(err))
		assert.Contains(t, err.Error(), "过期")
	})

	t.Run("file source reports tried paths", func(t *testing.T) {
		_, _, err := FileCredentialSource{Paths: []string{"/nonexistent/zai.json"}}.Load(ctx)
		assert.ErrorIs(t, err, ErrNoCredentials)
		assert.Contains(t, err.Error(), "/nonexistent/zai.json")
	})
}

func TestZaiMappings(t *testing.T) {
	assert.Equal(t, "4K", mapZaiSize("4k"))
	assert.Equal(t, "2K", mapZaiSize("2K"))
	assert.Equal(t, "1K", mapZaiSize("whatever"))
	assert.Equal(t, "16:9", mapZaiAspect("16:9"))
	assert.Equal(t, "dynamic", mapZaiAspect("default"))
	assert.Equal(t, "dynamic", mapZaiAspect("7:3"))
}

func zaiRequest(bundle []byte) *types.APIRequest {
	return &types.APIRequest{
		APIKey: string(bundle),
		Preset: types.ConnectionPreset{Name: "z", Backend: types.BackendZai, Model: zaiDefaultModel},
		Config: types.GenerationConfig{Prompt: "a fox", ImageSize: "2K", AspectRatio: "1:1"}.WithDefaults(),
	}
}

func assertSigned(t *testing.T, r *http.Request) {
	assert.Equal(t, "tok", r.Header.Get("Authorization"))
	assert.NotEmpty(t, r.Header.Get("x-zai-darkknight"))
	assert.Equal(t, `{"ua": "test", "screen": {"w": 1920, "h": 1080}}`, r.Header.Get("x-zai-fp"))
	assert.Equal(t, browserUserAgent, r.Header.Get("User-Agent"))
}

func TestZaiAdapter_GenerateStream(t *testing.T) {
	var chatPayload map[string]any
	var uploaded []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/files/", func(w http.ResponseWriter, r *http.Request) {
		assertSigned(t, r)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, `{"public_access":true,"source":"base64_conversion"}`, r.FormValue("metadata"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		uploaded, _ = io.ReadAll(f)
		assert.True(t, strings.HasSuffix(hdr.Filename, ".png"))
		_, _ = w.Write([]byte(`{"id":"file-1"}`))
	})
	mux.HandleFunc("/api/v1/chats/new", func(w http.ResponseWriter, r *http.Request) {
		assertSigned(t, r)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		chat := body["chat"].(map[string]any)
		msgs := chat["messages"].([]any)
		files := msgs[0].(map[string]any)["files"].([]any)
		assert.Equal(t, "/api/v1/files/file-1/content/public", files[0].(map[string]any)["url"])
		_, _ = w.Write([]byte(`{"id":"chat-1","chat":{"history":{"currentId":"m-2"}}}`))
	})
	mux.HandleFunc("/api/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		assertSigned(t, r)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&chatPayload))
		writeSSE(t, w,
			`{"choices":[{"delta":{"content":"Here: ![r](/media/"}}]}`,
			`{"choices":[{"delta":{"content":"out.png)"}}]}`,
			`[DONE]`,
		)
	})
	mux.HandleFunc("/media/out.png", servePNG)
	srv := newServer(t, mux)

	a := NewZaiAdapter(newTestTransport(t), testConfig(srv.URL), zap.NewNop())
	req := zaiRequest(testBundle(t, "tok"))
	req.Images = [][]byte{tinyPNG}

	res, err := a.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, tinyPNG, res.Images[0])
	assert.Equal(t, tinyPNG, uploaded)
	assert.Equal(t, "chat-1", chatPayload["chat_id"])
	assert.Equal(t, "2K", chatPayload["image_size"])
	assert.Equal(t, "1:1", chatPayload["aspect_ratio"])
	assert.Equal(t, true, chatPayload["stream"])
	assert.NotContains(t, chatPayload, "gifGeneration")
}

func TestZaiAdapter_GenerateAbsoluteURL(t *testing.T) {
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("/api/v1/chats/new", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"chat-9"}`))
	})
	mux.HandleFunc("/api/chat/completions", func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(t, w, `{"choices":[{"delta":{"content":"![r](`+base+`/media/out.png)"}}]}`, `[DONE]`)
	})
	mux.HandleFunc("/media/out.png", servePNG)
	srv := newServer(t, mux)
	base = srv.URL

	a := NewZaiAdapter(newTestTransport(t), testConfig(srv.URL), zap.NewNop())
	res, err := a.Generate(context.Background(), zaiRequest(testBundle(t, "tok")))
	require.NoError(t, err)
	assert.Equal(t, tinyPNG, res.Images[0])
	assert.Equal(t, zaiDefaultModel, res.Model)
}

func TestZaiAdapter_ChatErrors(t *testing.T) {
	t.Run("handshake status", func(t *testing.T) {
		srv := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		a := NewZaiAdapter(newTestTransport(t), testConfig(srv.URL), zap.NewNop())
		_, err := a.Generate(context.Background(), zaiRequest(testBundle(t, "tok")))
		e, ok := types.AsError(err)
		require.True(t, ok)
		assert.Equal(t, "Zai 建房失败 (403)", e.Message)
		assert.Equal(t, http.StatusForbidden, e.HTTPStatus)
	})

	t.Run("empty reply", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/v1/chats/new", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"id":"c"}`))
		})
		mux.HandleFunc("/api/chat/completions", func(w http.ResponseWriter, _ *http.Request) {
			writeSSE(t, w, `[DONE]`)
		})
		srv := newServer(t, mux)
		a := NewZaiAdapter(newTestTransport(t), testConfig(srv.URL), zap.NewNop())
		_, err := a.Generate(context.Background(), zaiRequest(testBundle(t, "tok")))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Zai 响应为空")
	})

	t.Run("missing credentials", func(t *testing.T) {
		a := NewZaiAdapter(newTestTransport(t), testConfig("http://127.0.0.1:1"), zap.NewNop())
		_, err := a.Generate(context.Background(), zaiRequest([]byte("sk-plain")))
		assert.Equal(t, types.KindAuthFailed, types.KindOf(err))
		assert.Equal(t, []types.ErrorKind{types.KindAuthFailed}, a.NonRetryable())
	})
}

func TestZaiAdapter_GIFPolling(t *testing.T) {
	var polls atomic.Int32
	var chatPayload map[string]any
	var base string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chats/new", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"gif-chat","chat":{"history":{"currentId":"p"}}}`))
	})
	mux.HandleFunc("/api/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&chatPayload))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/chats/gif-chat", func(w http.ResponseWriter, r *http.Request) {
		assertSigned(t, r)
		assert.Equal(t, "no-cache", r.Header.Get("Cache-Control"))
		switch polls.Add(1) {
		case 1:
			_, _ = w.Write([]byte(`{"chat":{"history":{"currentId":"u","messages":{"u":{"role":"user","content":"a fox"}}}}}`))
		case 2:
			_, _ = w.Write([]byte(`{"chat":{"history":{"currentId":"a","messages":{"a":{"role":"assistant","content":"","error":{"msg":"busy"}}}}}}`))
		default:
			_, _ = w.Write([]byte(`{"chat":{"history":{"currentId":"a","messages":{"a":{"role":"assistant","content":"done","files":[{"url":"` + base + `/media/anim.gif"}]}}}}}`))
		}
	})
	mux.HandleFunc("/media/anim.gif", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(tinyGIF)
	})
	srv := newServer(t, mux)
	base = srv.URL

	cfg := testConfig(srv.URL)
	cfg.ZaiPollInterval = time.Millisecond
	cfg.ZaiPollAttempts = 5
	a := NewZaiAdapter(newTestTransport(t), cfg, zap.NewNop())

	req := zaiRequest(testBundle(t, "tok"))
	req.Config.GIFMode = true
	res, err := a.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, tinyGIF, res.Images[0])
	assert.EqualValues(t, 3, polls.Load())
	assert.Equal(t, true, chatPayload["gifGeneration"])
	assert.Equal(t, "p", chatPayload["parent_id"])
}

func TestZaiAdapter_GIFPollingExhausted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chats/new", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"g"}`))
	})
	mux.HandleFunc("/api/chat/completions", func(w http.ResponseWriter, _ *http.Request) {})
	mux.HandleFunc("/api/v1/chats/g", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := newServer(t, mux)

	cfg := testConfig(srv.URL)
	cfg.ZaiPollInterval = time.Millisecond
	cfg.ZaiPollAttempts = 2
	a := NewZaiAdapter(newTestTransport(t), cfg, zap.NewNop())

	req := zaiRequest(testBundle(t, "tok"))
	req.Config.GIFMode = true
	_, err := a.Generate(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GIF 生成超时")
}

func TestZaiAdapter_ListModels(t *testing.T) {
	a := NewZaiAdapter(newTestTransport(t), DefaultConfig(), zap.NewNop())
	models, err := a.ListModels(context.Background(), &types.APIRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{zaiDefaultModel}, models)
}
