package image

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/BaSui01/bananaflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openAIRequest(base, model string) *types.APIRequest {
	return &types.APIRequest{
		APIKey: "sk-test",
		Preset: types.ConnectionPreset{Name: "o", Backend: types.BackendOpenAI, BaseURL: base, Model: model},
		Config: types.GenerationConfig{Prompt: "a dog"}.WithDefaults(),
	}
}

func TestResolveEndpoint(t *testing.T) {
	const def = "https://api.openai.com"
	tests := []struct {
		base  string
		route openAIRoute
		want  string
	}{
		{"", routeChat, "https://api.openai.com/v1/chat/completions"},
		{"", routeGenerations, "https://api.openai.com/v1/images/generations"},
		{"https://x.io", routeChat, "https://x.io/v1/chat/completions"},
		{"https://x.io/v1", routeChat, "https://x.io/v1/chat/completions"},
		{"https://x.io/v1beta/", routeChat, "https://x.io/v1beta/chat/completions"},
		{"https://x.io/v1", routeGenerations, "https://x.io/v1/images/generations"},
		{"https://x.io/v1/models", routeGenerations, "https://x.io/v1/images/generations"},
		{"https://x.io/v1/chat/completions", routeChat, "https://x.io/v1/chat/completions"},
		{"https://x.io/v1/chat/completions", routeGenerations, "https://x.io/v1/images/generations"},
		{"https://x.io/v1/images/generations", routeChat, "https://x.io/v1/chat/completions"},
		{"https://x.io/v1/images/generations", routeEdits, "https://x.io/v1/images/edits"},
		{"https://x.io", routeEdits, "https://x.io/v1/images/edits"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resolveEndpoint(tt.base, def, tt.route), "%s %s", tt.base, tt.route)
	}
}

func TestMapImagesSize(t *testing.T) {
	tests := []struct{ size, model, want string }{
		{"2K", "dall-e-3", "1792x1024"},
		{"1K", "dall-e-3", "1024x1024"},
		{"512", "dall-e-2", "512x512"},
		{"256", "dall-e-2", "256x256"},
		{"4K", "dall-e-2", "1024x1024"},
		{"2K", "flux-pro", "2048x2048"},
		{"1k", "flux-pro", "1024x1024"},
		{"768", "sdxl", "768x768"},
		{"512", "sdxl", "512x512"},
		{"4K", "sdxl", "1024x1024"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapImagesSize(tt.size, tt.model), "%s/%s", tt.size, tt.model)
	}
}

func TestChooseRoute(t *testing.T) {
	assert.Equal(t, routeChat, chooseRoute(types.ConnectionPreset{Model: "gpt-4o"}, 0))
	assert.Equal(t, routeGenerations, chooseRoute(types.ConnectionPreset{Model: "dall-e-3"}, 0))
	assert.Equal(t, routeChat, chooseRoute(types.ConnectionPreset{Model: "dall-e-3", BaseURL: "https://x/v1/chat/completions"}, 0))
	assert.Equal(t, routeGenerations, chooseRoute(types.ConnectionPreset{Model: "flux", BaseURL: "https://x/v1/images/generations"}, 0))
	assert.Equal(t, routeEdits, chooseRoute(types.ConnectionPreset{Model: "flux", BaseURL: "https://x/v1/images/generations"}, 1))
}

func TestOpenAIAdapter_ChatMarkdownImage(t *testing.T) {
	var payload map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/img.png", servePNG)
	var base string
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{
				"role": "assistant", "content": "done ![img](" + base + "/img.png)",
			}}},
		})
	})
	srv := newServer(t, mux)
	base = srv.URL

	a := NewOpenAIAdapter(newTestTransport(t), testConfig(srv.URL), zap.NewNop())
	req := openAIRequest(srv.URL, "gpt-4o-image")
	req.Images = [][]byte{tinyPNG}

	res, err := a.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{tinyPNG}, res.Images)

	assert.Equal(t, false, payload["stream"])
	assert.EqualValues(t, 2048, payload["max_tokens"])
	msgs := payload["messages"].([]any)
	content := msgs[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	imgURL := content[1].(map[string]any)["image_url"].(map[string]any)["url"].(string)
	assert.True(t, strings.HasPrefix(imgURL, "data:image/png;base64,"))
}

func TestBuildChatPayload_ProImageModel(t *testing.T) {
	req := openAIRequest("", "gemini-3-pro-image-preview")
	req.Config.ImageSize = "4K"
	req.Config.AspectRatio = "3:4"

	p := buildChatPayload(req, true)
	assert.Equal(t, []string{"image", "text"}, p["modalities"])
	assert.NotContains(t, p, "max_tokens")
	ic := p["generationConfig"].(map[string]any)["imageConfig"].(map[string]string)
	assert.Equal(t, "4K", ic["imageSize"])
	assert.Equal(t, "3:4", ic["aspectRatio"])
}

func TestOpenAIAdapter_ChatStream(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(t, w,
			`{"choices":[{"delta":{"content":"![x](data:image/png;base64,"}}]}`,
			`{"choices":[{"delta":{"content":"`+b64(tinyPNG)+`)"}}]}`,
			`[DONE]`,
		)
	})
	srv := newServer(t, mux)

	a := NewOpenAIAdapter(newTestTransport(t), testConfig(srv.URL), zap.NewNop())
	req := openAIRequest(srv.URL+"/v1", "gpt-4o")
	req.Preset.Stream = boolPtr(true)

	res, err := a.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, tinyPNG, res.Images[0])
}

func TestOpenAIAdapter_NoImage(t *testing.T) {
	srv := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"I cannot draw that"}}]}`))
	}))
	a := NewOpenAIAdapter(newTestTransport(t), testConfig(srv.URL), zap.NewNop())

	_, err := a.Generate(context.Background(), openAIRequest(srv.URL, "gpt-4o"))
	require.Error(t, err)
	assert.Equal(t, types.KindServerError, types.KindOf(err))
	assert.Contains(t, err.Error(), "API返回数据结构异常，无法提取图片")
	assert.Contains(t, err.Error(), "I cannot draw that")
}

func TestOpenAIAdapter_ResponseFormatFallback(t *testing.T) {
	var calls atomic.Int32
	var formats []string
	srv := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generations", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		formats = append(formats, body["response_format"].(string))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"response_format b64_json is not supported"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"b64_json":"` + b64(tinyPNG) + `"}]}`))
	}))
	a := NewOpenAIAdapter(newTestTransport(t), testConfig(srv.URL), zap.NewNop())

	res, err := a.Generate(context.Background(), openAIRequest(srv.URL, "dall-e-3"))
	require.NoError(t, err)
	assert.Equal(t, tinyPNG, res.Images[0])
	assert.Equal(t, []string{"b64_json", "url"}, formats)
}

func TestIsResponseFormatError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"400 keyword", types.NewError(types.KindServerError, "HTTP 400: b64_json is not supported").WithHTTPStatus(400), true},
		{"422 keyword", types.NewError(types.KindServerError, "HTTP 422: unknown parameter response_format").WithHTTPStatus(422), true},
		{"500 keyword", types.NewError(types.KindServerError, "HTTP 500: upstream model not supported").WithHTTPStatus(500), false},
		{"400 unrelated", types.NewError(types.KindServerError, "HTTP 400: prompt too long").WithHTTPStatus(400), false},
		{"no status", types.NewError(types.KindServerError, "response_format not supported"), false},
		{"foreign", errors.New("response_format not supported"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isResponseFormatError(tt.err))
		})
	}
}

func TestOpenAIAdapter_ServerErrorSkipsFormatFallback(t *testing.T) {
	var formats []string
	srv := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		formats = append(formats, body["response_format"].(string))
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"model dall-e-3 is not supported in this region"}}`))
	}))
	a := NewOpenAIAdapter(newTestTransport(t), testConfig(srv.URL), zap.NewNop())

	_, err := a.Generate(context.Background(), openAIRequest(srv.URL, "dall-e-3"))
	require.Error(t, err)
	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusInternalServerError, e.HTTPStatus)
	assert.Equal(t, []string{"b64_json"}, formats)
}

func TestOpenAIAdapter_EditsFallbackToGenerations(t *testing.T) {
	var editsHit, genHit atomic.Int32
	var genBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/images/edits", func(w http.ResponseWriter, r *http.Request) {
		editsHit.Add(1)
		assert.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "a dog", r.FormValue("prompt"))
		f, hdr, err := r.FormFile("image")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, tinyPNG, data)
		assert.Equal(t, "image/png", hdr.Header.Get("Content-Type"))
		http.NotFound(w, r)
	})
	mux.HandleFunc("/v1/images/generations", func(w http.ResponseWriter, r *http.Request) {
		genHit.Add(1)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&genBody))
		_, _ = w.Write([]byte(`{"data":[{"image":"` + b64(tinyPNG) + `"}]}`))
	})
	srv := newServer(t, mux)

	a := NewOpenAIAdapter(newTestTransport(t), testConfig(srv.URL), zap.NewNop())
	req := openAIRequest(srv.URL+"/v1/images/generations", "flux-kontext")
	req.Images = [][]byte{tinyPNG}

	res, err := a.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, tinyPNG, res.Images[0])
	assert.EqualValues(t, 1, editsHit.Load())
	assert.EqualValues(t, 1, genHit.Load())
	assert.True(t, strings.HasPrefix(genBody["image"].(string), "data:image/png;base64,"))
}

func TestOpenAIAdapter_HTTPError(t *testing.T) {
	srv := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	a := NewOpenAIAdapter(newTestTransport(t), testConfig(srv.URL), zap.NewNop())

	_, err := a.Generate(context.Background(), openAIRequest(srv.URL, "gpt-4o"))
	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, e.HTTPStatus)
	assert.Equal(t, "HTTP 429: slow down", e.Message)
	classified, _ := types.Classify(err)
	assert.Equal(t, types.KindRateLimit, classified.Kind)
}

func TestOpenAIAdapter_ListModels(t *testing.T) {
	srv := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-4o"},{"id":"flux-pro"},{"id":"dall-e-3"},{"id":"text-embedding-3"}]}`))
	}))
	a := NewOpenAIAdapter(newTestTransport(t), testConfig(srv.URL), zap.NewNop())

	models, err := a.ListModels(context.Background(), openAIRequest(srv.URL+"/v1/chat/completions", "x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"dall-e-3", "flux-pro"}, models)
}
