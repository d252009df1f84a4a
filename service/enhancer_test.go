package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BaSui01/bananaflow/llm/image"
	"github.com/BaSui01/bananaflow/prompt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type capturedChat struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

func newEnhancerServer(t *testing.T, reply string, status int, seen *capturedChat) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o-2026",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": reply}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestEnhancer(t *testing.T, baseURL string) *ChatEnhancer {
	t.Helper()
	tr := image.NewTransport(nil)
	t.Cleanup(tr.Close)
	book := prompt.NewBook(nil, map[string]string{"anime": "Rewrite in anime style."})
	return NewChatEnhancer(EnhancerConfig{BaseURL: baseURL, APIKey: "sk-test", Model: "gpt-4o"}, tr,
		func() *prompt.Book { return book }, zaptest.NewLogger(t))
}

func TestChatEnhancer_OptimizerPreset(t *testing.T) {
	var seen capturedChat
	srv := newEnhancerServer(t, "```text\nan anime cat, vivid colors\n```", http.StatusOK, &seen)
	e := newTestEnhancer(t, srv.URL)

	res := e.Enhance(context.Background(), "a cat", "anime")
	assert.True(t, res.Applied)
	assert.Equal(t, "an anime cat, vivid colors", res.Prompt)
	assert.Equal(t, "gpt-4o-2026", res.Model)
	assert.Equal(t, "anime", res.Preset)

	require.Len(t, seen.Messages, 2)
	assert.Equal(t, "Rewrite in anime style.", seen.Messages[0].Content)
	assert.Equal(t, "User Description: a cat"+directOutputSuffix, seen.Messages[1].Content)
	assert.Equal(t, "gpt-4o", seen.Model)
}

func TestChatEnhancer_CustomRequirement(t *testing.T) {
	var seen capturedChat
	srv := newEnhancerServer(t, "a cat wearing a hat", http.StatusOK, &seen)
	e := newTestEnhancer(t, srv.URL+"/v1")

	res := e.Enhance(context.Background(), "a cat", "add a hat")
	assert.True(t, res.Applied)
	assert.Equal(t, CustomEnhancerPreset, res.Preset)
	assert.Equal(t, customSystemInstruction, seen.Messages[0].Content)
	assert.Contains(t, seen.Messages[1].Content, "Modification Requirement: add a hat\nRefined Prompt:")
}

func TestChatEnhancer_FallsBack(t *testing.T) {
	cases := []struct {
		name   string
		reply  string
		status int
	}{
		{"http error", "irrelevant", http.StatusInternalServerError},
		{"empty", "   ", http.StatusOK},
		{"too short", "x", http.StatusOK},
		{"error text", "Error: model overloaded", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newEnhancerServer(t, tc.reply, tc.status, nil)
			e := newTestEnhancer(t, srv.URL)
			res := e.Enhance(context.Background(), "a cat", "default")
			assert.False(t, res.Applied)
			assert.Equal(t, "a cat", res.Prompt)
		})
	}
}

func TestChatEnhancer_Disabled(t *testing.T) {
	e := NewChatEnhancer(EnhancerConfig{}, image.NewTransport(nil), nil, nil)
	assert.False(t, e.Enabled())
	assert.Equal(t, EnhanceResult{Prompt: "p"}, e.Enhance(context.Background(), "p", "default"))
}

func TestChatEndpoint(t *testing.T) {
	assert.Equal(t, "https://x/v1/chat/completions", chatEndpoint("https://x"))
	assert.Equal(t, "https://x/v1/chat/completions", chatEndpoint("https://x/v1/"))
	assert.Equal(t, "https://x/api/chat/completions", chatEndpoint("https://x/api/chat/completions"))
}
