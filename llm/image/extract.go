package image

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	reMarkdownImage = regexp.MustCompile(`!\[.*?\]\((https?://[^\)]+)\)`)
	reMarkdownLink  = regexp.MustCompile(`\[.*?\]\((https?://[^\)]+)\)`)
	reDataURI       = regexp.MustCompile(`(data:image/[a-zA-Z0-9.+-]+;\s*base64\s*,\s*[-A-Za-z0-9+/=_\s]+)`)
	reBareURL       = regexp.MustCompile(`(https?://[^\s<>"'()\[\]]+)`)
)

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".webp", ".gif"}

// ExtractImageURL 从任意网关响应中找出图片地址（URL 或 data URI）。
//
// 不同网关的响应结构并不一致，按以下顺序尝试：
// data[0] 的各类字段、tool_calls 参数、message.images、message.content、
// 顶层 url/image，最后对纯文本做 Markdown / data URI / 裸 URL 匹配。
func ExtractImageURL(content any) (string, bool) {
	switch v := content.(type) {
	case map[string]any:
		return extractFromObject(v)
	case string:
		return ExtractFromText(v)
	case []byte:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err == nil {
			return ExtractImageURL(decoded)
		}
		return ExtractFromText(string(v))
	}
	return "", false
}

func extractFromObject(obj map[string]any) (string, bool) {
	if items, ok := obj["data"].([]any); ok && len(items) > 0 {
		if item, ok := items[0].(map[string]any); ok {
			if u, ok := fromDataItem(item); ok {
				return u, true
			}
		}
	}

	var message any
	if choices, ok := obj["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			msg, _ := choice["message"].(map[string]any)
			if u, ok := fromMessage(msg); ok {
				return u, true
			}
			if msg != nil {
				message = msg["content"]
			}
		}
	}

	if message != nil {
		if u, ok := ExtractImageURL(message); ok {
			return u, true
		}
	}

	if u, ok := nonEmptyString(obj["url"]); ok {
		return u, true
	}
	if img, ok := nonEmptyString(obj["image"]); ok {
		return wrapBase64(img), true
	}
	return "", false
}

func fromDataItem(item map[string]any) (string, bool) {
	if u, ok := nonEmptyString(item["url"]); ok {
		return u, true
	}
	if b, ok := nonEmptyString(item["b64_json"]); ok {
		return "data:image/png;base64," + b, true
	}
	if img, ok := nonEmptyString(item["image"]); ok {
		return wrapBase64(img), true
	}
	if b, ok := nonEmptyString(item["base64"]); ok {
		return "data:image/png;base64," + b, true
	}
	for _, key := range []string{"image_url", "imageUrl", "output"} {
		switch val := item[key].(type) {
		case string:
			if val != "" {
				return val, true
			}
		case map[string]any:
			if u, ok := nonEmptyString(val["url"]); ok {
				return u, true
			}
		}
	}
	return "", false
}

func fromMessage(msg map[string]any) (string, bool) {
	if msg == nil {
		return "", false
	}
	if calls, ok := msg["tool_calls"].([]any); ok {
		for _, c := range calls {
			call, _ := c.(map[string]any)
			fn, _ := call["function"].(map[string]any)
			args, _ := fn["arguments"].(string)
			if strings.Contains(args, "http") {
				if m := reBareURL.FindString(args); m != "" {
					return strings.TrimSpace(m), true
				}
			}
		}
	}
	if imgs, ok := msg["images"].([]any); ok && len(imgs) > 0 {
		switch first := imgs[0].(type) {
		case string:
			if first != "" {
				return first, true
			}
		case map[string]any:
			if u, ok := nonEmptyString(first["url"]); ok {
				return u, true
			}
			if iu, ok := first["image_url"].(map[string]any); ok {
				if u, ok := nonEmptyString(iu["url"]); ok {
					return u, true
				}
			}
		}
	}
	return "", false
}

// ExtractFromText 在自由文本中查找图片地址
func ExtractFromText(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	if m := reMarkdownImage.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	if m := reMarkdownLink.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	if m := reDataURI.FindString(text); m != "" {
		return strings.TrimSpace(m), true
	}
	urls := reBareURL.FindAllString(text, -1)
	if len(urls) == 0 {
		return "", false
	}
	for _, u := range urls {
		lower := strings.ToLower(u)
		for _, ext := range imageExtensions {
			if strings.Contains(lower, ext) {
				return strings.TrimSpace(u), true
			}
		}
	}
	return strings.TrimSpace(urls[len(urls)-1]), true
}

func nonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func wrapBase64(s string) string {
	if strings.HasPrefix(s, "data:") || strings.HasPrefix(s, "http") {
		return s
	}
	return "data:image/png;base64," + s
}
