package image

import (
	"encoding/base64"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const fallbackMime = "image/jpeg"

// SniffMime 识别图片 MIME，非图片或无法识别时回退 image/jpeg
func SniffMime(data []byte) string {
	if len(data) < 4 {
		return fallbackMime
	}
	m := mimetype.Detect(data)
	if m == nil || !strings.HasPrefix(m.String(), "image/") {
		return fallbackMime
	}
	// 去掉 charset 等参数
	mt, _, _ := strings.Cut(m.String(), ";")
	return mt
}

// Extension returns the file extension (without dot) for an image.
func Extension(data []byte) string {
	switch SniffMime(data) {
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "image/heic", "image/heif":
		return "heic"
	default:
		return "jpg"
	}
}

// DataURI encodes data as a base64 data URI.
func DataURI(data []byte) string {
	return "data:" + SniffMime(data) + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 accepts raw base64, data URIs and base64:// references.
func DecodeBase64(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	if _, after, ok := strings.Cut(s, ";base64,"); ok {
		s = after
	} else if strings.HasPrefix(s, "base64://") {
		s = s[len("base64://"):]
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) > 0 {
			return b, true
		}
	}
	return nil, false
}
