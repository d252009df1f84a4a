package image

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"
	"unicode/utf16"
	"unicode/utf8"
)

// JWK 是 P-256 私钥的 JSON Web Key 形态
type JWK struct {
	Crv string `json:"crv,omitempty"`
	Kty string `json:"kty,omitempty"`
	D   string `json:"d"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// Signer 生成 x-zai-darkknight 请求头
type Signer struct {
	key         *ecdsa.PrivateKey
	jwk         JWK
	fingerprint any

	// fingerprintRaw 保留调用方给出的键序
	fingerprintRaw json.RawMessage

	rand io.Reader
	now  func() time.Time
}

var b64url = base64.RawURLEncoding

func decodeB64URL(s string) ([]byte, error) {
	// 兼容带 padding 的写法
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return b64url.DecodeString(s)
}

// NewSigner 从 JWK 还原私钥。fingerprint 为浏览器指纹 JSON。
func NewSigner(jwk JWK, fingerprint json.RawMessage) (*Signer, error) {
	d, err := decodeB64URL(jwk.D)
	if err != nil {
		return nil, fmt.Errorf("私钥 d 解码失败: %w", err)
	}
	x, err := decodeB64URL(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("私钥 x 解码失败: %w", err)
	}
	y, err := decodeB64URL(jwk.Y)
	if err != nil {
		return nil, fmt.Errorf("私钥 y 解码失败: %w", err)
	}

	curve := elliptic.P256()
	priv := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)},
		D:         new(big.Int).SetBytes(d),
	}
	if !curve.IsOnCurve(priv.X, priv.Y) {
		return nil, errors.New("公钥坐标不在 P-256 曲线上")
	}
	if priv.D.Sign() <= 0 || priv.D.Cmp(curve.Params().N) >= 0 {
		return nil, errors.New("私钥标量超出范围")
	}

	var fp any
	if len(fingerprint) > 0 {
		dec := json.NewDecoder(bytes.NewReader(fingerprint))
		dec.UseNumber()
		if err := dec.Decode(&fp); err != nil {
			return nil, fmt.Errorf("指纹解析失败: %w", err)
		}
	}

	if jwk.Crv == "" {
		jwk.Crv = "P-256"
	}
	if jwk.Kty == "" {
		jwk.Kty = "EC"
	}
	return &Signer{key: priv, jwk: jwk, fingerprint: fp, fingerprintRaw: fingerprint, rand: rand.Reader, now: time.Now}, nil
}

// Fingerprint 返回 x-zai-fp 头：保持原始键序，分隔符为 ", " 与 ": "，非 ASCII 转义
func (s *Signer) Fingerprint() string {
	if len(s.fingerprintRaw) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, s.fingerprintRaw); err != nil {
		return "{}"
	}
	return string(reformatJSON(buf.Bytes(), ", ", ": "))
}

// PublicKey exposes the verification key.
func (s *Signer) PublicKey() *ecdsa.PublicKey { return &s.key.PublicKey }

func (s *Signer) payload() (map[string]any, error) {
	nonce := make([]byte, 32)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return nil, fmt.Errorf("nonce 生成失败: %w", err)
	}
	return map[string]any{
		"fp":    s.fingerprint,
		"nonce": hex.EncodeToString(nonce),
		"pk": map[string]any{
			"crv": s.jwk.Crv,
			"kty": s.jwk.Kty,
			"x":   s.jwk.X,
			"y":   s.jwk.Y,
		},
		"ts": s.now().UnixMilli(),
		"v":  1,
	}, nil
}

// Header 对 payload 做 ECDSA P-256/SHA-256 签名并编码成请求头
func (s *Signer) Header() (string, error) {
	payload, err := s.payload()
	if err != nil {
		return "", err
	}
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256(canonical)
	r, sv, err := ecdsa.Sign(s.rand, s.key, digest[:])
	if err != nil {
		return "", fmt.Errorf("签名失败: %w", err)
	}
	raw := make([]byte, 64)
	r.FillBytes(raw[:32])
	sv.FillBytes(raw[32:])

	payload["sig"] = b64url.EncodeToString(raw)
	final, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return b64url.EncodeToString(final), nil
}

// canonicalJSON 输出键排序、无空白、不转义 HTML 的 JSON；非 ASCII 字符写成 \uXXXX，
// 与服务端校验签名时的序列化逐字节一致
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return reformatJSON(bytes.TrimRight(buf.Bytes(), "\n"), ",", ":"), nil
}

// reformatJSON 改写紧凑 JSON：字符串外的分隔符替换为 itemSep/keySep，
// 字符串内的非 ASCII 字符转义，超出 BMP 的拆成代理对
func reformatJSON(compact []byte, itemSep, keySep string) []byte {
	var out bytes.Buffer
	out.Grow(len(compact))
	inString, escaped := false, false
	for i := 0; i < len(compact); {
		c := compact[i]
		if c >= utf8.RuneSelf {
			r, size := utf8.DecodeRune(compact[i:])
			if r1, r2 := utf16.EncodeRune(r); r1 != utf8.RuneError {
				fmt.Fprintf(&out, "\\u%04x\\u%04x", r1, r2)
			} else {
				fmt.Fprintf(&out, "\\u%04x", r)
			}
			i += size
			continue
		}
		i++
		switch {
		case inString:
			out.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
		case c == '"':
			inString = true
			out.WriteByte(c)
		case c == ',':
			out.WriteString(itemSep)
		case c == ':':
			out.WriteString(keySep)
		default:
			out.WriteByte(c)
		}
	}
	return out.Bytes()
}

// verifyHeader 校验 Header 产出的签名，测试与自检使用
func verifyHeader(pub *ecdsa.PublicKey, header string) (bool, error) {
	raw, err := b64url.DecodeString(header)
	if err != nil {
		return false, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return false, err
	}
	sigStr, _ := payload["sig"].(string)
	delete(payload, "sig")
	sig, err := b64url.DecodeString(sigStr)
	if err != nil || len(sig) != 64 {
		return false, errors.New("签名格式错误")
	}
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return false, err
	}
	digest := sha256.Sum256(canonical)
	r := new(big.Int).SetBytes(sig[:32])
	sv := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(pub, digest[:], r, sv), nil
}
