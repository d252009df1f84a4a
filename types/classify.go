package types

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

// ClassifyRule 是分类表中的一行：状态码集合、关键词集合、目标类型、是否换 Key 重试。
type ClassifyRule struct {
	Statuses  []int
	MinStatus int
	MaxStatus int
	Keywords  []string
	Kind      ErrorKind
	SwitchKey bool
}

func (r ClassifyRule) matchStatus(status int) bool {
	if status <= 0 {
		return false
	}
	for _, s := range r.Statuses {
		if s == status {
			return true
		}
	}
	return r.MaxStatus > 0 && status >= r.MinStatus && status <= r.MaxStatus
}

func (r ClassifyRule) matchKeyword(lower string) bool {
	for _, k := range r.Keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// DefaultRules is checked in order; the first matching row wins.
var DefaultRules = []ClassifyRule{
	{Statuses: []int{400}, Keywords: []string{"invalid_argument", "bad request", "parse error"}, Kind: KindInvalidArgument},
	{Statuses: []int{401, 403}, Keywords: []string{"unauthenticated", "permission", "access denied", "invalid api key", "signature"}, Kind: KindAuthFailed, SwitchKey: true},
	{Statuses: []int{402}, Keywords: []string{"billing", "payment", "quota"}, Kind: KindQuotaExhausted, SwitchKey: true},
	{Statuses: []int{404}, Keywords: []string{"not found", "404"}, Kind: KindNotFound},
	{Statuses: []int{429}, Keywords: []string{"resource_exhausted", "too many requests", "rate limit"}, Kind: KindRateLimit, SwitchKey: true},
	{MinStatus: 500, MaxStatus: 599, Keywords: []string{"internal error", "server error", "timeout", "connect", "ssl", "503", "502", "504", "overloaded"}, Kind: KindServerError, SwitchKey: true},
	{Keywords: []string{"safety", "blocked", "content filter"}, Kind: KindSafetyBlock},
}

// StatusCoder is implemented by errors that know their HTTP status.
type StatusCoder interface {
	StatusCode() int
}

const maxClassifyText = 1000

// Classify maps an arbitrary error onto the closed taxonomy using DefaultRules.
func Classify(err error) (*Error, bool) {
	return ClassifyWith(DefaultRules, err)
}

// ClassifyWith 使用给定规则表分类。
//
// 已经是 *Error 的值保持原样，只根据其类型查表得到换 Key 标记。
// 超时与网络错误统一归为 SERVER_ERROR。
func ClassifyWith(rules []ClassifyRule, err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}

	if e, ok := AsError(err); ok {
		if e.HTTPStatus > 0 && (e.Kind == KindServerError || e.Kind == KindUnknown) {
			// 适配器给出的笼统 SERVER_ERROR 如果带状态码，按表细化
			if refined := matchRules(rules, e.HTTPStatus, e.Message); refined != nil && refined.Kind != e.Kind {
				out := *e
				out.Kind = refined.Kind
				return &out, refined.SwitchKey
			}
		}
		for _, r := range rules {
			if r.Kind == e.Kind {
				return e, r.SwitchKey
			}
		}
		return e, false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindServerError, "请求超时: "+err.Error()).WithCause(err).WithHTTPStatus(408), true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindServerError, "请求超时: "+err.Error()).WithCause(err).WithHTTPStatus(408), true
	}
	var urlErr *url.Error
	var opErr *net.OpError
	if errors.As(err, &urlErr) || errors.As(err, &opErr) {
		return NewError(KindServerError, "网络连接错误: "+err.Error()).WithCause(err), true
	}

	status := 0
	var sc StatusCoder
	if errors.As(err, &sc) {
		status = sc.StatusCode()
	}

	if r := matchRules(rules, status, err.Error()); r != nil {
		return NewError(r.Kind, err.Error()).WithCause(err).WithHTTPStatus(status), r.SwitchKey
	}
	return NewError(KindUnknown, "未知错误: "+err.Error()).WithCause(err).WithHTTPStatus(status), false
}

func matchRules(rules []ClassifyRule, status int, msg string) *ClassifyRule {
	if len(msg) > maxClassifyText {
		msg = msg[:maxClassifyText]
	}
	lower := strings.ToLower(msg)
	for i := range rules {
		if rules[i].matchStatus(status) || rules[i].matchKeyword(lower) {
			return &rules[i]
		}
	}
	return nil
}

// ClassifyStatus builds an error for a non-2xx upstream response.
func ClassifyStatus(status int, msg string) *Error {
	if r := matchRules(DefaultRules, status, msg); r != nil {
		return NewError(r.Kind, msg).WithHTTPStatus(status)
	}
	return NewError(KindUnknown, msg).WithHTTPStatus(status)
}
