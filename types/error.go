package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the closed set of failure kinds every adapter maps onto.
type ErrorKind string

const (
	KindInvalidArgument ErrorKind = "INVALID_ARGUMENT"
	KindAuthFailed      ErrorKind = "AUTH_FAILED"
	KindQuotaExhausted  ErrorKind = "QUOTA_EXHAUSTED"
	KindNotFound        ErrorKind = "NOT_FOUND"
	KindRateLimit       ErrorKind = "RATE_LIMIT"
	KindServerError     ErrorKind = "SERVER_ERROR"
	KindSafetyBlock     ErrorKind = "SAFETY_BLOCK"
	KindDebugInfo       ErrorKind = "DEBUG_INFO"
	KindUnknown         ErrorKind = "UNKNOWN"
)

// AllKinds 按稳定顺序列出全部错误类型
func AllKinds() []ErrorKind {
	return []ErrorKind{
		KindInvalidArgument, KindAuthFailed, KindQuotaExhausted, KindNotFound,
		KindRateLimit, KindServerError, KindSafetyBlock, KindDebugInfo, KindUnknown,
	}
}

// Terminal reports whether the orchestrator must stop retrying on this kind.
func (k ErrorKind) Terminal() bool {
	switch k {
	case KindInvalidArgument, KindSafetyBlock, KindNotFound, KindDebugInfo, KindUnknown:
		return true
	}
	return false
}

// Chargeable reports whether a failure of this kind may ever touch the quota.
// 调试和安全拦截永远不扣费。
func (k ErrorKind) Chargeable() bool {
	return k != KindDebugInfo && k != KindSafetyBlock
}

// HTTPStatus maps a kind onto the status used by the JSON API.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindAuthFailed:
		return http.StatusUnauthorized
	case KindQuotaExhausted:
		return http.StatusPaymentRequired
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindServerError:
		return http.StatusBadGateway
	case KindSafetyBlock:
		return http.StatusUnavailableForLegalReasons
	case KindDebugInfo:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// DebugInfo is the dry-run payload returned instead of calling upstream.
type DebugInfo struct {
	Backend    BackendKind `json:"backend"`
	Model      string      `json:"model"`
	Prompt     string      `json:"prompt"`
	ImageCount int         `json:"image_count"`
	Preset     string      `json:"preset"`
	Stream     *bool       `json:"stream,omitempty"`
	TimeoutSec float64     `json:"timeout_sec"`
}

// Error is the normalized failure value carried through the retry loop.
type Error struct {
	Kind       ErrorKind  `json:"kind"`
	Message    string     `json:"message"`
	HTTPStatus int        `json:"http_status,omitempty"`
	Debug      *DebugInfo `json:"debug,omitempty"`
	Cause      error      `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	status := ""
	if e.HTTPStatus > 0 {
		status = fmt.Sprintf(" (HTTP %d)", e.HTTPStatus)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s]%s %s: %v", e.Kind, status, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s]%s %s", e.Kind, status, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf 是带格式化消息的 NewError
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the upstream HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithDebug attaches a dry-run payload.
func (e *Error) WithDebug(info *DebugInfo) *Error {
	e.Debug = info
	return e
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or UNKNOWN for foreign errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindUnknown
}
