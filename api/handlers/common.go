package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/bananaflow/internal/ctxkeys"
	"github.com/BaSui01/bananaflow/types"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// DefaultMaxBodyBytes 普通 JSON 请求体上限
const DefaultMaxBodyBytes int64 = 1 << 20

// RequestIDHeader 请求 ID 响应头，由中间件写入
const RequestIDHeader = "X-Request-ID"

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code           string            `json:"code"`
	Message        string            `json:"message"`
	Details        string            `json:"details,omitempty"`
	Fields         map[string]string `json:"fields,omitempty"`
	Retryable      bool              `json:"retryable,omitempty"`
	UpstreamStatus int               `json:"upstream_status,omitempty"`
	HTTPStatus     int               `json:"-"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	// 头已写出，编码失败也无法再改状态码
	_ = json.NewEncoder(w).Encode(data)
}

func envelope(w http.ResponseWriter, success bool) Response {
	return Response{
		Success:   success,
		Timestamp: time.Now(),
		RequestID: w.Header().Get(RequestIDHeader),
	}
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteStatus(w, http.StatusOK, data)
}

// WriteStatus 以指定状态码写入成功响应
func WriteStatus(w http.ResponseWriter, status int, data any) {
	resp := envelope(w, true)
	resp.Data = data
	WriteJSON(w, status, resp)
}

// StatusFor 返回错误在 API 中使用的 HTTP 状态码
func StatusFor(err *types.Error) int {
	if err == nil {
		return http.StatusInternalServerError
	}
	// 黑名单与管理员校验失败使用 403
	if err.Kind == types.KindAuthFailed && err.HTTPStatus == http.StatusForbidden {
		return http.StatusForbidden
	}
	return err.Kind.HTTPStatus()
}

func errorInfo(err *types.Error) *ErrorInfo {
	return &ErrorInfo{
		Code:           string(err.Kind),
		Message:        err.Message,
		Retryable:      !err.Kind.Terminal() && err.Kind.Chargeable(),
		UpstreamStatus: err.HTTPStatus,
		HTTPStatus:     StatusFor(err),
	}
}

// WriteError 写入错误响应（从 types.Error）
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	WriteErrorData(w, err, nil, logger)
}

// WriteErrorData 写入错误响应，并附带 data（例如失败时的生成过程信息）
func WriteErrorData(w http.ResponseWriter, err *types.Error, data any, logger *zap.Logger) {
	info := errorInfo(err)
	var verr *ValidationError
	if errors.As(err.Cause, &verr) {
		info.Fields = verr.Fields
	}

	if logger != nil {
		level := logger.Warn
		if info.HTTPStatus >= http.StatusInternalServerError {
			level = logger.Error
		}
		level("API error",
			zap.String("kind", string(err.Kind)),
			zap.String("message", err.Message),
			zap.Int("status", info.HTTPStatus),
			zap.Int("upstream_status", err.HTTPStatus),
			zap.String("request_id", w.Header().Get(RequestIDHeader)),
			zap.Error(err.Cause),
		)
	}

	resp := envelope(w, false)
	resp.Error = info
	resp.Data = data
	WriteJSON(w, info.HTTPStatus, resp)
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, kind types.ErrorKind, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(kind, message), logger)
}

// WriteAnyError 把任意错误写成错误响应，非 types.Error 视为 UNKNOWN
func WriteAnyError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if e, ok := types.AsError(err); ok {
		WriteError(w, e, logger)
		return
	}
	WriteError(w, types.NewError(types.KindUnknown, "internal error").WithCause(err), logger)
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体（1 MB 上限，拒绝未知字段）
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	return DecodeJSONBodyLimit(w, r, dst, DefaultMaxBodyBytes, logger)
}

// DecodeJSONBodyLimit 以指定上限解码 JSON 请求体，失败时已写出错误响应
func DecodeJSONBodyLimit(w http.ResponseWriter, r *http.Request, dst any, limit int64, logger *zap.Logger) error {
	if r.Body == nil || r.Body == http.NoBody {
		err := types.NewError(types.KindInvalidArgument, "request body is empty")
		WriteError(w, err, logger)
		return err
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		msg := "invalid JSON body"
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			msg = fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)
		case errors.Is(err, io.EOF):
			msg = "request body is empty"
		}
		apiErr := types.NewError(types.KindInvalidArgument, msg).WithCause(err)
		WriteError(w, apiErr, logger)
		return apiErr
	}

	if err := ValidateStruct(dst); err != nil {
		apiErr := types.NewError(types.KindInvalidArgument, err.Error()).WithCause(err)
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}

// ValidateContentType 验证 Content-Type
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	ct := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Type")))
	if ct == "application/json" || strings.HasPrefix(ct, "application/json;") {
		return true
	}
	WriteErrorMessage(w, types.KindInvalidArgument, "Content-Type must be application/json", logger)
	return false
}

// =============================================================================
// ✅ 结构体校验
// =============================================================================

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// 错误里使用 json 字段名
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// ValidationError 字段校验失败
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string { return e.Message }

// ValidateStruct 按 validate 标签校验请求结构体
func ValidateStruct(v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	err := structValidator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Message: err.Error()}
	}

	fields := make(map[string]string, len(verrs))
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := fe.Field()
		fields[name] = fieldMessage(fe)
		names = append(names, name)
	}
	return &ValidationError{
		Message: "validation failed: " + strings.Join(names, ", "),
		Fields:  fields,
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "url":
		return "must be a valid URL"
	case "excludesall":
		return "contains invalid characters"
	default:
		return "failed on " + fe.Tag()
	}
}

// =============================================================================
// 👤 身份
// =============================================================================

// requireIdentity 取出调用方身份，未鉴权时写出 401
func requireIdentity(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (ctxkeys.Identity, bool) {
	id, ok := ctxkeys.IdentityFrom(r.Context())
	if !ok {
		WriteErrorMessage(w, types.KindAuthFailed, "authentication required", logger)
		return ctxkeys.Identity{}, false
	}
	return id, true
}

// requireAdmin 要求管理员身份，非管理员写出 403
func requireAdmin(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (ctxkeys.Identity, bool) {
	id, ok := requireIdentity(w, r, logger)
	if !ok {
		return id, false
	}
	if !id.IsAdmin {
		WriteError(w, types.NewError(types.KindAuthFailed, "admin permission required").
			WithHTTPStatus(http.StatusForbidden), logger)
		return id, false
	}
	return id, true
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码和写出字节数
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
	Bytes      int64
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.Bytes += int64(n)
	return n, err
}

// Flush 透传 http.Flusher
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap 供 http.ResponseController 使用
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
