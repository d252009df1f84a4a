package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/bananaflow/internal/ctxkeys"
	"github.com/BaSui01/bananaflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Common 函数测试
// =============================================================================

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func withIdentity(r *http.Request, id ctxkeys.Identity) *http.Request {
	return r.WithContext(ctxkeys.WithIdentity(r.Context(), id))
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `{"message":"hello"}`, w.Body.String())
}

func TestWriteSuccess_CarriesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set(RequestIDHeader, "req-42")

	WriteSuccess(w, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "req-42", resp.RequestID)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError_StatusFromKind(t *testing.T) {
	tests := []struct {
		kind       types.ErrorKind
		wantStatus int
		retryable  bool
	}{
		{types.KindInvalidArgument, http.StatusBadRequest, false},
		{types.KindAuthFailed, http.StatusUnauthorized, true},
		{types.KindQuotaExhausted, http.StatusPaymentRequired, true},
		{types.KindNotFound, http.StatusNotFound, false},
		{types.KindRateLimit, http.StatusTooManyRequests, true},
		{types.KindServerError, http.StatusBadGateway, true},
		{types.KindSafetyBlock, http.StatusUnavailableForLegalReasons, false},
		{types.KindUnknown, http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, types.NewError(tt.kind, "boom").WithHTTPStatus(500), zap.NewNop())

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.kind), resp.Error.Code)
			assert.Equal(t, "boom", resp.Error.Message)
			assert.Equal(t, 500, resp.Error.UpstreamStatus)
			assert.Equal(t, tt.retryable, resp.Error.Retryable)
		})
	}
}

func TestWriteError_ForbiddenAuth(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, types.NewError(types.KindAuthFailed, "blacklisted").WithHTTPStatus(http.StatusForbidden), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWriteAnyError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteAnyError(w, errors.New("plain"), zap.NewNop())
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(types.KindUnknown), decodeResponse(t, w).Error.Code)

	w = httptest.NewRecorder()
	WriteAnyError(w, types.NewError(types.KindNotFound, "missing"), zap.NewNop())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type decodeTarget struct {
	Name  string `json:"name" validate:"required,max=8"`
	Mode  string `json:"mode" validate:"omitempty,oneof=a b"`
	Count int    `json:"count" validate:"min=0,max=3"`
}

func TestDecodeJSONBody(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantErr    bool
		wantFields []string
		wantMsg    string
	}{
		{name: "valid", body: `{"name":"ok","mode":"a","count":2}`},
		{name: "malformed", body: `{"name":`, wantErr: true, wantMsg: "invalid JSON body"},
		{name: "unknown field", body: `{"name":"ok","extra":1}`, wantErr: true, wantMsg: "invalid JSON body"},
		{name: "empty", body: ``, wantErr: true, wantMsg: "request body is empty"},
		{name: "missing name", body: `{"count":1}`, wantErr: true, wantFields: []string{"name"}},
		{name: "bad enum and range", body: `{"name":"x","mode":"c","count":9}`, wantErr: true, wantFields: []string{"mode", "count"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))

			var dst decodeTarget
			err := DecodeJSONBody(w, r, &dst, zap.NewNop())
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "ok", dst.Name)
				return
			}
			require.Error(t, err)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decodeResponse(t, w)
			require.NotNil(t, resp.Error)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, resp.Error.Message)
			}
			for _, f := range tt.wantFields {
				assert.Contains(t, resp.Error.Fields, f)
			}
		})
	}
}

func TestDecodeJSONBodyLimit_TooLarge(t *testing.T) {
	w := httptest.NewRecorder()
	body := `{"name":"` + strings.Repeat("x", 200) + `"}`
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	var dst decodeTarget
	err := DecodeJSONBodyLimit(w, r, &dst, 64, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeResponse(t, w).Error.Message, "exceeds 64 bytes")
}

func TestValidateStruct_NonStruct(t *testing.T) {
	assert.NoError(t, ValidateStruct(map[string]string{}))
	assert.NoError(t, ValidateStruct((*decodeTarget)(nil)))

	err := ValidateStruct(&decodeTarget{Name: "too-long-name"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "must be at most 8", verr.Fields["name"])
}

func TestValidateContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"Application/JSON;charset=UTF-8", true},
		{"text/plain", false},
		{"", false},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(nil))
		r.Header.Set("Content-Type", tt.contentType)
		assert.Equal(t, tt.want, ValidateContentType(w, r, zap.NewNop()), tt.contentType)
	}
}

func TestRequireAdmin(t *testing.T) {
	w := httptest.NewRecorder()
	_, ok := requireAdmin(w, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	assert.False(t, ok)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	r := withIdentity(httptest.NewRequest(http.MethodGet, "/", nil), ctxkeys.Identity{UserID: "u1"})
	_, ok = requireAdmin(w, r, nil)
	assert.False(t, ok)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	r = withIdentity(httptest.NewRequest(http.MethodGet, "/", nil), ctxkeys.Identity{UserID: "root", IsAdmin: true})
	id, ok := requireAdmin(w, r, nil)
	assert.True(t, ok)
	assert.Equal(t, "root", id.UserID)
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusTeapot)
	n, err := rw.Write([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusAccepted, rw.StatusCode)
	assert.Equal(t, int64(5), rw.Bytes)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, rec, rw.Unwrap())
}
