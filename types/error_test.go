package types

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(KindServerError, "upstream failed").
		WithCause(root).
		WithHTTPStatus(502)

	assert.Equal(t, KindServerError, KindOf(err))
	assert.True(t, errors.Is(err, root))
	assert.Contains(t, err.Error(), "HTTP 502")

	wrapped := fmt.Errorf("outer: %w", err)
	got, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Same(t, err, got)

	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestErrorKind_Terminal(t *testing.T) {
	t.Parallel()

	terminal := map[ErrorKind]bool{
		KindInvalidArgument: true,
		KindSafetyBlock:     true,
		KindNotFound:        true,
		KindDebugInfo:       true,
		KindUnknown:         true,
	}
	for _, k := range AllKinds() {
		assert.Equal(t, terminal[k], k.Terminal(), string(k))
	}
	assert.False(t, KindDebugInfo.Chargeable())
	assert.False(t, KindSafetyBlock.Chargeable())
	assert.True(t, KindServerError.Chargeable())
}

func TestErrorKind_HTTPStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusTooManyRequests, KindRateLimit.HTTPStatus())
	assert.Equal(t, http.StatusPaymentRequired, KindQuotaExhausted.HTTPStatus())
	assert.Equal(t, http.StatusOK, KindDebugInfo.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindUnknown.HTTPStatus())
}

type statusErr struct {
	code int
	msg  string
}

func (e statusErr) Error() string   { return e.msg }
func (e statusErr) StatusCode() int { return e.code }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		switchKey bool
	}{
		{"status 400", statusErr{400, "oops"}, KindInvalidArgument, false},
		{"status 401", statusErr{401, "nope"}, KindAuthFailed, true},
		{"keyword signature", errors.New("bad signature value"), KindAuthFailed, true},
		{"status 402", statusErr{402, "pay"}, KindQuotaExhausted, true},
		{"status 404", statusErr{404, "x"}, KindNotFound, false},
		{"status 429", statusErr{429, "slow down"}, KindRateLimit, true},
		{"keyword rate limit", errors.New("Rate limit reached"), KindRateLimit, true},
		{"status 503", statusErr{503, "x"}, KindServerError, true},
		{"keyword overloaded", errors.New("model overloaded"), KindServerError, true},
		{"keyword safety", errors.New("blocked by content filter"), KindSafetyBlock, false},
		{"deadline", context.DeadlineExceeded, KindServerError, true},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, KindServerError, true},
		{"url error", &url.Error{Op: "Post", URL: "http://x", Err: errors.New("refused")}, KindServerError, true},
		{"unmatched", errors.New("something odd"), KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, switchKey := Classify(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.switchKey, switchKey)
		})
	}
}

func TestClassify_ExistingErrorKeepsKind(t *testing.T) {
	t.Parallel()

	in := NewError(KindSafetyBlock, "内容安全拦截 (SAFETY)")
	got, switchKey := Classify(in)
	assert.Same(t, in, got)
	assert.False(t, switchKey)

	debug := NewError(KindDebugInfo, "dry run")
	got, switchKey = Classify(debug)
	assert.Same(t, debug, got)
	assert.False(t, switchKey)
}

func TestClassify_RefinesGenericServerErrorByStatus(t *testing.T) {
	t.Parallel()

	in := NewError(KindServerError, "Google API (UNAUTHENTICATED): API key not valid").WithHTTPStatus(401)
	got, switchKey := Classify(in)
	assert.Equal(t, KindAuthFailed, got.Kind)
	assert.True(t, switchKey)
	assert.Equal(t, KindServerError, in.Kind, "input must not be mutated")

	in = NewError(KindServerError, "HTTP 500: boom").WithHTTPStatus(500)
	got, switchKey = Classify(in)
	assert.Same(t, in, got)
	assert.True(t, switchKey)
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindRateLimit, ClassifyStatus(429, "x").Kind)
	assert.Equal(t, 429, ClassifyStatus(429, "x").HTTPStatus)
	assert.Equal(t, KindUnknown, ClassifyStatus(418, "teapot").Kind)
}
