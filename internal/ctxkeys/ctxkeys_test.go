package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestAndTraceID(t *testing.T) {
	ctx := context.Background()
	_, ok := RequestID(ctx)
	assert.False(t, ok)

	ctx = WithRequestID(WithTraceID(ctx, "t-1"), "r-1")
	id, ok := RequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "r-1", id)
	tid, ok := TraceID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "t-1", tid)

	_, ok = RequestID(WithRequestID(context.Background(), ""))
	assert.False(t, ok)
}

func TestIdentity(t *testing.T) {
	_, ok := IdentityFrom(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{UserID: "42", GroupID: "g", IsAdmin: true})
	id, ok := IdentityFrom(ctx)
	assert.True(t, ok)
	assert.Equal(t, Identity{UserID: "42", GroupID: "g", IsAdmin: true}, id)

	// 没有用户 ID 的身份视为未鉴权
	_, ok = IdentityFrom(WithIdentity(context.Background(), Identity{GroupID: "g"}))
	assert.False(t, ok)
}
