package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestNewWatcher_EmptyPath(t *testing.T) {
	_, err := NewWatcher(NewLoader(), "")
	assert.Error(t, err)
}

func TestWatcher_Lifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	w, err := NewWatcher(NewLoader(), path, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(context.Background()))

	w.Stop()
	assert.False(t, w.IsRunning())
	w.Stop()
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "prompts:\n  a: first\n")

	w, err := NewWatcher(NewLoader(), path,
		WithPollInterval(10*time.Millisecond),
		WithDebounceDelay(10*time.Millisecond),
		WithWatcherLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	got := make(chan *Config, 4)
	w.OnReload(func(cfg *Config) { got <- cfg })
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// 保证修改时间或大小与初始不同
	writeConfig(t, path, "prompts:\n  a: second version\n")

	select {
	case cfg := <-got:
		assert.Equal(t, "second version", cfg.Prompts["a"])
	case <-time.After(2 * time.Second):
		t.Fatal("reload callback not called")
	}
}

func TestWatcher_InvalidConfigIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "server:\n  http_port: 8080\n")

	w, err := NewWatcher(NewLoader(), path,
		WithPollInterval(10*time.Millisecond),
		WithDebounceDelay(5*time.Millisecond))
	require.NoError(t, err)

	var calls atomic.Int32
	w.OnReload(func(*Config) { calls.Add(1) })
	require.NoError(t, w.Start(context.Background()))

	writeConfig(t, path, "server:\n  http_port: 700000\n")
	time.Sleep(150 * time.Millisecond)
	w.Stop()

	assert.Equal(t, int32(0), calls.Load())
}

func TestWatcher_ContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	w, err := NewWatcher(NewLoader(), path, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()

	// loop 退出后 Stop 仍然可以返回
	done := make(chan struct{})
	go func() { w.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked after context cancel")
	}
}
