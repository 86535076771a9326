package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherStopsOnCancel(t *testing.T) {
	path := writeTempConfig(t, "env: dev\n")
	w := NewWatcher(path, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Start(ctx, nil), context.Canceled)
}

func TestWatcherFailsOnMissingDir(t *testing.T) {
	w := NewWatcher("/nonexistent-dir/cfg.yaml", 10*time.Millisecond, nil)
	assert.Error(t, w.Start(context.Background(), nil))
}

func TestWatcherReloadsValidChanges(t *testing.T) {
	path := writeTempConfig(t, "env: dev\n")
	w := NewWatcher(path, 20*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan AppConfig, 4)
	go func() {
		_ = w.Start(ctx, func(c AppConfig) { updates <- c })
	}()
	// 等待监听建立
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("env: dev\nrouter:\n  icebergShare: 2\n"), 0o644))
	require.Eventually(t, func() bool {
		_, rejected := w.Counts()
		return rejected >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, updates)

	require.NoError(t, os.WriteFile(path, []byte("env: dev\nrouter:\n  sliceCount: 4\n"), 0o644))
	select {
	case c := <-updates:
		assert.Equal(t, 4, c.Router.SliceCount)
	case <-time.After(2 * time.Second):
		t.Fatal("expected reload callback")
	}
	assert.False(t, w.LastReload().IsZero())
}
