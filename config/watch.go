package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher 基于 fsnotify 监听配置文件，变化后重新加载并校验，通过回调下发。
// 监听所在目录以兼容编辑器的原子替换写法；冷却时间内的多次事件合并为一次加载。
type Watcher struct {
	Path     string
	Cooldown time.Duration
	Logger   *zap.Logger

	mu         sync.RWMutex
	lastReload time.Time
	reloads    int
	rejected   int
}

// NewWatcher 创建监听器
func NewWatcher(path string, cooldown time.Duration, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{Path: path, Cooldown: cooldown, Logger: logger.Named("config")}
}

// Start 阻塞监听直到 ctx 结束；onUpdate 只接收通过校验的配置。
func (w *Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	if w.Logger == nil {
		w.Logger = zap.NewNop()
	}
	target, err := filepath.Abs(w.Path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	cooldown := w.Cooldown
	if cooldown <= 0 {
		cooldown = 100 * time.Millisecond
	}
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(cooldown)
			} else {
				timer.Reset(cooldown)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("config watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			w.reload(onUpdate)
		}
	}
}

func (w *Watcher) reload(onUpdate func(AppConfig)) {
	cfg, err := LoadWithEnvOverrides(w.Path)
	if err != nil {
		w.mu.Lock()
		w.rejected++
		w.mu.Unlock()
		w.Logger.Warn("config reload rejected", zap.String("path", w.Path), zap.Error(err))
		return
	}
	w.mu.Lock()
	w.lastReload = time.Now()
	w.reloads++
	w.mu.Unlock()
	w.Logger.Info("config reloaded", zap.String("path", w.Path))
	if onUpdate != nil {
		onUpdate(cfg)
	}
}

// LastReload 最近一次成功加载的时间。
func (w *Watcher) LastReload() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReload
}

// Counts 成功与被拒绝的加载次数。
func (w *Watcher) Counts() (reloads, rejected int) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reloads, w.rejected
}
