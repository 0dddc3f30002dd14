package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/strategy"
)

// Watcher 监听配置文件变化，重新加载并校验后回调。
// 监听所在目录而不是文件本身：编辑器保存时常用 rename 替换文件。
type Watcher struct {
	path     string
	cooldown time.Duration
	log      *logger.Logger
	watcher  *fsnotify.Watcher

	mu         sync.Mutex
	lastReload time.Time
	pending    *time.Timer
}

// NewWatcher cooldown 内的多次写入合并为一次重载。
func NewWatcher(path string, cooldown time.Duration, log *logger.Logger) (*Watcher, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if cooldown <= 0 {
		cooldown = 500 * time.Millisecond
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config dir: %w", err)
	}
	return &Watcher{
		path:     abs,
		cooldown: cooldown,
		log:      log.Named("config_watcher"),
		watcher:  fw,
	}, nil
}

// Run 阻塞直到 ctx 结束。加载或校验失败的配置只记录日志，不回调。
func (w *Watcher) Run(ctx context.Context, onUpdate func(AppConfig)) error {
	defer w.watcher.Close()
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.pending != nil {
				w.pending.Stop()
			}
			w.mu.Unlock()
			return ctx.Err()

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("Watcher error", zap.Error(err))

		case <-reload:
			cfg, err := LoadWithEnvOverrides(w.path)
			if err != nil {
				w.log.Error("Failed to reload config", zap.String("path", w.path), zap.Error(err))
				continue
			}
			w.mu.Lock()
			w.lastReload = time.Now()
			w.mu.Unlock()
			w.log.Info("Config reloaded", zap.String("path", w.path))
			if onUpdate != nil {
				onUpdate(cfg)
			}
		}
	}
}

func (w *Watcher) schedule(reload chan<- struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.cooldown, func() {
		select {
		case reload <- struct{}{}:
		default:
		}
	})
}

// LastReload 最后一次成功重载的时间
func (w *Watcher) LastReload() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastReload
}

// ChangedStrategies 返回参数有变化的已有实例。新增或删除的实例需要重启进程，不在此列。
func ChangedStrategies(prev, next AppConfig) []strategy.Config {
	old := make(map[string]strategy.Config, len(prev.Strategies))
	for _, sc := range prev.Strategies {
		old[sc.Name] = sc
	}
	var out []strategy.Config
	for _, sc := range next.Strategies {
		o, ok := old[sc.Name]
		if !ok || reflect.DeepEqual(o, sc) {
			continue
		}
		out = append(out, sc)
	}
	return out
}
