package asset

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
)

// Watcher 按固定间隔轮询素材文件是否存在
type Watcher struct {
	path      string
	interval  time.Duration
	available atomic.Bool
	checked   atomic.Bool
	logger    *logrus.Entry

	mu        sync.Mutex
	listeners []func(bool)
}

// NewWatcher 创建轮询器
func NewWatcher(path string, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{
		path:     path,
		interval: interval,
		logger:   config.GetLoggerWithPrefix("asset-watcher"),
	}
}

// OnChange 注册可用性变化回调
func (w *Watcher) OnChange(fn func(bool)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Available 返回最近一次轮询的结果，尚未轮询时立即检查
func (w *Watcher) Available() bool {
	if !w.checked.Load() {
		return w.Check()
	}
	return w.available.Load()
}

// Check 立即检查文件是否存在
func (w *Watcher) Check() bool {
	info, err := os.Stat(w.path)
	now := err == nil && info.Mode().IsRegular()

	first := !w.checked.Swap(true)
	prev := w.available.Swap(now)
	if first || prev == now {
		return now
	}

	if now {
		w.logger.Infof("📁 Asset appeared: %s", w.path)
	} else {
		w.logger.Warnf("⚠️ Asset disappeared: %s", w.path)
	}

	w.mu.Lock()
	listeners := make([]func(bool), len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
	return now
}

// Run 轮询直到 ctx 结束
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Check()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check()
		}
	}
}
