// Package activation 提供进程间同步的替换开关
package activation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
)

// Gate 替换功能的激活开关
// 本地值为原子布尔，外部值通过 Store 广播；所有替换决策前都应调用 CheckAndSync
// 回调按变化顺序在 applyMu 之外串行执行，回调内不得再调用 Gate 的方法
type Gate struct {
	name   string
	store  Store
	active atomic.Bool
	logger *logrus.Entry

	// 本地值与广播在同一把锁内更新
	applyMu sync.Mutex
	// 串行化回调
	notifyMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []func(bool)
}

// NewGate 创建开关，initial 仅在外部尚无值时写入
func NewGate(store Store, name string, initial bool) (*Gate, error) {
	if store == nil {
		return nil, fmt.Errorf("activation store is required")
	}
	if name == "" {
		return nil, fmt.Errorf("activation name is required")
	}

	g := &Gate{
		name:   name,
		store:  store,
		logger: config.GetLoggerWithPrefix("activation"),
	}

	value, err := store.Get(name)
	switch {
	case errors.Is(err, ErrFlagNotSet):
		if err := store.Set(name, initial); err != nil {
			return nil, fmt.Errorf("failed to initialize flag %s: %w", name, err)
		}
		value = initial
	case err != nil:
		return nil, fmt.Errorf("failed to read flag %s: %w", name, err)
	}

	g.active.Store(value)
	g.logger.Infof("🎚️ Activation gate %s initialized: active=%t", name, value)
	return g, nil
}

// Name 返回开关名称
func (g *Gate) Name() string {
	return g.name
}

// IsActive 返回本地缓存值
func (g *Gate) IsActive() bool {
	return g.active.Load()
}

// OnChange 注册状态变化回调 (释放资源、更新预览等)
func (g *Gate) OnChange(fn func(bool)) {
	if fn == nil {
		return
	}
	g.listenersMu.Lock()
	defer g.listenersMu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// Activate 设置本地值，广播给其他进程并执行副作用
// 广播失败时本地值保持不变
func (g *Gate) Activate(active bool) error {
	g.applyMu.Lock()
	_, err := g.commit(active, true, "local")
	return err
}

// Toggle 翻转开关并返回新值
func (g *Gate) Toggle() (bool, error) {
	g.applyMu.Lock()
	next := !g.active.Load()
	if _, err := g.commit(next, true, "local"); err != nil {
		return !next, err
	}
	return next, nil
}

// CheckAndSync 读取外部值，与本地不一致时采用外部值 (不再广播)
// 返回本地值是否发生变化
func (g *Gate) CheckAndSync() bool {
	value, ok := g.external()
	if !ok || value == g.active.Load() {
		return false
	}

	// 持锁后重新读取，避免采用 Activate 之前的旧值
	g.applyMu.Lock()
	value, ok = g.external()
	if !ok {
		g.applyMu.Unlock()
		return false
	}
	changed, _ := g.commit(value, false, "sync")
	return changed
}

func (g *Gate) external() (bool, bool) {
	value, err := g.store.Get(g.name)
	if err != nil {
		if !errors.Is(err, ErrFlagNotSet) {
			g.logger.Debugf("Activation sync skipped: %v", err)
		}
		return false, false
	}
	return value, true
}

// Watch 订阅外部变化并在每次通知时执行 CheckAndSync，阻塞直到 ctx 结束
func (g *Gate) Watch(ctx context.Context) error {
	cancel, err := g.store.Subscribe(g.name, func(bool) {
		g.CheckAndSync()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", g.name, err)
	}
	defer cancel()

	// 订阅建立前的变化
	g.CheckAndSync()

	<-ctx.Done()
	return nil
}

// commit 更新本地值，broadcast 为 true 时同时写入 Store
// 调用方持有 applyMu，commit 在通知回调前释放它
func (g *Gate) commit(active, broadcast bool, origin string) (bool, error) {
	prev := g.active.Swap(active)
	if broadcast {
		if err := g.store.Set(g.name, active); err != nil {
			g.active.Store(prev)
			g.applyMu.Unlock()
			g.logger.Errorf("❌ Failed to broadcast activation=%t: %v", active, err)
			return false, fmt.Errorf("failed to broadcast activation: %w", err)
		}
	}
	if prev == active {
		g.applyMu.Unlock()
		return false, nil
	}

	g.logger.Infof("🔄 Activation changed (%s): %t", origin, active)
	if broadcast {
		g.logger.Infof("📢 Activation broadcast: %t", active)
	}

	g.listenersMu.RLock()
	listeners := make([]func(bool), len(g.listeners))
	copy(listeners, g.listeners)
	g.listenersMu.RUnlock()

	// 先取得回调锁再释放 applyMu，保证回调顺序与变化顺序一致
	g.notifyMu.Lock()
	g.applyMu.Unlock()
	defer g.notifyMu.Unlock()

	for _, fn := range listeners {
		fn(active)
	}
	return true, nil
}
