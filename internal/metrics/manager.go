package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
)

// Manager 监控组件管理器
// 内部指标始终可用 (/api/metrics)，外部 Prometheus 暴露按配置启用
type Manager struct {
	config          *config.MetricsConfig
	metrics         Metrics
	substitution    *SubstitutionMetrics
	logger          *logrus.Entry
	internalRunning bool
	externalRunning bool
	startTime       time.Time
	mutex           sync.RWMutex
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
}

// NewManager 创建新的监控管理器
func NewManager(ctx context.Context, cfg *config.MetricsConfig) (*Manager, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("metrics config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metrics config: %w", err)
	}

	metrics, err := NewMetrics(cfg.External)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	substitution, err := NewSubstitutionMetrics(metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create substitution metrics: %w", err)
	}

	childCtx, cancel := context.WithCancel(ctx)

	return &Manager{
		config:       cfg,
		metrics:      metrics,
		substitution: substitution,
		logger:       config.GetLoggerWithPrefix("metrics"),
		ctx:          childCtx,
		cancel:       cancel,
	}, nil
}

// Start 启动监控管理器
func (m *Manager) Start() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.internalRunning {
		return fmt.Errorf("metrics manager already running")
	}

	m.logger.Info("Starting metrics manager...")

	if m.config.Internal.Enabled {
		m.done = make(chan struct{})
		go m.summaryLoop(m.config.Internal.CollectionInterval, m.done)
	}
	m.internalRunning = true

	if m.config.External.Enabled {
		if err := m.metrics.Start(); err != nil {
			// 外部暴露失败不影响内部指标
			m.logger.Warnf("⚠️ Failed to start external metrics server: %v", err)
		} else {
			m.externalRunning = true
		}
	} else {
		m.logger.Debug("External metrics disabled, only internal metrics will be available")
	}

	m.startTime = time.Now()
	m.logger.Info("✅ Metrics manager started")
	return nil
}

// Stop 停止监控管理器
func (m *Manager) Stop() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.internalRunning && !m.externalRunning {
		return nil
	}

	m.cancel()
	if m.done != nil {
		<-m.done
		m.done = nil
	}
	m.internalRunning = false

	if m.externalRunning {
		m.externalRunning = false
		if err := m.metrics.Stop(); err != nil {
			return fmt.Errorf("failed to stop external metrics server: %w", err)
		}
		m.logger.Info("External metrics server stopped")
	}

	m.logger.Info("Metrics manager stopped")
	return nil
}

// summaryLoop 按采集间隔输出替换统计摘要
func (m *Manager) summaryLoop(interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			snap := m.substitution.Snapshot()
			m.logger.WithFields(logrus.Fields{
				"substitutions": snap.Substitutions,
				"failures":      snap.ConversionFailures,
				"loops":         snap.AssetLoops,
				"remote_frames": snap.RemoteFrames,
				"connection":    snap.ConnectionState,
				"active":        snap.Active,
			}).Debug("📊 Substitution summary")
		}
	}
}

// IsRunning 检查监控管理器是否正在运行
func (m *Manager) IsRunning() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.internalRunning
}

// IsExternalRunning 检查外部metrics服务器是否正在运行
func (m *Manager) IsExternalRunning() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.externalRunning
}

// GetStats 获取监控管理器的统计信息
func (m *Manager) GetStats() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := map[string]interface{}{
		"internal_running": m.internalRunning,
		"external_running": m.externalRunning,
		"external_enabled": m.config.External.Enabled,
	}
	if !m.startTime.IsZero() {
		stats["start_time"] = m.startTime.Unix()
		stats["uptime"] = time.Since(m.startTime).Seconds()
	}
	if m.externalRunning {
		stats["external_endpoint"] = fmt.Sprintf("http://%s%s", m.metrics.Addr(), m.config.External.Path)
	}
	return stats
}

// SetupRoutes 注册内部监控路由
func (m *Manager) SetupRoutes(router *mux.Router) error {
	handler := newSnapshotHandler(m)
	router.HandleFunc("/api/metrics", handler.handleSnapshot).Methods("GET")
	router.Handle("/api/metrics/prometheus", m.metrics.Handler()).Methods("GET")
	m.logger.Debug("Internal metrics routes registered")
	return nil
}

// GetMetrics 获取监控实例
func (m *Manager) GetMetrics() Metrics {
	return m.metrics
}

// Substitution 获取替换指标 (合成器观察者 / 接收器监听者)
func (m *Manager) Substitution() *SubstitutionMetrics {
	return m.substitution
}
