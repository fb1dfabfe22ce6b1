package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/open-beagle/bdwind-vcam/internal/activation"
	"github.com/open-beagle/bdwind-vcam/internal/asset"
	"github.com/open-beagle/bdwind-vcam/internal/asset/gstdecoder"
	"github.com/open-beagle/bdwind-vcam/internal/compositor"
	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/media"
	"github.com/open-beagle/bdwind-vcam/internal/metrics"
	"github.com/open-beagle/bdwind-vcam/internal/signaling"
	"github.com/open-beagle/bdwind-vcam/internal/webserver"
)

// VCamApp 虚拟摄像头替换引擎
// 所有组件在这里创建一次并注入，不使用全局单例
type VCamApp struct {
	config *config.Config
	logger *logrus.Entry

	pool       *media.BufferPool
	store      activation.Store
	gate       *activation.Gate
	metricsMgr *metrics.Manager
	compositor *compositor.Compositor
	webServer  *webserver.WebServer
	relay      *webserver.SignalingServer

	// asset 模式
	reader  *asset.Reader
	watcher *asset.Watcher

	// remote 模式
	receiver *signaling.Receiver
	slot     *signaling.FrameSlot

	demoFPS   int
	startTime time.Time

	remoteMu     sync.Mutex
	remoteWanted bool
	remote       remoteControl

	// 接收器的启停在独立协程中串行执行
	remoteKick     chan struct{}
	remoteQuit     chan struct{}
	remoteDone     chan struct{}
	remoteStopOnce sync.Once
}

// remoteControl 远端接收器的启停接口
type remoteControl interface {
	Start() error
	Stop(userInitiated bool)
	State() signaling.ConnectionState
}

// NewVCamApp 创建应用并完成组件装配
func NewVCamApp(cfg *config.Config, demoFPS int) (*VCamApp, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &VCamApp{
		config:    cfg,
		logger:    config.GetLoggerWithPrefix("app"),
		pool:      media.NewBufferPool(),
		demoFPS:   demoFPS,
		startTime: time.Now(),

		remoteKick: make(chan struct{}, 1),
		remoteQuit: make(chan struct{}),
		remoteDone: make(chan struct{}),
	}

	if err := app.build(); err != nil {
		app.closeComponents()
		return nil, err
	}
	if app.receiver != nil {
		go app.remoteLoop()
	} else {
		close(app.remoteDone)
	}
	return app, nil
}

func (app *VCamApp) build() error {
	cfg := app.config

	store, err := newActivationStore(cfg.Activation)
	if err != nil {
		return fmt.Errorf("failed to create activation store: %w", err)
	}
	app.store = store

	app.gate, err = activation.NewGate(store, cfg.Activation.Name, cfg.Activation.InitialActive)
	if err != nil {
		return fmt.Errorf("failed to create activation gate: %w", err)
	}

	app.metricsMgr, err = metrics.NewManager(context.Background(), cfg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create metrics manager: %w", err)
	}
	substitution := app.metricsMgr.Substitution()
	substitution.ObserveActivation(app.gate.IsActive())

	var source compositor.Source
	switch cfg.Source.Mode {
	case config.SourceModeAsset:
		source, err = app.buildAssetSource(substitution)
	case config.SourceModeRemote:
		source, err = app.buildRemoteSource(substitution)
	default:
		err = fmt.Errorf("unsupported source mode: %s", cfg.Source.Mode)
	}
	if err != nil {
		return err
	}

	app.compositor, err = compositor.NewCompositor(cfg.Compositor, app.gate, source, app.pool)
	if err != nil {
		return fmt.Errorf("failed to create compositor: %w", err)
	}
	app.compositor.SetObserver(substitution)

	app.gate.OnChange(app.onActivationChanged)

	app.webServer, err = webserver.NewWebServer(cfg.WebServer, app)
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}
	app.webServer.SetBuildInfo(webserver.BuildInfo{
		Version:   AppVersion,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	})
	if err := app.webServer.RegisterComponent("metrics", app.metricsMgr); err != nil {
		return err
	}
	if cfg.WebServer.EnableSignaling {
		app.relay = webserver.NewSignalingServer()
		if err := app.webServer.RegisterComponent("signaling", app.relay); err != nil {
			return err
		}
	}

	app.logger.Infof("✅ Components created: source=%s activation=%s/%s",
		source.Name(), cfg.Activation.Store, cfg.Activation.Name)
	return nil
}

func newActivationStore(cfg *config.ActivationConfig) (activation.Store, error) {
	if cfg.Store == "file" {
		return activation.NewFileStore(cfg.Directory)
	}
	return activation.NewMemoryStore(), nil
}

func (app *VCamApp) buildAssetSource(substitution *metrics.SubstitutionMetrics) (compositor.Source, error) {
	registry := asset.NewRegistry()
	gstdecoder.Register(registry)

	reader, err := asset.NewReader(app.config.Asset, registry, app.pool)
	if err != nil {
		return nil, fmt.Errorf("failed to create asset reader: %w", err)
	}
	app.reader = reader

	app.watcher = asset.NewWatcher(app.config.Asset.Path, app.config.Asset.PollInterval)
	reader.SetWatcher(app.watcher)
	reader.SetLoopCallback(substitution.ObserveAssetLoop)
	return reader, nil
}

func (app *VCamApp) buildRemoteSource(substitution *metrics.SubstitutionMetrics) (compositor.Source, error) {
	app.slot = signaling.NewFrameSlot(app.config.Remote.StaleFrameTimeout)
	listener := signaling.NewMultiListener(app.slot, substitution)

	opts := []signaling.Option{signaling.WithBufferPool(app.pool)}
	if app.config.Remote.Decoder == "gst" {
		opts = append(opts, signaling.WithDecoderFactory(func() (signaling.FrameDecoder, error) {
			return gstdecoder.NewVP8StreamDecoder()
		}))
	}

	receiver, err := signaling.NewReceiver(app.config.Remote, listener, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote receiver: %w", err)
	}
	app.receiver = receiver
	app.remote = receiver

	if err := substitution.TrackRemoteDrops(func() int64 {
		return receiver.Stats().FramesDropped
	}); err != nil {
		return nil, fmt.Errorf("failed to track remote drops: %w", err)
	}
	return app.slot, nil
}

// onActivationChanged 开关变化的副作用
// 可能在采集线程上执行，只做本地操作，接收器的启停交给 remoteLoop
func (app *VCamApp) onActivationChanged(active bool) {
	app.metricsMgr.Substitution().ObserveActivation(active)

	if !active {
		app.compositor.Release()
	}
	if app.receiver != nil {
		app.kickRemote()
	}
}

// kickRemote 通知 remoteLoop 按最新状态调整接收器，不阻塞
func (app *VCamApp) kickRemote() {
	select {
	case app.remoteKick <- struct{}{}:
	default:
	}
}

// remoteLoop 串行执行接收器的启停，每次都按当前开关和意图决定
func (app *VCamApp) remoteLoop() {
	defer close(app.remoteDone)
	for {
		select {
		case <-app.remoteQuit:
			return
		case <-app.remoteKick:
			app.syncRemote()
		}
	}
}

func (app *VCamApp) syncRemote() {
	app.remoteMu.Lock()
	wanted := app.remoteWanted
	remote := app.remote
	app.remoteMu.Unlock()

	if wanted && app.gate.IsActive() {
		if err := remote.Start(); err != nil {
			app.logger.Warnf("⚠️ Failed to start remote receiver: %v", err)
		}
		return
	}
	if remote.State() != signaling.StateDisconnected {
		remote.Stop(true)
	}
}

// stopRemoteLoop 停止 remoteLoop 并等待当前操作完成
func (app *VCamApp) stopRemoteLoop() {
	app.remoteStopOnce.Do(func() { close(app.remoteQuit) })
	<-app.remoteDone
}

// Run 启动所有组件并阻塞直到 ctx 结束或某个组件失败
func (app *VCamApp) Run(ctx context.Context) error {
	app.logger.Infof("🚀 Starting %s v%s (source=%s)", AppName, AppVersion, app.config.Source.Mode)

	var driver *demoDriver
	if app.demoFPS > 0 {
		var err error
		driver, err = newDemoDriver(app.compositor, app.pool, app.demoFPS, app.config.Compositor.PreviewFormat)
		if err != nil {
			return err
		}
	}

	if err := app.metricsMgr.Start(); err != nil {
		return fmt.Errorf("failed to start metrics manager: %w", err)
	}
	if app.relay != nil {
		if err := app.relay.Start(ctx); err != nil {
			return fmt.Errorf("failed to start signaling server: %w", err)
		}
	}

	if app.reader != nil {
		openCtx, cancel := context.WithTimeout(ctx, app.config.Lifecycle.StartupTimeout)
		if err := app.reader.Open(openCtx); err != nil {
			app.logger.Warnf("⚠️ Asset not ready yet (%s): %v", app.config.Asset.Path, err)
		}
		cancel()
	}

	// 选择 remote 模式即表示需要远端画面，开关激活后才真正连接
	if app.receiver != nil {
		if err := app.StartRemote(); err != nil {
			app.logger.Warnf("⚠️ Failed to start remote receiver: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.gate.Watch(gctx)
	})
	if app.watcher != nil {
		g.Go(func() error {
			return app.watcher.Run(gctx)
		})
	}

	g.Go(func() error {
		if err := app.webServer.Start(); err != nil {
			return fmt.Errorf("web server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Lifecycle.ShutdownTimeout)
		defer cancel()
		if err := app.webServer.Stop(shutdownCtx); err != nil {
			app.logger.Warnf("⚠️ Web server shutdown error: %v", err)
		}
		return nil
	})

	if driver != nil {
		app.compositor.NotifyStreamStarted()
		g.Go(func() error {
			defer app.compositor.NotifyStreamStopped()
			return driver.Run(gctx)
		})
	}

	app.logger.Infof("✅ %s started", AppName)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Shutdown 停止接收器并释放所有资源
func (app *VCamApp) Shutdown() error {
	app.logger.Info("🛑 Shutting down...")

	app.stopRemoteLoop()
	if app.receiver != nil {
		app.receiver.Stop(true)
	}
	if app.relay != nil && app.relay.IsRunning() {
		if err := app.relay.Stop(); err != nil {
			app.logger.Warnf("⚠️ Signaling server stop error: %v", err)
		}
	}
	if app.metricsMgr != nil && app.metricsMgr.IsRunning() {
		if err := app.metricsMgr.Stop(); err != nil {
			app.logger.Warnf("⚠️ Metrics manager stop error: %v", err)
		}
	}
	app.closeComponents()

	app.logger.Info("✅ Shutdown complete")
	return nil
}

func (app *VCamApp) closeComponents() {
	if app.compositor != nil {
		app.compositor.Release()
	}
	if app.receiver != nil {
		app.receiver.Close()
	}
	if app.slot != nil {
		app.slot.Close()
	}
	if app.reader != nil {
		app.reader.Close()
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.Debugf("Activation store close: %v", err)
		}
	}
}

// Status 引擎状态 (/api/status)
func (app *VCamApp) Status() map[string]interface{} {
	status := map[string]interface{}{
		"mode":       string(app.config.Source.Mode),
		"active":     app.gate.IsActive(),
		"activation": app.gate.Name(),
		"compositor": app.compositor.Stats(),
		"uptime":     time.Since(app.startTime).Seconds(),
		"buffers":    app.pool.Stats(),
	}
	if app.reader != nil {
		status["asset"] = app.reader.Stats()
	}
	if app.receiver != nil {
		status["remote"] = app.receiver.Stats()
		status["remote_receiving"] = app.slot.IsReceivingFrames()
	}
	if app.relay != nil {
		status["signaling"] = app.relay.GetStats()
	}
	return status
}

// HealthCheck 来源不可用时报告降级
func (app *VCamApp) HealthCheck() (map[string]interface{}, error) {
	details := map[string]interface{}{
		"mode":   string(app.config.Source.Mode),
		"active": app.gate.IsActive(),
	}

	if app.watcher != nil {
		available := app.watcher.Available()
		details["asset_available"] = available
		if !available {
			return details, fmt.Errorf("asset %s is not available", app.config.Asset.Path)
		}
	}
	if app.receiver != nil {
		state := app.receiver.State()
		details["remote_state"] = state.String()
		if state == signaling.StateError {
			return details, fmt.Errorf("remote receiver in error state")
		}
	}
	return details, nil
}

// IsActive 当前激活状态
func (app *VCamApp) IsActive() bool {
	return app.gate.IsActive()
}

// SetActive 设置并广播激活状态
func (app *VCamApp) SetActive(active bool) error {
	return app.gate.Activate(active)
}

// ToggleActive 翻转激活状态
func (app *VCamApp) ToggleActive() (bool, error) {
	return app.gate.Toggle()
}

// StartRemote 启动远端接收，开关未激活时只记录意图
func (app *VCamApp) StartRemote() error {
	if app.receiver == nil {
		return webserver.ErrRemoteUnavailable
	}
	app.remoteMu.Lock()
	app.remoteWanted = true
	app.remoteMu.Unlock()

	if !app.gate.IsActive() {
		app.logger.Info("Remote receiver will start once activation is on")
	}
	app.kickRemote()
	return nil
}

// StopRemote 停止远端接收 (发送 bye)
func (app *VCamApp) StopRemote() error {
	if app.receiver == nil {
		return webserver.ErrRemoteUnavailable
	}
	app.remoteMu.Lock()
	app.remoteWanted = false
	app.remoteMu.Unlock()

	app.kickRemote()
	return nil
}

// RemoteStats 远端接收统计
func (app *VCamApp) RemoteStats() (signaling.Stats, error) {
	if app.receiver == nil {
		return signaling.Stats{}, webserver.ErrRemoteUnavailable
	}
	return app.receiver.Stats(), nil
}

// LatestFrame 最近一次替换帧的拷贝
func (app *VCamApp) LatestFrame() (*media.SampleFrame, bool) {
	return app.compositor.LatestFrame()
}
