package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
)

// BuildInfo 版本信息
type BuildInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// WebServer 控制接口 Web 服务器
type WebServer struct {
	config     *config.WebServerConfig
	server     *http.Server
	router     *mux.Router
	controller Controller
	build      BuildInfo
	logger     *logrus.Entry

	mutex      sync.RWMutex
	running    bool
	addr       string
	startTime  time.Time
	components map[string]RouteSetup
	order      []string
}

// NewWebServer 创建Web服务器
func NewWebServer(cfg *config.WebServerConfig, controller Controller) (*WebServer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("webserver config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if controller == nil {
		return nil, fmt.Errorf("controller is required")
	}

	ws := &WebServer{
		config:     cfg,
		controller: controller,
		build:      BuildInfo{Version: "dev"},
		logger:     config.GetLoggerWithPrefix("webserver"),
		startTime:  time.Now(),
		components: make(map[string]RouteSetup),
	}

	ws.server = &http.Server{
		Addr:         cfg.Address(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return ws, nil
}

// SetBuildInfo 设置 /api/version 返回的版本信息
func (ws *WebServer) SetBuildInfo(info BuildInfo) {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()
	ws.build = info
}

// RegisterComponent 注册组件路由，需在启动前调用
func (ws *WebServer) RegisterComponent(name string, component RouteSetup) error {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	if ws.running {
		return fmt.Errorf("cannot register component %s while server is running", name)
	}
	if component == nil {
		return fmt.Errorf("component %s is nil", name)
	}
	if _, exists := ws.components[name]; exists {
		return fmt.Errorf("component %s already registered", name)
	}

	ws.components[name] = component
	ws.order = append(ws.order, name)
	ws.logger.Debugf("Component %s registered", name)
	return nil
}

// ListComponents 列出已注册的组件名称 (注册顺序)
func (ws *WebServer) ListComponents() []string {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()
	return append([]string(nil), ws.order...)
}

// Handler 构建路由并返回HTTP处理器
func (ws *WebServer) Handler() (http.Handler, error) {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	if err := ws.setupRoutes(); err != nil {
		return nil, err
	}
	return ws.router, nil
}

// Start 启动Web服务器，阻塞直到 Stop 被调用
func (ws *WebServer) Start() error {
	handler, err := ws.Handler()
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", ws.config.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ws.config.Address(), err)
	}

	ws.mutex.Lock()
	ws.server.Handler = handler
	ws.running = true
	ws.addr = listener.Addr().String()
	ws.startTime = time.Now()
	ws.mutex.Unlock()

	ws.logger.Infof("🌐 Web server listening on %s", listener.Addr())

	if ws.config.EnableTLS {
		err = ws.server.ServeTLS(listener, ws.config.TLS.CertFile, ws.config.TLS.KeyFile)
	} else {
		err = ws.server.Serve(listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop 停止Web服务器
func (ws *WebServer) Stop(ctx context.Context) error {
	ws.mutex.Lock()
	ws.running = false
	ws.mutex.Unlock()

	ws.logger.Info("Stopping web server...")
	return ws.server.Shutdown(ctx)
}

// IsRunning 检查服务器是否运行中
func (ws *WebServer) IsRunning() bool {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()
	return ws.running
}

// Addr 实际监听地址
func (ws *WebServer) Addr() string {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()
	return ws.addr
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ws.mutex.RLock()
	uptime := time.Since(ws.startTime).Seconds()
	components := append([]string(nil), ws.order...)
	version := ws.build.Version
	ws.mutex.RUnlock()

	ws.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "running",
		"timestamp":  time.Now().Unix(),
		"uptime":     uptime,
		"version":    version,
		"components": components,
		"engine":     ws.controller.Status(),
	})
}

func (ws *WebServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	ws.mutex.RLock()
	build := ws.build
	ws.mutex.RUnlock()

	ws.writeJSON(w, http.StatusOK, build)
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]interface{}{
		"webserver": true,
	}
	status, code := "healthy", http.StatusOK

	if checker, ok := ws.controller.(HealthChecker); ok {
		details, err := checker.HealthCheck()
		checks["engine"] = details
		if err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
			checks["error"] = err.Error()
		}
	}

	ws.writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// 工具方法
func (ws *WebServer) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		ws.logger.Errorf("Failed to encode JSON: %v", err)
	}
}

func (ws *WebServer) writeError(w http.ResponseWriter, code int, err error) {
	ws.writeJSON(w, code, map[string]interface{}{
		"error": err.Error(),
	})
}
