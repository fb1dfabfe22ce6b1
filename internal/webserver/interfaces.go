package webserver

import (
	"errors"

	"github.com/gorilla/mux"

	"github.com/open-beagle/bdwind-vcam/internal/media"
	"github.com/open-beagle/bdwind-vcam/internal/signaling"
)

// ErrRemoteUnavailable 当前来源不是远端接收器
var ErrRemoteUnavailable = errors.New("webserver: remote receiver not configured")

// RouteSetup 路由设置接口
// 所有需要注册HTTP路由的组件都应该实现此接口
type RouteSetup interface {
	// SetupRoutes 设置组件的HTTP路由
	SetupRoutes(router *mux.Router) error
}

// Controller 控制接口依赖的引擎操作，由应用层实现
type Controller interface {
	// Status 引擎整体状态
	Status() map[string]interface{}

	// IsActive 替换开关当前值
	IsActive() bool

	// SetActive 设置并广播替换开关
	SetActive(active bool) error

	// ToggleActive 翻转替换开关并返回新值
	ToggleActive() (bool, error)

	// StartRemote 启动远端接收，未配置时返回 ErrRemoteUnavailable
	StartRemote() error

	// StopRemote 由用户停止远端接收
	StopRemote() error

	// RemoteStats 远端接收统计
	RemoteStats() (signaling.Stats, error)

	// LatestFrame 最近一次替换帧的拷贝，调用方负责释放
	LatestFrame() (*media.SampleFrame, bool)
}

// HealthChecker 健康检查接口
type HealthChecker interface {
	HealthCheck() (map[string]interface{}, error)
}
