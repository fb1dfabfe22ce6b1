package signaling

import (
	"sync"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// ConnectionState 接收器连接状态
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Listener 接收器事件监听者
// 回调在接收器内部协程上执行，不得同步调用接收器的方法
type Listener interface {
	OnStateChanged(state ConnectionState)

	// OnVideoFrame 帧只在回调期间有效，需要保留时自行 Clone
	OnVideoFrame(frame *media.SampleFrame)

	OnStatusMessage(message string)
}

// MultiListener 将事件分发给多个监听者
type MultiListener struct {
	mu        sync.RWMutex
	listeners []Listener
}

// NewMultiListener 创建分发器
func NewMultiListener(listeners ...Listener) *MultiListener {
	m := &MultiListener{}
	for _, l := range listeners {
		m.Add(l)
	}
	return m
}

// Add 添加监听者
func (m *MultiListener) Add(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *MultiListener) snapshot() []Listener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Listener(nil), m.listeners...)
}

func (m *MultiListener) OnStateChanged(state ConnectionState) {
	for _, l := range m.snapshot() {
		l.OnStateChanged(state)
	}
}

func (m *MultiListener) OnVideoFrame(frame *media.SampleFrame) {
	for _, l := range m.snapshot() {
		l.OnVideoFrame(frame)
	}
}

func (m *MultiListener) OnStatusMessage(message string) {
	for _, l := range m.snapshot() {
		l.OnStatusMessage(message)
	}
}

// ListenerFuncs 用函数实现 Listener，未设置的回调忽略
type ListenerFuncs struct {
	StateChanged  func(ConnectionState)
	VideoFrame    func(*media.SampleFrame)
	StatusMessage func(string)
}

func (f ListenerFuncs) OnStateChanged(state ConnectionState) {
	if f.StateChanged != nil {
		f.StateChanged(state)
	}
}

func (f ListenerFuncs) OnVideoFrame(frame *media.SampleFrame) {
	if f.VideoFrame != nil {
		f.VideoFrame(frame)
	}
}

func (f ListenerFuncs) OnStatusMessage(message string) {
	if f.StatusMessage != nil {
		f.StatusMessage(message)
	}
}
