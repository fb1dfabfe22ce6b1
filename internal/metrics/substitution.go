package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/open-beagle/bdwind-vcam/internal/media"
	"github.com/open-beagle/bdwind-vcam/internal/signaling"
)

// 指标名称前缀
const namespace = "bdwind_vcam"

// 转换延迟分桶 (秒)
var conversionBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1}

var connectionStates = []signaling.ConnectionState{
	signaling.StateDisconnected,
	signaling.StateConnecting,
	signaling.StateConnected,
	signaling.StateError,
	signaling.StateReconnecting,
}

// SubstitutionSnapshot 供 /api/status 使用的指标快照
type SubstitutionSnapshot struct {
	Substitutions      map[string]int64 `json:"substitutions"`
	ConversionFailures map[string]int64 `json:"conversion_failures"`
	AssetLoops         int64            `json:"asset_loops"`
	RemoteFrames       int64            `json:"remote_frames"`
	ReconnectAttempts  int64            `json:"reconnect_attempts"`
	ConnectionState    string           `json:"connection_state"`
	Active             bool             `json:"active"`
	LastStatus         string           `json:"last_status,omitempty"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// SubstitutionMetrics 帧替换指标
// 同时作为合成器观察者和远端接收器监听者使用
type SubstitutionMetrics struct {
	substitutions      Counter
	conversionFailures Counter
	conversionLatency  Histogram
	assetLoops         Counter
	remoteFrames       Counter
	reconnects         Counter
	connectionState    Gauge
	activation         Gauge
	registry           *prometheus.Registry

	mu       sync.RWMutex
	snapshot SubstitutionSnapshot
}

// NewSubstitutionMetrics 在 m 上注册全部替换相关指标
func NewSubstitutionMetrics(m Metrics) (*SubstitutionMetrics, error) {
	s := &SubstitutionMetrics{
		registry: m.GetRegistry(),
		snapshot: SubstitutionSnapshot{
			Substitutions:      make(map[string]int64),
			ConversionFailures: make(map[string]int64),
			ConnectionState:    signaling.StateDisconnected.String(),
		},
	}

	var err error
	if s.substitutions, err = m.RegisterCounter(namespace+"_substitutions_total",
		"Substitution calls by result", []string{"result"}); err != nil {
		return nil, fmt.Errorf("failed to register substitutions: %w", err)
	}
	if s.conversionFailures, err = m.RegisterCounter(namespace+"_conversion_failures_total",
		"Format conversion failures by source and target format", []string{"pair"}); err != nil {
		return nil, fmt.Errorf("failed to register conversion failures: %w", err)
	}
	if s.conversionLatency, err = m.RegisterHistogram(namespace+"_conversion_seconds",
		"Format conversion latency in seconds", []string{"pair"}, conversionBuckets); err != nil {
		return nil, fmt.Errorf("failed to register conversion latency: %w", err)
	}
	if s.assetLoops, err = m.RegisterCounter(namespace+"_asset_loops_total",
		"Completed asset playback loops", nil); err != nil {
		return nil, fmt.Errorf("failed to register asset loops: %w", err)
	}
	if s.remoteFrames, err = m.RegisterCounter(namespace+"_remote_frames_total",
		"Decoded frames delivered by the remote receiver", nil); err != nil {
		return nil, fmt.Errorf("failed to register remote frames: %w", err)
	}
	if s.reconnects, err = m.RegisterCounter(namespace+"_reconnect_attempts_total",
		"Entries into the reconnecting state", nil); err != nil {
		return nil, fmt.Errorf("failed to register reconnects: %w", err)
	}
	if s.connectionState, err = m.RegisterGauge(namespace+"_connection_state",
		"Remote connection state, 1 for the current state", []string{"state"}); err != nil {
		return nil, fmt.Errorf("failed to register connection state: %w", err)
	}
	if s.activation, err = m.RegisterGauge(namespace+"_activation",
		"1 when substitution is active", nil); err != nil {
		return nil, fmt.Errorf("failed to register activation: %w", err)
	}

	s.setConnectionGauge(signaling.StateDisconnected)
	s.activation.Set(0)
	return s, nil
}

// ObserveSubstitution 记录一次替换结果
func (s *SubstitutionMetrics) ObserveSubstitution(result string) {
	s.substitutions.Inc(result)

	s.mu.Lock()
	s.snapshot.Substitutions[result]++
	s.snapshot.UpdatedAt = time.Now()
	s.mu.Unlock()
}

// ObserveConversion 记录一次格式转换
func (s *SubstitutionMetrics) ObserveConversion(pair string, elapsed time.Duration, failed bool) {
	if failed {
		s.conversionFailures.Inc(pair)
		s.mu.Lock()
		s.snapshot.ConversionFailures[pair]++
		s.mu.Unlock()
		return
	}
	s.conversionLatency.Observe(elapsed.Seconds(), pair)
}

// ObserveAssetLoop 素材回到起点
func (s *SubstitutionMetrics) ObserveAssetLoop(loops int64) {
	s.assetLoops.Inc()

	s.mu.Lock()
	s.snapshot.AssetLoops = loops
	s.mu.Unlock()
}

// ObserveActivation 更新开关指标
func (s *SubstitutionMetrics) ObserveActivation(active bool) {
	value := 0.0
	if active {
		value = 1
	}
	s.activation.Set(value)

	s.mu.Lock()
	s.snapshot.Active = active
	s.mu.Unlock()
}

// TrackRemoteDrops 以接收器自身计数暴露丢帧数
func (s *SubstitutionMetrics) TrackRemoteDrops(dropped func() int64) error {
	return s.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: namespace + "_remote_frames_dropped_total",
		Help: "Remote frames dropped before decoding",
	}, func() float64 {
		return float64(dropped())
	}))
}

// OnStateChanged 记录连接状态
func (s *SubstitutionMetrics) OnStateChanged(state signaling.ConnectionState) {
	s.setConnectionGauge(state)
	if state == signaling.StateReconnecting {
		s.reconnects.Inc()
	}

	s.mu.Lock()
	s.snapshot.ConnectionState = state.String()
	if state == signaling.StateReconnecting {
		s.snapshot.ReconnectAttempts++
	}
	s.mu.Unlock()
}

// OnVideoFrame 记录远端帧
func (s *SubstitutionMetrics) OnVideoFrame(*media.SampleFrame) {
	s.remoteFrames.Inc()

	s.mu.Lock()
	s.snapshot.RemoteFrames++
	s.mu.Unlock()
}

// OnStatusMessage 保存最近一条状态消息
func (s *SubstitutionMetrics) OnStatusMessage(message string) {
	s.mu.Lock()
	s.snapshot.LastStatus = message
	s.mu.Unlock()
}

// Snapshot 返回当前快照的副本
func (s *SubstitutionMetrics) Snapshot() SubstitutionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.snapshot
	snap.Substitutions = make(map[string]int64, len(s.snapshot.Substitutions))
	for k, v := range s.snapshot.Substitutions {
		snap.Substitutions[k] = v
	}
	snap.ConversionFailures = make(map[string]int64, len(s.snapshot.ConversionFailures))
	for k, v := range s.snapshot.ConversionFailures {
		snap.ConversionFailures[k] = v
	}
	return snap
}

func (s *SubstitutionMetrics) setConnectionGauge(current signaling.ConnectionState) {
	for _, state := range connectionStates {
		value := 0.0
		if state == current {
			value = 1
		}
		s.connectionState.Set(value, state.String())
	}
}
