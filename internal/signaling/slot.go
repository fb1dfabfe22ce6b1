package signaling

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// FrameSlot 保存最近一帧远端画面，作为合成器的候选帧来源
type FrameSlot struct {
	staleAfter time.Duration
	logger     *logrus.Entry

	mu         sync.Mutex
	frame      *media.SampleFrame
	receivedAt time.Time
	width      int
	height     int
	lastStatus string

	state    atomic.Int32
	framesIn atomic.Int64
	served   atomic.Int64
}

// NewFrameSlot 创建帧槽，超过 staleAfter 未更新的帧视为不可用
func NewFrameSlot(staleAfter time.Duration) *FrameSlot {
	return &FrameSlot{
		staleAfter: staleAfter,
		logger:     config.GetLoggerWithPrefix("remote-slot"),
	}
}

// Name 来源名称
func (s *FrameSlot) Name() string {
	return "remote"
}

func (s *FrameSlot) OnStateChanged(state ConnectionState) {
	s.state.Store(int32(state))
	if state == StateDisconnected {
		s.clear()
	}
}

func (s *FrameSlot) OnVideoFrame(frame *media.SampleFrame) {
	clone, err := frame.Clone()
	if err != nil {
		s.logger.Debugf("Failed to keep remote frame: %v", err)
		return
	}
	w, h := clone.Size()

	s.mu.Lock()
	prev := s.frame
	s.frame = clone
	s.receivedAt = time.Now()
	if w != s.width || h != s.height {
		s.logger.Infof("📐 Remote frame size: %dx%d", w, h)
	}
	s.width, s.height = w, h
	s.mu.Unlock()

	s.framesIn.Add(1)
	prev.Release()
}

func (s *FrameSlot) OnStatusMessage(message string) {
	s.mu.Lock()
	s.lastStatus = message
	s.mu.Unlock()
	s.logger.Debugf("Remote status: %s", message)
}

// NextFrame 返回最近一帧的拷贝，格式由合成器负责转换
func (s *FrameSlot) NextFrame(ctx context.Context, _ media.PixelFormat) (*media.SampleFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if state := ConnectionState(s.state.Load()); state != StateConnected {
		return nil, fmt.Errorf("%w: remote %s", media.ErrSourceUnavailable, state)
	}

	s.mu.Lock()
	frame, receivedAt := s.frame, s.receivedAt
	if frame == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: no remote frame yet", media.ErrSourceUnavailable)
	}
	if s.staleAfter > 0 && time.Since(receivedAt) > s.staleAfter {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: remote frame stale for %v", media.ErrSourceUnavailable,
			time.Since(receivedAt).Truncate(time.Millisecond))
	}
	clone, err := frame.Clone()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.served.Add(1)
	return clone, nil
}

// Reset 丢弃当前帧，等待下一帧远端画面
func (s *FrameSlot) Reset() {
	s.clear()
}

// IsReceivingFrames 是否有新鲜的远端帧
func (s *FrameSlot) IsReceivingFrames() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame != nil && (s.staleAfter <= 0 || time.Since(s.receivedAt) <= s.staleAfter)
}

// LastFrameSize 最近一帧的尺寸
func (s *FrameSlot) LastFrameSize() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// LastStatus 最近一条状态消息
func (s *FrameSlot) LastStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

// FramesReceived 收到的帧数
func (s *FrameSlot) FramesReceived() int64 {
	return s.framesIn.Load()
}

// FramesServed 交给合成器的帧数
func (s *FrameSlot) FramesServed() int64 {
	return s.served.Load()
}

// Close 释放缓存帧
func (s *FrameSlot) Close() {
	s.clear()
}

func (s *FrameSlot) clear() {
	s.mu.Lock()
	prev := s.frame
	s.frame = nil
	s.mu.Unlock()
	prev.Release()
}
