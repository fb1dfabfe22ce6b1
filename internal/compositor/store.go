package compositor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// storedFrame 缓存条目，引用计数归零时释放缓冲区
type storedFrame struct {
	frame    *media.SampleFrame
	storedAt time.Time
	refs     atomic.Int32
}

func (e *storedFrame) release() {
	if e != nil && e.refs.Add(-1) == 0 {
		e.frame.Release()
	}
}

// StoreInfo 缓存帧的元数据
type StoreInfo struct {
	Format   media.PixelFormat
	Width    int
	Height   int
	Timing   media.TimingInfo
	StoredAt time.Time
}

// FrameStore 线程安全的单槽缓存，保存最近一次生成的替换帧
// 锁内只做指针交换，拷贝与释放都在锁外进行
type FrameStore struct {
	mu    sync.Mutex
	entry *storedFrame
}

// NewFrameStore 创建空缓存
func NewFrameStore() *FrameStore {
	return &FrameStore{}
}

// Swap 存入新帧 (取得所有权)，释放之前的条目
func (s *FrameStore) Swap(frame *media.SampleFrame, at time.Time) {
	var entry *storedFrame
	if frame != nil {
		entry = &storedFrame{frame: frame, storedAt: at}
		entry.refs.Store(1)
	}

	s.mu.Lock()
	prev := s.entry
	s.entry = entry
	s.mu.Unlock()

	prev.release()
}

// Clear 清空缓存
func (s *FrameStore) Clear() {
	s.Swap(nil, time.Time{})
}

func (s *FrameStore) acquire() *storedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry != nil {
		s.entry.refs.Add(1)
	}
	return s.entry
}

// Snapshot 当 accept 返回 true 时返回缓存帧的拷贝，调用方负责释放
func (s *FrameStore) Snapshot(accept func(info StoreInfo) bool) (*media.SampleFrame, bool) {
	entry := s.acquire()
	if entry == nil {
		return nil, false
	}
	defer entry.release()

	if accept != nil && !accept(entry.info()) {
		return nil, false
	}

	clone, err := entry.frame.Clone()
	if err != nil {
		return nil, false
	}
	return clone, true
}

// Info 返回缓存帧的元数据
func (s *FrameStore) Info() (StoreInfo, bool) {
	entry := s.acquire()
	if entry == nil {
		return StoreInfo{}, false
	}
	defer entry.release()
	return entry.info(), true
}

func (e *storedFrame) info() StoreInfo {
	w, h := e.frame.Size()
	return StoreInfo{
		Format:   e.frame.Format(),
		Width:    w,
		Height:   h,
		Timing:   e.frame.Timing,
		StoredAt: e.storedAt,
	}
}
