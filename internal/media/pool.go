package media

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

const (
	minPoolShift = 10 // 1 KiB
	maxPoolShift = 26 // 64 MiB
)

// BufferPool 按 2 的幂分级复用像素缓冲区
type BufferPool struct {
	buckets [maxPoolShift - minPoolShift + 1]sync.Pool

	allocated atomic.Int64
	reused    atomic.Int64
	inUse     atomic.Int64
}

// PoolStats 缓冲池统计
type PoolStats struct {
	Allocated int64 `json:"allocated"`
	Reused    int64 `json:"reused"`
	InUse     int64 `json:"in_use"`
}

// NewBufferPool 创建缓冲池
func NewBufferPool() *BufferPool {
	return &BufferPool{}
}

func bucketIndex(size int) (int, bool) {
	if size <= 1<<minPoolShift {
		return 0, true
	}
	shift := bits.Len(uint(size - 1))
	if shift > maxPoolShift {
		return 0, false
	}
	return shift - minPoolShift, true
}

// Get 获取长度为 size 的缓冲区，内容未清零
func (p *BufferPool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	p.inUse.Add(1)
	idx, ok := bucketIndex(size)
	if !ok {
		p.allocated.Add(1)
		return make([]byte, size)
	}
	if v := p.buckets[idx].Get(); v != nil {
		buf := *(v.(*[]byte))
		p.reused.Add(1)
		return buf[:size]
	}
	p.allocated.Add(1)
	return make([]byte, size, 1<<(idx+minPoolShift))
}

// Put 归还缓冲区
func (p *BufferPool) Put(buf []byte) {
	if buf == nil {
		return
	}
	p.inUse.Add(-1)
	c := cap(buf)
	idx, ok := bucketIndex(c)
	if !ok || c != 1<<(idx+minPoolShift) {
		return
	}
	buf = buf[:c]
	p.buckets[idx].Put(&buf)
}

// Stats 返回统计快照
func (p *BufferPool) Stats() PoolStats {
	return PoolStats{
		Allocated: p.allocated.Load(),
		Reused:    p.reused.Load(),
		InUse:     p.inUse.Load(),
	}
}
