package activation

import (
	"errors"
	"sync"
)

var (
	// ErrFlagNotSet 外部尚未写入该开关
	ErrFlagNotSet = errors.New("activation: flag not set")

	// ErrStoreClosed 存储已关闭
	ErrStoreClosed = errors.New("activation: store closed")
)

// Store 跨进程共享的命名布尔状态 (设置/读取/订阅变化)
type Store interface {
	// Get 读取开关值，从未写入时返回 ErrFlagNotSet
	Get(name string) (bool, error)

	// Set 写入开关值并通知所有订阅者
	Set(name string, value bool) error

	// Subscribe 订阅开关变化，返回取消函数
	Subscribe(name string, fn func(bool)) (func(), error)

	// Close 释放存储资源
	Close() error
}

// subscriberSet 按名称分组的订阅回调
type subscriberSet struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func(bool)
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{subs: make(map[string]map[int]func(bool))}
}

func (s *subscriberSet) add(name string, fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	if s.subs[name] == nil {
		s.subs[name] = make(map[int]func(bool))
	}
	s.subs[name][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[name], id)
		})
	}
}

// notify 在锁外调用回调，回调内可以安全地再次访问存储
func (s *subscriberSet) notify(name string, value bool) {
	s.mu.Lock()
	fns := make([]func(bool), 0, len(s.subs[name]))
	for _, fn := range s.subs[name] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}

// MemoryStore 进程内存储，用于单进程部署和测试
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]bool
	closed bool
	subs   *subscriberSet
}

// NewMemoryStore 创建进程内存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]bool),
		subs:   newSubscriberSet(),
	}
}

// Get 读取开关值
func (m *MemoryStore) Get(name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, ErrStoreClosed
	}
	value, ok := m.values[name]
	if !ok {
		return false, ErrFlagNotSet
	}
	return value, nil
}

// Set 写入开关值
func (m *MemoryStore) Set(name string, value bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStoreClosed
	}
	m.values[name] = value
	m.mu.Unlock()

	m.subs.notify(name, value)
	return nil
}

// Subscribe 订阅开关变化
func (m *MemoryStore) Subscribe(name string, fn func(bool)) (func(), error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	return m.subs.add(name, fn), nil
}

// Close 关闭存储
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
