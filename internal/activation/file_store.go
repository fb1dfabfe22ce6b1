package activation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
)

// FileStore 基于共享目录的存储，每个开关对应一个文件
// 写入使用临时文件加 rename 保证原子性，变化通过 fsnotify 通知
type FileStore struct {
	dir     string
	watcher *fsnotify.Watcher
	subs    *subscriberSet
	logger  *logrus.Entry

	mu     sync.RWMutex
	cache  map[string]cachedFlag
	closed bool

	// 串行化磁盘读写与缓存更新，监听到的旧内容不会覆盖新写入的值
	ioMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

type cachedFlag struct {
	value   bool
	present bool
}

// NewFileStore 在 dir 下创建文件存储并开始监听变化
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create activation directory %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s := &FileStore{
		dir:     dir,
		watcher: watcher,
		subs:    newSubscriberSet(),
		logger:  config.GetLoggerWithPrefix("activation-store"),
		cache:   make(map[string]cachedFlag),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.watchLoop()

	s.logger.Debugf("📂 Activation file store watching %s", dir)
	return s, nil
}

// Dir 返回共享目录
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Get 读取开关值，优先使用监听维护的缓存
func (s *FileStore) Get(name string) (bool, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false, ErrStoreClosed
	}
	entry, ok := s.cache[name]
	s.mu.RUnlock()

	if !ok {
		var err error
		if entry, err = s.fill(name); err != nil {
			return false, err
		}
	}

	if !entry.present {
		return false, ErrFlagNotSet
	}
	return entry.value, nil
}

// Set 原子写入开关值
func (s *FileStore) Set(name string, value bool) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrStoreClosed
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(strconv.FormatBool(value) + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write flag %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	s.ioMu.Lock()
	if err := os.Rename(tmpName, s.path(name)); err != nil {
		s.ioMu.Unlock()
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish flag %s: %w", name, err)
	}
	changed := s.update(name, cachedFlag{value: value, present: true})
	s.ioMu.Unlock()

	if changed {
		s.subs.notify(name, value)
	}
	return nil
}

// Subscribe 订阅开关变化
func (s *FileStore) Subscribe(name string, fn func(bool)) (func(), error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.subs.add(name, fn), nil
}

// Close 停止监听
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

// load 从磁盘读取开关
func (s *FileStore) load(name string) (cachedFlag, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return cachedFlag{}, nil
	}
	if err != nil {
		return cachedFlag{}, fmt.Errorf("failed to read flag %s: %w", name, err)
	}

	value, err := strconv.ParseBool(strings.TrimSpace(string(data)))
	if err != nil {
		return cachedFlag{}, fmt.Errorf("invalid flag content in %s: %w", name, err)
	}
	return cachedFlag{value: value, present: true}, nil
}

// fill 缓存未命中时从磁盘加载
func (s *FileStore) fill(name string) (cachedFlag, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.RLock()
	entry, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return entry, nil
	}

	entry, err := s.load(name)
	if err != nil {
		return cachedFlag{}, err
	}
	s.mu.Lock()
	s.cache[name] = entry
	s.mu.Unlock()
	return entry, nil
}

// update 更新缓存，返回是否需要通知订阅者
func (s *FileStore) update(name string, entry cachedFlag) bool {
	s.mu.Lock()
	prev, known := s.cache[name]
	s.cache[name] = entry
	s.mu.Unlock()

	if !entry.present {
		return false
	}
	return !known || !prev.present || prev.value != entry.value
}

func (s *FileStore) watchLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if strings.HasPrefix(name, ".") {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			s.ioMu.Lock()
			entry, err := s.load(name)
			if err != nil {
				s.ioMu.Unlock()
				s.logger.Warnf("⚠️ Failed to reload flag %s: %v", name, err)
				continue
			}
			changed := s.update(name, entry)
			s.ioMu.Unlock()

			s.logger.Tracef("🔔 Flag %s changed on disk: present=%t value=%t", name, entry.present, entry.value)
			if changed {
				s.subs.notify(name, entry.value)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warnf("⚠️ Activation watcher error: %v", err)
		}
	}
}
