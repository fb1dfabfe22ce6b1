// Package compositor 将候选帧适配为与原始帧格式、尺寸、时间一致的替换帧
package compositor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// Source 候选帧来源 (素材读取器或远端接收槽)
type Source interface {
	// NextFrame 返回下一帧，调用方获得所有权
	NextFrame(ctx context.Context, target media.PixelFormat) (*media.SampleFrame, error)

	// Reset 使来源在下一次取帧时重新初始化
	Reset()

	// Name 来源名称
	Name() string
}

// Gate 激活开关
type Gate interface {
	CheckAndSync() bool
	IsActive() bool
}

// PreviewSink 预览显示队列
type PreviewSink interface {
	ReadyForMoreData() bool
	// Enqueue 取得帧的所有权
	Enqueue(frame *media.SampleFrame)
}

// Observer 替换结果观察者 (指标)
type Observer interface {
	ObserveSubstitution(result string)
	ObserveConversion(pair string, elapsed time.Duration, failed bool)
}

// 替换结果
const (
	ResultPassthrough = "passthrough"
	ResultCacheHit    = "cache_hit"
	ResultWrapped     = "wrapped"
	ResultConverted   = "converted"
	ResultFallback    = "fallback"
	ResultPattern     = "pattern"
)

// Stats 合成器统计
type Stats struct {
	Source             string `json:"source"`
	Streaming          bool   `json:"streaming"`
	Passthrough        int64  `json:"passthrough"`
	CacheHits          int64  `json:"cache_hits"`
	Wrapped            int64  `json:"wrapped"`
	Converted          int64  `json:"converted"`
	Fallbacks          int64  `json:"fallbacks"`
	ConversionFailures int64  `json:"conversion_failures"`
	LastError          string `json:"last_error,omitempty"`
}

// Compositor 帧合成器
type Compositor struct {
	cacheTTL      time.Duration
	sourceTimeout time.Duration
	previewFormat media.PixelFormat
	debugPattern  bool

	gate   Gate
	pool   *media.BufferPool
	store  *FrameStore
	logger *logrus.Entry

	mu         sync.RWMutex
	source     Source
	sink       PreviewSink
	onNewFrame func(*media.SampleFrame)
	observer   Observer

	clockMu sync.Mutex
	clock   media.MonotonicClock
	epoch   time.Time
	pattern *media.PatternGenerator

	streaming atomic.Bool

	passthrough        atomic.Int64
	cacheHits          atomic.Int64
	wrapped            atomic.Int64
	converted          atomic.Int64
	fallbacks          atomic.Int64
	conversionFailures atomic.Int64
	lastError          atomic.Value
}

// NewCompositor 创建合成器
func NewCompositor(cfg *config.CompositorConfig, gate Gate, source Source, pool *media.BufferPool) (*Compositor, error) {
	if cfg == nil {
		cfg = config.DefaultCompositorConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid compositor config: %w", err)
	}
	if gate == nil {
		return nil, fmt.Errorf("activation gate is required")
	}
	previewFormat, err := media.ParsePixelFormat(cfg.PreviewFormat)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = media.NewBufferPool()
	}

	return &Compositor{
		cacheTTL:      cfg.CacheTTL,
		sourceTimeout: cfg.SourceTimeout,
		previewFormat: previewFormat,
		debugPattern:  cfg.DebugPattern,
		gate:          gate,
		pool:          pool,
		store:         NewFrameStore(),
		logger:        config.GetLoggerWithPrefix("compositor"),
		source:        source,
		epoch:         time.Now(),
	}, nil
}

// SetSource 切换候选帧来源，同时清空缓存
func (c *Compositor) SetSource(source Source) {
	c.mu.Lock()
	c.source = source
	c.mu.Unlock()
	c.store.Clear()
}

// SetPreviewSink 设置预览显示队列
func (c *Compositor) SetPreviewSink(sink PreviewSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// SetNewFrameCallback 每生成一帧新的替换帧时回调，回调不得持有该帧
func (c *Compositor) SetNewFrameCallback(fn func(*media.SampleFrame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNewFrame = fn
}

// SetObserver 设置指标观察者
func (c *Compositor) SetObserver(observer Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = observer
}

// Store 返回帧缓存
func (c *Compositor) Store() *FrameStore {
	return c.store
}

// NotifyStreamStarted 采集流开始
func (c *Compositor) NotifyStreamStarted() {
	if c.streaming.Swap(true) {
		return
	}
	c.logger.Info("▶️ Capture stream started")
}

// NotifyStreamStopped 采集流停止，丢弃缓存
func (c *Compositor) NotifyStreamStopped() {
	if !c.streaming.Swap(false) {
		return
	}
	c.store.Clear()
	c.logger.Info("⏹️ Capture stream stopped")
}

// Release 释放缓存并让来源重新初始化 (开关关闭时调用)
func (c *Compositor) Release() {
	c.store.Clear()
	if src := c.currentSource(); src != nil {
		src.Reset()
	}
	c.logger.Debug("Compositor resources released")
}

// LatestFrame 返回最近一次替换帧的拷贝，调用方负责释放
func (c *Compositor) LatestFrame() (*media.SampleFrame, bool) {
	return c.store.Snapshot(nil)
}

// Stats 返回统计信息
func (c *Compositor) Stats() Stats {
	s := Stats{
		Streaming:          c.streaming.Load(),
		Passthrough:        c.passthrough.Load(),
		CacheHits:          c.cacheHits.Load(),
		Wrapped:            c.wrapped.Load(),
		Converted:          c.converted.Load(),
		Fallbacks:          c.fallbacks.Load(),
		ConversionFailures: c.conversionFailures.Load(),
	}
	if src := c.currentSource(); src != nil {
		s.Source = src.Name()
	}
	if v, ok := c.lastError.Load().(string); ok {
		s.LastError = v
	}
	return s
}

func (c *Compositor) currentSource() Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.source
}

func (c *Compositor) hooks() (PreviewSink, func(*media.SampleFrame), Observer) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sink, c.onNewFrame, c.observer
}

func (c *Compositor) observe(result string) {
	if _, _, observer := c.hooks(); observer != nil {
		observer.ObserveSubstitution(result)
	}
}

// Substitute 生成与 origin 格式、尺寸一致的替换帧
// origin 为 nil 时进入预览模式；任何失败都原样返回 origin
func (c *Compositor) Substitute(origin *media.SampleFrame, forceRenew bool) *media.SampleFrame {
	c.gate.CheckAndSync()
	if !c.gate.IsActive() {
		c.passthrough.Add(1)
		c.observe(ResultPassthrough)
		return origin
	}

	preview := origin == nil || origin.Frame == nil
	target := c.previewFormat
	var width, height int
	if !preview {
		target = origin.Format()
		width, height = origin.Size()
		if !target.IsCandidate() {
			return c.fallback(origin, fmt.Errorf("%w: origin format %s", media.ErrUnsupportedFormat, target))
		}
	}

	if !forceRenew {
		if cached, ok := c.fromCache(target, width, height, preview); ok {
			c.cacheHits.Add(1)
			c.observe(ResultCacheHit)
			return c.stamp(cached, origin, preview)
		}
	}

	source := c.currentSource()
	if source == nil {
		return c.fallback(origin, media.ErrSourceUnavailable)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.sourceTimeout)
	candidate, err := source.NextFrame(ctx, target)
	cancel()
	if err != nil {
		return c.fallback(origin, err)
	}
	if candidate == nil || candidate.Frame == nil {
		return c.fallback(origin, media.ErrSourceUnavailable)
	}

	if preview {
		width, height = candidate.Size()
	}

	var out *media.SampleFrame
	result := ResultWrapped
	if candidate.Frame.Matches(target, width, height) {
		out = candidate
	} else {
		result = ResultConverted
		out, err = c.convert(candidate, target, width, height)
		candidate.Release()
		if err != nil {
			c.conversionFailures.Add(1)
			source.Reset()
			return c.fallback(origin, err)
		}
	}

	if !out.Frame.Matches(target, width, height) {
		out.Release()
		return c.fallback(origin, fmt.Errorf("%w: produced %s, want %s %dx%d",
			media.ErrFormatConversionFailed, out.Frame, target, width, height))
	}

	out = c.stamp(out, origin, preview)
	c.publish(out)

	if result == ResultWrapped {
		c.wrapped.Add(1)
	} else {
		c.converted.Add(1)
	}
	c.observe(result)
	return out
}

// fromCache 缓存仍在有效期内且格式尺寸一致时返回拷贝
func (c *Compositor) fromCache(target media.PixelFormat, width, height int, preview bool) (*media.SampleFrame, bool) {
	if c.cacheTTL <= 0 {
		return nil, false
	}
	now := time.Now()
	return c.store.Snapshot(func(info StoreInfo) bool {
		if now.Sub(info.StoredAt) > c.cacheTTL || info.Format != target {
			return false
		}
		return preview || (info.Width == width && info.Height == height)
	})
}

// convert 在新缓冲区中生成目标格式帧，失败时不留下任何半成品
func (c *Compositor) convert(candidate *media.SampleFrame, target media.PixelFormat, width, height int) (*media.SampleFrame, error) {
	start := time.Now()
	pair := candidate.Format().String() + "->" + target.String()
	_, _, observer := c.hooks()

	dst, err := media.NewRawFrame(c.pool, target, width, height)
	if err != nil {
		if observer != nil {
			observer.ObserveConversion(pair, time.Since(start), true)
		}
		return nil, fmt.Errorf("%w: allocate %s %dx%d: %v", media.ErrFormatConversionFailed, target, width, height, err)
	}
	media.FillBlack(dst)

	if err := media.Convert(dst, candidate.Frame); err != nil {
		dst.Release()
		if observer != nil {
			observer.ObserveConversion(pair, time.Since(start), true)
		}
		if !errors.Is(err, media.ErrFormatConversionFailed) {
			err = fmt.Errorf("%w: %v", media.ErrFormatConversionFailed, err)
		}
		return nil, err
	}

	if observer != nil {
		observer.ObserveConversion(pair, time.Since(start), false)
	}
	return media.NewSampleFrame(dst, candidate.Timing), nil
}

// stamp 复制原始帧的时间信息，预览模式下使用挂钟时间
func (c *Compositor) stamp(out, origin *media.SampleFrame, preview bool) *media.SampleFrame {
	if !preview {
		out.Timing = origin.Timing
		if origin.Description != nil && origin.Description.Matches(out.Frame) {
			desc := *origin.Description
			out.Description = &desc
		}
		return out
	}

	c.clockMu.Lock()
	pts := c.clock.Stamp(media.TimeFromDuration(time.Since(c.epoch), media.DefaultTimescale))
	c.clockMu.Unlock()

	out.Timing.PresentationTimestamp = pts
	out.Timing.DecodeTimestamp = pts
	return out
}

// publish 缓存一份拷贝并推送到预览队列
func (c *Compositor) publish(out *media.SampleFrame) {
	sink, onNewFrame, _ := c.hooks()

	if clone, err := out.Clone(); err == nil {
		c.store.Swap(clone, time.Now())
	} else {
		c.logger.Debugf("Failed to cache substitute frame: %v", err)
	}

	if sink != nil && sink.ReadyForMoreData() {
		if clone, err := out.Clone(); err == nil {
			sink.Enqueue(clone)
		}
	}

	if onNewFrame != nil {
		onNewFrame(out)
	}
}

// fallback 原样返回 origin，调试模式下输出测试图案
func (c *Compositor) fallback(origin *media.SampleFrame, err error) *media.SampleFrame {
	c.fallbacks.Add(1)
	c.lastError.Store(err.Error())

	switch {
	case errors.Is(err, media.ErrSourceUnavailable), errors.Is(err, context.DeadlineExceeded):
		c.logger.Debugf("Source unavailable, passing origin through (fallbacks=%d): %v", c.fallbacks.Load(), err)
	case errors.Is(err, media.ErrFormatConversionFailed):
		c.logger.Warnf("⚠️ Conversion failed, passing origin through (failures=%d, format=%s): %v",
			c.conversionFailures.Load(), origin.Format(), err)
	default:
		c.logger.Warnf("⚠️ Substitution failed, passing origin through (fallbacks=%d): %v", c.fallbacks.Load(), err)
	}

	if c.debugPattern {
		if frame := c.patternFrame(origin); frame != nil {
			c.observe(ResultPattern)
			return frame
		}
	}

	c.observe(ResultFallback)
	return origin
}

// patternFrame 生成与 origin 一致的诊断图案
func (c *Compositor) patternFrame(origin *media.SampleFrame) *media.SampleFrame {
	if origin == nil || origin.Frame == nil || !origin.Format().IsCandidate() {
		return nil
	}
	w, h := origin.Size()

	c.clockMu.Lock()
	if c.pattern == nil || c.pattern.Width() != w || c.pattern.Height() != h {
		c.pattern = media.NewPatternGenerator(c.pool, w, h)
	}
	frame, err := c.pattern.Next(origin.Format())
	c.clockMu.Unlock()
	if err != nil {
		return nil
	}

	out := media.NewSampleFrame(frame, origin.Timing)
	return out
}
