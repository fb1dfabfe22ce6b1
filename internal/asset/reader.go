package asset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// State 读取器状态
type State int32

const (
	StateIdle State = iota
	StateReady
	StateClosed
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ReaderStats 读取器统计信息
type ReaderStats struct {
	State         string     `json:"state"`
	Path          string     `json:"path"`
	Decoder       string     `json:"decoder"`
	Stream        StreamInfo `json:"stream"`
	Loops         int64      `json:"loops"`
	FrameIndex    int64      `json:"frame_index"`
	FramesEmitted int64      `json:"frames_emitted"`
	LastError     string     `json:"last_error,omitempty"`
}

type requestKind int

const (
	requestOpen requestKind = iota
	requestNext
)

type request struct {
	ctx    context.Context
	kind   requestKind
	target media.PixelFormat
	reply  chan result
	claim  *atomic.Int32
}

const (
	claimPending int32 = iota
	claimDelivered
	claimAbandoned
)

func newRequest(ctx context.Context, kind requestKind, target media.PixelFormat) request {
	return request{
		ctx:    ctx,
		kind:   kind,
		target: target,
		reply:  make(chan result, 1),
		claim:  new(atomic.Int32),
	}
}

// deliver 把结果交给调用方，调用方已放弃时释放帧
func (req request) deliver(res result) bool {
	if req.ctx.Err() != nil || !req.claim.CompareAndSwap(claimPending, claimDelivered) {
		res.frame.Release()
		return false
	}
	req.reply <- res
	return true
}

// abandon 调用方超时放弃等待，已交付的结果由调用方释放
func (req request) abandon() {
	if req.claim.CompareAndSwap(claimPending, claimAbandoned) {
		return
	}
	res := <-req.reply
	res.frame.Release()
}

type result struct {
	frame *media.SampleFrame
	err   error
}

// Reader 循环读取素材的候选帧生成器
// 所有解码都在私有工作协程中串行执行，外部调用阻塞等待结果
type Reader struct {
	path      string
	decoder   string
	fullRange bool
	timeout   time.Duration
	registry  *Registry
	pool      *media.BufferPool
	watcher   *Watcher
	logger    *logrus.Entry

	requests chan request
	done     chan struct{}
	wg       sync.WaitGroup
	closeMu  sync.Once

	state         atomic.Int32
	loops         atomic.Int64
	frameIndex    atomic.Int64
	framesEmitted atomic.Int64
	resetPending  atomic.Bool

	statsMu   sync.RWMutex
	name      string
	info      StreamInfo
	lastError string

	onLoop func(loops int64)

	// 以下字段只在工作协程中访问
	dec     Decoder
	pending *DecodedFrame
	clock   media.MonotonicClock
	lastEnd media.Time
}

// NewReader 创建读取器并启动工作协程，registry 为 nil 时使用内置解码器
func NewReader(cfg *config.AssetConfig, registry *Registry, pool *media.BufferPool) (*Reader, error) {
	if cfg == nil {
		cfg = config.DefaultAssetConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid asset config: %w", err)
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if pool == nil {
		pool = media.NewBufferPool()
	}

	r := &Reader{
		path:      cfg.Path,
		decoder:   cfg.Decoder,
		fullRange: cfg.FullRange,
		timeout:   cfg.FrameTimeout,
		registry:  registry,
		pool:      pool,
		logger:    config.GetLoggerWithPrefix("asset-reader"),
		requests:  make(chan request),
		done:      make(chan struct{}),
	}
	r.state.Store(int32(StateIdle))

	r.wg.Add(1)
	go r.run()

	return r, nil
}

// SetWatcher 设置存在性轮询器，素材缺失时不再访问文件
func (r *Reader) SetWatcher(w *Watcher) {
	r.watcher = w
	if w == nil {
		return
	}
	w.OnChange(func(available bool) {
		if !available {
			r.Reset()
		}
	})
}

// SetLoopCallback 设置循环回调 (指标统计)
func (r *Reader) SetLoopCallback(fn func(loops int64)) {
	r.onLoop = fn
}

// Name 来源名称
func (r *Reader) Name() string {
	return "asset"
}

// State 当前状态
func (r *Reader) State() State {
	return State(r.state.Load())
}

// Loops 已完成的循环次数
func (r *Reader) Loops() int64 {
	return r.loops.Load()
}

// FrameIndex 当前循环内下一帧的序号
func (r *Reader) FrameIndex() int64 {
	return r.frameIndex.Load()
}

// Stats 返回统计信息
func (r *Reader) Stats() ReaderStats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()

	return ReaderStats{
		State:         r.State().String(),
		Path:          r.path,
		Decoder:       r.name,
		Stream:        r.info,
		Loops:         r.loops.Load(),
		FrameIndex:    r.frameIndex.Load(),
		FramesEmitted: r.framesEmitted.Load(),
		LastError:     r.lastError,
	}
}

// Open 打开素材，已就绪时直接返回
func (r *Reader) Open(ctx context.Context) error {
	_, err := r.call(ctx, requestOpen, media.PixelFormatUnknown)
	return err
}

// NextFrame 返回与 target 匹配的下一帧，调用方获得所有权
// 三种候选格式每次都同步生成，未使用的立即释放
func (r *Reader) NextFrame(ctx context.Context, target media.PixelFormat) (*media.SampleFrame, error) {
	res, err := r.call(ctx, requestNext, target)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Reset 使下一次取帧重新初始化解码器
func (r *Reader) Reset() {
	r.resetPending.Store(true)
}

// Close 停止工作协程并释放解码器
func (r *Reader) Close() error {
	r.closeMu.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.state.Store(int32(StateClosed))
		r.logger.Debug("Asset reader closed")
	})
	return nil
}

func (r *Reader) call(ctx context.Context, kind requestKind, target media.PixelFormat) (*media.SampleFrame, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	req := newRequest(ctx, kind, target)

	select {
	case r.requests <- req:
	case <-r.done:
		return nil, ErrReaderClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.frame, res.err
	case <-ctx.Done():
		req.abandon()
		return nil, ctx.Err()
	}
}

func (r *Reader) run() {
	defer r.wg.Done()
	defer r.release()

	for {
		select {
		case <-r.done:
			return
		case req := <-r.requests:
			var res result
			switch req.kind {
			case requestOpen:
				res.err = r.open()
			case requestNext:
				res.frame, res.err = r.next(req.target)
			}
			if res.err != nil {
				r.recordError(res.err)
			}

			req.deliver(res)
		}
	}
}

func (r *Reader) recordError(err error) {
	r.statsMu.Lock()
	r.lastError = err.Error()
	r.statsMu.Unlock()
}

// open 打开素材并预解码第一帧
func (r *Reader) open() error {
	if r.resetPending.Swap(false) {
		r.release()
	}
	if r.dec != nil {
		return nil
	}

	if r.watcher != nil {
		if !r.watcher.Available() {
			return fmt.Errorf("%w: %s", ErrAssetUnavailable, r.path)
		}
	} else if _, err := os.Stat(r.path); err != nil {
		return fmt.Errorf("%w: %s", ErrAssetUnavailable, r.path)
	}

	name, factory, err := r.registry.Resolve(r.decoder, r.path)
	if err != nil {
		return err
	}

	dec, err := factory(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrAssetUnavailable, r.path)
		}
		if errors.Is(err, ErrAssetInvalid) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrAssetInvalid, err)
	}

	first, err := dec.Next()
	if err != nil {
		dec.Close()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: asset %s has no decodable frames", ErrReaderStartFailed, r.path)
		}
		return fmt.Errorf("%w: %v", ErrReaderStartFailed, err)
	}

	r.dec = dec
	r.pending = first
	r.frameIndex.Store(0)
	if r.lastEnd.IsValid() {
		r.clock.Rebase(r.lastEnd)
	}

	info := dec.Info()
	r.statsMu.Lock()
	r.name = name
	r.info = info
	r.lastError = ""
	r.statsMu.Unlock()

	r.state.Store(int32(StateReady))
	r.logger.Infof("🎬 Asset opened: %s (decoder=%s, %dx%d @ %.2f fps)",
		r.path, name, info.Width, info.Height, info.FrameRate)
	return nil
}

// release 释放解码器状态，回到 Idle
func (r *Reader) release() {
	if r.dec != nil {
		if err := r.dec.Close(); err != nil {
			r.logger.Debugf("Asset decoder close error: %v", err)
		}
		r.dec = nil
	}
	r.pending = nil
	if r.State() != StateClosed {
		r.state.Store(int32(StateIdle))
	}
}

// decode 取下一帧，流结束时透明地重新打开素材
func (r *Reader) decode() (*DecodedFrame, error) {
	if r.pending != nil {
		df := r.pending
		r.pending = nil
		return df, nil
	}

	df, err := r.dec.Next()
	if err == nil {
		return df, nil
	}
	if !errors.Is(err, io.EOF) {
		index := r.frameIndex.Load()
		r.release()
		return nil, fmt.Errorf("asset decode failed at frame %d: %w", index, err)
	}

	loops := r.loops.Add(1)
	r.logger.Debugf("🔁 Asset reached end of stream after %d frames, looping (loop=%d)",
		r.frameIndex.Load(), loops)
	r.release()
	if r.onLoop != nil {
		r.onLoop(loops)
	}

	if err := r.open(); err != nil {
		return nil, err
	}
	df = r.pending
	r.pending = nil
	return df, nil
}

func (r *Reader) next(target media.PixelFormat) (*media.SampleFrame, error) {
	if r.resetPending.Swap(false) {
		r.logger.Debug("Asset reader reset requested, reinitializing")
		r.release()
	}
	if r.watcher != nil && r.dec != nil && !r.watcher.Available() {
		r.release()
	}
	if err := r.open(); err != nil {
		return nil, err
	}

	df, err := r.decode()
	if err != nil {
		return nil, err
	}

	fullRange := df.FullRange || r.fullRange
	target = media.ResolveTarget(target)

	var selected *media.RawFrame
	for _, format := range media.CandidateFormats {
		frame, err := media.YCbCrToFrame(r.pool, df.Image, format, fullRange)
		if err != nil {
			selected.Release()
			return nil, fmt.Errorf("asset candidate %s: %w", format, err)
		}
		if format == target {
			selected = frame
		} else {
			frame.Release()
		}
	}

	pts := r.clock.Stamp(df.PTS)
	if df.Duration.IsValid() {
		r.lastEnd = pts.Add(df.Duration)
	} else {
		r.lastEnd = pts
	}

	r.frameIndex.Add(1)
	r.framesEmitted.Add(1)

	return media.NewSampleFrame(selected, media.TimingInfo{
		Duration:              df.Duration,
		PresentationTimestamp: pts,
		DecodeTimestamp:       pts,
	}), nil
}
