package compositor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-beagle/bdwind-vcam/internal/asset"
	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/media"
)

type fakeGate struct {
	active atomic.Bool
	syncs  atomic.Int32
}

func (g *fakeGate) CheckAndSync() bool { g.syncs.Add(1); return false }
func (g *fakeGate) IsActive() bool     { return g.active.Load() }

func activeGate() *fakeGate {
	g := &fakeGate{}
	g.active.Store(true)
	return g
}

type fakeSource struct {
	mu     sync.Mutex
	next   func(target media.PixelFormat) (*media.SampleFrame, error)
	calls  int
	resets int
}

func (s *fakeSource) NextFrame(_ context.Context, target media.PixelFormat) (*media.SampleFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.next(target)
}

func (s *fakeSource) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

func (s *fakeSource) Name() string { return "fake" }

// solidSource 每次返回指定格式尺寸的纯色帧
func solidSource(pool *media.BufferPool, format media.PixelFormat, w, h int) *fakeSource {
	var n int64
	return &fakeSource{next: func(media.PixelFormat) (*media.SampleFrame, error) {
		frame, err := media.NewRawFrame(pool, format, w, h)
		if err != nil {
			return nil, err
		}
		for i := range frame.Planes[0].Data {
			frame.Planes[0].Data[i] = byte(100 + n%50)
		}
		if len(frame.Planes) > 1 {
			for i := range frame.Planes[1].Data {
				frame.Planes[1].Data[i] = 128
			}
		}
		n++
		return media.NewSampleFrame(frame, media.TimingInfo{
			PresentationTimestamp: media.Time{Value: n, Timescale: 30},
		}), nil
	}}
}

func originFrame(t *testing.T, format media.PixelFormat, w, h int, pts int64) *media.SampleFrame {
	t.Helper()
	frame, err := media.NewRawFrame(nil, format, w, h)
	require.NoError(t, err)
	return media.NewSampleFrame(frame, media.TimingInfo{
		Duration:              media.Time{Value: 1, Timescale: 30},
		PresentationTimestamp: media.Time{Value: pts, Timescale: 30},
		DecodeTimestamp:       media.Time{Value: pts, Timescale: 30},
	})
}

func newTestCompositor(t *testing.T, gate Gate, source Source, pool *media.BufferPool, mutate func(*config.CompositorConfig)) *Compositor {
	t.Helper()
	cfg := config.DefaultCompositorConfig()
	if mutate != nil {
		mutate(cfg)
	}
	c, err := NewCompositor(cfg, gate, source, pool)
	require.NoError(t, err)
	return c
}

func TestInactiveGateIsIdentity(t *testing.T) {
	gate := &fakeGate{}
	source := solidSource(nil, media.PixelFormatBGRA, 8, 8)
	c := newTestCompositor(t, gate, source, nil, nil)

	for _, format := range media.CandidateFormats {
		origin := originFrame(t, format, 16, 9, 1)
		assert.Same(t, origin, c.Substitute(origin, false))
		assert.Same(t, origin, c.Substitute(origin, true))
	}
	assert.Nil(t, c.Substitute(nil, false))

	assert.Equal(t, 0, source.calls)
	assert.Equal(t, int32(7), gate.syncs.Load())
	assert.Equal(t, int64(7), c.Stats().Passthrough)
}

func TestMissingAssetPassesOriginThrough(t *testing.T) {
	pool := media.NewBufferPool()
	cfg := config.DefaultAssetConfig()
	cfg.Path = filepath.Join(t.TempDir(), "missing.y4m")
	reader, err := asset.NewReader(cfg, nil, pool)
	require.NoError(t, err)
	defer reader.Close()

	c := newTestCompositor(t, activeGate(), reader, pool, nil)
	origin := originFrame(t, media.PixelFormatNV12FullRange, 64, 48, 1)

	assert.Same(t, origin, c.Substitute(origin, false))
	assert.Equal(t, int64(0), pool.Stats().Allocated)
	assert.Equal(t, int64(1), c.Stats().Fallbacks)
	assert.Contains(t, c.Stats().LastError, "asset unavailable")
}

func writeY4M(t *testing.T, path string, w, h, frames int) {
	t.Helper()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "YUV4MPEG2 W%d H%d F30:1 C420jpeg\n", w, h)
	for i := 0; i < frames; i++ {
		buf.WriteString("FRAME\n")
		buf.Write(bytes.Repeat([]byte{byte(60 + i*30)}, w*h))
		buf.Write(bytes.Repeat([]byte{128}, ((w+1)/2)*((h+1)/2)*2))
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func TestAssetSubstitutionMatchesOrigin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.y4m")
	writeY4M(t, path, 64, 36, 3)

	pool := media.NewBufferPool()
	cfg := config.DefaultAssetConfig()
	cfg.Path = path
	reader, err := asset.NewReader(cfg, nil, pool)
	require.NoError(t, err)
	defer reader.Close()

	c := newTestCompositor(t, activeGate(), reader, pool, nil)

	prev := media.InvalidTime
	for i := int64(1); i <= 5; i++ {
		origin := originFrame(t, media.PixelFormatBGRA, 1920, 1080, i)
		out := c.Substitute(origin, true)
		require.NotSame(t, origin, out)

		assert.Equal(t, media.PixelFormatBGRA, out.Format())
		w, h := out.Size()
		assert.Equal(t, 1920, w)
		assert.Equal(t, 1080, h)
		assert.Equal(t, 1, out.Timing.PresentationTimestamp.Compare(prev))
		assert.True(t, out.Description.Matches(out.Frame))
		prev = out.Timing.PresentationTimestamp

		// 重叠区域有画面，其余为黑色
		assert.NotEqual(t, byte(0), out.Frame.Planes[0].Data[0])
		last := out.Frame.Planes[0].Data[1079*out.Frame.Planes[0].Stride+1919*4]
		assert.Equal(t, byte(0), last)
		out.Release()
	}
	assert.Equal(t, int64(5), c.Stats().Converted)
}

func TestOutputAlwaysMatchesOrigin(t *testing.T) {
	sizes := [][2]int{{1, 1}, {7, 5}, {16, 9}, {33, 17}}
	for _, srcFormat := range media.CandidateFormats {
		for _, dstFormat := range media.CandidateFormats {
			for _, size := range sizes {
				name := fmt.Sprintf("%s->%s/%dx%d", srcFormat, dstFormat, size[0], size[1])
				t.Run(name, func(t *testing.T) {
					pool := media.NewBufferPool()
					source := solidSource(pool, srcFormat, 12, 10)
					c := newTestCompositor(t, activeGate(), source, pool, nil)

					origin := originFrame(t, dstFormat, size[0], size[1], 3)
					out := c.Substitute(origin, true)
					require.NotSame(t, origin, out)
					assert.True(t, out.Frame.Matches(dstFormat, size[0], size[1]))
					assert.Equal(t, origin.Timing, out.Timing)
					out.Release()

					c.Release()
					assert.Equal(t, int64(0), pool.Stats().InUse)
				})
			}
		}
	}
}

func TestCacheReuseIsIdempotent(t *testing.T) {
	pool := media.NewBufferPool()
	source := solidSource(pool, media.PixelFormatNV12VideoRange, 32, 32)
	c := newTestCompositor(t, activeGate(), source, pool, func(cfg *config.CompositorConfig) {
		cfg.CacheTTL = 5 * time.Second
	})

	first := c.Substitute(originFrame(t, media.PixelFormatNV12VideoRange, 32, 32, 1), false)
	second := c.Substitute(originFrame(t, media.PixelFormatNV12VideoRange, 32, 32, 2), false)

	assert.Equal(t, 1, source.calls)
	for i := range first.Frame.Planes {
		assert.Equal(t, first.Frame.Planes[i].Data, second.Frame.Planes[i].Data)
	}
	assert.Equal(t, int64(2), second.Timing.PresentationTimestamp.Value)
	assert.Equal(t, int64(1), c.Stats().CacheHits)

	// forceRenew 跳过缓存
	third := c.Substitute(originFrame(t, media.PixelFormatNV12VideoRange, 32, 32, 3), true)
	assert.Equal(t, 2, source.calls)
	assert.NotEqual(t, first.Frame.Planes[0].Data[0], third.Frame.Planes[0].Data[0])

	// 尺寸变化时缓存无效
	fourth := c.Substitute(originFrame(t, media.PixelFormatNV12VideoRange, 16, 16, 4), false)
	assert.Equal(t, 3, source.calls)
	assert.True(t, fourth.Frame.Matches(media.PixelFormatNV12VideoRange, 16, 16))

	for _, f := range []*media.SampleFrame{first, second, third, fourth} {
		f.Release()
	}
}

func TestCheapPathWrapsCandidate(t *testing.T) {
	var produced *media.RawFrame
	source := &fakeSource{next: func(target media.PixelFormat) (*media.SampleFrame, error) {
		frame, err := media.NewRawFrame(nil, target, 20, 10)
		if err != nil {
			return nil, err
		}
		produced = frame
		return media.NewSampleFrame(frame, media.TimingInfo{}), nil
	}}
	c := newTestCompositor(t, activeGate(), source, nil, nil)

	origin := originFrame(t, media.PixelFormatNV12FullRange, 20, 10, 9)
	out := c.Substitute(origin, true)

	assert.Same(t, produced, out.Frame)
	assert.Equal(t, origin.Timing, out.Timing)
	assert.Equal(t, int64(1), c.Stats().Wrapped)
	assert.Equal(t, int64(0), c.Stats().Converted)
}

func TestConversionFailureFallsBackAndResetsSource(t *testing.T) {
	pool := media.NewBufferPool()
	source := &fakeSource{next: func(media.PixelFormat) (*media.SampleFrame, error) {
		// 平面缺失的损坏帧
		frame := &media.RawFrame{Format: media.PixelFormatBGRA, Width: 8, Height: 8}
		return &media.SampleFrame{Frame: frame}, nil
	}}
	c := newTestCompositor(t, activeGate(), source, pool, nil)

	origin := originFrame(t, media.PixelFormatNV12FullRange, 16, 16, 1)
	out := c.Substitute(origin, false)

	assert.Same(t, origin, out)
	assert.Equal(t, 1, source.resets)
	assert.Equal(t, int64(1), c.Stats().ConversionFailures)
	assert.Equal(t, int64(0), pool.Stats().InUse)

	_, ok := c.Store().Info()
	assert.False(t, ok)
}

func TestUnsupportedOriginFormatPassesThrough(t *testing.T) {
	source := solidSource(nil, media.PixelFormatBGRA, 8, 8)
	c := newTestCompositor(t, activeGate(), source, nil, nil)

	frame := &media.RawFrame{Format: media.PixelFormat(0x79757673), Width: 8, Height: 8}
	origin := &media.SampleFrame{Frame: frame}

	assert.Same(t, origin, c.Substitute(origin, true))
	assert.Equal(t, 0, source.calls)
	assert.Equal(t, 0, source.resets)
}

func TestPreviewModeUsesNativeSize(t *testing.T) {
	source := solidSource(nil, media.PixelFormatNV12FullRange, 40, 30)
	c := newTestCompositor(t, activeGate(), source, nil, func(cfg *config.CompositorConfig) {
		cfg.CacheTTL = 0
	})

	prev := media.InvalidTime
	for i := 0; i < 3; i++ {
		out := c.Substitute(nil, false)
		require.NotNil(t, out)
		assert.True(t, out.Frame.Matches(media.PixelFormatBGRA, 40, 30))
		assert.GreaterOrEqual(t, out.Timing.PresentationTimestamp.Compare(prev), 0)
		prev = out.Timing.PresentationTimestamp
		out.Release()
	}
	assert.Equal(t, 3, source.calls)
}

type fakeSink struct {
	ready  atomic.Bool
	frames []*media.SampleFrame
}

func (s *fakeSink) ReadyForMoreData() bool { return s.ready.Load() }
func (s *fakeSink) Enqueue(f *media.SampleFrame) {
	s.frames = append(s.frames, f)
}

func TestPreviewSinkAndCallback(t *testing.T) {
	source := solidSource(nil, media.PixelFormatBGRA, 8, 8)
	c := newTestCompositor(t, activeGate(), source, nil, nil)

	sink := &fakeSink{}
	c.SetPreviewSink(sink)
	var callbacks int
	c.SetNewFrameCallback(func(*media.SampleFrame) { callbacks++ })

	c.Substitute(originFrame(t, media.PixelFormatBGRA, 8, 8, 1), true).Release()
	assert.Empty(t, sink.frames)

	sink.ready.Store(true)
	out := c.Substitute(originFrame(t, media.PixelFormatBGRA, 8, 8, 2), true)
	require.Len(t, sink.frames, 1)
	assert.NotSame(t, out.Frame, sink.frames[0].Frame)
	assert.Equal(t, out.Frame.Planes[0].Data, sink.frames[0].Frame.Planes[0].Data)
	assert.Equal(t, 2, callbacks)

	latest, ok := c.LatestFrame()
	require.True(t, ok)
	assert.Equal(t, out.Frame.Planes[0].Data, latest.Frame.Planes[0].Data)
	latest.Release()
}

func TestDebugPatternOnlyWhenEnabled(t *testing.T) {
	failing := &fakeSource{next: func(media.PixelFormat) (*media.SampleFrame, error) {
		return nil, media.ErrSourceUnavailable
	}}

	c := newTestCompositor(t, activeGate(), failing, nil, nil)
	origin := originFrame(t, media.PixelFormatNV12VideoRange, 24, 12, 1)
	assert.Same(t, origin, c.Substitute(origin, false))

	c = newTestCompositor(t, activeGate(), failing, nil, func(cfg *config.CompositorConfig) {
		cfg.DebugPattern = true
	})
	out := c.Substitute(origin, false)
	require.NotSame(t, origin, out)
	assert.True(t, out.Frame.Matches(media.PixelFormatNV12VideoRange, 24, 12))
	assert.Equal(t, origin.Timing, out.Timing)
}

func TestReleaseAndStreamHooks(t *testing.T) {
	source := solidSource(nil, media.PixelFormatBGRA, 8, 8)
	c := newTestCompositor(t, activeGate(), source, nil, nil)

	c.NotifyStreamStarted()
	assert.True(t, c.Stats().Streaming)

	c.Substitute(originFrame(t, media.PixelFormatBGRA, 8, 8, 1), true).Release()
	_, ok := c.Store().Info()
	require.True(t, ok)

	c.NotifyStreamStopped()
	assert.False(t, c.Stats().Streaming)
	_, ok = c.Store().Info()
	assert.False(t, ok)

	c.Substitute(originFrame(t, media.PixelFormatBGRA, 8, 8, 2), true).Release()
	c.Release()
	assert.Equal(t, 1, source.resets)
	_, ok = c.Store().Info()
	assert.False(t, ok)
}
