package asset

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// writeY4M 生成 frames 帧的 4:2:0 素材，第 i 帧亮度为 lumaFor(i)
func writeY4M(t *testing.T, path string, w, h, frames int) {
	t.Helper()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "YUV4MPEG2 W%d H%d F30:1 Ip A1:1 C420jpeg\n", w, h)
	cw, ch := (w+1)/2, (h+1)/2
	for i := 0; i < frames; i++ {
		buf.WriteString("FRAME\n")
		buf.Write(bytes.Repeat([]byte{lumaFor(i)}, w*h))
		buf.Write(bytes.Repeat([]byte{128}, cw*ch*2))
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func lumaFor(i int) byte {
	return byte(32 + i*40)
}

func newTestReader(t *testing.T, path string) (*Reader, *media.BufferPool) {
	t.Helper()

	cfg := config.DefaultAssetConfig()
	cfg.Path = path
	pool := media.NewBufferPool()
	r, err := NewReader(cfg, nil, pool)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, pool
}

func TestOpenMissingAsset(t *testing.T) {
	r, pool := newTestReader(t, filepath.Join(t.TempDir(), "missing.y4m"))

	err := r.Open(context.Background())
	assert.ErrorIs(t, err, ErrAssetUnavailable)
	assert.ErrorIs(t, err, media.ErrSourceUnavailable)

	frame, err := r.NextFrame(context.Background(), media.PixelFormatBGRA)
	assert.Nil(t, frame)
	assert.ErrorIs(t, err, ErrAssetUnavailable)
	assert.Equal(t, int64(0), pool.Stats().Allocated)
	assert.Equal(t, StateIdle, r.State())
}

func TestOpenInvalidAndEmptyAssets(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.y4m")
	require.NoError(t, os.WriteFile(garbage, []byte("not a y4m file\n"), 0644))
	r, _ := newTestReader(t, garbage)
	assert.ErrorIs(t, r.Open(context.Background()), ErrAssetInvalid)

	empty := filepath.Join(dir, "empty.y4m")
	writeY4M(t, empty, 4, 4, 0)
	r, _ = newTestReader(t, empty)
	assert.ErrorIs(t, r.Open(context.Background()), ErrReaderStartFailed)

	unknown := filepath.Join(dir, "clip.mkv")
	require.NoError(t, os.WriteFile(unknown, []byte{0x1a, 0x45, 0xdf, 0xa3}, 0644))
	r, _ = newTestReader(t, unknown)
	assert.ErrorIs(t, r.Open(context.Background()), ErrAssetInvalid)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.y4m")
	writeY4M(t, path, 8, 6, 2)
	r, _ := newTestReader(t, path)

	require.NoError(t, r.Open(context.Background()))
	require.NoError(t, r.Open(context.Background()))
	assert.Equal(t, StateReady, r.State())

	stats := r.Stats()
	assert.Equal(t, "y4m", stats.Decoder)
	assert.Equal(t, 8, stats.Stream.Width)
	assert.InDelta(t, 30.0, stats.Stream.FrameRate, 1e-9)
}

func TestNextFrameLoopsTransparently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.y4m")
	writeY4M(t, path, 8, 6, 3)
	r, pool := newTestReader(t, path)

	var loops []int64
	r.SetLoopCallback(func(n int64) { loops = append(loops, n) })

	prev := media.InvalidTime
	for i := 0; i < 7; i++ {
		frame, err := r.NextFrame(context.Background(), media.PixelFormatNV12VideoRange)
		require.NoError(t, err, "call %d", i)
		require.True(t, frame.Frame.Matches(media.PixelFormatNV12VideoRange, 8, 6))

		assert.Equal(t, lumaFor(i%3), frame.Frame.Planes[0].Data[0], "call %d", i)
		pts := frame.Timing.PresentationTimestamp
		assert.Equal(t, 1, pts.Compare(prev), "pts must increase across loops")
		prev = pts

		frame.Release()
	}

	assert.Equal(t, int64(2), r.Loops())
	assert.Equal(t, int64(1), r.FrameIndex())
	assert.Equal(t, []int64{1, 2}, loops)
	assert.Equal(t, media.Time{Value: 6, Timescale: 30}, prev)
	assert.Equal(t, int64(0), pool.Stats().InUse)
}

func TestNextFrameSelectsTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "odd.y4m")
	writeY4M(t, path, 7, 5, 1)
	r, pool := newTestReader(t, path)

	tests := []struct {
		target media.PixelFormat
		want   media.PixelFormat
	}{
		{media.PixelFormatBGRA, media.PixelFormatBGRA},
		{media.PixelFormatNV12VideoRange, media.PixelFormatNV12VideoRange},
		{media.PixelFormatNV12FullRange, media.PixelFormatNV12FullRange},
		{media.PixelFormat(0x79757679), media.PixelFormatNV12FullRange},
	}
	for _, tt := range tests {
		frame, err := r.NextFrame(context.Background(), tt.target)
		require.NoError(t, err)
		assert.True(t, frame.Frame.Matches(tt.want, 7, 5), "target %s", tt.target)
		assert.True(t, frame.Description.Matches(frame.Frame))
		// 未使用的候选帧已释放
		assert.Equal(t, int64(len(frame.Frame.Planes)), pool.Stats().InUse)
		frame.Release()
	}
	assert.Equal(t, int64(0), pool.Stats().InUse)
}

func TestNextFrameSerializesConcurrentCallers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.y4m")
	writeY4M(t, path, 16, 16, 4)
	r, _ := newTestReader(t, path)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				frame, err := r.NextFrame(context.Background(), media.PixelFormatBGRA)
				if err != nil {
					errs <- err
					continue
				}
				frame.Release()
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	assert.Equal(t, int64(40), r.Stats().FramesEmitted)
	// 第 10 次流结束要到下一次取帧才会被发现
	assert.Equal(t, int64(9), r.Loops())
}

func TestResetRestartsFromFirstFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.y4m")
	writeY4M(t, path, 8, 8, 3)
	r, _ := newTestReader(t, path)

	first, err := r.NextFrame(context.Background(), media.PixelFormatNV12VideoRange)
	require.NoError(t, err)
	second, err := r.NextFrame(context.Background(), media.PixelFormatNV12VideoRange)
	require.NoError(t, err)
	assert.Equal(t, lumaFor(1), second.Frame.Planes[0].Data[0])

	r.Reset()
	again, err := r.NextFrame(context.Background(), media.PixelFormatNV12VideoRange)
	require.NoError(t, err)
	assert.Equal(t, lumaFor(0), again.Frame.Planes[0].Data[0])
	assert.Equal(t, 1, again.Timing.PresentationTimestamp.Compare(second.Timing.PresentationTimestamp))
	assert.Equal(t, int64(0), r.Loops())

	first.Release()
	second.Release()
	again.Release()
}

func TestWatcherGatesAccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.y4m")
	writeY4M(t, path, 8, 8, 2)
	r, _ := newTestReader(t, path)

	w := NewWatcher(path, time.Hour)
	r.SetWatcher(w)

	frame, err := r.NextFrame(context.Background(), media.PixelFormatBGRA)
	require.NoError(t, err)
	frame.Release()

	require.NoError(t, os.Remove(path))
	assert.False(t, w.Check())

	_, err = r.NextFrame(context.Background(), media.PixelFormatBGRA)
	assert.ErrorIs(t, err, ErrAssetUnavailable)
	assert.Equal(t, StateIdle, r.State())

	writeY4M(t, path, 8, 8, 2)
	assert.True(t, w.Check())
	frame, err = r.NextFrame(context.Background(), media.PixelFormatBGRA)
	require.NoError(t, err)
	frame.Release()
}

func TestWatcherRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.y4m")
	w := NewWatcher(path, 100*time.Millisecond)

	var mu sync.Mutex
	var changes []bool
	w.OnChange(func(v bool) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, v)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.checked.Load() }, time.Second, 10*time.Millisecond)
	assert.False(t, w.Available())

	writeY4M(t, path, 2, 2, 1)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 1 && changes[0]
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReaderClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.y4m")
	writeY4M(t, path, 4, 4, 1)
	r, _ := newTestReader(t, path)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, StateClosed, r.State())

	_, err := r.NextFrame(context.Background(), media.PixelFormatBGRA)
	assert.ErrorIs(t, err, ErrReaderClosed)
}

// ivfHeader 构造 32 字节的 IVF 文件头
func ivfHeader(fourcc string, w, h uint16, den, num uint32) []byte {
	b := make([]byte, 32)
	copy(b[0:4], "DKIF")
	binary.LittleEndian.PutUint16(b[4:6], 0)
	binary.LittleEndian.PutUint16(b[6:8], 32)
	copy(b[8:12], fourcc)
	binary.LittleEndian.PutUint16(b[12:14], w)
	binary.LittleEndian.PutUint16(b[14:16], h)
	binary.LittleEndian.PutUint32(b[16:20], den)
	binary.LittleEndian.PutUint32(b[20:24], num)
	return b
}

func TestIVFAssets(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.ivf")
	require.NoError(t, os.WriteFile(garbage, bytes.Repeat([]byte{0xff}, 64), 0644))
	_, err := OpenIVF(garbage)
	assert.ErrorIs(t, err, ErrAssetInvalid)

	vp9 := filepath.Join(dir, "vp9.ivf")
	require.NoError(t, os.WriteFile(vp9, ivfHeader("VP90", 64, 48, 30, 1), 0644))
	_, err = OpenIVF(vp9)
	assert.ErrorIs(t, err, ErrAssetInvalid)

	empty := filepath.Join(dir, "empty.ivf")
	require.NoError(t, os.WriteFile(empty, ivfHeader("VP80", 64, 48, 30, 1), 0644))
	dec, err := OpenIVF(empty)
	require.NoError(t, err)
	info := dec.Info()
	assert.Equal(t, "vp8", info.Codec)
	assert.Equal(t, 64, info.Width)
	assert.InDelta(t, 30.0, info.FrameRate, 1e-9)
	require.NoError(t, dec.Close())

	r, _ := newTestReader(t, empty)
	assert.ErrorIs(t, r.Open(context.Background()), ErrReaderStartFailed)
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()

	name, _, err := reg.Resolve("auto", "/tmp/clip.Y4M")
	require.NoError(t, err)
	assert.Equal(t, "y4m", name)

	_, _, err = reg.Resolve("auto", "/tmp/clip.mp4")
	assert.ErrorIs(t, err, ErrAssetInvalid)

	_, _, err = reg.Resolve("gst", "/tmp/clip.mp4")
	assert.ErrorIs(t, err, ErrAssetInvalid)

	reg.Register("gst", func(string) (Decoder, error) { return nil, ErrAssetInvalid }, ".mp4")
	reg.SetFallback("gst")
	name, _, err = reg.Resolve("auto", "/tmp/clip.mov")
	require.NoError(t, err)
	assert.Equal(t, "gst", name)
	assert.Equal(t, []string{"gst", "ivf", "y4m"}, reg.Names())
}

func TestAbandonedRequestReleasesFrame(t *testing.T) {
	pool := media.NewBufferPool()
	newFrame := func() *media.SampleFrame {
		raw, err := media.NewRawFrame(pool, media.PixelFormatNV12FullRange, 8, 6)
		require.NoError(t, err)
		return media.NewSampleFrame(raw, media.TimingInfo{})
	}

	// 结果已进入应答通道后调用方才超时
	req := newRequest(context.Background(), requestNext, media.PixelFormatNV12FullRange)
	require.True(t, req.deliver(result{frame: newFrame()}))
	assert.NotZero(t, pool.Stats().InUse)
	req.abandon()
	assert.Equal(t, int64(0), pool.Stats().InUse)

	// 调用方先放弃，工作协程随后完成
	req = newRequest(context.Background(), requestNext, media.PixelFormatNV12FullRange)
	req.abandon()
	assert.False(t, req.deliver(result{frame: newFrame()}))
	assert.Equal(t, int64(0), pool.Stats().InUse)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req = newRequest(ctx, requestNext, media.PixelFormatNV12FullRange)
	assert.False(t, req.deliver(result{frame: newFrame()}))
	assert.Equal(t, int64(0), pool.Stats().InUse)
}
