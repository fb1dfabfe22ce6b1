package gstdecoder

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
)

// VP8StreamDecoder appsrc ! vp8dec ! videoconvert ! I420 appsink
// 用于远端 VP8 流的完整解码 (包括非关键帧)
type VP8StreamDecoder struct {
	mu       sync.Mutex
	pipeline *gst.Pipeline
	src      *app.Source
	sink     *app.Sink
	img      *image.YCbCr
	timeout  time.Duration
	closed   bool
	logger   *logrus.Entry
}

// NewVP8StreamDecoder 创建并启动 VP8 解码管道
func NewVP8StreamDecoder() (*VP8StreamDecoder, error) {
	ensureInit()

	pipeline, err := gst.NewPipelineFromString(
		`appsrc name=src is-live=true format=time caps=video/x-vp8 ! vp8dec ! videoconvert ! ` +
			`video/x-raw,format=I420 ! appsink name=sink sync=false max-buffers=2 drop=true`)
	if err != nil {
		return nil, fmt.Errorf("failed to build vp8 pipeline: %w", err)
	}

	srcElement, err := pipeline.GetElementByName("src")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("appsrc not found: %w", err)
	}
	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("appsink not found: %w", err)
	}

	d := &VP8StreamDecoder{
		pipeline: pipeline,
		src:      app.SrcFromElement(srcElement),
		sink:     app.SinkFromElement(sinkElement),
		timeout:  50 * time.Millisecond,
		logger:   config.GetLoggerWithPrefix("gst-vp8"),
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to start vp8 pipeline: %w", err)
	}

	d.logger.Debug("🎞️ GStreamer VP8 decoder started")
	return d, nil
}

// Decode 推入一个完整的 VP8 帧，有解码输出时返回画面
// 返回的图像在下一次调用前有效；管道尚未产出时返回 nil
func (d *VP8StreamDecoder) Decode(frame []byte, pts time.Duration) (*image.YCbCr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("vp8 decoder closed")
	}

	buffer := gst.NewBufferFromBytes(frame)
	if buffer == nil {
		return nil, fmt.Errorf("failed to create buffer")
	}
	if pts >= 0 {
		buffer.SetPresentationTimestamp(gst.ClockTime(pts))
	}
	if ret := d.src.PushBuffer(buffer); ret != gst.FlowOK {
		return nil, fmt.Errorf("push-buffer failed: %s", ret.String())
	}

	sample := d.sink.TryPullSample(gst.ClockTime(d.timeout))
	if sample == nil {
		return nil, nil
	}
	defer sample.Unref()

	img, err := sampleToYCbCr(sample, d.img)
	if err != nil {
		return nil, err
	}
	d.img = img
	return img, nil
}

// Close 停止管道
func (d *VP8StreamDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.src.EndStream()
	if err := d.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to stop vp8 pipeline: %w", err)
	}
	return nil
}
