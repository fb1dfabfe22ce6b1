package gstdecoder

import (
	"fmt"
	"image"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/asset"
	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// 交由 decodebin 处理的常见容器
var containerExtensions = []string{".mp4", ".m4v", ".mov", ".mkv", ".webm", ".avi", ".ts"}

// pullTimeout 单帧拉取的最长等待
const pullTimeout = 2 * time.Second

// Register 在注册表中注册 gst 解码器，并作为未知扩展名的默认解码器
func Register(reg *asset.Registry) {
	reg.Register("gst", Open, containerExtensions...)
	reg.SetFallback("gst")
}

// assetDecoder filesrc ! decodebin ! videoconvert ! I420 appsink
type assetDecoder struct {
	path     string
	pipeline *gst.Pipeline
	sink     *app.Sink
	bus      *gst.Bus
	logger   *logrus.Entry

	img   *image.YCbCr
	info  asset.StreamInfo
	index int64
	clock media.MonotonicClock
}

func escapeLocation(path string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return r.Replace(path)
}

// Open 打开任意 GStreamer 可解码的视频文件
func Open(path string) (asset.Decoder, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	ensureInit()

	desc := fmt.Sprintf(
		`filesrc location="%s" ! decodebin ! videoconvert ! video/x-raw,format=I420 ! appsink name=sink sync=false`,
		escapeLocation(path))

	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build pipeline: %v", asset.ErrAssetInvalid, err)
	}

	element, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("%w: appsink not found: %v", asset.ErrAssetInvalid, err)
	}
	sink := app.SinkFromElement(element)
	sink.SetMaxBuffers(4)
	sink.SetDrop(false)

	d := &assetDecoder{
		path:     path,
		pipeline: pipeline,
		sink:     sink,
		bus:      pipeline.GetPipelineBus(),
		logger:   config.GetLoggerWithPrefix("gst-asset"),
		info:     asset.StreamInfo{Codec: "gst"},
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("%w: failed to start pipeline: %v", asset.ErrAssetInvalid, err)
	}

	d.logger.Debugf("🎞️ GStreamer asset pipeline started: %s", path)
	return d, nil
}

// Next 拉取下一帧，EOS 时返回 io.EOF
func (d *assetDecoder) Next() (*asset.DecodedFrame, error) {
	sample := d.sink.TryPullSample(gst.ClockTime(pullTimeout))
	if sample == nil {
		if d.sink.IsEOS() {
			return nil, io.EOF
		}
		if err := d.pollBusError(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no sample within %v", pullTimeout)
	}
	defer sample.Unref()

	img, err := sampleToYCbCr(sample, d.img)
	if err != nil {
		return nil, err
	}
	d.img = img

	frame := &asset.DecodedFrame{Image: img, PTS: media.InvalidTime, Duration: media.InvalidTime}
	if buffer := sample.GetBuffer(); buffer != nil {
		if pts := time.Duration(buffer.PresentationTimestamp()); pts >= 0 {
			frame.PTS = media.TimeFromDuration(pts, media.DefaultTimescale)
		}
		if dur := time.Duration(buffer.Duration()); dur > 0 {
			frame.Duration = media.TimeFromDuration(dur, media.DefaultTimescale)
		}
	}
	if !frame.PTS.IsValid() {
		frame.PTS = media.Time{Value: d.index, Timescale: 30}
	}
	frame.PTS = d.clock.Stamp(frame.PTS)

	if d.index == 0 {
		d.info.Width = img.Rect.Dx()
		d.info.Height = img.Rect.Dy()
		if frame.Duration.IsValid() && frame.Duration.Seconds() > 0 {
			d.info.Duration = frame.Duration
			d.info.FrameRate = 1 / frame.Duration.Seconds()
		}
	}
	d.index++
	return frame, nil
}

// pollBusError 非阻塞地读取管道错误
func (d *assetDecoder) pollBusError() error {
	for {
		msg := d.bus.TimedPop(0)
		if msg == nil {
			return nil
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			msg.Unref()
			return fmt.Errorf("pipeline error: %s", gerr.Error())
		case gst.MessageEOS:
			msg.Unref()
			return io.EOF
		}
		msg.Unref()
	}
}

// Info 流信息 (在第一帧之后可用)
func (d *assetDecoder) Info() asset.StreamInfo {
	return d.info
}

// Close 停止管道
func (d *assetDecoder) Close() error {
	if err := d.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to stop pipeline: %w", err)
	}
	return nil
}
