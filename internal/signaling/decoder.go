package signaling

import (
	"bytes"
	"fmt"
	"image"
	"time"

	"golang.org/x/image/vp8"
)

// FrameDecoder 远端 VP8 帧解码器
// Decode 在尚无可输出画面时返回 (nil, nil)；返回的图像在下一次调用前有效
type FrameDecoder interface {
	Decode(frame []byte, pts time.Duration) (*image.YCbCr, error)
	Close() error
}

// DecoderFactory 为每条远端视频轨道创建解码器
type DecoderFactory func() (FrameDecoder, error)

// keyframeDecoder 纯 Go 的 VP8 解码器，只输出关键帧
type keyframeDecoder struct {
	dec *vp8.Decoder
}

// NewKeyframeDecoder 创建关键帧解码器
func NewKeyframeDecoder() (FrameDecoder, error) {
	return &keyframeDecoder{dec: vp8.NewDecoder()}, nil
}

func (d *keyframeDecoder) Decode(frame []byte, _ time.Duration) (*image.YCbCr, error) {
	if !isKeyFrame(frame) {
		return nil, nil
	}

	d.dec.Init(bytes.NewReader(frame), len(frame))
	header, err := d.dec.DecodeFrameHeader()
	if err != nil {
		return nil, fmt.Errorf("vp8 frame header: %w", err)
	}
	if !header.KeyFrame {
		return nil, nil
	}
	img, err := d.dec.DecodeFrame()
	if err != nil {
		return nil, fmt.Errorf("vp8 decode: %w", err)
	}
	return img, nil
}

func (d *keyframeDecoder) Close() error {
	return nil
}
