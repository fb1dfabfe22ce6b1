// Package gstdecoder 基于 GStreamer 的素材与 VP8 流解码器
package gstdecoder

import (
	"fmt"
	"image"
	"sync"

	"github.com/go-gst/go-gst/gst"
)

var initOnce sync.Once

// ensureInit 初始化 GStreamer (进程内只执行一次)
func ensureInit() {
	initOnce.Do(func() {
		gst.Init(nil)
	})
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// i420Layout GStreamer 默认 I420 布局的步长与偏移
type i420Layout struct {
	width, height    int
	yStride, cStride int
	uOffset, vOffset int
	size             int
}

func newI420Layout(width, height int) i420Layout {
	l := i420Layout{width: width, height: height}
	l.yStride = roundUp(width, 4)
	l.cStride = roundUp(roundUp(width, 2)/2, 4)
	h2 := roundUp(height, 2)
	l.uOffset = l.yStride * h2
	l.vOffset = l.uOffset + l.cStride*h2/2
	l.size = l.vOffset + l.cStride*h2/2
	return l
}

// copyToYCbCr 将映射出的 I420 数据拷贝到图像，尺寸一致时复用 dst
func (l i420Layout) copyToYCbCr(data []byte, dst *image.YCbCr) (*image.YCbCr, error) {
	if len(data) < l.size {
		return nil, fmt.Errorf("i420 buffer too small: %d < %d (%dx%d)", len(data), l.size, l.width, l.height)
	}

	ch := (l.height + 1) / 2
	rect := image.Rect(0, 0, l.width, l.height)
	if dst == nil || dst.Rect != rect || dst.YStride != l.yStride || dst.CStride != l.cStride {
		dst = &image.YCbCr{
			Y:              make([]byte, l.yStride*l.height),
			Cb:             make([]byte, l.cStride*ch),
			Cr:             make([]byte, l.cStride*ch),
			YStride:        l.yStride,
			CStride:        l.cStride,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           rect,
		}
	}

	copy(dst.Y, data[:l.yStride*l.height])
	copy(dst.Cb, data[l.uOffset:l.uOffset+l.cStride*ch])
	copy(dst.Cr, data[l.vOffset:l.vOffset+l.cStride*ch])
	return dst, nil
}

// sampleToYCbCr 从 appsink 样本读取 I420 画面
func sampleToYCbCr(sample *gst.Sample, dst *image.YCbCr) (*image.YCbCr, error) {
	caps := sample.GetCaps()
	if caps == nil {
		return nil, fmt.Errorf("no caps in sample")
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return nil, fmt.Errorf("no structure in caps")
	}
	w, err := structure.GetValue("width")
	if err != nil {
		return nil, fmt.Errorf("caps without width: %w", err)
	}
	h, err := structure.GetValue("height")
	if err != nil {
		return nil, fmt.Errorf("caps without height: %w", err)
	}
	width, ok1 := w.(int)
	height, ok2 := h.(int)
	if !ok1 || !ok2 || width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid caps dimensions %v x %v", w, h)
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, fmt.Errorf("no buffer in sample")
	}
	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return nil, fmt.Errorf("failed to map buffer")
	}
	defer buffer.Unmap()

	return newI420Layout(width, height).copyToYCbCr(mapInfo.Bytes(), dst)
}
