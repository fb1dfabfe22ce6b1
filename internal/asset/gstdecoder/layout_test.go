package gstdecoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-beagle/bdwind-vcam/internal/asset"
)

func TestI420Layout(t *testing.T) {
	l := newI420Layout(640, 480)
	assert.Equal(t, 640, l.yStride)
	assert.Equal(t, 320, l.cStride)
	assert.Equal(t, 640*480, l.uOffset)
	assert.Equal(t, 640*480*3/2, l.size)

	// 奇数尺寸按 GStreamer 规则对齐
	odd := newI420Layout(7, 5)
	assert.Equal(t, 8, odd.yStride)
	assert.Equal(t, 4, odd.cStride)
	assert.Equal(t, 8*6, odd.uOffset)
	assert.Equal(t, 8*6+4*3, odd.vOffset)
	assert.Equal(t, 8*6+4*3*2, odd.size)
}

func TestCopyToYCbCr(t *testing.T) {
	l := newI420Layout(6, 4)
	data := make([]byte, l.size)
	for i := 0; i < l.uOffset; i++ {
		data[i] = 100
	}
	for i := l.uOffset; i < l.vOffset; i++ {
		data[i] = 50
	}
	for i := l.vOffset; i < l.size; i++ {
		data[i] = 200
	}

	img, err := l.copyToYCbCr(data, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, img.Rect.Dx())
	assert.Equal(t, 4, img.Rect.Dy())

	c := img.YCbCrAt(5, 3)
	assert.Equal(t, uint8(100), c.Y)
	assert.Equal(t, uint8(50), c.Cb)
	assert.Equal(t, uint8(200), c.Cr)

	// 尺寸一致时复用图像
	again, err := l.copyToYCbCr(data, img)
	require.NoError(t, err)
	assert.Same(t, img, again)

	_, err = l.copyToYCbCr(data[:l.size-1], nil)
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	reg := asset.NewRegistry()
	Register(reg)

	name, _, err := reg.Resolve("auto", "/media/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, "gst", name)

	name, _, err = reg.Resolve("auto", "/media/clip.unknown")
	require.NoError(t, err)
	assert.Equal(t, "gst", name)

	name, _, err = reg.Resolve("auto", "/media/clip.y4m")
	require.NoError(t, err)
	assert.Equal(t, "y4m", name)
}

func TestEscapeLocation(t *testing.T) {
	assert.Equal(t, `/tmp/a \"b\".mp4`, escapeLocation(`/tmp/a "b".mp4`))
}
