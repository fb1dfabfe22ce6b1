package media

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidBGRA(t *testing.T, w, h int, b, g, r uint8) *RawFrame {
	t.Helper()
	f, err := NewRawFrame(nil, PixelFormatBGRA, w, h)
	require.NoError(t, err)
	p := &f.Planes[0]
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := y*p.Stride + x*4
			p.Data[o], p.Data[o+1], p.Data[o+2], p.Data[o+3] = b, g, r, 0xff
		}
	}
	return f
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

func TestConvertBGRAToNV12RoundTrip(t *testing.T) {
	colors := [][3]uint8{
		{0, 0, 0},
		{255, 255, 255},
		{40, 120, 200},
		{200, 30, 90},
	}

	for _, format := range []PixelFormat{PixelFormatNV12VideoRange, PixelFormatNV12FullRange} {
		for _, c := range colors {
			src := solidBGRA(t, 8, 6, c[0], c[1], c[2])

			nv12, err := NewRawFrame(nil, format, 8, 6)
			require.NoError(t, err)
			require.NoError(t, Convert(nv12, src))

			back, err := NewRawFrame(nil, PixelFormatBGRA, 8, 6)
			require.NoError(t, err)
			require.NoError(t, Convert(back, nv12))

			p := back.Planes[0]
			for i := 0; i < 3; i++ {
				assert.LessOrEqual(t, absDiff(p.Data[i], c[i]), 6,
					"format %s color %v channel %d", format, c, i)
			}
			assert.Equal(t, uint8(0xff), p.Data[3])
		}
	}
}

func TestConvertOddDimensions(t *testing.T) {
	// 奇数尺寸：色度循环边界按 (n+1)/2 取整，不能越界
	src := solidBGRA(t, 7, 5, 10, 200, 30)
	dst, err := NewRawFrame(nil, PixelFormatNV12FullRange, 7, 5)
	require.NoError(t, err)

	require.NotPanics(t, func() {
		require.NoError(t, Convert(dst, src))
	})
	assert.Equal(t, 4, dst.Planes[1].Width)
	assert.Equal(t, 3, dst.Planes[1].Height)

	back, err := NewRawFrame(nil, PixelFormatBGRA, 7, 5)
	require.NoError(t, err)
	require.NotPanics(t, func() {
		require.NoError(t, Convert(back, dst))
	})
}

func TestConvertSameFamilyBoundedCopy(t *testing.T) {
	src := solidBGRA(t, 4, 4, 1, 2, 3)
	dst, err := NewRawFrame(nil, PixelFormatBGRA, 8, 8)
	require.NoError(t, err)
	FillBlack(dst)

	require.NoError(t, Convert(dst, src))

	p := dst.Planes[0]
	// 重叠区域被拷贝
	assert.Equal(t, []byte{1, 2, 3, 0xff}, p.Data[0:4])
	assert.Equal(t, []byte{1, 2, 3, 0xff}, p.Data[3*p.Stride+12:3*p.Stride+16])
	// 超出源高度的行保持黑色
	assert.Equal(t, []byte{0, 0, 0, 0xff}, p.Data[5*p.Stride:5*p.Stride+4])
}

func TestConvertNV12RangeRemap(t *testing.T) {
	video, err := NewRawFrame(nil, PixelFormatNV12VideoRange, 4, 4)
	require.NoError(t, err)
	fill(video.Planes[0].Data, 16)
	fill(video.Planes[1].Data, 128)

	full, err := NewRawFrame(nil, PixelFormatNV12FullRange, 4, 4)
	require.NoError(t, err)
	require.NoError(t, Convert(full, video))

	assert.Equal(t, uint8(0), full.Planes[0].Data[0])
	assert.Equal(t, uint8(128), full.Planes[1].Data[0])

	fill(video.Planes[0].Data, 235)
	require.NoError(t, Convert(full, video))
	assert.Equal(t, uint8(255), full.Planes[0].Data[0])

	back, err := NewRawFrame(nil, PixelFormatNV12VideoRange, 4, 4)
	require.NoError(t, err)
	require.NoError(t, Convert(back, full))
	assert.Equal(t, uint8(235), back.Planes[0].Data[0])
}

func TestConvertRejectsInvalidFrames(t *testing.T) {
	dst, err := NewRawFrame(nil, PixelFormatBGRA, 4, 4)
	require.NoError(t, err)

	broken := &RawFrame{Format: PixelFormatNV12FullRange, Width: 4, Height: 4}
	err = Convert(dst, broken)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFormatConversionFailed)
}

func TestYCbCrToFrame(t *testing.T) {
	img := image.NewYCbCr(image.Rect(0, 0, 5, 3), image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = 16
	}
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}

	for _, format := range CandidateFormats {
		t.Run(format.String(), func(t *testing.T) {
			f, err := YCbCrToFrame(nil, img, format, false)
			require.NoError(t, err)
			require.NoError(t, f.Validate())
			assert.Equal(t, 5, f.Width)
			assert.Equal(t, 3, f.Height)

			switch format {
			case PixelFormatBGRA:
				assert.Equal(t, []byte{0, 0, 0, 0xff}, f.Planes[0].Data[:4])
			case PixelFormatNV12VideoRange:
				assert.Equal(t, uint8(16), f.Planes[0].Data[0])
				assert.Equal(t, uint8(128), f.Planes[1].Data[1])
			case PixelFormatNV12FullRange:
				assert.Equal(t, uint8(0), f.Planes[0].Data[0])
				assert.Equal(t, uint8(128), f.Planes[1].Data[1])
			}
		})
	}
}

func TestFrameToImage(t *testing.T) {
	src := solidBGRA(t, 3, 2, 10, 20, 30)
	img, err := FrameToImage(src)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())
	assert.Equal(t, []byte{30, 20, 10, 0xff}, img.Pix[:4])
}
