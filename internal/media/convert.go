package media

import (
	"fmt"
	"image"
)

// 颜色转换采用 BT.601 定点近似

var (
	lumaVideoToFull   [256]uint8
	lumaFullToVideo   [256]uint8
	chromaVideoToFull [256]uint8
	chromaFullToVideo [256]uint8
)

func init() {
	for i := 0; i < 256; i++ {
		lumaVideoToFull[i] = clamp8(((i-16)*255 + 109) / 219)
		lumaFullToVideo[i] = clamp8((i*219+127)/255 + 16)
		chromaVideoToFull[i] = clamp8(((i-128)*255)/224 + 128)
		chromaFullToVideo[i] = clamp8(((i-128)*224)/255 + 128)
	}
}

func clamp8(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func yuvToRGB(y, u, v uint8, full bool) (uint8, uint8, uint8) {
	d := int(u) - 128
	e := int(v) - 128
	if full {
		c := int(y)
		return clamp8(c + (359*e+128)>>8),
			clamp8(c - (88*d+183*e+128)>>8),
			clamp8(c + (454*d+128)>>8)
	}
	c := 298 * (int(y) - 16)
	return clamp8((c + 409*e + 128) >> 8),
		clamp8((c - 100*d - 208*e + 128) >> 8),
		clamp8((c + 516*d + 128) >> 8)
}

func rgbToY(r, g, b int, full bool) uint8 {
	if full {
		return clamp8((77*r + 150*g + 29*b + 128) >> 8)
	}
	return clamp8((66*r+129*g+25*b+128)>>8 + 16)
}

func rgbToUV(r, g, b int, full bool) (uint8, uint8) {
	if full {
		return clamp8((-43*r-85*g+128*b+128)>>8 + 128),
			clamp8((128*r-107*g-21*b+128)>>8 + 128)
	}
	return clamp8((-38*r-74*g+112*b+128)>>8 + 128),
		clamp8((112*r-94*g-18*b+128)>>8 + 128)
}

// Convert 将 src 转换写入 dst
// 尺寸不同时只处理两者重叠的区域，不做缩放
func Convert(dst, src *RawFrame) error {
	if err := src.Validate(); err != nil {
		return fmt.Errorf("%w: source: %v", ErrFormatConversionFailed, err)
	}
	if err := dst.Validate(); err != nil {
		return fmt.Errorf("%w: destination: %v", ErrFormatConversionFailed, err)
	}

	switch {
	case src.Format == PixelFormatBGRA && dst.Format == PixelFormatBGRA:
		copyPlane(&dst.Planes[0], &src.Planes[0], min(src.Height, dst.Height))
	case src.Format.IsBiPlanar() && dst.Format.IsBiPlanar():
		copyPlane(&dst.Planes[0], &src.Planes[0], min(src.Height, dst.Height))
		copyPlane(&dst.Planes[1], &src.Planes[1], min(src.Planes[1].Height, dst.Planes[1].Height))
		if src.Format != dst.Format {
			remapRange(dst, min(src.Width, dst.Width), min(src.Height, dst.Height), dst.Format.IsFullRange())
		}
	case src.Format == PixelFormatBGRA && dst.Format.IsBiPlanar():
		bgraToNV12(dst, src)
	case src.Format.IsBiPlanar() && dst.Format == PixelFormatBGRA:
		nv12ToBGRA(dst, src)
	default:
		return fmt.Errorf("%w: %s -> %s", ErrFormatConversionFailed, src.Format, dst.Format)
	}
	return nil
}

// copyPlane 逐行拷贝，每行 min(srcStride, dstStride) 字节
func copyPlane(dst, src *Plane, rows int) {
	n := min(src.Stride, dst.Stride)
	for y := 0; y < rows; y++ {
		so := y * src.Stride
		do := y * dst.Stride
		if so >= len(src.Data) || do >= len(dst.Data) {
			return
		}
		m := min(n, len(src.Data)-so, len(dst.Data)-do)
		copy(dst.Data[do:do+m], src.Data[so:so+m])
	}
}

// remapRange 在 dst 的 w×h 区域内完成视频范围与全范围之间的映射
func remapRange(dst *RawFrame, w, h int, toFull bool) {
	luma, chroma := &lumaFullToVideo, &chromaFullToVideo
	if toFull {
		luma, chroma = &lumaVideoToFull, &chromaVideoToFull
	}
	yp := &dst.Planes[0]
	for y := 0; y < h; y++ {
		row := yp.Data[y*yp.Stride : y*yp.Stride+w]
		for x := range row {
			row[x] = luma[row[x]]
		}
	}
	cw, ch := ChromaSize(w, h)
	uv := &dst.Planes[1]
	for y := 0; y < ch; y++ {
		row := uv.Data[y*uv.Stride : y*uv.Stride+cw*2]
		for x := range row {
			row[x] = chroma[row[x]]
		}
	}
}

func bgraToNV12(dst, src *RawFrame) {
	full := dst.Format.IsFullRange()
	w := min(src.Width, dst.Width)
	h := min(src.Height, dst.Height)
	sp := &src.Planes[0]
	yp := &dst.Planes[0]
	uv := &dst.Planes[1]

	for y := 0; y < h; y++ {
		srow := sp.Data[y*sp.Stride:]
		drow := yp.Data[y*yp.Stride:]
		for x := 0; x < w; x++ {
			b, g, r := int(srow[x*4]), int(srow[x*4+1]), int(srow[x*4+2])
			drow[x] = rgbToY(r, g, b, full)
		}
	}

	cw, ch := ChromaSize(w, h)
	for cy := 0; cy < ch; cy++ {
		drow := uv.Data[cy*uv.Stride:]
		for cx := 0; cx < cw; cx++ {
			var rs, gs, bs, n int
			for dy := 0; dy < 2; dy++ {
				y := cy*2 + dy
				if y >= h {
					break
				}
				srow := sp.Data[y*sp.Stride:]
				for dx := 0; dx < 2; dx++ {
					x := cx*2 + dx
					if x >= w {
						break
					}
					bs += int(srow[x*4])
					gs += int(srow[x*4+1])
					rs += int(srow[x*4+2])
					n++
				}
			}
			u, v := rgbToUV(rs/n, gs/n, bs/n, full)
			drow[cx*2] = u
			drow[cx*2+1] = v
		}
	}
}

func nv12ToBGRA(dst, src *RawFrame) {
	full := src.Format.IsFullRange()
	w := min(src.Width, dst.Width)
	h := min(src.Height, dst.Height)
	yp := &src.Planes[0]
	uv := &src.Planes[1]
	dp := &dst.Planes[0]

	for y := 0; y < h; y++ {
		yrow := yp.Data[y*yp.Stride:]
		crow := uv.Data[(y/2)*uv.Stride:]
		drow := dp.Data[y*dp.Stride:]
		for x := 0; x < w; x++ {
			c := (x / 2) * 2
			r, g, b := yuvToRGB(yrow[x], crow[c], crow[c+1], full)
			o := x * 4
			drow[o] = b
			drow[o+1] = g
			drow[o+2] = r
			drow[o+3] = 0xff
		}
	}
}

// FillBlack 将帧填充为黑色
func FillBlack(f *RawFrame) {
	switch {
	case f.Format == PixelFormatBGRA:
		p := &f.Planes[0]
		for y := 0; y < f.Height; y++ {
			row := p.Data[y*p.Stride : y*p.Stride+f.Width*4]
			for x := 0; x < len(row); x += 4 {
				row[x], row[x+1], row[x+2], row[x+3] = 0, 0, 0, 0xff
			}
		}
	case f.Format.IsBiPlanar():
		black := byte(16)
		if f.Format.IsFullRange() {
			black = 0
		}
		fill(f.Planes[0].Data, black)
		fill(f.Planes[1].Data, 128)
	}
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// YCbCrToFrame 将解码得到的 YCbCr 图像转换为指定候选格式
// srcFullRange 表示解码输出是否为全范围
func YCbCrToFrame(pool *BufferPool, img *image.YCbCr, format PixelFormat, srcFullRange bool) (*RawFrame, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrFormatConversionFailed)
	}
	b := img.Rect
	w, h := b.Dx(), b.Dy()
	frame, err := NewRawFrame(pool, format, w, h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormatConversionFailed, err)
	}

	switch {
	case format.IsBiPlanar():
		dstFull := format.IsFullRange()
		luma, chroma := identity, identity
		if srcFullRange != dstFull {
			if dstFull {
				luma, chroma = &lumaVideoToFull, &chromaVideoToFull
			} else {
				luma, chroma = &lumaFullToVideo, &chromaFullToVideo
			}
		}
		yp := &frame.Planes[0]
		for y := 0; y < h; y++ {
			src := img.Y[img.YOffset(b.Min.X, b.Min.Y+y):]
			dst := yp.Data[y*yp.Stride : y*yp.Stride+w]
			for x := range dst {
				dst[x] = luma[src[x]]
			}
		}
		cw, ch := ChromaSize(w, h)
		uv := &frame.Planes[1]
		for cy := 0; cy < ch; cy++ {
			dst := uv.Data[cy*uv.Stride:]
			for cx := 0; cx < cw; cx++ {
				ci := img.COffset(b.Min.X+cx*2, b.Min.Y+cy*2)
				dst[cx*2] = chroma[img.Cb[ci]]
				dst[cx*2+1] = chroma[img.Cr[ci]]
			}
		}
	case format == PixelFormatBGRA:
		dp := &frame.Planes[0]
		for y := 0; y < h; y++ {
			drow := dp.Data[y*dp.Stride:]
			for x := 0; x < w; x++ {
				yi := img.YOffset(b.Min.X+x, b.Min.Y+y)
				ci := img.COffset(b.Min.X+x, b.Min.Y+y)
				r, g, bl := yuvToRGB(img.Y[yi], img.Cb[ci], img.Cr[ci], srcFullRange)
				o := x * 4
				drow[o], drow[o+1], drow[o+2], drow[o+3] = bl, g, r, 0xff
			}
		}
	default:
		frame.Release()
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return frame, nil
}

var identity = func() *[256]uint8 {
	var t [256]uint8
	for i := range t {
		t[i] = uint8(i)
	}
	return &t
}()

// FrameToImage 将任意候选格式帧转换为 RGBA 图像 (预览用)
func FrameToImage(f *RawFrame) (*image.RGBA, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	src := f
	if f.Format != PixelFormatBGRA {
		bgra, err := NewRawFrame(nil, PixelFormatBGRA, f.Width, f.Height)
		if err != nil {
			return nil, err
		}
		if err := Convert(bgra, f); err != nil {
			return nil, err
		}
		src = bgra
	}
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	p := &src.Planes[0]
	for y := 0; y < f.Height; y++ {
		srow := p.Data[y*p.Stride:]
		drow := img.Pix[y*img.Stride:]
		for x := 0; x < f.Width; x++ {
			o := x * 4
			drow[o], drow[o+1], drow[o+2], drow[o+3] = srow[o+2], srow[o+1], srow[o], srow[o+3]
		}
	}
	return img, nil
}
