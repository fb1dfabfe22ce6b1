package media

import (
	"fmt"
	"sync/atomic"
)

// strideAlignment 行字节对齐
const strideAlignment = 16

// Plane 一个像素平面
type Plane struct {
	Data   []byte
	Stride int
	Width  int // 以样本为单位
	Height int
}

// RawFrame 原始像素缓冲区
// 所有权：由产生它的读取器独占，交给合成器后由合成器负责释放
type RawFrame struct {
	Format PixelFormat
	Width  int
	Height int
	Planes []Plane

	// Description 可选的格式描述句柄
	Description *FormatDescription

	pool     *BufferPool
	released atomic.Bool
}

func alignStride(n int) int {
	return (n + strideAlignment - 1) &^ (strideAlignment - 1)
}

// ChromaSize 4:2:0 色度平面尺寸，奇数尺寸向上取整
func ChromaSize(width, height int) (int, int) {
	return (width + 1) / 2, (height + 1) / 2
}

// NewRawFrame 按格式分配帧，pool 为 nil 时直接分配
func NewRawFrame(pool *BufferPool, format PixelFormat, width, height int) (*RawFrame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: invalid frame size %dx%d", ErrInvalidFrame, width, height)
	}
	frame := &RawFrame{Format: format, Width: width, Height: height, pool: pool}
	switch {
	case format == PixelFormatBGRA:
		stride := alignStride(width * 4)
		frame.Planes = []Plane{{Data: frame.alloc(stride * height), Stride: stride, Width: width, Height: height}}
	case format.IsBiPlanar():
		cw, ch := ChromaSize(width, height)
		yStride := alignStride(width)
		uvStride := alignStride(cw * 2)
		frame.Planes = []Plane{
			{Data: frame.alloc(yStride * height), Stride: yStride, Width: width, Height: height},
			{Data: frame.alloc(uvStride * ch), Stride: uvStride, Width: cw, Height: ch},
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	frame.Description = DescribeFrame(frame)
	return frame, nil
}

func (f *RawFrame) alloc(n int) []byte {
	if f.pool != nil {
		return f.pool.Get(n)
	}
	return make([]byte, n)
}

// Validate 检查平面布局是否与格式和尺寸一致
func (f *RawFrame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil frame", ErrInvalidFrame)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: invalid frame size %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	if n := f.Format.PlaneCount(); n == 0 || len(f.Planes) != n {
		return fmt.Errorf("%w: format %s expects %d planes, got %d", ErrInvalidFrame, f.Format, n, len(f.Planes))
	}
	minRow := f.Width
	if f.Format == PixelFormatBGRA {
		minRow = f.Width * 4
	}
	if err := f.Planes[0].check(minRow, f.Height); err != nil {
		return fmt.Errorf("%w: plane 0: %v", ErrInvalidFrame, err)
	}
	if f.Format.IsBiPlanar() {
		cw, ch := ChromaSize(f.Width, f.Height)
		if err := f.Planes[1].check(cw*2, ch); err != nil {
			return fmt.Errorf("%w: plane 1: %v", ErrInvalidFrame, err)
		}
	}
	return nil
}

func (p Plane) check(minRow, rows int) error {
	if p.Stride < minRow {
		return fmt.Errorf("stride %d shorter than row %d", p.Stride, minRow)
	}
	if len(p.Data) < p.Stride*(rows-1)+minRow {
		return fmt.Errorf("buffer too small: %d bytes for %d rows of stride %d", len(p.Data), rows, p.Stride)
	}
	return nil
}

// Matches 格式与尺寸是否完全一致
func (f *RawFrame) Matches(format PixelFormat, width, height int) bool {
	return f != nil && f.Format == format && f.Width == width && f.Height == height
}

// Clone 复制一帧 (使用同一个缓冲池)
func (f *RawFrame) Clone() (*RawFrame, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil frame", ErrInvalidFrame)
	}
	out := &RawFrame{Format: f.Format, Width: f.Width, Height: f.Height, pool: f.pool}
	out.Planes = make([]Plane, len(f.Planes))
	for i, p := range f.Planes {
		data := out.alloc(len(p.Data))
		copy(data, p.Data)
		out.Planes[i] = Plane{Data: data, Stride: p.Stride, Width: p.Width, Height: p.Height}
	}
	if f.Description != nil {
		d := *f.Description
		out.Description = &d
	} else {
		out.Description = DescribeFrame(out)
	}
	return out, nil
}

// Release 归还缓冲区，重复调用无副作用
func (f *RawFrame) Release() {
	if f == nil || !f.released.CompareAndSwap(false, true) {
		return
	}
	if f.pool != nil {
		for _, p := range f.Planes {
			f.pool.Put(p.Data)
		}
	}
	f.Planes = nil
}

// Released 是否已释放
func (f *RawFrame) Released() bool {
	return f.released.Load()
}

// ByteSize 所有平面的字节数
func (f *RawFrame) ByteSize() int {
	n := 0
	for _, p := range f.Planes {
		n += len(p.Data)
	}
	return n
}

func (f *RawFrame) String() string {
	return fmt.Sprintf("%s %dx%d", f.Format, f.Width, f.Height)
}

// FormatDescription 消费方 API 需要的格式描述
type FormatDescription struct {
	Format     PixelFormat       `json:"format"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	Extensions map[string]string `json:"extensions,omitempty"`
}

// DescribeFrame 根据帧生成格式描述
func DescribeFrame(f *RawFrame) *FormatDescription {
	d := &FormatDescription{Format: f.Format, Width: f.Width, Height: f.Height}
	if f.Format.IsBiPlanar() {
		d.Extensions = map[string]string{"YCbCrMatrix": "ITU_R_601_4"}
		if f.Format.IsFullRange() {
			d.Extensions["FullRangeVideo"] = "true"
		}
	}
	return d
}

// Matches 描述是否与帧一致
func (d *FormatDescription) Matches(f *RawFrame) bool {
	return d != nil && f.Matches(d.Format, d.Width, d.Height)
}

// SampleFrame 帧 + 时间信息 + 格式描述，既用于原始帧也用于替换帧
type SampleFrame struct {
	Frame       *RawFrame
	Timing      TimingInfo
	Description *FormatDescription
}

// SubstituteFrame 合成器的输出
type SubstituteFrame = SampleFrame

// NewSampleFrame 包装原始帧
func NewSampleFrame(frame *RawFrame, timing TimingInfo) *SampleFrame {
	desc := frame.Description
	if desc == nil {
		desc = DescribeFrame(frame)
	}
	return &SampleFrame{Frame: frame, Timing: timing, Description: desc}
}

// Format 像素格式
func (s *SampleFrame) Format() PixelFormat {
	if s == nil || s.Frame == nil {
		return PixelFormatUnknown
	}
	return s.Frame.Format
}

// Size 帧尺寸
func (s *SampleFrame) Size() (int, int) {
	if s == nil || s.Frame == nil {
		return 0, 0
	}
	return s.Frame.Width, s.Frame.Height
}

// Clone 深拷贝
func (s *SampleFrame) Clone() (*SampleFrame, error) {
	frame, err := s.Frame.Clone()
	if err != nil {
		return nil, err
	}
	return &SampleFrame{Frame: frame, Timing: s.Timing, Description: frame.Description}, nil
}

// Release 释放底层缓冲区
func (s *SampleFrame) Release() {
	if s != nil {
		s.Frame.Release()
	}
}
