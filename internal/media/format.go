package media

import (
	"fmt"
	"strings"
)

// PixelFormat 像素格式 (FourCC 编码)
type PixelFormat uint32

// 候选像素格式
const (
	PixelFormatUnknown        PixelFormat = 0
	PixelFormatBGRA           PixelFormat = 'B'<<24 | 'G'<<16 | 'R'<<8 | 'A'
	PixelFormatNV12VideoRange PixelFormat = '4'<<24 | '2'<<16 | '0'<<8 | 'v'
	PixelFormatNV12FullRange  PixelFormat = '4'<<24 | '2'<<16 | '0'<<8 | 'f'
)

// CandidateFormats 读取器每次同步产出的三种候选格式
var CandidateFormats = []PixelFormat{
	PixelFormatBGRA,
	PixelFormatNV12VideoRange,
	PixelFormatNV12FullRange,
}

// String 返回 FourCC 文本
func (f PixelFormat) String() string {
	if f == PixelFormatUnknown {
		return "unknown"
	}
	b := []byte{byte(f >> 24), byte(f >> 16), byte(f >> 8), byte(f)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(f))
		}
	}
	return string(b)
}

// IsBiPlanar 是否为 Y + 交错 UV 双平面布局
func (f PixelFormat) IsBiPlanar() bool {
	return f == PixelFormatNV12VideoRange || f == PixelFormatNV12FullRange
}

// IsFullRange 是否为全范围 YUV
func (f PixelFormat) IsFullRange() bool {
	return f == PixelFormatNV12FullRange
}

// IsCandidate 是否为支持的候选格式
func (f PixelFormat) IsCandidate() bool {
	for _, c := range CandidateFormats {
		if c == f {
			return true
		}
	}
	return false
}

// SameFamily 两种格式是否可以按行直接拷贝
func (f PixelFormat) SameFamily(other PixelFormat) bool {
	if f == other {
		return true
	}
	return f.IsBiPlanar() && other.IsBiPlanar()
}

// PlaneCount 平面数量
func (f PixelFormat) PlaneCount() int {
	switch {
	case f == PixelFormatBGRA:
		return 1
	case f.IsBiPlanar():
		return 2
	default:
		return 0
	}
}

// ResolveTarget 将请求格式归一到候选格式，无法识别时返回全范围 NV12
func ResolveTarget(f PixelFormat) PixelFormat {
	if f.IsCandidate() {
		return f
	}
	return PixelFormatNV12FullRange
}

// ParsePixelFormat 解析 FourCC 或别名
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bgra", "32bgra":
		return PixelFormatBGRA, nil
	case "420v", "nv12", "nv12-video":
		return PixelFormatNV12VideoRange, nil
	case "420f", "nv12-full":
		return PixelFormatNV12FullRange, nil
	case "":
		return PixelFormatUnknown, fmt.Errorf("empty pixel format")
	}
	return PixelFormatUnknown, fmt.Errorf("unsupported pixel format: %s", s)
}
