// Package asset 循环读取本地视频素材并生成候选格式帧
package asset

import (
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

var (
	// ErrAssetUnavailable 素材文件不存在
	ErrAssetUnavailable = fmt.Errorf("asset unavailable: %w", media.ErrSourceUnavailable)

	// ErrAssetInvalid 容器或轨道无法解析
	ErrAssetInvalid = errors.New("asset invalid")

	// ErrReaderStartFailed 解码无法开始
	ErrReaderStartFailed = errors.New("asset reader start failed")

	// ErrReaderClosed 读取器已关闭
	ErrReaderClosed = errors.New("asset reader closed")
)

// StreamInfo 素材流信息
type StreamInfo struct {
	Codec     string     `json:"codec"`
	Width     int        `json:"width"`
	Height    int        `json:"height"`
	FrameRate float64    `json:"frame_rate"`
	Duration  media.Time `json:"frame_duration"`
	FullRange bool       `json:"full_range"`
}

// DecodedFrame 解码器输出的一帧
// Image 只保证在下一次 Next 调用之前有效
type DecodedFrame struct {
	Image     *image.YCbCr
	PTS       media.Time
	Duration  media.Time
	FullRange bool
}

// Decoder 顺序解码器，流结束时 Next 返回 io.EOF
type Decoder interface {
	Next() (*DecodedFrame, error)
	Info() StreamInfo
	Close() error
}

// DecoderFactory 打开素材文件并返回解码器
// 文件不存在时返回的错误需满足 errors.Is(err, os.ErrNotExist)
type DecoderFactory func(path string) (Decoder, error)

// Registry 解码器注册表
type Registry struct {
	mu        sync.RWMutex
	factories map[string]DecoderFactory
	exts      map[string]string
	fallback  string
}

// NewRegistry 创建包含内置解码器 (y4m, ivf) 的注册表
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]DecoderFactory),
		exts:      make(map[string]string),
	}
	r.Register("y4m", OpenY4M, ".y4m")
	r.Register("ivf", OpenIVF, ".ivf")
	return r
}

// Register 注册解码器及其负责的文件扩展名
func (r *Registry) Register(name string, factory DecoderFactory, exts ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[name] = factory
	for _, ext := range exts {
		r.exts[strings.ToLower(ext)] = name
	}
}

// SetFallback 设置扩展名无法识别时使用的解码器
func (r *Registry) SetFallback(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = name
}

// Names 返回已注册的解码器名称
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve 按名称选择解码器，auto 时按扩展名选择
func (r *Registry) Resolve(name, path string) (string, DecoderFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" || name == "auto" {
		ext := strings.ToLower(filepath.Ext(path))
		if byExt, ok := r.exts[ext]; ok {
			name = byExt
		} else if r.fallback != "" {
			name = r.fallback
		} else {
			return "", nil, fmt.Errorf("%w: no decoder for extension %q", ErrAssetInvalid, ext)
		}
	}

	factory, ok := r.factories[name]
	if !ok {
		return "", nil, fmt.Errorf("%w: decoder %q not registered", ErrAssetInvalid, name)
	}
	return name, factory, nil
}

// cloneYCbCr 拷贝图像，尺寸一致时复用 dst
func cloneYCbCr(src, dst *image.YCbCr) *image.YCbCr {
	if dst == nil || dst.Rect != src.Rect || dst.SubsampleRatio != src.SubsampleRatio ||
		dst.YStride != src.YStride || dst.CStride != src.CStride {
		dst = &image.YCbCr{
			Y:              make([]byte, len(src.Y)),
			Cb:             make([]byte, len(src.Cb)),
			Cr:             make([]byte, len(src.Cr)),
			YStride:        src.YStride,
			CStride:        src.CStride,
			SubsampleRatio: src.SubsampleRatio,
			Rect:           src.Rect,
		}
	}
	copy(dst.Y, src.Y)
	copy(dst.Cb, src.Cb)
	copy(dst.Cr, src.Cr)
	return dst
}
