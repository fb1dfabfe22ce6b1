package media

import "errors"

// 错误分类
var (
	// ErrSourceUnavailable 素材缺失或远端未连接，调用方应回退到原始帧
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrFormatConversionFailed 格式转换失败，调用方应回退到原始帧并重置来源
	ErrFormatConversionFailed = errors.New("format conversion failed")

	ErrUnsupportedFormat = errors.New("unsupported pixel format")
	ErrInvalidFrame      = errors.New("invalid frame")
)
