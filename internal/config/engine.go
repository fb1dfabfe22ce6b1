package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// SourceMode 替换画面来源
type SourceMode string

const (
	SourceModeAsset  SourceMode = "asset"
	SourceModeRemote SourceMode = "remote"
)

// AssetConfig 本地循环素材配置模块
type AssetConfig struct {
	// Path 素材文件路径
	Path string `yaml:"path" json:"path"`

	// Decoder 解码器 (auto, y4m, ivf, gst)
	Decoder string `yaml:"decoder" json:"decoder"`

	// PollInterval 素材文件存在性轮询间隔
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// FrameTimeout 单次取帧的最长等待时间
	FrameTimeout time.Duration `yaml:"frame_timeout" json:"frame_timeout"`

	// FullRange 解码输出是否为全范围 YUV
	FullRange bool `yaml:"full_range" json:"full_range"`
}

// DefaultAssetConfig 返回默认素材配置
func DefaultAssetConfig() *AssetConfig {
	return &AssetConfig{
		Path:         "assets/loop.y4m",
		Decoder:      "auto",
		PollInterval: time.Second,
		FrameTimeout: 2 * time.Second,
	}
}

// Validate 验证配置
func (c *AssetConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("asset path cannot be empty")
	}
	switch c.Decoder {
	case "auto", "y4m", "ivf", "gst":
	default:
		return fmt.Errorf("invalid asset decoder: %s (must be auto, y4m, ivf or gst)", c.Decoder)
	}
	if c.PollInterval < 100*time.Millisecond || c.PollInterval > time.Minute {
		return fmt.Errorf("poll interval out of range: %v (100ms-1m)", c.PollInterval)
	}
	if c.FrameTimeout <= 0 || c.FrameTimeout > 30*time.Second {
		return fmt.Errorf("frame timeout out of range: %v (must be within 30s)", c.FrameTimeout)
	}
	return nil
}

// Merge 合并其他配置
func (c *AssetConfig) Merge(other *AssetConfig) error {
	if other == nil {
		return nil
	}
	if other.Path != "" {
		c.Path = other.Path
	}
	if other.Decoder != "" {
		c.Decoder = other.Decoder
	}
	if other.PollInterval != 0 {
		c.PollInterval = other.PollInterval
	}
	if other.FrameTimeout != 0 {
		c.FrameTimeout = other.FrameTimeout
	}
	c.FullRange = other.FullRange
	return nil
}

// CompositorConfig 合成器配置模块
type CompositorConfig struct {
	// CacheTTL 缓存的替换帧在该时长内可直接复用
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`

	// SourceTimeout 向来源取帧的超时
	SourceTimeout time.Duration `yaml:"source_timeout" json:"source_timeout"`

	// PreviewFormat 无原始帧时 (预览模式) 的输出格式
	PreviewFormat string `yaml:"preview_format" json:"preview_format"`

	// DebugPattern 来源不可用时输出测试图案而不是原始帧，仅用于诊断
	DebugPattern bool `yaml:"debug_pattern" json:"debug_pattern"`
}

// DefaultCompositorConfig 返回默认合成器配置
func DefaultCompositorConfig() *CompositorConfig {
	return &CompositorConfig{
		CacheTTL:      30 * time.Millisecond,
		SourceTimeout: 500 * time.Millisecond,
		PreviewFormat: "bgra",
	}
}

// Validate 验证配置
func (c *CompositorConfig) Validate() error {
	if c.CacheTTL < 0 || c.CacheTTL > 10*time.Second {
		return fmt.Errorf("cache ttl out of range: %v (0-10s)", c.CacheTTL)
	}
	if c.SourceTimeout <= 0 || c.SourceTimeout > 10*time.Second {
		return fmt.Errorf("source timeout out of range: %v (must be within 10s)", c.SourceTimeout)
	}
	if _, err := media.ParsePixelFormat(c.PreviewFormat); err != nil {
		return fmt.Errorf("invalid preview format: %w", err)
	}
	return nil
}

// Merge 合并其他配置
func (c *CompositorConfig) Merge(other *CompositorConfig) error {
	if other == nil {
		return nil
	}
	if other.CacheTTL != 0 {
		c.CacheTTL = other.CacheTTL
	}
	if other.SourceTimeout != 0 {
		c.SourceTimeout = other.SourceTimeout
	}
	if other.PreviewFormat != "" {
		c.PreviewFormat = other.PreviewFormat
	}
	c.DebugPattern = other.DebugPattern
	return nil
}

// ActivationConfig 激活开关配置模块
type ActivationConfig struct {
	// Store 同步方式 (memory, file)
	Store string `yaml:"store" json:"store"`

	// Directory file 方式下的共享目录
	Directory string `yaml:"directory" json:"directory"`

	// Name 开关名称
	Name string `yaml:"name" json:"name"`

	// InitialActive 进程启动时的初始状态 (仅在外部没有值时写入)
	InitialActive bool `yaml:"initial_active" json:"initial_active"`
}

// DefaultActivationConfig 返回默认激活配置
func DefaultActivationConfig() *ActivationConfig {
	return &ActivationConfig{
		Store:     "file",
		Directory: filepath.Join(os.TempDir(), "bdwind-vcam"),
		Name:      "vcam.active",
	}
}

// Validate 验证配置
func (c *ActivationConfig) Validate() error {
	switch c.Store {
	case "memory":
	case "file":
		if c.Directory == "" {
			return fmt.Errorf("activation directory is required for file store")
		}
	default:
		return fmt.Errorf("invalid activation store: %s (must be 'memory' or 'file')", c.Store)
	}
	if c.Name == "" || strings.ContainsAny(c.Name, `/\`) {
		return fmt.Errorf("invalid activation name: %q", c.Name)
	}
	return nil
}

// Merge 合并其他配置
func (c *ActivationConfig) Merge(other *ActivationConfig) error {
	if other == nil {
		return nil
	}
	if other.Store != "" {
		c.Store = other.Store
	}
	if other.Directory != "" {
		c.Directory = other.Directory
	}
	if other.Name != "" {
		c.Name = other.Name
	}
	c.InitialActive = other.InitialActive
	return nil
}
