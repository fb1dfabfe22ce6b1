package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 虚拟摄像头替换引擎配置聚合器
type Config struct {
	// 替换画面来源
	Source SourceConfig `yaml:"source" json:"source"`

	Asset      *AssetConfig      `yaml:"asset" json:"asset"`
	Remote     *RemoteConfig     `yaml:"remote" json:"remote"`
	Compositor *CompositorConfig `yaml:"compositor" json:"compositor"`
	Activation *ActivationConfig `yaml:"activation" json:"activation"`

	WebServer *WebServerConfig `yaml:"webserver" json:"webserver"`
	Metrics   *MetricsConfig   `yaml:"metrics" json:"metrics"`
	Logging   *LoggingConfig   `yaml:"logging" json:"logging"`

	// 生命周期管理配置
	Lifecycle LifecycleConfig `yaml:"lifecycle" json:"lifecycle"`
}

// SourceConfig 来源选择
type SourceConfig struct {
	Mode SourceMode `yaml:"mode" json:"mode"`
}

// LifecycleConfig 生命周期管理配置
type LifecycleConfig struct {
	// 优雅关闭超时时间
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// 组件启动超时时间
	StartupTimeout time.Duration `yaml:"startup_timeout" json:"startup_timeout"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	cfg := &Config{
		Source:     SourceConfig{Mode: SourceModeAsset},
		Asset:      DefaultAssetConfig(),
		Remote:     DefaultRemoteConfig(),
		Compositor: DefaultCompositorConfig(),
		Activation: DefaultActivationConfig(),
		WebServer:  DefaultWebServerConfig(),
		Metrics:    DefaultMetricsConfig(),
		Logging:    DefaultLoggingConfig(),
	}

	cfg.Lifecycle.ShutdownTimeout = 10 * time.Second
	cfg.Lifecycle.StartupTimeout = 30 * time.Second

	return cfg
}

// LoadConfigFromFile 从文件加载配置，未出现的字段保持默认值
func LoadConfigFromFile(filename string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.fillMissing()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// fillMissing 配置文件中显式置空的模块回退为默认值
func (c *Config) fillMissing() {
	if c.Asset == nil {
		c.Asset = DefaultAssetConfig()
	}
	if c.Remote == nil {
		c.Remote = DefaultRemoteConfig()
	}
	if c.Compositor == nil {
		c.Compositor = DefaultCompositorConfig()
	}
	if c.Activation == nil {
		c.Activation = DefaultActivationConfig()
	}
	if c.WebServer == nil {
		c.WebServer = DefaultWebServerConfig()
	}
	if c.Metrics == nil {
		c.Metrics = DefaultMetricsConfig()
	}
	if c.Logging == nil {
		c.Logging = DefaultLoggingConfig()
	}
}

// ApplyEnv 使用环境变量覆盖配置
func (c *Config) ApplyEnv() {
	c.fillMissing()
	if mode := os.Getenv("BDWIND_SOURCE_MODE"); mode != "" {
		c.Source.Mode = SourceMode(mode)
	}
	if path := os.Getenv("BDWIND_ASSET_PATH"); path != "" {
		c.Asset.Path = path
	}
	if url := os.Getenv("BDWIND_SIGNALING_URL"); url != "" {
		c.Remote.SignalingURL = url
	}
	if room := os.Getenv("BDWIND_ROOM_ID"); room != "" {
		c.Remote.RoomID = room
	}
	c.Logging.ApplyEnv()
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Source.Mode {
	case SourceModeAsset:
		if c.Asset == nil {
			return fmt.Errorf("asset config is required in asset mode")
		}
	case SourceModeRemote:
		if c.Remote == nil {
			return fmt.Errorf("remote config is required in remote mode")
		}
	default:
		return fmt.Errorf("invalid source mode: %q (must be 'asset' or 'remote')", c.Source.Mode)
	}

	if c.Asset != nil {
		if err := c.Asset.Validate(); err != nil {
			return fmt.Errorf("invalid asset config: %w", err)
		}
	}
	if c.Remote != nil {
		if err := c.Remote.Validate(); err != nil {
			return fmt.Errorf("invalid remote config: %w", err)
		}
	}
	if c.Compositor != nil {
		if err := c.Compositor.Validate(); err != nil {
			return fmt.Errorf("invalid compositor config: %w", err)
		}
	}
	if c.Activation != nil {
		if err := c.Activation.Validate(); err != nil {
			return fmt.Errorf("invalid activation config: %w", err)
		}
	}
	if c.WebServer != nil {
		if err := c.WebServer.Validate(); err != nil {
			return fmt.Errorf("invalid webserver config: %w", err)
		}
	}
	if c.Metrics != nil {
		if err := c.Metrics.Validate(); err != nil {
			return fmt.Errorf("invalid metrics config: %w", err)
		}
	}
	if c.Logging != nil {
		if err := c.Logging.Validate(); err != nil {
			return fmt.Errorf("invalid logging config: %w", err)
		}
	}

	if err := c.validateLifecycleConfig(); err != nil {
		return fmt.Errorf("invalid lifecycle config: %w", err)
	}

	if err := c.validateCrossModuleCompatibility(); err != nil {
		return fmt.Errorf("module compatibility error: %w", err)
	}

	return nil
}

// validateLifecycleConfig 验证生命周期配置
func (c *Config) validateLifecycleConfig() error {
	if c.Lifecycle.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got: %v", c.Lifecycle.ShutdownTimeout)
	}
	if c.Lifecycle.StartupTimeout <= 0 {
		return fmt.Errorf("startup timeout must be positive, got: %v", c.Lifecycle.StartupTimeout)
	}
	return nil
}

// validateCrossModuleCompatibility 验证模块间的兼容性
func (c *Config) validateCrossModuleCompatibility() error {
	if c.WebServer != nil && c.WebServer.Enabled &&
		c.Metrics != nil && c.Metrics.External.Enabled &&
		c.WebServer.Port == c.Metrics.External.Port {
		return fmt.Errorf("port conflict: metrics port %d already used by webserver", c.Metrics.External.Port)
	}
	return nil
}

// Merge 合并其他配置
func (c *Config) Merge(other *Config) error {
	if other == nil {
		return nil
	}
	c.fillMissing()

	if other.Source.Mode != "" {
		c.Source.Mode = other.Source.Mode
	}
	if err := c.Asset.Merge(other.Asset); err != nil {
		return fmt.Errorf("failed to merge asset config: %w", err)
	}
	if err := c.Remote.Merge(other.Remote); err != nil {
		return fmt.Errorf("failed to merge remote config: %w", err)
	}
	if err := c.Compositor.Merge(other.Compositor); err != nil {
		return fmt.Errorf("failed to merge compositor config: %w", err)
	}
	if err := c.Activation.Merge(other.Activation); err != nil {
		return fmt.Errorf("failed to merge activation config: %w", err)
	}
	if err := c.WebServer.Merge(other.WebServer); err != nil {
		return fmt.Errorf("failed to merge webserver config: %w", err)
	}
	if err := c.Metrics.Merge(other.Metrics); err != nil {
		return fmt.Errorf("failed to merge metrics config: %w", err)
	}
	if err := c.Logging.Merge(other.Logging); err != nil {
		return fmt.Errorf("failed to merge logging config: %w", err)
	}

	if other.Lifecycle.ShutdownTimeout != 0 {
		c.Lifecycle.ShutdownTimeout = other.Lifecycle.ShutdownTimeout
	}
	if other.Lifecycle.StartupTimeout != 0 {
		c.Lifecycle.StartupTimeout = other.Lifecycle.StartupTimeout
	}

	return nil
}

// String 返回配置的字符串表示
func (c *Config) String() string {
	source := string(c.Source.Mode)
	switch c.Source.Mode {
	case SourceModeAsset:
		if c.Asset != nil {
			source = fmt.Sprintf("asset(%s)", c.Asset.Path)
		}
	case SourceModeRemote:
		if c.Remote != nil {
			source = fmt.Sprintf("remote(%s room=%s)", c.Remote.SignalingURL, c.Remote.RoomID)
		}
	}

	webInfo := "disabled"
	if c.WebServer != nil && c.WebServer.Enabled {
		webInfo = c.WebServer.Address()
	}

	return fmt.Sprintf("Config{Source: %s, WebServer: %s}", source, webInfo)
}

// SaveToFile 保存配置到文件
func (c *Config) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
