package config

import (
	"fmt"
	"time"
)

// WebServerConfig 控制接口 Web 服务配置模块
type WebServerConfig struct {
	Enabled    bool      `yaml:"enabled" json:"enabled"`
	Host       string    `yaml:"host" json:"host"`
	Port       int       `yaml:"port" json:"port"`
	EnableTLS  bool      `yaml:"enable_tls" json:"enable_tls"`
	TLS        TLSConfig `yaml:"tls" json:"tls"`
	EnableCORS bool      `yaml:"enable_cors" json:"enable_cors"`

	// 控制接口令牌，非空时写操作需要 Authorization: Bearer <token>
	AuthToken string `yaml:"auth_token" json:"-"`

	// 内置信令房间服务 (/api/signaling/ws)
	EnableSignaling bool `yaml:"enable_signaling" json:"enable_signaling"`
}

// TLSConfig TLS配置
type TLSConfig struct {
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
}

// DefaultWebServerConfig 返回默认的WebServer配置
func DefaultWebServerConfig() *WebServerConfig {
	config := &WebServerConfig{}
	config.SetDefaults()
	return config
}

// SetDefaults 设置默认值
func (c *WebServerConfig) SetDefaults() {
	c.Enabled = true
	c.Host = "127.0.0.1"
	c.Port = 8080
	c.EnableTLS = false
	c.EnableCORS = true
	c.EnableSignaling = true
}

// Validate 验证配置
func (c *WebServerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Port)
	}
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.EnableTLS {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key file is required when TLS is enabled")
		}
	}
	return nil
}

// Merge 合并其他配置
func (c *WebServerConfig) Merge(other *WebServerConfig) error {
	if other == nil {
		return nil
	}
	c.Enabled = other.Enabled
	if other.Host != "" {
		c.Host = other.Host
	}
	if other.Port != 0 {
		c.Port = other.Port
	}
	if other.EnableTLS {
		c.EnableTLS = true
	}
	if other.TLS.CertFile != "" {
		c.TLS.CertFile = other.TLS.CertFile
	}
	if other.TLS.KeyFile != "" {
		c.TLS.KeyFile = other.TLS.KeyFile
	}
	c.EnableCORS = other.EnableCORS
	if other.AuthToken != "" {
		c.AuthToken = other.AuthToken
	}
	c.EnableSignaling = other.EnableSignaling
	return nil
}

// Address 监听地址
func (c *WebServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsConfig Metrics配置模块
type MetricsConfig struct {
	// 内部监控配置 (为 /api/status 提供数据)
	Internal InternalMetricsConfig `yaml:"internal" json:"internal"`

	// 外部暴露配置 (默认禁用，为 Prometheus/Grafana 提供数据)
	External ExternalMetricsConfig `yaml:"external" json:"external"`
}

// InternalMetricsConfig 内部监控配置
type InternalMetricsConfig struct {
	Enabled            bool          `yaml:"enabled" json:"enabled"`
	CollectionInterval time.Duration `yaml:"collection_interval" json:"collection_interval"`
}

// ExternalMetricsConfig 外部监控配置
type ExternalMetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
	Host    string `yaml:"host" json:"host"`
}

// DefaultMetricsConfig 返回默认的Metrics配置
func DefaultMetricsConfig() *MetricsConfig {
	config := &MetricsConfig{}
	config.SetDefaults()
	return config
}

// SetDefaults 设置默认值
func (c *MetricsConfig) SetDefaults() {
	c.Internal = InternalMetricsConfig{
		Enabled:            true,
		CollectionInterval: 10 * time.Second,
	}
	c.External = ExternalMetricsConfig{
		Enabled: false,
		Port:    9090,
		Path:    "/metrics",
		Host:    "0.0.0.0",
	}
}

// Validate 验证配置
func (c *MetricsConfig) Validate() error {
	if c.Internal.Enabled {
		if c.Internal.CollectionInterval < time.Second || c.Internal.CollectionInterval > 5*time.Minute {
			return fmt.Errorf("collection interval out of range: %v (1s-5m)", c.Internal.CollectionInterval)
		}
	}

	if !c.External.Enabled {
		return nil
	}
	if c.External.Port < 1 || c.External.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be between 1 and 65535)", c.External.Port)
	}
	if c.External.Path == "" || c.External.Path[0] != '/' {
		return fmt.Errorf("path must start with '/': %q", c.External.Path)
	}
	if c.External.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	return nil
}

// Merge 合并其他配置
func (c *MetricsConfig) Merge(other *MetricsConfig) error {
	if other == nil {
		return nil
	}
	c.Internal.Enabled = other.Internal.Enabled
	if other.Internal.CollectionInterval != 0 {
		c.Internal.CollectionInterval = other.Internal.CollectionInterval
	}
	c.External.Enabled = other.External.Enabled
	if other.External.Port != 0 {
		c.External.Port = other.External.Port
	}
	if other.External.Path != "" {
		c.External.Path = other.External.Path
	}
	if other.External.Host != "" {
		c.External.Host = other.External.Host
	}
	return nil
}
