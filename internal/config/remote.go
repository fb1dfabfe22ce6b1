package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// RemoteConfig 远端视频源 (WebRTC 信令) 配置模块
type RemoteConfig struct {
	// SignalingURL 信令服务地址 (ws:// 或 wss://)
	SignalingURL string `yaml:"signaling_url" json:"signaling_url"`

	// RoomID 加入的房间
	RoomID string `yaml:"room_id" json:"room_id"`

	ICEServers []ICEServerConfig `yaml:"ice_servers" json:"ice_servers"`

	// InitiateOffer 为 true 时由本端在加入房间后主动发起 offer
	InitiateOffer bool `yaml:"initiate_offer" json:"initiate_offer"`

	ReconnectDelay    time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" json:"keepalive_interval"`
	ByeGracePeriod    time.Duration `yaml:"bye_grace_period" json:"bye_grace_period"`
	DialTimeout       time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// MaxBitrateKbps 改写 SDP 时写入的带宽上限，0 表示不改写
	MaxBitrateKbps int `yaml:"max_bitrate_kbps" json:"max_bitrate_kbps"`

	// Decoder 远端 VP8 解码器 (vp8, gst)
	Decoder string `yaml:"decoder" json:"decoder"`

	// KeyframeInterval 请求关键帧 (PLI) 的间隔，0 表示不主动请求
	KeyframeInterval time.Duration `yaml:"keyframe_interval" json:"keyframe_interval"`

	// StaleFrameTimeout 超过该时长未收到新帧则视为来源不可用
	StaleFrameTimeout time.Duration `yaml:"stale_frame_timeout" json:"stale_frame_timeout"`
}

// ICEServerConfig ICE服务器配置
type ICEServerConfig struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// DefaultRemoteConfig 返回默认的远端配置
func DefaultRemoteConfig() *RemoteConfig {
	config := &RemoteConfig{}
	config.SetDefaults()
	return config
}

// SetDefaults 设置默认值
func (c *RemoteConfig) SetDefaults() {
	c.SignalingURL = "ws://127.0.0.1:8080/api/signaling/ws"
	c.RoomID = "default"
	c.ICEServers = []ICEServerConfig{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
	c.InitiateOffer = false
	c.ReconnectDelay = time.Second
	c.KeepaliveInterval = 5 * time.Second
	c.ByeGracePeriod = 400 * time.Millisecond
	c.DialTimeout = 10 * time.Second
	c.WriteTimeout = 5 * time.Second
	c.MaxBitrateKbps = 8000
	c.Decoder = "vp8"
	c.KeyframeInterval = time.Second
	c.StaleFrameTimeout = 2 * time.Second
}

// Validate 验证配置
func (c *RemoteConfig) Validate() error {
	u, err := url.Parse(c.SignalingURL)
	if err != nil {
		return fmt.Errorf("invalid signaling url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid signaling url scheme: %s (must be ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("signaling url must have a host")
	}

	if strings.TrimSpace(c.RoomID) == "" {
		return fmt.Errorf("room id cannot be empty")
	}

	for i, server := range c.ICEServers {
		if err := validateICEServer(&server); err != nil {
			return fmt.Errorf("invalid ICE server %d: %w", i, err)
		}
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive, got: %v", c.ReconnectDelay)
	}
	if c.ReconnectDelay > time.Minute {
		return fmt.Errorf("reconnect delay too long: %v (maximum: 1m)", c.ReconnectDelay)
	}
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("keepalive interval must be positive, got: %v", c.KeepaliveInterval)
	}
	if c.ByeGracePeriod < 0 || c.ByeGracePeriod > 5*time.Second {
		return fmt.Errorf("bye grace period out of range: %v (0-5s)", c.ByeGracePeriod)
	}
	if c.DialTimeout <= 0 || c.DialTimeout > time.Minute {
		return fmt.Errorf("dial timeout out of range: %v (must be within 1m)", c.DialTimeout)
	}
	if c.WriteTimeout <= 0 || c.WriteTimeout > time.Minute {
		return fmt.Errorf("write timeout out of range: %v (must be within 1m)", c.WriteTimeout)
	}
	if c.MaxBitrateKbps < 0 {
		return fmt.Errorf("max bitrate cannot be negative: %d", c.MaxBitrateKbps)
	}
	if c.Decoder != "vp8" && c.Decoder != "gst" {
		return fmt.Errorf("invalid remote decoder: %s (must be 'vp8' or 'gst')", c.Decoder)
	}
	if c.KeyframeInterval < 0 {
		return fmt.Errorf("keyframe interval cannot be negative: %v", c.KeyframeInterval)
	}
	if c.StaleFrameTimeout <= 0 {
		return fmt.Errorf("stale frame timeout must be positive, got: %v", c.StaleFrameTimeout)
	}

	return nil
}

// validateICEServer 验证ICE服务器配置
func validateICEServer(server *ICEServerConfig) error {
	if len(server.URLs) == 0 {
		return fmt.Errorf("ICE server must have at least one URL")
	}

	for j, urlStr := range server.URLs {
		if err := validateICEServerURL(urlStr); err != nil {
			return fmt.Errorf("invalid URL %d: %w", j, err)
		}

		if strings.HasPrefix(urlStr, "turn:") || strings.HasPrefix(urlStr, "turns:") {
			if server.Username == "" {
				return fmt.Errorf("TURN server requires username")
			}
			if server.Credential == "" {
				return fmt.Errorf("TURN server requires credential")
			}
		}
	}

	return nil
}

// validateICEServerURL 验证 stun/turn URL
func validateICEServerURL(urlStr string) error {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	switch parsedURL.Scheme {
	case "stun", "stuns", "turn", "turns":
	default:
		return fmt.Errorf("invalid scheme: %s (must be one of: stun, stuns, turn, turns)", parsedURL.Scheme)
	}

	// stun:host:port 形式的主机部分在 Opaque 中
	hostPart := parsedURL.Host
	if hostPart == "" {
		hostPart = parsedURL.Opaque
	}
	if hostPart == "" {
		return fmt.Errorf("URL must have a host")
	}
	if i := strings.IndexByte(hostPart, '?'); i >= 0 {
		hostPart = hostPart[:i]
	}

	host, port, err := net.SplitHostPort(hostPart)
	if err != nil {
		host = hostPart
	} else if port == "" {
		return fmt.Errorf("port cannot be empty when specified")
	}
	if len(host) > 253 {
		return fmt.Errorf("hostname too long: %s", host)
	}

	return nil
}

// Merge 合并其他配置，零值字段不覆盖
func (c *RemoteConfig) Merge(other *RemoteConfig) error {
	if other == nil {
		return nil
	}
	if other.SignalingURL != "" {
		c.SignalingURL = other.SignalingURL
	}
	if other.RoomID != "" {
		c.RoomID = other.RoomID
	}
	if len(other.ICEServers) > 0 {
		c.ICEServers = other.ICEServers
	}
	c.InitiateOffer = other.InitiateOffer
	if other.ReconnectDelay != 0 {
		c.ReconnectDelay = other.ReconnectDelay
	}
	if other.KeepaliveInterval != 0 {
		c.KeepaliveInterval = other.KeepaliveInterval
	}
	if other.ByeGracePeriod != 0 {
		c.ByeGracePeriod = other.ByeGracePeriod
	}
	if other.DialTimeout != 0 {
		c.DialTimeout = other.DialTimeout
	}
	if other.WriteTimeout != 0 {
		c.WriteTimeout = other.WriteTimeout
	}
	if other.MaxBitrateKbps != 0 {
		c.MaxBitrateKbps = other.MaxBitrateKbps
	}
	if other.Decoder != "" {
		c.Decoder = other.Decoder
	}
	if other.KeyframeInterval != 0 {
		c.KeyframeInterval = other.KeyframeInterval
	}
	if other.StaleFrameTimeout != 0 {
		c.StaleFrameTimeout = other.StaleFrameTimeout
	}
	return nil
}

// AddICEServer 添加ICE服务器
func (c *RemoteConfig) AddICEServer(urls []string, username, credential string) error {
	server := ICEServerConfig{
		URLs:       urls,
		Username:   username,
		Credential: credential,
	}
	if err := validateICEServer(&server); err != nil {
		return fmt.Errorf("invalid ICE server: %w", err)
	}
	c.ICEServers = append(c.ICEServers, server)
	return nil
}

// GetSTUNServers 获取STUN服务器列表
func (c *RemoteConfig) GetSTUNServers() []string {
	var stunServers []string
	for _, server := range c.ICEServers {
		for _, u := range server.URLs {
			if strings.HasPrefix(u, "stun:") || strings.HasPrefix(u, "stuns:") {
				stunServers = append(stunServers, u)
			}
		}
	}
	return stunServers
}
