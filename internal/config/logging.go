package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// LoggingConfig 日志配置
type LoggingConfig struct {
	// Level 日志等级 (trace, debug, info, warn, error)
	Level string `yaml:"level" json:"level"`

	// Format 日志格式 (text, json)
	Format string `yaml:"format" json:"format"`

	// Output 输出目标 (stdout, stderr, file)
	Output string `yaml:"output" json:"output"`

	// File 日志文件路径 (当Output为file时使用)
	File string `yaml:"file" json:"file"`

	EnableTimestamp bool `yaml:"enable_timestamp" json:"enable_timestamp"`
	EnableCaller    bool `yaml:"enable_caller" json:"enable_caller"`
	EnableColors    bool `yaml:"enable_colors" json:"enable_colors"`
}

// DefaultLoggingConfig 返回默认日志配置
func DefaultLoggingConfig() *LoggingConfig {
	return &LoggingConfig{
		Level:           "info",
		Format:          "text",
		Output:          "stdout",
		EnableTimestamp: true,
		EnableColors:    true,
	}
}

// Validate 验证日志配置
func (c *LoggingConfig) Validate() error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Level)
	}

	if c.Format != "text" && c.Format != "json" {
		return fmt.Errorf("invalid log format: %s, must be 'text' or 'json'", c.Format)
	}

	switch c.Output {
	case "stdout", "stderr":
	case "file":
		if c.File == "" {
			return fmt.Errorf("log file path is required when output is 'file'")
		}
	default:
		return fmt.Errorf("invalid log output: %s, must be 'stdout', 'stderr', or 'file'", c.Output)
	}

	return nil
}

// Merge 合并日志配置
func (c *LoggingConfig) Merge(other *LoggingConfig) error {
	if other == nil {
		return nil
	}

	if other.Level != "" {
		c.Level = other.Level
	}
	if other.Format != "" {
		c.Format = other.Format
	}
	if other.Output != "" {
		c.Output = other.Output
	}
	if other.File != "" {
		c.File = NormalizeLogFilePath(other.File)
	}

	c.EnableTimestamp = other.EnableTimestamp
	c.EnableCaller = other.EnableCaller
	c.EnableColors = other.EnableColors

	return c.Validate()
}

// ApplyEnv 使用 BDWIND_LOG_* 环境变量覆盖配置
func (c *LoggingConfig) ApplyEnv() {
	if level := os.Getenv("BDWIND_LOG_LEVEL"); level != "" {
		c.Level = strings.ToLower(level)
	}
	if format := os.Getenv("BDWIND_LOG_FORMAT"); format != "" {
		c.Format = format
	}
	if output := os.Getenv("BDWIND_LOG_OUTPUT"); output != "" {
		c.Output = output
	}
	if file := os.Getenv("BDWIND_LOG_FILE"); file != "" {
		c.File = NormalizeLogFilePath(file)
	}
	if v, ok := envBool("BDWIND_LOG_TIMESTAMP"); ok {
		c.EnableTimestamp = v
	}
	if v, ok := envBool("BDWIND_LOG_CALLER"); ok {
		c.EnableCaller = v
	}
	if v, ok := envBool("BDWIND_LOG_COLORS"); ok {
		c.EnableColors = v
	}
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	return strings.EqualFold(v, "true") || v == "1", true
}

// SetupLogger 根据配置设置全局 logrus，返回值需要在退出时关闭 (输出到文件时)
func SetupLogger(config *LoggingConfig) (io.Closer, error) {
	if config == nil {
		config = DefaultLoggingConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}
	logrus.SetLevel(level)

	var (
		output io.Writer
		closer io.Closer = nopCloser{}
	)
	switch config.Output {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		if dir := filepath.Dir(config.File); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("cannot create log directory %s: %w", dir, err)
			}
		}
		file, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", config.File, err)
		}
		output = file
		closer = file
	}
	logrus.SetOutput(output)

	if config.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	} else {
		colors := shouldEnableColors(output, config)
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000",
			FullTimestamp:   config.EnableTimestamp,
			ForceColors:     colors,
			DisableColors:   !colors,
		})
	}

	logrus.SetReportCaller(config.EnableCaller)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// shouldEnableColors 仅在配置允许且输出为终端时启用颜色
func shouldEnableColors(output io.Writer, config *LoggingConfig) bool {
	if !config.EnableColors {
		return false
	}
	file, ok := output.(*os.File)
	if !ok {
		return false
	}
	info, err := file.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// ParseLogLevel 解析日志等级字符串
func ParseLogLevel(level string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if _, err := logrus.ParseLevel(normalized); err != nil {
		return "info", fmt.Errorf("invalid log level: %s", level)
	}
	return normalized, nil
}

// GetLoggerWithPrefix 获取带组件前缀的logger
func GetLoggerWithPrefix(prefix string) *logrus.Entry {
	return logrus.WithField("component", prefix)
}

// SetGlobalLogLevel 动态设置全局日志等级
func SetGlobalLogLevel(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(logLevel)
	return nil
}

// GetGlobalLogLevel 获取当前全局日志等级
func GetGlobalLogLevel() string {
	return logrus.GetLevel().String()
}

// NormalizeLogFilePath 将相对路径转换为基于工作目录的绝对路径
func NormalizeLogFilePath(filePath string) string {
	if filePath == "" || filepath.IsAbs(filePath) {
		return filePath
	}
	workDir, err := os.Getwd()
	if err != nil {
		return filePath
	}
	return filepath.Clean(filepath.Join(workDir, filePath))
}

// PrintLoggingInfo 在 trace 等级输出当前日志配置
func PrintLoggingInfo(cfg *LoggingConfig) {
	logger := GetLoggerWithPrefix("config")

	logger.Trace("📋 Current Logging Configuration:")
	logger.Tracef("  ✅ Level: %s", cfg.Level)
	logger.Tracef("  ✅ Format: %s", cfg.Format)
	logger.Tracef("  ✅ Output: %s", cfg.Output)
	if cfg.Output == "file" {
		logger.Tracef("  ✅ File: %s", cfg.File)
	}
	logger.Tracef("  📊 Current Level: %s", logrus.GetLevel().String())
}
