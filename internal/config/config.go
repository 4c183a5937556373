// Package config 负责加载和验证 YAML 配置文件。
// 提供探测工具所需的所有配置项，包括目标地址、重连策略与输出设置。
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 应用配置根结构
type Config struct {
	// App 应用基础配置
	App AppConfig `yaml:"app"`
	// Target 连接目标配置
	Target TargetConfig `yaml:"target"`
	// Reconnect 重连策略配置
	Reconnect ReconnectConfig `yaml:"reconnect"`
	// Probe 探测行为配置
	Probe ProbeConfig `yaml:"probe"`
	// Output 输出配置
	Output OutputConfig `yaml:"output"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	// Name 应用名称，用于日志标识
	Name string `yaml:"name"`
	// LogLevel 日志级别: debug, info, warn, error
	LogLevel string `yaml:"log_level"`
}

// TargetConfig 连接目标配置
type TargetConfig struct {
	// URL WebSocket 连接地址（ws:// 或 wss://）
	URL string `yaml:"url"`
	// Subprotocols 期望的子协议列表
	Subprotocols []string `yaml:"subprotocols"`
}

// ReconnectConfig 重连策略配置
type ReconnectConfig struct {
	// MaxReconnectionDelayMs 最大重连延迟（毫秒）
	MaxReconnectionDelayMs int `yaml:"max_reconnection_delay_ms"`
	// MinReconnectionDelayMs 最小重连延迟（毫秒），0 使用进程级随机默认值
	MinReconnectionDelayMs int `yaml:"min_reconnection_delay_ms"`
	// MinUptimeMs 最小在线时长（毫秒），连接稳定该时长后重试计数清零
	MinUptimeMs int `yaml:"min_uptime_ms"`
	// GrowFactor 退避增长因子
	GrowFactor float64 `yaml:"grow_factor"`
	// ConnectionTimeoutMs 单次连接超时（毫秒）
	ConnectionTimeoutMs int `yaml:"connection_timeout_ms"`
	// MaxRetries 最大连续重试次数，0 表示不限制
	MaxRetries int `yaml:"max_retries"`
	// Debug 是否输出内部状态迁移跟踪日志
	Debug bool `yaml:"debug"`
}

// ProbeConfig 探测行为配置
type ProbeConfig struct {
	// SendIntervalMs 周期性发送探测消息的间隔（毫秒），0 表示不发送
	SendIntervalMs int `yaml:"send_interval_ms"`
	// Payload 探测消息负载
	Payload string `yaml:"payload"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	// Dir 输出目录
	Dir string `yaml:"dir"`
	// EventsEnabled 是否输出连接事件文件
	EventsEnabled bool `yaml:"events_enabled"`
	// MetricsEnabled 是否输出指标文件
	MetricsEnabled bool `yaml:"metrics_enabled"`
	// MetricsIntervalMs 指标输出间隔（毫秒）
	MetricsIntervalMs int `yaml:"metrics_interval_ms"`
	// BufferSize 异步写入缓冲区大小
	BufferSize int `yaml:"buffer_size"`
}

// Load 从文件加载配置并验证
// 参数 path: 配置文件路径
// 返回: 解析后的配置对象，若失败则返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// setDefaults 设置配置默认值
func (c *Config) setDefaults() {
	if c.App.Name == "" {
		c.App.Name = "wsprobe"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}

	// 重连策略默认值与 ws 包保持一致；
	// MinReconnectionDelayMs 留 0 交由 ws 包使用进程级随机默认值
	if c.Reconnect.MaxReconnectionDelayMs == 0 {
		c.Reconnect.MaxReconnectionDelayMs = 10000
	}
	if c.Reconnect.MinUptimeMs == 0 {
		c.Reconnect.MinUptimeMs = 5000
	}
	if c.Reconnect.GrowFactor == 0 {
		c.Reconnect.GrowFactor = 1.3
	}
	if c.Reconnect.ConnectionTimeoutMs == 0 {
		c.Reconnect.ConnectionTimeoutMs = 4000
	}

	if c.Probe.Payload == "" {
		c.Probe.Payload = "ping"
	}

	if c.Output.Dir == "" {
		c.Output.Dir = "out"
	}
	if c.Output.MetricsIntervalMs == 0 {
		c.Output.MetricsIntervalMs = 10000
	}
	if c.Output.BufferSize == 0 {
		c.Output.BufferSize = 1000
	}
}

// Validate 验证配置合法性
func (c *Config) Validate() error {
	if c.Target.URL == "" {
		return fmt.Errorf("target.url 不能为空")
	}
	if !strings.HasPrefix(c.Target.URL, "ws://") && !strings.HasPrefix(c.Target.URL, "wss://") {
		return fmt.Errorf("target.url 必须以 ws:// 或 wss:// 开头: %s", c.Target.URL)
	}

	if c.Reconnect.MaxReconnectionDelayMs <= 0 {
		return fmt.Errorf("reconnect.max_reconnection_delay_ms 必须为正数: %d", c.Reconnect.MaxReconnectionDelayMs)
	}
	if c.Reconnect.MinReconnectionDelayMs < 0 {
		return fmt.Errorf("reconnect.min_reconnection_delay_ms 不能为负数: %d", c.Reconnect.MinReconnectionDelayMs)
	}
	if c.Reconnect.MinReconnectionDelayMs > c.Reconnect.MaxReconnectionDelayMs {
		return fmt.Errorf("reconnect.min_reconnection_delay_ms (%d) 不能大于 max_reconnection_delay_ms (%d)",
			c.Reconnect.MinReconnectionDelayMs, c.Reconnect.MaxReconnectionDelayMs)
	}
	if c.Reconnect.MinUptimeMs <= 0 {
		return fmt.Errorf("reconnect.min_uptime_ms 必须为正数: %d", c.Reconnect.MinUptimeMs)
	}
	if c.Reconnect.GrowFactor < 1 {
		return fmt.Errorf("reconnect.grow_factor 必须 >= 1（保证退避单调不减）: %v", c.Reconnect.GrowFactor)
	}
	if c.Reconnect.ConnectionTimeoutMs <= 0 {
		return fmt.Errorf("reconnect.connection_timeout_ms 必须为正数: %d", c.Reconnect.ConnectionTimeoutMs)
	}
	if c.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("reconnect.max_retries 不能为负数: %d", c.Reconnect.MaxRetries)
	}

	if c.Probe.SendIntervalMs < 0 {
		return fmt.Errorf("probe.send_interval_ms 不能为负数: %d", c.Probe.SendIntervalMs)
	}

	if c.Output.MetricsIntervalMs <= 0 {
		return fmt.Errorf("output.metrics_interval_ms 必须为正数: %d", c.Output.MetricsIntervalMs)
	}
	if c.Output.BufferSize <= 0 {
		return fmt.Errorf("output.buffer_size 必须为正数: %d", c.Output.BufferSize)
	}

	return nil
}
