// 连接选项与地址提供者。
package ws

import (
	"context"
	"errors"
	"strings"
	"time"

	"resilient-websocket/internal/util/backoff"
)

// ErrInvalidURL 地址提供者未产生有效地址
// 地址为空串或不以 ws:// / wss:// 开头时返回。
// 该错误按一次失败的连接尝试处理：转发为 error 事件并重新进入退避，
// 不会使封装对象陷入停滞。
var ErrInvalidURL = errors.New("地址提供者未产生有效的 ws/wss 地址")

// URLProvider 地址提供者
// 每次连接尝试前重新求值，支持地址轮换、负载均衡查询、令牌刷新等场景。
// ctx 覆盖地址解析与本次握手的整体超时。
type URLProvider func(ctx context.Context) (string, error)

// StaticURL 固定地址提供者
// 参数 raw: 固定的 ws/wss 地址
func StaticURL(raw string) URLProvider {
	return func(context.Context) (string, error) {
		return raw, nil
	}
}

// resolveURL 对地址提供者求值并校验结果
// 参数 ctx: 本次连接尝试的上下文
// 参数 provider: 地址提供者，nil 视为无效地址
func resolveURL(ctx context.Context, provider URLProvider) (string, error) {
	if provider == nil {
		return "", ErrInvalidURL
	}

	url, err := provider(ctx)
	if err != nil {
		return "", err
	}
	if url == "" || !(strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://")) {
		return "", ErrInvalidURL
	}
	return url, nil
}

// 连接选项默认值
const (
	// DefaultMaxReconnectionDelayMs 默认最大重连延迟（毫秒）
	DefaultMaxReconnectionDelayMs = 10000
	// DefaultMinUptimeMs 默认最小在线时长（毫秒）
	// 连接保持该时长无故障后，重试计数清零
	DefaultMinUptimeMs = 5000
	// DefaultGrowFactor 默认退避增长因子
	DefaultGrowFactor = backoff.DefaultGrowFactor
	// DefaultConnectionTimeoutMs 默认单次连接超时（毫秒）
	// 覆盖地址解析与握手；超时按一次失败的尝试处理并重新进入退避
	DefaultConnectionTimeoutMs = 4000
)

// Options 连接选项
// 所有字段可选；零值字段在构造时替换为默认值。
type Options struct {
	// MaxReconnectionDelayMs 最大重连延迟（毫秒），默认 10000
	MaxReconnectionDelayMs int
	// MinReconnectionDelayMs 最小重连延迟（毫秒）
	// 默认使用进程级随机值（1000-5000，进程内固定，保证退避曲线可复现）
	MinReconnectionDelayMs int
	// MinUptimeMs 最小在线时长（毫秒），默认 5000
	// 这是重试计数的唯一清零路径
	MinUptimeMs int
	// GrowFactor 退避增长因子，默认 1.3
	GrowFactor float64
	// ConnectionTimeoutMs 单次连接超时（毫秒），默认 4000
	ConnectionTimeoutMs int
	// MaxRetries 最大连续重试次数，<=0 表示不限制
	// 重试计数达到该值后进入终止态，发出放弃事件且不再尝试
	MaxRetries int
	// Debug 是否输出内部状态迁移跟踪日志
	Debug bool
	// Dialer 底层拨号能力，nil 时使用 gorilla/websocket 默认实现
	Dialer Dialer
}

// withDefaults 合并默认值，返回规范化后的副本
func (o Options) withDefaults() Options {
	if o.MaxReconnectionDelayMs <= 0 {
		o.MaxReconnectionDelayMs = DefaultMaxReconnectionDelayMs
	}
	if o.MinReconnectionDelayMs <= 0 {
		o.MinReconnectionDelayMs = int(backoff.DefaultMinDelay() / time.Millisecond)
	}
	if o.MinUptimeMs <= 0 {
		o.MinUptimeMs = DefaultMinUptimeMs
	}
	if o.GrowFactor <= 0 {
		o.GrowFactor = DefaultGrowFactor
	}
	if o.ConnectionTimeoutMs <= 0 {
		o.ConnectionTimeoutMs = DefaultConnectionTimeoutMs
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Dialer == nil {
		o.Dialer = DefaultDialer(time.Duration(o.ConnectionTimeoutMs) * time.Millisecond)
	}
	return o
}

// connectionTimeout 单次连接超时
func (o Options) connectionTimeout() time.Duration {
	return time.Duration(o.ConnectionTimeoutMs) * time.Millisecond
}

// minUptime 最小在线时长
func (o Options) minUptime() time.Duration {
	return time.Duration(o.MinUptimeMs) * time.Millisecond
}
