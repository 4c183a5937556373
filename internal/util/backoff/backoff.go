// Package backoff 实现断线重连的退避延迟计算。
// 用于 WebSocket 断线重连时的延迟计算，避免频繁重连导致服务端拒绝。
// 默认最小延迟在进程启动时于 [1s, 5s) 内随机确定一次，之后不再变化，
// 保证同一进程内退避曲线可复现。
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// defaultMinDelay 进程级默认最小延迟
// 仅在包初始化时随机一次，按进程固定（不随连接实例重新随机）
var defaultMinDelay = time.Duration(1000+rand.Intn(4000)) * time.Millisecond

// DefaultMaxDelay 默认最大延迟
const DefaultMaxDelay = 10 * time.Second

// DefaultGrowFactor 默认增长因子
// 1.3 产生超线性但低于平方的增长曲线
const DefaultGrowFactor = 1.3

// DefaultMinDelay 获取进程级默认最小延迟
// 返回值在整个进程生命周期内保持不变
func DefaultMinDelay() time.Duration {
	return defaultMinDelay
}

// Backoff 退避延迟计算器（纯函数式，无内部状态）
// 重试计数由调用方（连接生命周期管理器）持有，本结构只负责计算。
type Backoff struct {
	// min 最小延迟（首次重试的基础等待时间）
	min time.Duration
	// max 最大延迟（硬上限）
	max time.Duration
	// grow 增长因子（幂指数）
	grow float64
}

// New 创建退避计算器
// 参数 min: 最小延迟，<=0 时使用进程级随机默认值
// 参数 max: 最大延迟，<=0 时使用 DefaultMaxDelay
// 参数 grow: 增长因子，<=0 时使用 DefaultGrowFactor
func New(min, max time.Duration, grow float64) *Backoff {
	if min <= 0 {
		min = defaultMinDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if grow <= 0 {
		grow = DefaultGrowFactor
	}
	return &Backoff{min: min, max: max, grow: grow}
}

// NewDefault 创建默认配置的退避计算器
func NewDefault() *Backoff {
	return New(defaultMinDelay, DefaultMaxDelay, DefaultGrowFactor)
}

// Delay 计算下一次连接尝试前的等待时间
// 参数 attempt: 发起本次尝试前已累计的重试计数（自增前的值）
// attempt <= 0 表示首次连接（或连接稳定后计数已清零），立即发起，延迟为 0。
// attempt >= 1 时计算公式: min(maxDelay, minDelay + attempt^grow 毫秒)，
// 结果对 attempt 单调不减且永不超过 maxDelay。
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	growMs := math.Pow(float64(attempt), b.grow)
	delay := b.min + time.Duration(growMs*float64(time.Millisecond))
	if delay > b.max {
		delay = b.max
	}
	return delay
}

// Min 获取最小延迟
func (b *Backoff) Min() time.Duration {
	return b.min
}

// Max 获取最大延迟
func (b *Backoff) Max() time.Duration {
	return b.max
}

// Grow 获取增长因子
func (b *Backoff) Grow() float64 {
	return b.grow
}
