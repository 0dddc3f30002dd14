package engine

import (
	"time"

	"trading-engine-go/connector"
)

// breakerState 熔断器状态
type breakerState int

const (
	// breakerClosed 正常运行
	breakerClosed breakerState = iota
	// breakerOpen 熔断，跳过 tick
	breakerOpen
	// breakerHalfOpen 冷却结束，放行一次试探
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "CLOSED"
	case breakerOpen:
		return "OPEN"
	case breakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig 连接类错误的熔断参数
type BreakerConfig struct {
	Threshold int           // 连续失败次数阈值
	Cooldown  time.Duration // 打开状态持续时间
	MaxTrips  int           // 连续打开次数上限，超过视为持续断连
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second, MaxTrips: 3}
}

// breaker 只统计网络和限流错误，其余错误既不计数也不复位。
// 只在实例 goroutine 中使用，不加锁。
type breaker struct {
	cfg         BreakerConfig
	state       breakerState
	consecutive int
	trips       int
	openedAt    time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxTrips <= 0 {
		cfg.MaxTrips = def.MaxTrips
	}
	return &breaker{cfg: cfg}
}

// allow 打开期间返回 false；冷却结束转为半开并放行。
func (b *breaker) allow(now time.Time) bool {
	if b.state != breakerOpen {
		return true
	}
	if now.Sub(b.openedAt) < b.cfg.Cooldown {
		return false
	}
	b.state = breakerHalfOpen
	return true
}

// record 记录一次 tick 结果，返回 true 表示连接持续失败。
func (b *breaker) record(now time.Time, err error) bool {
	if err == nil {
		b.state = breakerClosed
		b.consecutive = 0
		b.trips = 0
		return false
	}
	if !connector.Retryable(err) {
		return false
	}
	b.consecutive++
	if b.state == breakerHalfOpen || b.consecutive >= b.cfg.Threshold {
		b.state = breakerOpen
		b.openedAt = now
		b.consecutive = 0
		b.trips++
	}
	return b.trips >= b.cfg.MaxTrips
}
