package alert

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// LogChannel 把告警写入结构化日志。
type LogChannel struct {
	logger *zap.Logger
	name   string
}

// NewLogChannel 创建日志告警通道
func NewLogChannel(name string, logger *zap.Logger) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{logger: logger.Named("alert"), name: name}
}

// Send 按级别映射到 zap 级别
func (c *LogChannel) Send(a Alert) error {
	fields := make([]zap.Field, 0, len(a.Fields)+3)
	fields = append(fields,
		zap.String("level", string(a.Level)),
		zap.String("source", a.Source),
		zap.Time("ts", a.Timestamp),
	)
	for k, v := range a.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch a.Level {
	case LevelCritical, LevelError:
		c.logger.Error(a.Message, fields...)
	case LevelWarning:
		c.logger.Warn(a.Message, fields...)
	default:
		c.logger.Info(a.Message, fields...)
	}
	return nil
}

func (c *LogChannel) Name() string { return c.name }

// RecordingChannel 保存收到的告警，测试和 dry-run 使用。
type RecordingChannel struct {
	name      string
	mu        sync.Mutex
	alerts    []Alert
	shouldErr bool
}

func NewRecordingChannel(name string) *RecordingChannel {
	return &RecordingChannel{name: name}
}

func (c *RecordingChannel) Send(a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldErr {
		return fmt.Errorf("recording channel %s: forced error", c.name)
	}
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *RecordingChannel) Name() string { return c.name }

// Alerts 返回副本
func (c *RecordingChannel) Alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.alerts...)
}

func (c *RecordingChannel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func (c *RecordingChannel) SetShouldError(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shouldErr = v
}
