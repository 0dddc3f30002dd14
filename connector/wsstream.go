package connector

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/infrastructure/monitor"
	"trading-engine-go/internal/backoff"
	"trading-engine-go/market"
)

// WSConfig websocket 行情/用户流参数
type WSConfig struct {
	URL         string
	Header      http.Header
	Subscribe   []interface{} // 连接后依次以 JSON 发送
	ReadTimeout time.Duration
	PingPeriod  time.Duration
	// MaxRetries 连续拨号失败上限，0 表示无限重试
	MaxRetries int
	Backoff    backoff.Backoff
	BufferSize int
}

// WSStream 通用 websocket 数据源，断线自动重连。
// 重连后行情序号会跳变，盘口 tracker 自然触发重新同步。
type WSStream struct {
	name    string
	cfg     WSConfig
	decode  Decoder
	dialer  *websocket.Dialer
	log     *logger.Logger
	mon     *monitor.Monitor
	market  chan market.Message
	updates chan OrderUpdate

	mu          sync.Mutex
	conn        *websocket.Conn
	onConnected func()
}

func NewWSStream(name string, cfg WSConfig, decode Decoder, log *logger.Logger, mon *monitor.Monitor) *WSStream {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.ReadTimeout {
		cfg.PingPeriod = cfg.ReadTimeout * 2 / 3
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &WSStream{
		name:    name,
		cfg:     cfg,
		decode:  decode,
		dialer:  websocket.DefaultDialer,
		log:     log.Named("ws").With(zap.String("exchange", name)),
		mon:     mon,
		market:  make(chan market.Message, cfg.BufferSize),
		updates: make(chan OrderUpdate, cfg.BufferSize),
	}
}

func (s *WSStream) Name() string                   { return s.name }
func (s *WSStream) Messages() <-chan market.Message { return s.market }
func (s *WSStream) Updates() <-chan OrderUpdate     { return s.updates }

// OnConnected 每次（重）连接成功后回调，一般用于触发订单对账。
func (s *WSStream) OnConnected(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnected = fn
}

// Run 阻塞直到 ctx 结束或连续重连失败超过上限。
func (s *WSStream) Run(ctx context.Context) error {
	retries := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
		if err == nil {
			err = s.subscribe(conn)
			if err != nil {
				conn.Close()
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			retries++
			if s.cfg.MaxRetries > 0 && retries > s.cfg.MaxRetries {
				return NewError(KindNetwork, s.name, "ws_dial", fmt.Errorf("giving up after %d retries: %w", s.cfg.MaxRetries, err))
			}
			wait := s.cfg.Backoff.Next(retries)
			s.log.Warn("ws dial failed", zap.Int("retry", retries), zap.Duration("wait", wait), zap.Error(err))
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			continue
		}

		retries = 0
		s.setConn(conn)
		s.mon.RecordWSConnection(s.name)
		s.log.Info("ws connected", zap.String("url", s.cfg.URL))
		s.mu.Lock()
		cb := s.onConnected
		s.mu.Unlock()
		if cb != nil {
			cb()
		}

		err = s.readLoop(ctx, conn)
		s.setConn(nil)
		s.mon.RecordWSDisconnect(s.name)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("ws disconnected, reconnecting", zap.Error(err))
		if !sleepCtx(ctx, s.cfg.Backoff.Next(1)) {
			return ctx.Err()
		}
	}
}

func (s *WSStream) subscribe(conn *websocket.Conn) error {
	for _, sub := range s.cfg.Subscribe {
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("send subscription: %w", err)
		}
	}
	return nil
}

func (s *WSStream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(s.cfg.PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ctx.Done():
				// 关闭连接让 ReadMessage 返回
				conn.Close()
				return
			case <-ticker.C:
				s.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				s.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		frame, err := s.decode(raw)
		if err != nil {
			s.log.Warn("decode ws message failed", zap.Error(err), zap.ByteString("raw", truncate(raw, 256)))
			continue
		}
		for _, m := range frame.Market {
			select {
			case s.market <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for _, u := range frame.Orders {
			select {
			case s.updates <- u:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *WSStream) setConn(c *websocket.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

// Connected 当前是否有活动连接
func (s *WSStream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
