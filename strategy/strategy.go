package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trading-engine-go/connector"
	"trading-engine-go/event"
	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/infrastructure/monitor"
	"trading-engine-go/inventory"
	"trading-engine-go/market"
	"trading-engine-go/order"
)

// Strategy 策略实例。所有回调由运行器在同一 goroutine 中串行调用。
type Strategy interface {
	Name() string
	OnTick(ctx context.Context, now time.Time) error
	OnBookUpdate(ctx context.Context, ev market.OrderBookUpdated) error
	OnOrderEvent(ctx context.Context, ev event.Event) error
	Phase() Phase
	// Shutdown 撤销本实例的全部挂单并进入 Stopped。
	Shutdown(ctx context.Context) error
}

// Reconfigurable 支持运行中更新参数（市场不可变）。
type Reconfigurable interface {
	Reconfigure(cfg Config) error
}

// Books 订单簿只读访问，market.Tracker 实现该接口。
type Books interface {
	Book(pair market.TradingPair) (*market.OrderBook, bool)
}

// Orders 订单跟踪器能力，order.Tracker 实现该接口。
type Orders interface {
	Submit(ctx context.Context, in order.Intent) (order.Handle, error)
	Cancel(ctx context.Context, clientOrderID string) error
	Order(clientOrderID string) (order.Order, bool)
	ActiveOrders(match func(order.Order) bool) []order.Order
	Balance(exchange, asset string) inventory.Balance
	Constraints(pair market.TradingPair) (order.SymbolConstraints, bool)
	Exchange(name string) (connector.Exchange, bool)
}

// Env 策略依赖
type Env struct {
	Books  Books
	Orders Orders
	Log    *logger.Logger
	Mon    *monitor.Monitor
	Now    func() time.Time
}

func (e Env) WithDefaults() Env {
	if e.Log == nil {
		e.Log = logger.NewNop()
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	return e
}

// Fees 交易所费率，未注册时为零。
func (e Env) Fees(exchange string) connector.FeeSchedule {
	if e.Orders == nil {
		return connector.FeeSchedule{}
	}
	ex, ok := e.Orders.Exchange(exchange)
	if !ok {
		return connector.FeeSchedule{}
	}
	return ex.Fees()
}

// Constraints 交易对约束，未配置时为零值（不限制）。
func (e Env) Constraints(pair market.TradingPair) order.SymbolConstraints {
	c, _ := e.Orders.Constraints(pair)
	return c
}

// ReadyBook 订单簿已初始化且两侧都有报价；maxAge > 0 时还要求足够新。
func (e Env) ReadyBook(pair market.TradingPair, maxAge time.Duration) (*market.OrderBook, error) {
	ob, ok := e.Books.Book(pair)
	if !ok || !ob.Initialized() {
		return nil, fmt.Errorf("%w: %s", ErrStaleBook, pair)
	}
	if _, _, ok := ob.Best(); !ok {
		return nil, fmt.Errorf("%w: %s one-sided", ErrStaleBook, pair)
	}
	if maxAge > 0 {
		if age := e.Now().Sub(ob.LastUpdate()); age > maxAge {
			return nil, fmt.Errorf("%w: %s last update %s ago", ErrStaleBook, pair, age)
		}
	}
	return ob, nil
}

var (
	// ErrStaleBook 订单簿未就绪或过旧，本轮跳过。
	ErrStaleBook = errors.New("order book not ready")
	// ErrFatal 实例必须停止。
	ErrFatal = errors.New("fatal strategy error")
)

// IsFatal 认证失败等错误需要停止实例；其余错误只跳过本轮。
func IsFatal(err error) bool {
	return errors.Is(err, connector.ErrAuthentication) || errors.Is(err, ErrFatal)
}

// Severity 错误等级，用于指标标签
func Severity(err error) string {
	if IsFatal(err) {
		return "fatal"
	}
	return "recoverable"
}

// OwnOrder 判断订单事件是否属于该实例。
func OwnOrder(name string, ev event.Event) (order.Order, bool) {
	o, ok := order.OrderOf(ev)
	if !ok || o.Source != name {
		return order.Order{}, false
	}
	return o, true
}
