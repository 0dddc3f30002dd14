package event

// Kind 事件类型，总线按类型路由。
type Kind int

const (
	OrderBookUpdated Kind = iota + 1
	TradeExecuted
	OrderCreated
	OrderFilled
	OrderCancelled
	OrderFailed
)

func (k Kind) String() string {
	switch k {
	case OrderBookUpdated:
		return "order_book_updated"
	case TradeExecuted:
		return "trade_executed"
	case OrderCreated:
		return "order_created"
	case OrderFilled:
		return "order_filled"
	case OrderCancelled:
		return "order_cancelled"
	case OrderFailed:
		return "order_failed"
	default:
		return "unknown"
	}
}

// OrderKinds 订单生命周期相关的全部事件类型。
func OrderKinds() []Kind {
	return []Kind{OrderCreated, OrderFilled, OrderCancelled, OrderFailed}
}

// Event 总线负载。具体类型定义在产生它的包里（market、order），订阅者按类型断言。
type Event interface {
	Kind() Kind
}
