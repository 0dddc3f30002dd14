package order

import "trading-engine-go/event"

// OrderCreated 交易所确认挂单
type OrderCreated struct {
	Order Order
}

func (OrderCreated) Kind() event.Kind { return event.OrderCreated }

// OrderFilled 一笔成交，Order 为成交后的快照
type OrderFilled struct {
	Order Order
	Fill  Fill
}

func (OrderFilled) Kind() event.Kind { return event.OrderFilled }

type OrderCancelled struct {
	Order Order
}

func (OrderCancelled) Kind() event.Kind { return event.OrderCancelled }

type OrderFailed struct {
	Order  Order
	Reason string
}

func (OrderFailed) Kind() event.Kind { return event.OrderFailed }

// OrderOf 从订单事件中取出订单快照
func OrderOf(ev event.Event) (Order, bool) {
	switch e := ev.(type) {
	case OrderCreated:
		return e.Order, true
	case OrderFilled:
		return e.Order, true
	case OrderCancelled:
		return e.Order, true
	case OrderFailed:
		return e.Order, true
	}
	return Order{}, false
}
