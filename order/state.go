package order

import (
	"time"

	"github.com/shopspring/decimal"

	"trading-engine-go/market"
)

// Status represents order lifecycle.
type Status string

const (
	StatusPendingCreate   Status = "PENDING_CREATE"
	StatusOpen            Status = "OPEN"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusPendingCancel   Status = "PENDING_CANCEL"
	StatusCancelled       Status = "CANCELLED"
	StatusFailed          Status = "FAILED"
	// StatusAmbiguous 请求超时或结果不明，等待查询交易所核实。
	StatusAmbiguous Status = "AMBIGUOUS"
)

// IsTerminal 终态：Filled / Cancelled / Failed
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Intent 策略提交的下单意图
type Intent struct {
	// ClientOrderID 可为空，由跟踪器生成 UUID
	ClientOrderID string
	// Source 提交者（策略实例名），随事件回传
	Source   string
	Pair     market.TradingPair
	Side     market.Side
	Price    decimal.Decimal
	Amount   decimal.Decimal
	PostOnly bool
}

// Handle Submit 成功后返回的订单句柄
type Handle struct {
	ClientOrderID string
	Pair          market.TradingPair
	Side          market.Side
}

// Order holds the tracked view of one order.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	Source          string
	Pair            market.TradingPair
	Side            market.Side
	Price           decimal.Decimal
	Amount          decimal.Decimal
	Filled          decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Fee             decimal.Decimal
	Status          Status
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastError       string

	// 查询补记、尚未被推送成交对上的数量
	inferred decimal.Decimal
}

// Remaining 未成交数量
func (o Order) Remaining() decimal.Decimal {
	r := o.Amount.Sub(o.Filled)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

func (o Order) IsTerminal() bool { return o.Status.IsTerminal() }

// Fill 一笔成交（TradeFill）
type Fill struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradeID         string
	Pair            market.TradingPair
	Side            market.Side
	Price           decimal.Decimal
	Amount          decimal.Decimal
	Fee             decimal.Decimal
	FeeAsset        string
	Timestamp       time.Time
}

// Notional 成交额（计价币）
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Amount)
}
