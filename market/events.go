package market

import (
	"time"

	"github.com/shopspring/decimal"

	"trading-engine-go/event"
)

// OrderBookUpdated 每次成功写入盘口后发布。某侧为空时对应 Has* 为 false。
type OrderBookUpdated struct {
	Pair      TradingPair
	BestBid   PriceLevel
	BestAsk   PriceLevel
	HasBid    bool
	HasAsk    bool
	Sequence  uint64
	Timestamp time.Time
	// Resynced 表示本次更新来自快照（初始或缺口修复）。
	Resynced bool
}

func (OrderBookUpdated) Kind() event.Kind { return event.OrderBookUpdated }

// Mid 中间价；缺任一侧返回 false。
func (e OrderBookUpdated) Mid() (decimal.Decimal, bool) {
	if !e.HasBid || !e.HasAsk {
		return decimal.Zero, false
	}
	return e.BestBid.Price.Add(e.BestAsk.Price).Div(two), true
}

// TradeExecuted 公共成交。
type TradeExecuted struct {
	Trade
}

func (TradeExecuted) Kind() event.Kind { return event.TradeExecuted }
