package market

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// TradingPair 交易所 + 基础/计价币种。
type TradingPair struct {
	Exchange string
	Base     string
	Quote    string
}

// NewTradingPair 统一大写币种、小写交易所名。
func NewTradingPair(exchange, base, quote string) TradingPair {
	return TradingPair{
		Exchange: strings.ToLower(exchange),
		Base:     strings.ToUpper(base),
		Quote:    strings.ToUpper(quote),
	}
}

// ParseTradingPair 解析 "BASE-QUOTE" 形式的符号。
func ParseTradingPair(exchange, symbol string) (TradingPair, error) {
	parts := strings.Split(symbol, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return TradingPair{}, fmt.Errorf("invalid symbol %q, want BASE-QUOTE", symbol)
	}
	return NewTradingPair(exchange, parts[0], parts[1]), nil
}

// Symbol 返回 BASE-QUOTE。
func (p TradingPair) Symbol() string {
	return p.Base + "-" + p.Quote
}

// Key 在多交易所场景下唯一标识一本订单簿。
func (p TradingPair) Key() string {
	return p.Exchange + ":" + p.Symbol()
}

func (p TradingPair) String() string { return p.Key() }

// Side 订单方向。
type Side int

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite 返回反方向。
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide accepts BUY/SELL in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(s) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	default:
		return 0, fmt.Errorf("invalid side %q", s)
	}
}

// BookSide 订单簿的一侧。
type BookSide int

const (
	Bid BookSide = iota + 1
	Ask
)

func (s BookSide) String() string {
	switch s {
	case Bid:
		return "BID"
	case Ask:
		return "ASK"
	default:
		return "UNKNOWN"
	}
}

// TakerSide 吃掉该侧流动性的订单方向：买单吃 ask，卖单吃 bid。
func (s BookSide) TakerSide() Side {
	if s == Ask {
		return Buy
	}
	return Sell
}

// ConsumedBy 返回该方向 taker 订单消耗的盘口侧。
func ConsumedBy(taker Side) BookSide {
	if taker == Buy {
		return Ask
	}
	return Bid
}

// PriceLevel 一档价格与聚合数量。
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Level 便于测试/配置构造档位。
func Level(price, qty string) PriceLevel {
	return PriceLevel{
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(qty),
	}
}

// LevelChange 增量中的单档变化，Quantity 为 0 表示删除。
type LevelChange struct {
	Side     BookSide
	Price    decimal.Decimal
	Quantity decimal.Decimal
}
