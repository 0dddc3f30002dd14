package connector

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"trading-engine-go/inventory"
	"trading-engine-go/market"
)

// Message 行情流中的一条消息。
type Message = market.Message

// PlaceRequest 限价单请求
type PlaceRequest struct {
	ClientOrderID string
	Pair          market.TradingPair
	Side          market.Side
	Price         decimal.Decimal
	Amount        decimal.Decimal
	PostOnly      bool
}

// OrderRef 定位一笔订单。下单结果不明时还没有交易所 id，只能按 ClientOrderID 查询。
type OrderRef struct {
	ClientOrderID   string
	ExchangeOrderID string
	Pair            market.TradingPair
}

// RemoteStatus 交易所侧的订单状态
type RemoteStatus int

const (
	RemoteOpen RemoteStatus = iota + 1
	RemoteFilled
	RemoteCancelled
	RemoteRejected
)

func (s RemoteStatus) String() string {
	switch s {
	case RemoteOpen:
		return "open"
	case RemoteFilled:
		return "filled"
	case RemoteCancelled:
		return "cancelled"
	case RemoteRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// OrderState QueryOrder 的结果。Filled 为累计成交量。
type OrderState struct {
	Ref          OrderRef
	Status       RemoteStatus
	Filled       decimal.Decimal
	AveragePrice decimal.Decimal
	UpdatedAt    time.Time
}

// FeeSchedule 费率（比例）。
type FeeSchedule struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// TakerCost 以 price 吃单一单位基础币的手续费（计价币）。
func (f FeeSchedule) TakerCost(price decimal.Decimal) decimal.Decimal {
	return price.Mul(f.Taker)
}

// MakerCost 挂单成交一单位基础币的手续费（计价币）。
func (f FeeSchedule) MakerCost(price decimal.Decimal) decimal.Decimal {
	return price.Mul(f.Maker)
}

// Exchange 交易所 REST 能力。实现负责签名与协议转换，返回 *Error 分类错误。
type Exchange interface {
	Name() string
	PlaceOrder(ctx context.Context, req PlaceRequest) (exchangeOrderID string, err error)
	CancelOrder(ctx context.Context, ref OrderRef) error
	QueryOrder(ctx context.Context, ref OrderRef) (OrderState, error)
	GetBalances(ctx context.Context) (map[string]inventory.Balance, error)
	FetchSnapshot(ctx context.Context, pair market.TradingPair) (market.Snapshot, error)
	Fees() FeeSchedule
}

// MarketStream 行情推送
type MarketStream interface {
	Messages() <-chan market.Message
}

// UpdateKind 用户数据流事件类型
type UpdateKind int

const (
	UpdateFill UpdateKind = iota + 1
	UpdateCancelled
	UpdateRejected
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateFill:
		return "fill"
	case UpdateCancelled:
		return "cancelled"
	case UpdateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// OrderUpdate 用户数据流推送的订单事件。
type OrderUpdate struct {
	Exchange  string
	Kind      UpdateKind
	Ref       OrderRef
	TradeID   string
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Fee       decimal.Decimal
	FeeAsset  string
	Reason    string
	Timestamp time.Time
}

// UserStream 用户数据推送
type UserStream interface {
	Updates() <-chan OrderUpdate
}
