package gateway

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trading-engine-go/connector"
	"trading-engine-go/market"
)

// CombinedMessage 对应 binance combined stream 包装。
type CombinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// DepthUpdate depth20@100ms 部分盘口，symbol 只出现在 stream 名中。
type DepthUpdate struct {
	LastUpdateID uint64           `json:"lastUpdateId"`
	Bids         [][2]json.Number `json:"bids"`
	Asks         [][2]json.Number `json:"asks"`
}

type streamEvent struct {
	Event string `json:"e"`
	Time  int64  `json:"E"`
	// trade
	Symbol     string          `json:"s"`
	TradeID    int64           `json:"t"`
	Price      decimal.Decimal `json:"p"`
	Qty        decimal.Decimal `json:"q"`
	BuyerMaker bool            `json:"m"`
	// executionReport
	ClientOrderID  string          `json:"c"`
	OrigClientID   string          `json:"C"`
	Side           string          `json:"S"`
	ExecType       string          `json:"x"`
	OrderID        int64           `json:"i"`
	LastQty        decimal.Decimal `json:"l"`
	LastPrice      decimal.Decimal `json:"L"`
	Commission     decimal.Decimal `json:"n"`
	CommissionAsst string          `json:"N"`
	RejectReason   string          `json:"r"`

	// 仅大小写不同的键需要显式声明，否则 encoding/json 会把它们匹配到上面的字段
	TradeTime   int64           `json:"T"`
	Ignore      bool            `json:"M"`
	QuoteQty    decimal.Decimal `json:"Q"`
	StopPrice   decimal.Decimal `json:"P"`
	IgnoreID    int64           `json:"I"`
	OrderStatus string          `json:"X"`
}

// Decoder 解析 combined stream 的部分盘口、逐笔成交和 executionReport。
// pairs 用于把 BTCUSDT 这类无分隔符的符号还原为交易对。
func Decoder(exchange string, pairs []market.TradingPair) connector.Decoder {
	bySymbol := make(map[string]market.TradingPair, len(pairs))
	for _, p := range pairs {
		bySymbol[Symbol(p)] = p
	}
	return func(raw []byte) (connector.Frame, error) {
		var msg CombinedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return connector.Frame{}, err
		}
		if len(msg.Data) == 0 {
			// 订阅回执 {"result":null,"id":1}
			return connector.Frame{}, nil
		}
		if sym, kind, ok := strings.Cut(msg.Stream, "@"); ok && strings.HasPrefix(kind, "depth") {
			pair, known := bySymbol[strings.ToUpper(sym)]
			if !known {
				return connector.Frame{}, nil
			}
			return parseDepth(pair, msg.Data)
		}

		var ev streamEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return connector.Frame{}, err
		}
		pair, known := bySymbol[ev.Symbol]
		if !known {
			return connector.Frame{}, nil
		}
		ts := time.UnixMilli(ev.Time).UTC()
		switch ev.Event {
		case "trade":
			side := market.Buy
			if ev.BuyerMaker {
				side = market.Sell
			}
			return connector.Frame{Market: []market.Message{market.TradeMessage(market.Trade{
				Pair:      pair,
				TradeID:   strconv.FormatInt(ev.TradeID, 10),
				Side:      side,
				Price:     ev.Price,
				Amount:    ev.Qty,
				Timestamp: ts,
			})}}, nil
		case "executionReport":
			u, ok := executionUpdate(exchange, pair, ev, ts)
			if !ok {
				return connector.Frame{}, nil
			}
			return connector.Frame{Orders: []connector.OrderUpdate{u}}, nil
		}
		return connector.Frame{}, nil
	}
}

// ParseCombinedDepth 解析 combined stream 的 depth 消息。
func ParseCombinedDepth(raw []byte) (symbol string, depth DepthUpdate, err error) {
	var msg CombinedMessage
	if err = json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if err = json.Unmarshal(msg.Data, &depth); err != nil {
		return
	}
	symbol, _, _ = strings.Cut(msg.Stream, "@")
	return strings.ToUpper(symbol), depth, nil
}

func parseDepth(pair market.TradingPair, data json.RawMessage) (connector.Frame, error) {
	var depth DepthUpdate
	if err := json.Unmarshal(data, &depth); err != nil {
		return connector.Frame{}, err
	}
	bids, err := parseLevels(depth.Bids)
	if err != nil {
		return connector.Frame{}, err
	}
	asks, err := parseLevels(depth.Asks)
	if err != nil {
		return connector.Frame{}, err
	}
	// 部分盘口每条都是完整的前 20 档，按快照处理
	return connector.Frame{Market: []market.Message{market.SnapshotMessage(market.Snapshot{
		Pair:      pair,
		Sequence:  depth.LastUpdateID,
		Timestamp: time.Now().UTC(),
		Bids:      bids,
		Asks:      asks,
	})}}, nil
}

// executionUpdate NEW 回报由下单应答覆盖，这里只关心成交与终态。
func executionUpdate(exchange string, pair market.TradingPair, ev streamEvent, ts time.Time) (connector.OrderUpdate, bool) {
	u := connector.OrderUpdate{
		Exchange: exchange,
		Ref: connector.OrderRef{
			ClientOrderID:   ev.ClientOrderID,
			ExchangeOrderID: strconv.FormatInt(ev.OrderID, 10),
			Pair:            pair,
		},
		Timestamp: ts,
	}
	switch ev.ExecType {
	case "TRADE":
		u.Kind = connector.UpdateFill
		u.TradeID = strconv.FormatInt(ev.TradeID, 10)
		u.Price = ev.LastPrice
		u.Amount = ev.LastQty
		u.Fee = ev.Commission
		u.FeeAsset = ev.CommissionAsst
	case "CANCELED", "EXPIRED":
		u.Kind = connector.UpdateCancelled
		// 撤单回报中 c 是撤单请求的 id，原订单 id 在 C
		if ev.OrigClientID != "" {
			u.Ref.ClientOrderID = ev.OrigClientID
		}
	case "REJECTED":
		u.Kind = connector.UpdateRejected
		u.Reason = ev.RejectReason
	default:
		return connector.OrderUpdate{}, false
	}
	return u, true
}
