package connector

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trading-engine-go/market"
)

// Frame 一条 websocket 消息解码后的内容。
type Frame struct {
	Market []market.Message
	Orders []OrderUpdate
}

// Decoder 把交易所原始消息转成统一结构。返回空 Frame 表示忽略（心跳、订阅回执等）。
type Decoder func(raw []byte) (Frame, error)

// wireMessage 统一行情网关的 JSON 格式：
//
//	{"type":"diff","symbol":"BTC-USDT","seq":12,"ts":1700000000000,"bids":[["100","2"]],"asks":[]}
type wireMessage struct {
	Type     string           `json:"type"`
	Symbol   string           `json:"symbol"`
	Seq      uint64           `json:"seq"`
	TS       int64            `json:"ts"`
	Bids     [][2]json.Number `json:"bids"`
	Asks     [][2]json.Number `json:"asks"`
	TradeID  string           `json:"trade_id"`
	Side     string           `json:"side"`
	Price    decimal.Decimal  `json:"price"`
	Amount   decimal.Decimal  `json:"amount"`
	Fee      decimal.Decimal  `json:"fee"`
	FeeAsset string           `json:"fee_asset"`
	ClientID string           `json:"client_order_id"`
	OrderID  string           `json:"order_id"`
	Event    string           `json:"event"`
	Reason   string           `json:"reason"`
}

// JSONDecoder 解析统一 JSON 格式，支持单条对象或对象数组。
func JSONDecoder(exchange string) Decoder {
	return func(raw []byte) (Frame, error) {
		var msgs []wireMessage
		trimmed := strings.TrimSpace(string(raw))
		if strings.HasPrefix(trimmed, "[") {
			if err := json.Unmarshal(raw, &msgs); err != nil {
				return Frame{}, err
			}
		} else {
			var m wireMessage
			if err := json.Unmarshal(raw, &m); err != nil {
				return Frame{}, err
			}
			msgs = []wireMessage{m}
		}
		var f Frame
		for _, m := range msgs {
			if err := m.appendTo(exchange, &f); err != nil {
				return Frame{}, err
			}
		}
		return f, nil
	}
}

func (m wireMessage) appendTo(exchange string, f *Frame) error {
	if m.Type == "" || m.Type == "ping" || m.Type == "subscribed" {
		return nil
	}
	pair, err := market.ParseTradingPair(exchange, m.Symbol)
	if err != nil {
		return err
	}
	ts := time.UnixMilli(m.TS).UTC()
	switch m.Type {
	case "snapshot":
		bids, err := parseLevels(m.Bids)
		if err != nil {
			return err
		}
		asks, err := parseLevels(m.Asks)
		if err != nil {
			return err
		}
		f.Market = append(f.Market, market.SnapshotMessage(market.Snapshot{
			Pair: pair, Sequence: m.Seq, Timestamp: ts, Bids: bids, Asks: asks,
		}))
	case "diff":
		changes := make([]market.LevelChange, 0, len(m.Bids)+len(m.Asks))
		for _, side := range []struct {
			s   market.BookSide
			raw [][2]json.Number
		}{{market.Bid, m.Bids}, {market.Ask, m.Asks}} {
			lv, err := parseLevels(side.raw)
			if err != nil {
				return err
			}
			for _, l := range lv {
				changes = append(changes, market.LevelChange{Side: side.s, Price: l.Price, Quantity: l.Quantity})
			}
		}
		f.Market = append(f.Market, market.DiffMessage(market.Diff{
			Pair: pair, Sequence: m.Seq, Timestamp: ts, Changes: changes,
		}))
	case "trade":
		side, err := market.ParseSide(m.Side)
		if err != nil {
			return err
		}
		f.Market = append(f.Market, market.TradeMessage(market.Trade{
			Pair: pair, TradeID: m.TradeID, Side: side, Price: m.Price, Amount: m.Amount, Timestamp: ts,
		}))
	case "order":
		u := OrderUpdate{
			Exchange:  exchange,
			Ref:       OrderRef{ClientOrderID: m.ClientID, ExchangeOrderID: m.OrderID, Pair: pair},
			TradeID:   m.TradeID,
			Price:     m.Price,
			Amount:    m.Amount,
			Fee:       m.Fee,
			FeeAsset:  m.FeeAsset,
			Reason:    m.Reason,
			Timestamp: ts,
		}
		switch m.Event {
		case "fill":
			u.Kind = UpdateFill
		case "cancelled":
			u.Kind = UpdateCancelled
		case "rejected":
			u.Kind = UpdateRejected
		default:
			return fmt.Errorf("unknown order event %q", m.Event)
		}
		f.Orders = append(f.Orders, u)
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

func parseLevels(raw [][2]json.Number) ([]market.PriceLevel, error) {
	out := make([]market.PriceLevel, 0, len(raw))
	for _, lv := range raw {
		price, err := decimal.NewFromString(lv[0].String())
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", lv[0], err)
		}
		qty, err := decimal.NewFromString(lv[1].String())
		if err != nil {
			return nil, fmt.Errorf("parse qty %q: %w", lv[1], err)
		}
		out = append(out, market.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}
