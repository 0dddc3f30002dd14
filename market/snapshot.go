package market

import "time"

// Snapshot 全量盘口。
type Snapshot struct {
	Pair      TradingPair
	Sequence  uint64
	Timestamp time.Time
	Bids      []PriceLevel
	Asks      []PriceLevel
}

// Diff 增量盘口，Changes 按交易所给出的顺序应用。
type Diff struct {
	Pair      TradingPair
	Sequence  uint64
	Timestamp time.Time
	Changes   []LevelChange
}

// MessageKind 行情消息类型。
type MessageKind int

const (
	KindSnapshot MessageKind = iota + 1
	KindDiff
	KindTrade
)

func (k MessageKind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindDiff:
		return "diff"
	case KindTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// Message 连接器推送的带标签行情消息，按 Kind 只有一个负载非空。
type Message struct {
	Kind      MessageKind
	Pair      TradingPair
	Sequence  uint64
	Timestamp time.Time
	Snapshot  *Snapshot
	Diff      *Diff
	Trade     *Trade
}

// SnapshotMessage 包装全量盘口。
func SnapshotMessage(s Snapshot) Message {
	return Message{Kind: KindSnapshot, Pair: s.Pair, Sequence: s.Sequence, Timestamp: s.Timestamp, Snapshot: &s}
}

// DiffMessage 包装增量盘口。
func DiffMessage(d Diff) Message {
	return Message{Kind: KindDiff, Pair: d.Pair, Sequence: d.Sequence, Timestamp: d.Timestamp, Diff: &d}
}

// TradeMessage 包装成交。
func TradeMessage(t Trade) Message {
	return Message{Kind: KindTrade, Pair: t.Pair, Timestamp: t.Timestamp, Trade: &t}
}
