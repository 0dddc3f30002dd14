package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// OrderBook 单个交易对的本地盘口镜像。
// 写入只能来自所属 tracker 的 worker（单写者），读取方持读锁。
type OrderBook struct {
	mu          sync.RWMutex
	pair        TradingPair
	bids        ladder
	asks        ladder
	sequence    uint64
	initialized bool
	lastUpdate  time.Time
}

// ApplyResult 一次成功写入的结果；Cross 非空表示发生过交叉并已就地修复。
type ApplyResult struct {
	Sequence uint64
	Cross    *CrossedBookError
}

func NewOrderBook(pair TradingPair) *OrderBook {
	return &OrderBook{
		pair: pair,
		bids: newLadder(Bid),
		asks: newLadder(Ask),
	}
}

func (ob *OrderBook) Pair() TradingPair { return ob.pair }

// ApplySnapshot 原子替换双边档位并重置序号。
func (ob *OrderBook) ApplySnapshot(s Snapshot) ApplyResult {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.bids.reset(s.Bids, s.Timestamp, s.Sequence)
	ob.asks.reset(s.Asks, s.Timestamp, s.Sequence)
	ob.sequence = s.Sequence
	ob.initialized = true
	ob.lastUpdate = s.Timestamp
	return ApplyResult{Sequence: s.Sequence, Cross: ob.uncrossLocked()}
}

// ApplyDiff 要求 diff.Sequence == Sequence()+1。
// 序号不连续返回 *SequenceGapError，已应用过的序号返回 ErrStaleSequence，两者都不修改盘口。
func (ob *OrderBook) ApplyDiff(d Diff) (ApplyResult, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if !ob.initialized {
		return ApplyResult{}, ErrNotInitialized
	}
	if d.Sequence <= ob.sequence {
		return ApplyResult{Sequence: ob.sequence}, fmt.Errorf("%w: seq %d <= %d", ErrStaleSequence, d.Sequence, ob.sequence)
	}
	if d.Sequence != ob.sequence+1 {
		return ApplyResult{Sequence: ob.sequence}, &SequenceGapError{Pair: ob.pair, Expected: ob.sequence + 1, Got: d.Sequence}
	}
	for _, c := range d.Changes {
		if c.Quantity.IsNegative() || !c.Price.IsPositive() {
			return ApplyResult{Sequence: ob.sequence}, fmt.Errorf("invalid level %s x %s in seq %d", c.Price, c.Quantity, d.Sequence)
		}
		if c.Side != Bid && c.Side != Ask {
			return ApplyResult{Sequence: ob.sequence}, fmt.Errorf("invalid side %d in seq %d", c.Side, d.Sequence)
		}
	}
	for _, c := range d.Changes {
		if c.Side == Bid {
			ob.bids.set(c.Price, c.Quantity, d.Timestamp, d.Sequence)
		} else {
			ob.asks.set(c.Price, c.Quantity, d.Timestamp, d.Sequence)
		}
	}
	ob.sequence = d.Sequence
	ob.lastUpdate = d.Timestamp
	return ApplyResult{Sequence: d.Sequence, Cross: ob.uncrossLocked()}, nil
}

// ApplyTrade 按成交扣减被吃掉的档位；仅用于增量流不包含成交变化的交易所。
// 不推进序号。
func (ob *OrderBook) ApplyTrade(t Trade) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if !ob.initialized {
		return false
	}
	var ok bool
	if ConsumedBy(t.Side) == Ask {
		ok = ob.asks.reduce(t.Price, t.Amount, t.Timestamp, ob.sequence)
	} else {
		ok = ob.bids.reduce(t.Price, t.Amount, t.Timestamp, ob.sequence)
	}
	if ok {
		ob.lastUpdate = t.Timestamp
	}
	return ok
}

// uncrossLocked 交叉时逐档裁剪：时间戳更旧的一侧让出最优档；
// 时间戳相同比较写入序号，仍相同则 bid 让出。
func (ob *OrderBook) uncrossLocked() *CrossedBookError {
	var cross *CrossedBookError
	for {
		bid, okBid := ob.bids.best()
		ask, okAsk := ob.asks.best()
		if !okBid || !okAsk || bid.price.LessThan(ask.price) {
			return cross
		}
		if cross == nil {
			cross = &CrossedBookError{Pair: ob.pair, Sequence: ob.sequence, BestBid: bid.price, BestAsk: ask.price}
		}
		yield := Bid
		switch {
		case ask.ts.Before(bid.ts):
			yield = Ask
		case bid.ts.Before(ask.ts):
			yield = Bid
		case ask.seq < bid.seq:
			yield = Ask
		}
		var trimmed bookLevel
		if yield == Bid {
			trimmed = ob.bids.popBest()
		} else {
			trimmed = ob.asks.popBest()
		}
		cross.Yielded = append(cross.Yielded, yield)
		cross.Trimmed = append(cross.Trimmed, trimmed.public())
	}
}

func (ob *OrderBook) Sequence() uint64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.sequence
}

func (ob *OrderBook) Initialized() bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.initialized
}

// LastUpdate 最近一次写入对应的消息时间。
func (ob *OrderBook) LastUpdate() time.Time {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastUpdate
}

// BestBid 返回买一；空盘口第二个返回值为 false。
func (ob *OrderBook) BestBid() (PriceLevel, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	lv, ok := ob.bids.best()
	return lv.public(), ok
}

// BestAsk 返回卖一。
func (ob *OrderBook) BestAsk() (PriceLevel, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	lv, ok := ob.asks.best()
	return lv.public(), ok
}

// Best 一次读锁内取买一卖一。
func (ob *OrderBook) Best() (bid, ask PriceLevel, ok bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	b, okBid := ob.bids.best()
	a, okAsk := ob.asks.best()
	return b.public(), a.public(), okBid && okAsk
}

// MidPrice 返回中间价；缺失任一侧时 ok 为 false。
func (ob *OrderBook) MidPrice() (decimal.Decimal, bool) {
	bid, ask, ok := ob.Best()
	if !ok {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(two), true
}

// DepthAt 指定价格上的挂单量，不存在为 0。
func (ob *OrderBook) DepthAt(side BookSide, price decimal.Decimal) decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if side == Bid {
		return ob.bids.quantityAt(price)
	}
	return ob.asks.quantityAt(price)
}

// Levels 返回某侧前 n 档（n <= 0 返回全部）。
func (ob *OrderBook) Levels(side BookSide, n int) []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if side == Bid {
		return ob.bids.top(n)
	}
	return ob.asks.top(n)
}

// Snapshot 拷贝当前盘口。
func (ob *OrderBook) Snapshot() Snapshot {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return Snapshot{
		Pair:      ob.pair,
		Sequence:  ob.sequence,
		Timestamp: ob.lastUpdate,
		Bids:      ob.bids.top(0),
		Asks:      ob.asks.top(0),
	}
}

// Ordered 双边是否严格有序且未交叉。
func (ob *OrderBook) Ordered() bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if !ob.bids.ordered() || !ob.asks.ordered() {
		return false
	}
	bid, okBid := ob.bids.best()
	ask, okAsk := ob.asks.best()
	return !okBid || !okAsk || bid.price.LessThan(ask.price)
}
