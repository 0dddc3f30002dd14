package market

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// bookLevel 档位内部表示，记录最后一次写入该档的消息时间与序号（用于交叉裁剪）。
type bookLevel struct {
	price decimal.Decimal
	qty   decimal.Decimal
	ts    time.Time
	seq   uint64
}

func (l bookLevel) public() PriceLevel {
	return PriceLevel{Price: l.price, Quantity: l.qty}
}

// ladder 单侧有序档位，下标 0 为最优价：bid 降序，ask 升序。
type ladder struct {
	side   BookSide
	levels []bookLevel
}

func newLadder(side BookSide) ladder {
	return ladder{side: side}
}

// before 判断价格 a 是否排在 b 之前。
func (l *ladder) before(a, b decimal.Decimal) bool {
	if l.side == Bid {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

func (l *ladder) search(price decimal.Decimal) (int, bool) {
	i := sort.Search(len(l.levels), func(i int) bool {
		return !l.before(l.levels[i].price, price)
	})
	return i, i < len(l.levels) && l.levels[i].price.Equal(price)
}

// set 数量 <= 0 删除，否则插入或覆盖。
func (l *ladder) set(price, qty decimal.Decimal, ts time.Time, seq uint64) {
	i, found := l.search(price)
	if !qty.IsPositive() {
		if found {
			l.levels = append(l.levels[:i], l.levels[i+1:]...)
		}
		return
	}
	lv := bookLevel{price: price, qty: qty, ts: ts, seq: seq}
	if found {
		l.levels[i] = lv
		return
	}
	l.levels = append(l.levels, bookLevel{})
	copy(l.levels[i+1:], l.levels[i:])
	l.levels[i] = lv
}

func (l *ladder) reduce(price, amount decimal.Decimal, ts time.Time, seq uint64) bool {
	i, found := l.search(price)
	if !found {
		return false
	}
	l.set(price, l.levels[i].qty.Sub(amount), ts, seq)
	return true
}

// reset 用快照替换整侧，重复价格以后出现者为准。
func (l *ladder) reset(levels []PriceLevel, ts time.Time, seq uint64) {
	l.levels = make([]bookLevel, 0, len(levels))
	for _, lv := range levels {
		l.set(lv.Price, lv.Quantity, ts, seq)
	}
}

func (l *ladder) best() (bookLevel, bool) {
	if len(l.levels) == 0 {
		return bookLevel{}, false
	}
	return l.levels[0], true
}

func (l *ladder) popBest() bookLevel {
	top := l.levels[0]
	l.levels = l.levels[1:]
	return top
}

func (l *ladder) quantityAt(price decimal.Decimal) decimal.Decimal {
	if i, found := l.search(price); found {
		return l.levels[i].qty
	}
	return decimal.Zero
}

func (l *ladder) top(n int) []PriceLevel {
	if n <= 0 || n > len(l.levels) {
		n = len(l.levels)
	}
	out := make([]PriceLevel, n)
	for i := 0; i < n; i++ {
		out[i] = l.levels[i].public()
	}
	return out
}

// ordered 校验严格有序，供测试与自检使用。
func (l *ladder) ordered() bool {
	for i := 1; i < len(l.levels); i++ {
		if !l.before(l.levels[i-1].price, l.levels[i].price) {
			return false
		}
	}
	return true
}
