package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine-go/market"
	"trading-engine-go/order"
)

// Quote 某个槽位的目标挂单，槽位如 "bid-0"、"ask-1"。
type Quote struct {
	Slot   string
	Side   market.Side
	Price  decimal.Decimal
	Amount decimal.Decimal
}

func SlotName(side market.Side, level int) string {
	if side == market.Buy {
		return fmt.Sprintf("bid-%d", level)
	}
	return fmt.Sprintf("ask-%d", level)
}

// Quoter 按槽位维护一个市场上的挂单。只在实例 goroutine 中使用。
type Quoter struct {
	name  string
	pair  market.TradingPair
	env   Env
	slots map[string]string
}

func NewQuoter(name string, pair market.TradingPair, env Env) *Quoter {
	return &Quoter{name: name, pair: pair, env: env, slots: make(map[string]string)}
}

func (q *Quoter) Pair() market.TradingPair { return q.pair }

// Live 当前未终结的槽位订单；已终结的槽位被释放。
func (q *Quoter) Live() map[string]order.Order {
	out := make(map[string]order.Order, len(q.slots))
	for slot, cid := range q.slots {
		o, ok := q.env.Orders.Order(cid)
		if !ok || o.IsTerminal() {
			delete(q.slots, slot)
			continue
		}
		out[slot] = o
	}
	return out
}

// Cancelling 已请求撤单但尚未终结的订单数。
func (q *Quoter) Cancelling() int {
	n := 0
	for _, o := range q.Live() {
		if o.CancelRequested {
			n++
		}
	}
	return n
}

// Stale 需要撤掉的槽位：不在目标中、方向改变，或价格偏离超过 tolerance（相对比例）。
func (q *Quoter) Stale(desired []Quote, tolerance decimal.Decimal) []string {
	want := make(map[string]Quote, len(desired))
	for _, d := range desired {
		want[d.Slot] = d
	}
	var out []string
	for slot, o := range q.Live() {
		if o.CancelRequested {
			continue
		}
		d, ok := want[slot]
		if !ok || d.Side != o.Side || Deviation(o.Price, d.Price).GreaterThan(tolerance) {
			out = append(out, slot)
		}
	}
	sort.Strings(out)
	return out
}

// Deviation |a-b|/b
func Deviation(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.NewFromInt(1)
	}
	return a.Sub(b).Abs().Div(b)
}

// Cancel 撤掉指定槽位，全部发出后返回第一个错误。
func (q *Quoter) Cancel(ctx context.Context, slots ...string) error {
	var first error
	for _, slot := range slots {
		cid, ok := q.slots[slot]
		if !ok {
			continue
		}
		if err := q.env.Orders.Cancel(ctx, cid); err != nil {
			if errors.Is(err, order.ErrUnknownOrder) {
				delete(q.slots, slot)
				continue
			}
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (q *Quoter) CancelAll(ctx context.Context) error {
	live := q.Live()
	slots := make([]string, 0, len(live))
	for slot, o := range live {
		if !o.CancelRequested {
			slots = append(slots, slot)
		}
	}
	sort.Strings(slots)
	return q.Cancel(ctx, slots...)
}

// Place 为空槽位下单。数量受可用余额限制并按交易对约束量化，不可交易的报价被跳过。
// 余额不足、约束不满足只跳过该报价；其余错误立即返回。
func (q *Quoter) Place(ctx context.Context, desired []Quote, postOnly bool) (int, error) {
	live := q.Live()
	cons := q.env.Constraints(q.pair)
	placed := 0
	for _, d := range desired {
		if _, busy := live[d.Slot]; busy {
			continue
		}
		price := cons.QuantizePrice(d.Price, d.Side)
		amount := cons.QuantizeQty(q.capByBalance(d.Side, price, d.Amount))
		if !price.IsPositive() || !amount.IsPositive() || cons.Validate(price, amount) != nil {
			q.env.Log.Debug("quote_skipped",
				zap.String("strategy", q.name),
				zap.String("slot", d.Slot),
				zap.String("price", price.String()),
				zap.String("amount", amount.String()))
			continue
		}
		h, err := q.env.Orders.Submit(ctx, order.Intent{
			Source:   q.name,
			Pair:     q.pair,
			Side:     d.Side,
			Price:    price,
			Amount:   amount,
			PostOnly: postOnly,
		})
		if err != nil {
			if errors.Is(err, order.ErrInsufficientBalance) || errors.Is(err, order.ErrConstraintViolation) {
				q.env.Log.Warn("quote_rejected", zap.String("strategy", q.name), zap.String("slot", d.Slot), zap.Error(err))
				continue
			}
			return placed, err
		}
		q.slots[d.Slot] = h.ClientOrderID
		placed++
	}
	return placed, nil
}

func (q *Quoter) capByBalance(side market.Side, price, amount decimal.Decimal) decimal.Decimal {
	if side == market.Buy {
		avail := q.env.Orders.Balance(q.pair.Exchange, q.pair.Quote).Available()
		if !price.IsPositive() {
			return decimal.Zero
		}
		return decimal.Min(amount, avail.Div(price))
	}
	avail := q.env.Orders.Balance(q.pair.Exchange, q.pair.Base).Available()
	return decimal.Min(amount, avail)
}

// Owns 订单是否由本报价器下单
func (q *Quoter) Owns(clientOrderID string) (string, bool) {
	for slot, cid := range q.slots {
		if cid == clientOrderID {
			return slot, true
		}
	}
	return "", false
}
