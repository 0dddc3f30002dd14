package market

import "github.com/shopspring/decimal"

// VWAPResult 沿盘口吃单的估算结果；深度不足时 Complete 为 false 而不是报错。
type VWAPResult struct {
	Requested    decimal.Decimal
	Filled       decimal.Decimal
	AveragePrice decimal.Decimal
	// WorstPrice 最后触及的一档价格，可直接作为限价。
	WorstPrice decimal.Decimal
	Complete   bool
}

// Shortfall 未能满足的数量。
func (r VWAPResult) Shortfall() decimal.Decimal {
	return r.Requested.Sub(r.Filled)
}

// VolumeWeightedPrice 从 side 最优档开始累积数量直到 target 或盘口耗尽。
// 买入估算传 Ask，卖出估算传 Bid。
func (ob *OrderBook) VolumeWeightedPrice(side BookSide, target decimal.Decimal) VWAPResult {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	res := VWAPResult{Requested: target}
	if !target.IsPositive() {
		res.Complete = true
		return res
	}
	lad := &ob.asks
	if side == Bid {
		lad = &ob.bids
	}
	notional := decimal.Zero
	for _, lv := range lad.levels {
		take := decimal.Min(lv.qty, target.Sub(res.Filled))
		notional = notional.Add(take.Mul(lv.price))
		res.Filled = res.Filled.Add(take)
		res.WorstPrice = lv.price
		if res.Filled.GreaterThanOrEqual(target) {
			res.Complete = true
			break
		}
	}
	if res.Filled.IsPositive() {
		res.AveragePrice = notional.Div(res.Filled)
	}
	return res
}

// PriceForVolume 吃掉 target 数量需要触及的最差价格；深度不足时 ok 为 false，价格为最后一档。
func (ob *OrderBook) PriceForVolume(side BookSide, target decimal.Decimal) (decimal.Decimal, bool) {
	res := ob.VolumeWeightedPrice(side, target)
	return res.WorstPrice, res.Complete
}

// VolumeUpTo 价格优于或等于 limit 的累计数量。
func (ob *OrderBook) VolumeUpTo(side BookSide, limit decimal.Decimal) decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	lad := &ob.asks
	if side == Bid {
		lad = &ob.bids
	}
	total := decimal.Zero
	for _, lv := range lad.levels {
		if lad.before(limit, lv.price) {
			break
		}
		total = total.Add(lv.qty)
	}
	return total
}
