package inventory

import "github.com/shopspring/decimal"

// Valuation 基于当前 mid 价计算未实现盈亏。
func (p *Position) Valuation(mid decimal.Decimal) (net, unrealized decimal.Decimal) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.net, mid.Sub(p.cost).Mul(p.net)
}

// BaseRatio 基础币市值占总市值的比例（按总额计算，含挂单占用）。
// 总市值为 0 时 ok 为 false。
func BaseRatio(base, quote Balance, price decimal.Decimal) (ratio decimal.Decimal, ok bool) {
	baseValue := base.Total.Mul(price)
	total := baseValue.Add(quote.Total)
	if !total.IsPositive() {
		return decimal.Zero, false
	}
	return baseValue.Div(total), true
}
