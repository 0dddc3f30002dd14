package inventory

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Position 单个交易对的净仓位（基础币）与加权平均成本。
type Position struct {
	mu       sync.RWMutex
	net      decimal.Decimal
	cost     decimal.Decimal
	realized decimal.Decimal
}

// Update 根据成交数量调整仓位，deltaQty 买入为正、卖出为负。
// 减仓部分按平均成本结算已实现盈亏。
func (p *Position) Update(deltaQty, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if deltaQty.IsZero() {
		return
	}
	sameDir := p.net.IsZero() || p.net.Sign() == deltaQty.Sign()
	if sameDir {
		totalValue := p.cost.Mul(p.net).Add(price.Mul(deltaQty))
		p.net = p.net.Add(deltaQty)
		p.cost = totalValue.Div(p.net)
		return
	}
	// 反向：先平掉已有仓位
	closing := decimal.Min(deltaQty.Abs(), p.net.Abs())
	if p.net.IsPositive() {
		p.realized = p.realized.Add(price.Sub(p.cost).Mul(closing))
	} else {
		p.realized = p.realized.Add(p.cost.Sub(price).Mul(closing))
	}
	p.net = p.net.Add(deltaQty)
	switch {
	case p.net.IsZero():
		p.cost = decimal.Zero
	case p.net.Sign() == deltaQty.Sign():
		// 翻仓后剩余部分按成交价建仓
		p.cost = price
	}
}

func (p *Position) NetExposure() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.net
}

func (p *Position) AvgCost() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cost
}

func (p *Position) Realized() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realized
}
