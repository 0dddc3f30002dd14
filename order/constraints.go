package order

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trading-engine-go/market"
)

// SymbolConstraints 描述交易对的步长与名义限制，零值字段表示不限制。
type SymbolConstraints struct {
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// Validate 检查订单价格/数量是否符合精度与最小名义。
func (c SymbolConstraints) Validate(price, qty decimal.Decimal) error {
	if c.TickSize.IsPositive() && !price.Mod(c.TickSize).IsZero() {
		return fmt.Errorf("%w: price %s not aligned to tickSize %s", ErrConstraintViolation, price, c.TickSize)
	}
	if c.StepSize.IsPositive() && !qty.Mod(c.StepSize).IsZero() {
		return fmt.Errorf("%w: qty %s not aligned to stepSize %s", ErrConstraintViolation, qty, c.StepSize)
	}
	if c.MinQty.IsPositive() && qty.LessThan(c.MinQty) {
		return fmt.Errorf("%w: qty %s < minQty %s", ErrConstraintViolation, qty, c.MinQty)
	}
	if c.MaxQty.IsPositive() && qty.GreaterThan(c.MaxQty) {
		return fmt.Errorf("%w: qty %s > maxQty %s", ErrConstraintViolation, qty, c.MaxQty)
	}
	if notional := price.Mul(qty); c.MinNotional.IsPositive() && notional.LessThan(c.MinNotional) {
		return fmt.Errorf("%w: notional %s < minNotional %s", ErrConstraintViolation, notional, c.MinNotional)
	}
	return nil
}

// QuantizePrice 对齐到 tick：买单向下、卖单向上，保证不会比原价更激进。
func (c SymbolConstraints) QuantizePrice(price decimal.Decimal, side market.Side) decimal.Decimal {
	if !c.TickSize.IsPositive() {
		return price
	}
	steps := price.Div(c.TickSize)
	if side == market.Buy {
		steps = steps.Floor()
	} else {
		steps = steps.Ceil()
	}
	return steps.Mul(c.TickSize)
}

// QuantizeQty 数量向下对齐到 step。
func (c SymbolConstraints) QuantizeQty(qty decimal.Decimal) decimal.Decimal {
	if !c.StepSize.IsPositive() {
		return qty
	}
	return qty.Div(c.StepSize).Floor().Mul(c.StepSize)
}

// Tradeable 量化后数量满足最小数量与最小名义。
func (c SymbolConstraints) Tradeable(price, qty decimal.Decimal) bool {
	return c.Validate(c.QuantizePrice(price, market.Buy), c.QuantizeQty(qty)) == nil && qty.IsPositive()
}
