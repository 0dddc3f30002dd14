package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trading-engine-go/market"
)

// Type 策略类型
type Type string

const (
	PureMarketMaking          Type = "pure_market_making"
	CrossExchangeMarketMaking Type = "cross_exchange_market_making"
	Arbitrage                 Type = "arbitrage"
)

// Config 策略实例参数。市场格式为 "exchange:BASE-QUOTE"。
// 比例类参数（spread、tolerance、target pct）均为小数，0.01 表示 1%。
type Config struct {
	Name string `yaml:"name"`
	Type Type   `yaml:"type"`

	// Market PMM 报价市场 / XEMM maker 市场 / 套利 A 市场
	Market string `yaml:"market"`
	// SecondMarket XEMM taker 市场 / 套利 B 市场
	SecondMarket string `yaml:"secondMarket"`

	BidSpread              decimal.Decimal `yaml:"bidSpread"`
	AskSpread              decimal.Decimal `yaml:"askSpread"`
	OrderAmount            decimal.Decimal `yaml:"orderAmount"`
	RefreshIntervalSeconds float64         `yaml:"refreshIntervalSeconds"`
	InventorySkewEnabled   bool            `yaml:"inventorySkewEnabled"`
	MinProfitability       decimal.Decimal `yaml:"minProfitability"`

	OrderLevels              int             `yaml:"orderLevels"`
	OrderLevelSpread         decimal.Decimal `yaml:"orderLevelSpread"`
	OrderLevelAmount         decimal.Decimal `yaml:"orderLevelAmount"`
	OrderRefreshTolerancePct decimal.Decimal `yaml:"orderRefreshTolerancePct"`
	FilledOrderDelaySeconds  float64         `yaml:"filledOrderDelaySeconds"`
	InventoryTargetBasePct   decimal.Decimal `yaml:"inventoryTargetBasePct"`
	InventoryRangeMultiplier decimal.Decimal `yaml:"inventoryRangeMultiplier"`
	MaxBookAgeSeconds        float64         `yaml:"maxBookAgeSeconds"`

	ActiveOrderCanceling  *bool   `yaml:"activeOrderCanceling"`
	NextTradeDelaySeconds float64 `yaml:"nextTradeDelaySeconds"`
	LegTimeoutSeconds     float64 `yaml:"legTimeoutSeconds"`
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// RefreshInterval 默认 1 秒
func (c Config) RefreshInterval() time.Duration {
	if c.RefreshIntervalSeconds <= 0 {
		return time.Second
	}
	return seconds(c.RefreshIntervalSeconds)
}

func (c Config) FilledOrderDelay() time.Duration { return seconds(c.FilledOrderDelaySeconds) }
func (c Config) NextTradeDelay() time.Duration   { return seconds(c.NextTradeDelaySeconds) }

// LegTimeout 套利腿未终结的最长等待，0 表示不超时。
func (c Config) LegTimeout() time.Duration { return seconds(c.LegTimeoutSeconds) }

// MaxBookAge 0 表示不检查订单簿新鲜度。
func (c Config) MaxBookAge() time.Duration { return seconds(c.MaxBookAgeSeconds) }

func (c Config) Levels() int {
	if c.OrderLevels <= 0 {
		return 1
	}
	return c.OrderLevels
}

// ActiveCanceling XEMM 默认开启主动撤单
func (c Config) ActiveCanceling() bool {
	return c.ActiveOrderCanceling == nil || *c.ActiveOrderCanceling
}

func (c Config) RangeMultiplier() decimal.Decimal {
	if !c.InventoryRangeMultiplier.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return c.InventoryRangeMultiplier
}

// ParseMarket 解析 "exchange:BASE-QUOTE"。
func ParseMarket(s string) (market.TradingPair, error) {
	ex, symbol, ok := strings.Cut(s, ":")
	if !ok || ex == "" {
		return market.TradingPair{}, fmt.Errorf("invalid market %q, want exchange:BASE-QUOTE", s)
	}
	return market.ParseTradingPair(ex, symbol)
}

// Validate 按策略类型检查必需参数。
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("strategy name is required")
	}
	if _, err := ParseMarket(c.Market); err != nil {
		return fmt.Errorf("%s: market: %w", c.Name, err)
	}
	neg := func(field string, v decimal.Decimal) error {
		if v.IsNegative() {
			return fmt.Errorf("%s: %s must be >= 0", c.Name, field)
		}
		return nil
	}
	for field, v := range map[string]decimal.Decimal{
		"bidSpread":                c.BidSpread,
		"askSpread":                c.AskSpread,
		"orderLevelSpread":         c.OrderLevelSpread,
		"orderLevelAmount":         c.OrderLevelAmount,
		"orderRefreshTolerancePct": c.OrderRefreshTolerancePct,
		"minProfitability":         c.MinProfitability,
	} {
		if err := neg(field, v); err != nil {
			return err
		}
	}
	if c.InventoryTargetBasePct.IsNegative() || c.InventoryTargetBasePct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%s: inventoryTargetBasePct must be within [0, 1]", c.Name)
	}

	switch c.Type {
	case PureMarketMaking:
		if !c.OrderAmount.IsPositive() {
			return fmt.Errorf("%s: orderAmount must be > 0", c.Name)
		}
		if c.BidSpread.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("%s: bidSpread must be < 1", c.Name)
		}
	case CrossExchangeMarketMaking:
		if !c.OrderAmount.IsPositive() {
			return fmt.Errorf("%s: orderAmount must be > 0", c.Name)
		}
		if err := c.validateSecond(); err != nil {
			return err
		}
	case Arbitrage:
		if err := c.validateSecond(); err != nil {
			return err
		}
		if c.OrderAmount.IsNegative() {
			return fmt.Errorf("%s: orderAmount must be >= 0", c.Name)
		}
	default:
		return fmt.Errorf("%s: unknown strategy type %q", c.Name, c.Type)
	}
	return nil
}

func (c Config) validateSecond() error {
	second, err := ParseMarket(c.SecondMarket)
	if err != nil {
		return fmt.Errorf("%s: secondMarket: %w", c.Name, err)
	}
	first, _ := ParseMarket(c.Market)
	if first.Key() == second.Key() {
		return fmt.Errorf("%s: market and secondMarket must differ", c.Name)
	}
	if first.Base != second.Base || first.Quote != second.Quote {
		return fmt.Errorf("%s: markets must trade the same asset pair", c.Name)
	}
	return nil
}

// SameMarkets 热更新时不允许修改市场与类型
func (c Config) SameMarkets(other Config) bool {
	return c.Type == other.Type && c.Market == other.Market && c.SecondMarket == other.SecondMarket
}
