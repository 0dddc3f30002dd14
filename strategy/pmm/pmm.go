// Package pmm 单市场纯做市：围绕中间价按档位双边挂单。
package pmm

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine-go/event"
	"trading-engine-go/market"
	"trading-engine-go/order"
	"trading-engine-go/strategy"
)

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// MarketMaker 纯做市实例
type MarketMaker struct {
	cfg    strategy.Config
	pair   market.TradingPair
	env    strategy.Env
	phase  *strategy.PhaseMachine
	quoter *strategy.Quoter

	nextRefresh time.Time
	lastFill    time.Time
}

// New 满足 strategy.Constructor
func New(cfg strategy.Config, env strategy.Env) (strategy.Strategy, error) {
	m, err := NewMarketMaker(cfg, env)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func NewMarketMaker(cfg strategy.Config, env strategy.Env) (*MarketMaker, error) {
	if cfg.Type != strategy.PureMarketMaking {
		return nil, fmt.Errorf("pmm: unexpected type %s", cfg.Type)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pair, err := strategy.ParseMarket(cfg.Market)
	if err != nil {
		return nil, err
	}
	env = env.WithDefaults()
	env.Log = env.Log.Named("pmm").WithFields(map[string]interface{}{"strategy": cfg.Name, "market": pair.Key()})
	m := &MarketMaker{
		cfg:    cfg,
		pair:   pair,
		env:    env,
		quoter: strategy.NewQuoter(cfg.Name, pair, env),
	}
	m.phase = strategy.NewPhaseMachine(func(p strategy.Phase) {
		env.Mon.SetStrategyPhase(cfg.Name, int(p))
	})
	return m, nil
}

func (m *MarketMaker) Name() string           { return m.cfg.Name }
func (m *MarketMaker) Phase() strategy.Phase   { return m.phase.Current() }
func (m *MarketMaker) Config() strategy.Config { return m.cfg }

// Quotes 当前槽位订单
func (m *MarketMaker) Quotes() map[string]order.Order { return m.quoter.Live() }

// OnTick 到达刷新时间后重新计算报价：偏离超过容忍度的先撤，全部撤完后补齐空槽位。
func (m *MarketMaker) OnTick(ctx context.Context, now time.Time) error {
	switch m.phase.Current() {
	case strategy.PhaseStopped:
		return nil
	case strategy.PhaseCancelling:
		if m.quoter.Cancelling() > 0 {
			return nil
		}
	default:
		if now.Before(m.nextRefresh) {
			return nil
		}
	}
	if now.Before(m.lastFill.Add(m.cfg.FilledOrderDelay())) {
		return nil
	}

	ob, err := m.env.ReadyBook(m.pair, m.cfg.MaxBookAge())
	if err != nil {
		return err
	}
	mid, _ := ob.MidPrice()
	if !m.phase.BeginCycle() {
		return fmt.Errorf("%s: cannot start cycle in phase %s", m.cfg.Name, m.phase.Current())
	}
	desired := m.Proposal(mid)
	if stale := m.quoter.Stale(desired, m.cfg.OrderRefreshTolerancePct); len(stale) > 0 {
		m.phase.EndCycle()
		_ = m.phase.Transition(strategy.PhaseCancelling)
		m.env.Log.Info("quotes_stale", zap.Strings("slots", stale), zap.String("mid", mid.String()))
		return m.quoter.Cancel(ctx, stale...)
	}
	if err := m.phase.Transition(strategy.PhasePlacingOrders); err != nil {
		return err
	}
	n, err := m.quoter.Place(ctx, desired, false)
	m.phase.EndCycle()
	m.nextRefresh = now.Add(m.cfg.RefreshInterval())
	if n > 0 {
		m.env.Log.Debug("quotes_placed", zap.Int("count", n), zap.String("mid", mid.String()))
	}
	return err
}

// OnBookUpdate 挂单期间中间价漂移超出容忍度时进入撤单。
func (m *MarketMaker) OnBookUpdate(ctx context.Context, ev market.OrderBookUpdated) error {
	if ev.Pair.Key() != m.pair.Key() || m.phase.Current() != strategy.PhaseMonitoring {
		return nil
	}
	mid, ok := ev.Mid()
	if !ok {
		return nil
	}
	stale := m.quoter.Stale(m.Proposal(mid), m.cfg.OrderRefreshTolerancePct)
	if len(stale) == 0 {
		return nil
	}
	if err := m.phase.Transition(strategy.PhaseCancelling); err != nil {
		return err
	}
	m.env.Log.Info("quotes_drifted", zap.Strings("slots", stale), zap.String("mid", mid.String()))
	return m.quoter.Cancel(ctx, stale...)
}

// OnOrderEvent 完全成交后按 filledOrderDelay 推迟下一轮报价。
func (m *MarketMaker) OnOrderEvent(ctx context.Context, ev event.Event) error {
	o, ok := strategy.OwnOrder(m.cfg.Name, ev)
	if !ok {
		return nil
	}
	slot, _ := m.quoter.Owns(o.ClientOrderID)
	switch e := ev.(type) {
	case order.OrderFilled:
		m.env.Log.Info("quote_filled",
			zap.String("slot", slot),
			zap.String("side", o.Side.String()),
			zap.String("price", e.Fill.Price.String()),
			zap.String("amount", e.Fill.Amount.String()))
		if o.Status == order.StatusFilled {
			m.lastFill = m.env.Now()
			if next := m.lastFill.Add(m.cfg.FilledOrderDelay()); next.After(m.nextRefresh) {
				m.nextRefresh = next
			}
		}
	case order.OrderFailed:
		m.env.Log.Warn("quote_failed", zap.String("slot", slot), zap.String("reason", e.Reason))
	}
	return nil
}

// Shutdown 撤销全部挂单并停止
func (m *MarketMaker) Shutdown(ctx context.Context) error {
	err := m.quoter.CancelAll(ctx)
	_ = m.phase.Transition(strategy.PhaseStopped)
	return err
}

// Reconfigure 更新参数并在下一次 tick 重新报价。
func (m *MarketMaker) Reconfigure(cfg strategy.Config) error {
	if !m.cfg.SameMarkets(cfg) {
		return fmt.Errorf("%s: market and type cannot change at runtime", m.cfg.Name)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.cfg = cfg
	m.nextRefresh = time.Time{}
	return nil
}

// Proposal 按中间价生成各档目标报价。
// bid_i = mid*(1-bidSpread-i*levelSpread)，ask_i = mid*(1+askSpread+i*levelSpread)，
// 数量 orderAmount+i*orderLevelAmount，启用库存偏斜时按比例缩小超配一侧。
func (m *MarketMaker) Proposal(mid decimal.Decimal) []strategy.Quote {
	bidRatio, askRatio := one, one
	if m.cfg.InventorySkewEnabled {
		bidRatio, askRatio = m.skew(mid)
	}
	levels := m.cfg.Levels()
	out := make([]strategy.Quote, 0, 2*levels)
	for i := 0; i < levels; i++ {
		step := m.cfg.OrderLevelSpread.Mul(decimal.NewFromInt(int64(i)))
		size := m.cfg.OrderAmount.Add(m.cfg.OrderLevelAmount.Mul(decimal.NewFromInt(int64(i))))
		bid := mid.Mul(one.Sub(m.cfg.BidSpread).Sub(step))
		ask := mid.Mul(one.Add(m.cfg.AskSpread).Add(step))
		if bid.IsPositive() {
			if amt := size.Mul(bidRatio); amt.IsPositive() {
				out = append(out, strategy.Quote{Slot: strategy.SlotName(market.Buy, i), Side: market.Buy, Price: bid, Amount: amt})
			}
		}
		if amt := size.Mul(askRatio); amt.IsPositive() {
			out = append(out, strategy.Quote{Slot: strategy.SlotName(market.Sell, i), Side: market.Sell, Price: ask, Amount: amt})
		}
	}
	return out
}

// skew 基础币市值相对目标区间的位置 x∈[0,1]：bid 比例 min(1,2(1-x))，ask 比例 min(1,2x)。
// 区间半宽 = inventoryRangeMultiplier × 全部档位数量之和。
func (m *MarketMaker) skew(mid decimal.Decimal) (bidRatio, askRatio decimal.Decimal) {
	base := m.env.Orders.Balance(m.pair.Exchange, m.pair.Base).Total
	quote := m.env.Orders.Balance(m.pair.Exchange, m.pair.Quote).Total
	baseValue := base.Mul(mid)
	total := baseValue.Add(quote)
	if !total.IsPositive() || !mid.IsPositive() {
		return one, one
	}
	levelSum := decimal.Zero
	for i := 0; i < m.cfg.Levels(); i++ {
		levelSum = levelSum.Add(m.cfg.OrderAmount.Add(m.cfg.OrderLevelAmount.Mul(decimal.NewFromInt(int64(i)))))
	}
	rangeValue := m.cfg.RangeMultiplier().Mul(levelSum).Mul(mid)
	if !rangeValue.IsPositive() {
		return one, one
	}
	target := total.Mul(m.cfg.InventoryTargetBasePct)
	x := baseValue.Sub(target.Sub(rangeValue)).Div(rangeValue.Mul(two))
	x = decimal.Max(decimal.Zero, decimal.Min(one, x))
	bidRatio = decimal.Min(one, two.Mul(one.Sub(x)))
	askRatio = decimal.Min(one, two.Mul(x))
	return bidRatio, askRatio
}
