// Package xemm 跨交易所做市：在 maker 市场挂单，成交后立即在 taker 市场对冲。
package xemm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine-go/event"
	"trading-engine-go/market"
	"trading-engine-go/order"
	"trading-engine-go/strategy"
)

var one = decimal.NewFromInt(1)

// MarketMaker 跨市场做市实例
type MarketMaker struct {
	cfg   strategy.Config
	maker market.TradingPair
	taker market.TradingPair
	env   strategy.Env
	phase *strategy.PhaseMachine

	quoter *strategy.Quoter
	// 待对冲数量，按对冲方向累计；不足 taker 最小下单量时留到下次
	pending map[market.Side]decimal.Decimal
	hedges  map[string]market.Side

	nextRefresh time.Time
}

func New(cfg strategy.Config, env strategy.Env) (strategy.Strategy, error) {
	m, err := NewMarketMaker(cfg, env)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func NewMarketMaker(cfg strategy.Config, env strategy.Env) (*MarketMaker, error) {
	if cfg.Type != strategy.CrossExchangeMarketMaking {
		return nil, fmt.Errorf("xemm: unexpected type %s", cfg.Type)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	maker, err := strategy.ParseMarket(cfg.Market)
	if err != nil {
		return nil, err
	}
	taker, err := strategy.ParseMarket(cfg.SecondMarket)
	if err != nil {
		return nil, err
	}
	env = env.WithDefaults()
	env.Log = env.Log.Named("xemm").WithFields(map[string]interface{}{
		"strategy": cfg.Name,
		"maker":    maker.Key(),
		"taker":    taker.Key(),
	})
	m := &MarketMaker{
		cfg:     cfg,
		maker:   maker,
		taker:   taker,
		env:     env,
		quoter:  strategy.NewQuoter(cfg.Name, maker, env),
		pending: map[market.Side]decimal.Decimal{market.Buy: decimal.Zero, market.Sell: decimal.Zero},
		hedges:  make(map[string]market.Side),
	}
	m.phase = strategy.NewPhaseMachine(func(p strategy.Phase) {
		env.Mon.SetStrategyPhase(cfg.Name, int(p))
	})
	return m, nil
}

func (m *MarketMaker) Name() string           { return m.cfg.Name }
func (m *MarketMaker) Phase() strategy.Phase   { return m.phase.Current() }
func (m *MarketMaker) Config() strategy.Config { return m.cfg }

func (m *MarketMaker) Quotes() map[string]order.Order { return m.quoter.Live() }

// Unhedged 尚未对冲的数量（按对冲方向）
func (m *MarketMaker) Unhedged(side market.Side) decimal.Decimal { return m.pending[side] }

// OnTick 先补对冲，再按刷新间隔重新报价。
func (m *MarketMaker) OnTick(ctx context.Context, now time.Time) error {
	if m.phase.Current() == strategy.PhaseStopped {
		return nil
	}
	if err := m.hedge(ctx); err != nil {
		return err
	}
	switch m.phase.Current() {
	case strategy.PhaseCancelling:
		if m.quoter.Cancelling() > 0 {
			return nil
		}
	default:
		if now.Before(m.nextRefresh) {
			return nil
		}
	}
	desired, err := m.Proposal()
	if err != nil {
		return err
	}
	if !m.phase.BeginCycle() {
		return fmt.Errorf("%s: cannot start cycle in phase %s", m.cfg.Name, m.phase.Current())
	}
	if stale := m.quoter.Stale(desired, m.cfg.OrderRefreshTolerancePct); len(stale) > 0 {
		m.phase.EndCycle()
		_ = m.phase.Transition(strategy.PhaseCancelling)
		m.env.Log.Info("quotes_unprofitable", zap.Strings("slots", stale))
		return m.quoter.Cancel(ctx, stale...)
	}
	if err := m.phase.Transition(strategy.PhasePlacingOrders); err != nil {
		return err
	}
	_, err = m.quoter.Place(ctx, desired, true)
	m.phase.EndCycle()
	m.nextRefresh = now.Add(m.cfg.RefreshInterval())
	return err
}

// OnBookUpdate 主动撤单：任一市场变化使挂单不再有利可图时立即撤掉。
func (m *MarketMaker) OnBookUpdate(ctx context.Context, ev market.OrderBookUpdated) error {
	key := ev.Pair.Key()
	if key != m.maker.Key() && key != m.taker.Key() {
		return nil
	}
	if !m.cfg.ActiveCanceling() || m.phase.Current() != strategy.PhaseMonitoring {
		return nil
	}
	desired, err := m.Proposal()
	if err != nil {
		if errors.Is(err, strategy.ErrStaleBook) {
			// 对冲盘口不可用时不能保证利润
			if cerr := m.quoter.CancelAll(ctx); cerr != nil {
				return cerr
			}
			return m.phase.Transition(strategy.PhaseCancelling)
		}
		return err
	}
	stale := m.quoter.Stale(desired, m.cfg.OrderRefreshTolerancePct)
	if len(stale) == 0 {
		return nil
	}
	if err := m.phase.Transition(strategy.PhaseCancelling); err != nil {
		return err
	}
	m.env.Log.Info("quotes_unprofitable", zap.Strings("slots", stale), zap.String("trigger", key))
	return m.quoter.Cancel(ctx, stale...)
}

// OnOrderEvent maker 成交后在 taker 市场反向对冲；对冲单失败时数量退回待对冲。
func (m *MarketMaker) OnOrderEvent(ctx context.Context, ev event.Event) error {
	o, ok := strategy.OwnOrder(m.cfg.Name, ev)
	if !ok {
		return nil
	}
	if side, isHedge := m.hedges[o.ClientOrderID]; isHedge {
		switch e := ev.(type) {
		case order.OrderFilled:
			m.env.Log.Info("hedge_filled",
				zap.String("side", side.String()),
				zap.String("price", e.Fill.Price.String()),
				zap.String("amount", e.Fill.Amount.String()))
		case order.OrderFailed, order.OrderCancelled:
			m.pending[side] = m.pending[side].Add(o.Remaining())
			m.env.Log.Warn("hedge_incomplete", zap.String("side", side.String()), zap.String("remaining", o.Remaining().String()))
		}
		if o.IsTerminal() {
			delete(m.hedges, o.ClientOrderID)
		}
		return nil
	}
	e, ok := ev.(order.OrderFilled)
	if !ok || o.Pair.Key() != m.maker.Key() {
		return nil
	}
	side := o.Side.Opposite()
	m.pending[side] = m.pending[side].Add(e.Fill.Amount)
	m.env.Log.Info("maker_filled",
		zap.String("side", o.Side.String()),
		zap.String("price", e.Fill.Price.String()),
		zap.String("amount", e.Fill.Amount.String()))
	return m.hedge(ctx)
}

// hedge 提交累计的待对冲数量，价格取吃掉该数量所需触及的最差档位。
func (m *MarketMaker) hedge(ctx context.Context) error {
	cons := m.env.Constraints(m.taker)
	for _, side := range []market.Side{market.Buy, market.Sell} {
		amount := cons.QuantizeQty(m.pending[side])
		if !amount.IsPositive() {
			continue
		}
		ob, err := m.env.ReadyBook(m.taker, 0)
		if err != nil {
			return err
		}
		price, _ := ob.PriceForVolume(market.ConsumedBy(side), amount)
		// 对冲限价向更容易成交的方向取整
		price = cons.QuantizePrice(price, side.Opposite())
		if cons.Validate(price, amount) != nil {
			// 低于最小下单量，继续累计
			continue
		}
		h, err := m.env.Orders.Submit(ctx, order.Intent{
			Source: m.cfg.Name,
			Pair:   m.taker,
			Side:   side,
			Price:  price,
			Amount: amount,
		})
		if err != nil {
			return fmt.Errorf("hedge %s %s: %w", side, amount, err)
		}
		m.pending[side] = m.pending[side].Sub(amount)
		m.hedges[h.ClientOrderID] = side
		m.env.Log.Info("hedge_submitted",
			zap.String("client_order_id", h.ClientOrderID),
			zap.String("side", side.String()),
			zap.String("price", price.String()),
			zap.String("amount", amount.String()))
	}
	return nil
}

// Proposal maker 报价：
// bid ≤ (takerBidVWAP×(1−takerFee) − minProfitability)/(1+makerFee)，
// ask ≥ (takerAskVWAP×(1+takerFee) + minProfitability)/(1−makerFee)。
// taker 深度不足、或报价会与 maker 盘口交叉时跳过该侧。
func (m *MarketMaker) Proposal() ([]strategy.Quote, error) {
	makerBook, err := m.env.ReadyBook(m.maker, m.cfg.MaxBookAge())
	if err != nil {
		return nil, err
	}
	takerBook, err := m.env.ReadyBook(m.taker, m.cfg.MaxBookAge())
	if err != nil {
		return nil, err
	}
	makerBid, makerAsk, _ := makerBook.Best()
	mf := m.env.Fees(m.maker.Exchange).Maker
	tf := m.env.Fees(m.taker.Exchange).Taker
	minP := m.cfg.MinProfitability

	var out []strategy.Quote
	// maker 买入后在 taker 卖出，吃 taker bid
	if size := m.hedgeableSize(market.Sell); size.IsPositive() {
		if vwap := takerBook.VolumeWeightedPrice(market.Bid, size); vwap.Complete {
			price := vwap.AveragePrice.Mul(one.Sub(tf)).Sub(minP).Div(one.Add(mf))
			if price.IsPositive() && price.LessThan(makerAsk.Price) {
				out = append(out, strategy.Quote{Slot: strategy.SlotName(market.Buy, 0), Side: market.Buy, Price: price, Amount: size})
			}
		}
	}
	// maker 卖出后在 taker 买入，吃 taker ask
	if size := m.hedgeableSize(market.Buy); size.IsPositive() && one.GreaterThan(mf) {
		if vwap := takerBook.VolumeWeightedPrice(market.Ask, size); vwap.Complete {
			price := vwap.AveragePrice.Mul(one.Add(tf)).Add(minP).Div(one.Sub(mf))
			if price.GreaterThan(makerBid.Price) {
				out = append(out, strategy.Quote{Slot: strategy.SlotName(market.Sell, 0), Side: market.Sell, Price: price, Amount: size})
			}
		}
	}
	return out, nil
}

// hedgeableSize orderAmount 受 taker 侧对冲资金限制：卖出对冲需要基础币，买入对冲需要计价币。
func (m *MarketMaker) hedgeableSize(hedgeSide market.Side) decimal.Decimal {
	size := m.cfg.OrderAmount
	if hedgeSide == market.Sell {
		avail := m.env.Orders.Balance(m.taker.Exchange, m.taker.Base).Available()
		return decimal.Min(size, avail)
	}
	ob, ok := m.env.Books.Book(m.taker)
	if !ok {
		return decimal.Zero
	}
	worst, _ := ob.PriceForVolume(market.Ask, size)
	if !worst.IsPositive() {
		return decimal.Zero
	}
	avail := m.env.Orders.Balance(m.taker.Exchange, m.taker.Quote).Available()
	return decimal.Min(size, avail.Div(worst))
}

// Shutdown 撤销 maker 挂单；已提交的对冲单保留以免留下敞口。
func (m *MarketMaker) Shutdown(ctx context.Context) error {
	err := m.quoter.CancelAll(ctx)
	_ = m.phase.Transition(strategy.PhaseStopped)
	if len(m.hedges) > 0 || m.pending[market.Buy].IsPositive() || m.pending[market.Sell].IsPositive() {
		m.env.Log.Warn("shutdown_with_open_hedges",
			zap.Int("hedges", len(m.hedges)),
			zap.String("unhedged_buy", m.pending[market.Buy].String()),
			zap.String("unhedged_sell", m.pending[market.Sell].String()))
	}
	return err
}

func (m *MarketMaker) Reconfigure(cfg strategy.Config) error {
	if !m.cfg.SameMarkets(cfg) {
		return fmt.Errorf("%s: markets and type cannot change at runtime", m.cfg.Name)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.cfg = cfg
	m.nextRefresh = time.Time{}
	return nil
}
