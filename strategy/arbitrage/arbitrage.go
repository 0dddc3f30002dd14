// Package arbitrage 两个市场之间的吃单套利。
package arbitrage

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

// Opportunity 一次可执行的套利：在 Buy 市场买入、Sell 市场卖出。
type Opportunity struct {
	Buy       market.TradingPair
	Sell      market.TradingPair
	BuyPrice  decimal.Decimal
	SellPrice decimal.Decimal
	Amount    decimal.Decimal
	// Margin 每单位基础币扣除双边 taker 费后的利润（计价币）
	Margin decimal.Decimal
}

type leg struct {
	side   market.Side
	status order.Status
	filled decimal.Decimal
	price  decimal.Decimal
}

// Arbitrage 套利实例。同一时间最多一对腿在途。
type Arbitrage struct {
	cfg   strategy.Config
	a, b  market.TradingPair
	env   strategy.Env
	phase *strategy.PhaseMachine

	legs        map[string]*leg
	legDeadline time.Time
	timedOut    bool
	nextTrade   time.Time
	trades      int
}

func New(cfg strategy.Config, env strategy.Env) (strategy.Strategy, error) {
	s, err := NewArbitrage(cfg, env)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func NewArbitrage(cfg strategy.Config, env strategy.Env) (*Arbitrage, error) {
	if cfg.Type != strategy.Arbitrage {
		return nil, fmt.Errorf("arbitrage: unexpected type %s", cfg.Type)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a, err := strategy.ParseMarket(cfg.Market)
	if err != nil {
		return nil, err
	}
	b, err := strategy.ParseMarket(cfg.SecondMarket)
	if err != nil {
		return nil, err
	}
	env = env.WithDefaults()
	env.Log = env.Log.Named("arbitrage").WithFields(map[string]interface{}{
		"strategy": cfg.Name,
		"market_a": a.Key(),
		"market_b": b.Key(),
	})
	s := &Arbitrage{
		cfg:  cfg,
		a:    a,
		b:    b,
		env:  env,
		legs: make(map[string]*leg),
	}
	s.phase = strategy.NewPhaseMachine(func(p strategy.Phase) {
		env.Mon.SetStrategyPhase(cfg.Name, int(p))
	})
	return s, nil
}

func (s *Arbitrage) Name() string           { return s.cfg.Name }
func (s *Arbitrage) Phase() strategy.Phase   { return s.phase.Current() }
func (s *Arbitrage) Config() strategy.Config { return s.cfg }

// Busy 是否有未终结的腿
func (s *Arbitrage) Busy() bool { return len(s.legs) > 0 }

// Trades 已完成的套利次数
func (s *Arbitrage) Trades() int { return s.trades }

// OnBookUpdate 任一市场盘口变化时评估机会。
func (s *Arbitrage) OnBookUpdate(ctx context.Context, ev market.OrderBookUpdated) error {
	key := ev.Pair.Key()
	if key != s.a.Key() && key != s.b.Key() {
		return nil
	}
	return s.evaluate(ctx, s.env.Now())
}

// OnTick 检查腿超时；空闲时也评估一次机会。
func (s *Arbitrage) OnTick(ctx context.Context, now time.Time) error {
	if s.phase.Current() == strategy.PhaseStopped {
		return nil
	}
	if s.Busy() {
		return s.checkTimeout(ctx, now)
	}
	return s.evaluate(ctx, now)
}

func (s *Arbitrage) checkTimeout(ctx context.Context, now time.Time) error {
	if s.timedOut || s.cfg.LegTimeout() <= 0 || now.Before(s.legDeadline) {
		return nil
	}
	s.timedOut = true
	if err := s.phase.Transition(strategy.PhaseCancelling); err != nil {
		return err
	}
	var first error
	for cid, l := range s.legs {
		s.env.Log.Warn("leg_timeout", zap.String("client_order_id", cid), zap.String("side", l.side.String()), zap.String("status", string(l.status)))
		if err := s.env.Orders.Cancel(ctx, cid); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Arbitrage) evaluate(ctx context.Context, now time.Time) error {
	if s.phase.Current() == strategy.PhaseStopped || s.Busy() || now.Before(s.nextTrade) {
		return nil
	}
	opp, ok, err := s.Opportunity()
	if err != nil || !ok {
		return err
	}
	if !s.phase.BeginCycle() {
		return fmt.Errorf("%s: cannot start cycle in phase %s", s.cfg.Name, s.phase.Current())
	}
	s.env.Mon.RecordOpportunity(s.cfg.Name)
	s.env.Log.Info("opportunity",
		zap.String("buy", opp.Buy.Key()),
		zap.String("sell", opp.Sell.Key()),
		zap.String("buy_price", opp.BuyPrice.String()),
		zap.String("sell_price", opp.SellPrice.String()),
		zap.String("amount", opp.Amount.String()),
		zap.String("margin", opp.Margin.String()))
	if err := s.phase.Transition(strategy.PhasePlacingOrders); err != nil {
		return err
	}
	defer s.phase.EndCycle()

	s.timedOut = false
	s.legDeadline = now.Add(s.cfg.LegTimeout())
	if err := s.submit(ctx, opp.Buy, market.Buy, opp.BuyPrice, opp.Amount); err != nil {
		return err
	}
	if err := s.submit(ctx, opp.Sell, market.Sell, opp.SellPrice, opp.Amount); err != nil {
		// 买腿已发出，单腿敞口需要人工处理
		s.env.Log.Error("sell_leg_failed", zap.Error(err))
		return err
	}
	return nil
}

func (s *Arbitrage) submit(ctx context.Context, pair market.TradingPair, side market.Side, price, amount decimal.Decimal) error {
	h, err := s.env.Orders.Submit(ctx, order.Intent{
		Source: s.cfg.Name,
		Pair:   pair,
		Side:   side,
		Price:  price,
		Amount: amount,
	})
	if err != nil {
		return fmt.Errorf("%s leg on %s: %w", side, pair, err)
	}
	s.legs[h.ClientOrderID] = &leg{side: side, status: order.StatusPendingCreate, filled: decimal.Zero, price: price}
	return nil
}

// Opportunity 两个方向中利润更高且不低于 minProfitability 的一个。
// margin = bid(卖出市场) − ask(买入市场) − ask×takerFee(买入) − bid×takerFee(卖出)。
// 数量 = min(买入市场可用计价币/ask, 卖出市场可用基础币, 两侧最优档深度)，orderAmount > 0 时再取较小值。
func (s *Arbitrage) Opportunity() (Opportunity, bool, error) {
	bookA, err := s.env.ReadyBook(s.a, s.cfg.MaxBookAge())
	if err != nil {
		return Opportunity{}, false, err
	}
	bookB, err := s.env.ReadyBook(s.b, s.cfg.MaxBookAge())
	if err != nil {
		return Opportunity{}, false, err
	}
	bidA, askA, _ := bookA.Best()
	bidB, askB, _ := bookB.Best()

	var best Opportunity
	found := false
	for _, c := range []struct {
		buy, sell market.TradingPair
		ask, bid  market.PriceLevel
	}{
		{s.a, s.b, askA, bidB},
		{s.b, s.a, askB, bidA},
	} {
		margin := c.bid.Price.Sub(c.ask.Price).
			Sub(s.env.Fees(c.buy.Exchange).TakerCost(c.ask.Price)).
			Sub(s.env.Fees(c.sell.Exchange).TakerCost(c.bid.Price))
		if margin.LessThan(s.cfg.MinProfitability) || !margin.IsPositive() {
			continue
		}
		amount := s.size(c.buy, c.sell, c.ask, c.bid)
		if !amount.IsPositive() {
			s.env.Log.Debug("opportunity_unfunded", zap.String("buy", c.buy.Key()), zap.String("margin", margin.String()))
			continue
		}
		if !found || margin.GreaterThan(best.Margin) {
			best = Opportunity{Buy: c.buy, Sell: c.sell, BuyPrice: c.ask.Price, SellPrice: c.bid.Price, Amount: amount, Margin: margin}
			found = true
		}
	}
	return best, found, nil
}

func (s *Arbitrage) size(buy, sell market.TradingPair, ask, bid market.PriceLevel) decimal.Decimal {
	quoteAvail := s.env.Orders.Balance(buy.Exchange, buy.Quote).Available()
	baseAvail := s.env.Orders.Balance(sell.Exchange, sell.Base).Available()
	amount := decimal.Min(quoteAvail.Div(ask.Price), baseAvail, ask.Quantity, bid.Quantity)
	if s.cfg.OrderAmount.IsPositive() {
		amount = decimal.Min(amount, s.cfg.OrderAmount)
	}
	buyCons, sellCons := s.env.Constraints(buy), s.env.Constraints(sell)
	amount = sellCons.QuantizeQty(buyCons.QuantizeQty(amount))
	if buyCons.Validate(ask.Price, amount) != nil || sellCons.Validate(bid.Price, amount) != nil {
		return decimal.Zero
	}
	return amount
}

// OnOrderEvent 跟踪两条腿；全部终结后结算并进入 nextTradeDelay 冷却。
func (s *Arbitrage) OnOrderEvent(ctx context.Context, ev event.Event) error {
	o, ok := strategy.OwnOrder(s.cfg.Name, ev)
	if !ok {
		return nil
	}
	l, ok := s.legs[o.ClientOrderID]
	if !ok {
		return nil
	}
	l.status = o.Status
	l.filled = o.Filled
	if f, isFill := ev.(order.OrderFilled); isFill {
		s.env.Log.Info("leg_filled", zap.String("side", l.side.String()), zap.String("amount", f.Fill.Amount.String()))
	}
	if fe, failed := ev.(order.OrderFailed); failed {
		s.env.Log.Warn("leg_failed", zap.String("side", l.side.String()), zap.String("reason", fe.Reason))
	}
	for _, other := range s.legs {
		if !other.status.IsTerminal() {
			return nil
		}
	}
	s.resolve()
	return nil
}

func (s *Arbitrage) resolve() {
	bought, sold := decimal.Zero, decimal.Zero
	pnl := decimal.Zero
	for _, l := range s.legs {
		if l.side == market.Buy {
			bought = bought.Add(l.filled)
			pnl = pnl.Sub(l.filled.Mul(l.price))
		} else {
			sold = sold.Add(l.filled)
			pnl = pnl.Add(l.filled.Mul(l.price))
		}
	}
	fields := []zap.Field{
		zap.String("bought", bought.String()),
		zap.String("sold", sold.String()),
		zap.String("gross", pnl.String()),
	}
	if !bought.Equal(sold) {
		s.env.Log.Warn("arbitrage_unbalanced", fields...)
	} else {
		s.env.Log.Info("arbitrage_complete", fields...)
	}
	s.legs = make(map[string]*leg)
	s.trades++
	s.nextTrade = s.env.Now().Add(s.cfg.NextTradeDelay())
}

// Shutdown 撤销未终结的腿
func (s *Arbitrage) Shutdown(ctx context.Context) error {
	var first error
	for cid := range s.legs {
		if err := s.env.Orders.Cancel(ctx, cid); err != nil && first == nil {
			first = err
		}
	}
	_ = s.phase.Transition(strategy.PhaseStopped)
	return first
}

func (s *Arbitrage) Reconfigure(cfg strategy.Config) error {
	if !s.cfg.SameMarkets(cfg) {
		return fmt.Errorf("%s: markets and type cannot change at runtime", s.cfg.Name)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}
