package xemm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine-go/connector"
	"trading-engine-go/connector/connectortest"
	"trading-engine-go/event"
	"trading-engine-go/market"
	"trading-engine-go/order"
	"trading-engine-go/strategy"
	"trading-engine-go/strategy/strategytest"
)

var (
	makerPair = market.NewTradingPair("mk", "BTC", "USDT")
	takerPair = market.NewTradingPair("tk", "BTC", "USDT")
	d         = strategytest.D
)

func baseConfig() strategy.Config {
	return strategy.Config{
		Name:                   "xemm",
		Type:                   strategy.CrossExchangeMarketMaking,
		Market:                 "mk:BTC-USDT",
		SecondMarket:           "tk:BTC-USDT",
		OrderAmount:            d("1"),
		MinProfitability:       d("1"),
		RefreshIntervalSeconds: 5,
	}
}

func setup(t *testing.T, cfg strategy.Config) (*MarketMaker, *strategytest.Harness) {
	t.Helper()
	h := strategytest.New(t, "mk", "tk")
	h.Exchanges["tk"].SetFees("0", "0.01")
	for _, ex := range []string{"mk", "tk"} {
		h.Fund(ex, "USDT", "1000")
		h.Fund(ex, "BTC", "10")
	}
	h.Books.Set(makerPair, h.Now, levels("97", "5"), levels("104", "5"))
	h.Books.Set(takerPair, h.Now, levels("100", "2"), levels("101", "2"))
	m, err := NewMarketMaker(cfg, h.Env())
	require.NoError(t, err)
	return m, h
}

func levels(price, qty string) []market.PriceLevel {
	return []market.PriceLevel{market.Level(price, qty)}
}

func quoteFor(quotes []strategy.Quote, side market.Side) (strategy.Quote, bool) {
	for _, q := range quotes {
		if q.Side == side {
			return q, true
		}
	}
	return strategy.Quote{}, false
}

func makerOrder(t *testing.T, h *strategytest.Harness, side market.Side) order.Order {
	t.Helper()
	for _, o := range h.Live("xemm") {
		if o.Pair == makerPair && o.Side == side {
			return o
		}
	}
	t.Fatalf("no maker %s order", side)
	return order.Order{}
}

func waitPlaced(t *testing.T, ex *connectortest.Exchange, n int) []connector.PlaceRequest {
	t.Helper()
	require.Eventually(t, func() bool { return len(ex.Placed()) == n }, 2*time.Second, 5*time.Millisecond)
	return ex.Placed()
}

func TestQuotesPricedFromTakerBook(t *testing.T) {
	m, _ := setup(t, baseConfig())
	quotes, err := m.Proposal()
	require.NoError(t, err)
	require.Len(t, quotes, 2)

	bid, ok := quoteFor(quotes, market.Buy)
	require.True(t, ok)
	// (100*0.99 - 1) / 1
	assert.True(t, bid.Price.Equal(d("98")), "bid %s", bid.Price)
	ask, ok := quoteFor(quotes, market.Sell)
	require.True(t, ok)
	// (101*1.01 + 1) / 1
	assert.True(t, ask.Price.Equal(d("103.01")), "ask %s", ask.Price)
}

func TestQuoteThatWouldCrossMakerBookIsSkipped(t *testing.T) {
	m, h := setup(t, baseConfig())
	h.Books.Set(makerPair, h.Now, levels("97", "5"), levels("97.5", "5"))

	quotes, err := m.Proposal()
	require.NoError(t, err)
	_, hasBid := quoteFor(quotes, market.Buy)
	assert.False(t, hasBid)
	_, hasAsk := quoteFor(quotes, market.Sell)
	assert.True(t, hasAsk)
}

func TestShallowTakerDepthSkipsSide(t *testing.T) {
	m, h := setup(t, baseConfig())
	h.Books.Set(takerPair, h.Now, levels("100", "0.5"), levels("101", "2"))

	quotes, err := m.Proposal()
	require.NoError(t, err)
	_, hasBid := quoteFor(quotes, market.Buy)
	assert.False(t, hasBid)
}

func TestHedgeBalanceLimitsQuoteSize(t *testing.T) {
	m, h := setup(t, baseConfig())
	h.Fund("tk", "BTC", "0.4")

	quotes, err := m.Proposal()
	require.NoError(t, err)
	bid, ok := quoteFor(quotes, market.Buy)
	require.True(t, ok)
	assert.True(t, bid.Amount.Equal(d("0.4")), "bid size %s", bid.Amount)
}

func TestMakerFillIsHedgedOnTaker(t *testing.T) {
	m, h := setup(t, baseConfig())
	require.NoError(t, m.OnTick(h.Ctx, h.Now))
	h.WaitOpen(t, "xemm", 2)
	for _, req := range h.Exchanges["mk"].Placed() {
		assert.True(t, req.PostOnly, "maker quotes are post-only")
	}

	bid := makerOrder(t, h, market.Buy)
	h.Exchanges["mk"].Fill(bid.ClientOrderID, "m1", "98", "1")
	require.NoError(t, m.OnOrderEvent(h.Ctx, h.NextEvent(t, event.OrderFilled)))

	placed := waitPlaced(t, h.Exchanges["tk"], 1)
	assert.Equal(t, market.Sell, placed[0].Side)
	assert.True(t, placed[0].Price.Equal(d("100")))
	assert.True(t, placed[0].Amount.Equal(d("1")))
	assert.True(t, m.Unhedged(market.Sell).IsZero())
}

func TestSmallFillsAccumulateUntilTradeable(t *testing.T) {
	m, h := setup(t, baseConfig())
	h.Tracker.SetConstraints(takerPair, order.SymbolConstraints{MinQty: d("0.5")})
	require.NoError(t, m.OnTick(h.Ctx, h.Now))
	h.WaitOpen(t, "xemm", 2)

	bid := makerOrder(t, h, market.Buy)
	h.Exchanges["mk"].Fill(bid.ClientOrderID, "m1", "98", "0.3")
	require.NoError(t, m.OnOrderEvent(h.Ctx, h.NextEvent(t, event.OrderFilled)))
	assert.Empty(t, h.Exchanges["tk"].Placed())
	assert.True(t, m.Unhedged(market.Sell).Equal(d("0.3")))

	h.Exchanges["mk"].Fill(bid.ClientOrderID, "m2", "98", "0.3")
	require.NoError(t, m.OnOrderEvent(h.Ctx, h.NextEvent(t, event.OrderFilled)))
	placed := waitPlaced(t, h.Exchanges["tk"], 1)
	assert.True(t, placed[0].Amount.Equal(d("0.6")))
	assert.True(t, m.Unhedged(market.Sell).IsZero())
}

func TestFailedHedgeIsRetried(t *testing.T) {
	m, h := setup(t, baseConfig())
	require.NoError(t, m.OnTick(h.Ctx, h.Now))
	h.WaitOpen(t, "xemm", 2)

	tk := h.Exchanges["tk"]
	tk.OnPlace(func(ctx context.Context, req connector.PlaceRequest) (string, error) {
		return "", connector.NewError(connector.KindRejected, "tk", "place", errors.New("rejected"))
	})
	bid := makerOrder(t, h, market.Buy)
	h.Exchanges["mk"].Fill(bid.ClientOrderID, "m1", "98", "1")
	require.NoError(t, m.OnOrderEvent(h.Ctx, h.NextEvent(t, event.OrderFilled)))
	require.NoError(t, m.OnOrderEvent(h.Ctx, h.NextEvent(t, event.OrderFailed)))
	assert.True(t, m.Unhedged(market.Sell).Equal(d("1")))

	tk.OnPlace(nil)
	require.NoError(t, m.OnTick(h.Ctx, h.Now.Add(time.Second)))
	assert.True(t, m.Unhedged(market.Sell).IsZero())
	waitPlaced(t, tk, 2)
}

func TestActiveCancelWhenTakerMovesAgainstQuote(t *testing.T) {
	m, h := setup(t, baseConfig())
	require.NoError(t, m.OnTick(h.Ctx, h.Now))
	h.WaitOpen(t, "xemm", 2)

	ev := h.Books.Set(takerPair, h.Now, levels("95", "2"), levels("101", "2"))
	require.NoError(t, m.OnBookUpdate(h.Ctx, ev))
	assert.Equal(t, strategy.PhaseCancelling, m.Phase())
	live := h.WaitLive(t, "xemm", 1)
	assert.Equal(t, market.Sell, live[0].Side)

	// 撤单完成后按新价格补单
	require.NoError(t, m.OnTick(h.Ctx, h.Now.Add(time.Second)))
	live = h.WaitOpen(t, "xemm", 2)
	bid := makerOrder(t, h, market.Buy)
	// (95*0.99 - 1)
	assert.True(t, bid.Price.Equal(d("93.05")), "bid %s", bid.Price)
	assert.Len(t, live, 2)
}

func TestPassiveModeIgnoresBookUpdates(t *testing.T) {
	cfg := baseConfig()
	off := false
	cfg.ActiveOrderCanceling = &off
	m, h := setup(t, cfg)
	require.NoError(t, m.OnTick(h.Ctx, h.Now))
	h.WaitOpen(t, "xemm", 2)

	ev := h.Books.Set(takerPair, h.Now, levels("95", "2"), levels("101", "2"))
	require.NoError(t, m.OnBookUpdate(h.Ctx, ev))
	assert.Equal(t, strategy.PhaseMonitoring, m.Phase())
	assert.Len(t, h.Live("xemm"), 2)
}

func TestShutdownCancelsMakerQuotes(t *testing.T) {
	m, h := setup(t, baseConfig())
	require.NoError(t, m.OnTick(h.Ctx, h.Now))
	h.WaitOpen(t, "xemm", 2)

	require.NoError(t, m.Shutdown(h.Ctx))
	assert.Equal(t, strategy.PhaseStopped, m.Phase())
	h.WaitLive(t, "xemm", 0)
}
