package arbitrage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine-go/event"
	"trading-engine-go/market"
	"trading-engine-go/order"
	"trading-engine-go/strategy"
	"trading-engine-go/strategy/strategytest"
)

var (
	pairA = market.NewTradingPair("a", "BTC", "USDT")
	pairB = market.NewTradingPair("b", "BTC", "USDT")
	d     = strategytest.D
)

func baseConfig() strategy.Config {
	return strategy.Config{
		Name:             "arb",
		Type:             strategy.Arbitrage,
		Market:           "a:BTC-USDT",
		SecondMarket:     "b:BTC-USDT",
		MinProfitability: d("1.0"),
	}
}

// 买 A 卖 B：askA=100（taker 1.5%），bidB=103（零费率），margin = 103-100-1.5 = 1.5
func setup(t *testing.T, cfg strategy.Config) (*Arbitrage, *strategytest.Harness) {
	t.Helper()
	h := strategytest.New(t, "a", "b")
	h.Exchanges["a"].SetFees("0", "0.015")
	h.Fund("a", "USDT", "1000")
	h.Fund("b", "BTC", "3")
	h.Books.Set(pairA, h.Now, levels("99", "5"), levels("100", "2"))
	h.Books.Set(pairB, h.Now, levels("103", "1.5"), levels("104", "5"))
	s, err := NewArbitrage(cfg, h.Env())
	require.NoError(t, err)
	return s, h
}

func levels(price, qty string) []market.PriceLevel {
	return []market.PriceLevel{market.Level(price, qty)}
}

func bookEvent(h *strategytest.Harness) market.OrderBookUpdated {
	ob, _ := h.Books.Book(pairB)
	bid, ask, _ := ob.Best()
	return market.OrderBookUpdated{Pair: pairB, BestBid: bid, BestAsk: ask, HasBid: true, HasAsk: true, Timestamp: h.Now}
}

func legs(t *testing.T, h *strategytest.Harness) (buy, sell order.Order) {
	t.Helper()
	for _, o := range h.WaitOpen(t, "arb", 2) {
		if o.Side == market.Buy {
			buy = o
		} else {
			sell = o
		}
	}
	return buy, sell
}

func TestOpportunityMarginAndSizing(t *testing.T) {
	s, _ := setup(t, baseConfig())
	opp, ok, err := s.Opportunity()
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, pairA, opp.Buy)
	assert.Equal(t, pairB, opp.Sell)
	assert.True(t, opp.Margin.Equal(d("1.5")), "margin %s", opp.Margin)
	// min(1000/100, 3, 2, 1.5)
	assert.True(t, opp.Amount.Equal(d("1.5")), "amount %s", opp.Amount)
}

func TestBelowMinProfitabilityIgnored(t *testing.T) {
	cfg := baseConfig()
	cfg.MinProfitability = d("1.6")
	s, h := setup(t, cfg)

	_, ok, err := s.Opportunity()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.OnBookUpdate(h.Ctx, bookEvent(h)))
	assert.False(t, s.Busy())
	assert.Equal(t, strategy.PhaseIdle, s.Phase())
}

func TestOrderAmountCapsSize(t *testing.T) {
	cfg := baseConfig()
	cfg.OrderAmount = d("0.5")
	s, _ := setup(t, cfg)

	opp, ok, err := s.Opportunity()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, opp.Amount.Equal(d("0.5")))
}

func TestReverseDirection(t *testing.T) {
	s, h := setup(t, baseConfig())
	h.Fund("b", "USDT", "1000")
	h.Fund("a", "BTC", "3")
	h.Books.Set(pairA, h.Now, levels("106", "1"), levels("107", "5"))
	h.Books.Set(pairB, h.Now, levels("102", "5"), levels("103", "4"))

	opp, ok, err := s.Opportunity()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pairB, opp.Buy)
	assert.Equal(t, pairA, opp.Sell)
	// 106 - 103 - 106*0.015
	assert.True(t, opp.Margin.Equal(d("1.41")), "margin %s", opp.Margin)
	assert.True(t, opp.Amount.Equal(d("1")))
}

func TestUnfundedOpportunitySkipped(t *testing.T) {
	s, h := setup(t, baseConfig())
	h.Fund("b", "BTC", "0")

	_, ok, err := s.Opportunity()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLegsArePairedAndBlockNewActions(t *testing.T) {
	cfg := baseConfig()
	cfg.NextTradeDelaySeconds = 10
	s, h := setup(t, cfg)

	require.NoError(t, s.OnBookUpdate(h.Ctx, bookEvent(h)))
	assert.True(t, s.Busy())
	assert.Equal(t, strategy.PhaseMonitoring, s.Phase())
	buy, sell := legs(t, h)
	assert.Equal(t, pairA, buy.Pair)
	assert.True(t, buy.Price.Equal(d("100")))
	assert.Equal(t, pairB, sell.Pair)
	assert.True(t, sell.Price.Equal(d("103")))
	assert.True(t, buy.Amount.Equal(sell.Amount))

	// 腿未终结前不再出手
	require.NoError(t, s.OnBookUpdate(h.Ctx, bookEvent(h)))
	require.NoError(t, s.OnTick(h.Ctx, h.Now))
	assert.Equal(t, 1, h.Exchanges["a"].Calls("place"))
	assert.Equal(t, 1, h.Exchanges["b"].Calls("place"))

	h.Exchanges["a"].Fill(buy.ClientOrderID, "a1", "100", "1.5")
	h.Exchanges["b"].Fill(sell.ClientOrderID, "b1", "103", "1.5")
	for i := 0; i < 2; i++ {
		require.NoError(t, s.OnOrderEvent(h.Ctx, h.NextEvent(t, event.OrderFilled)))
	}
	assert.False(t, s.Busy())
	assert.Equal(t, 1, s.Trades())

	// 冷却期内不出手
	require.NoError(t, s.OnBookUpdate(h.Ctx, bookEvent(h)))
	assert.False(t, s.Busy())

	h.Now = h.Now.Add(11 * time.Second)
	h.Books.Set(pairA, h.Now, levels("99", "5"), levels("100", "2"))
	h.Books.Set(pairB, h.Now, levels("103", "1.5"), levels("104", "5"))
	require.NoError(t, s.OnBookUpdate(h.Ctx, bookEvent(h)))
	assert.True(t, s.Busy())
	h.WaitOpen(t, "arb", 2)
}

func TestLegTimeoutCancelsOpenLegs(t *testing.T) {
	cfg := baseConfig()
	cfg.LegTimeoutSeconds = 5
	s, h := setup(t, cfg)

	require.NoError(t, s.OnBookUpdate(h.Ctx, bookEvent(h)))
	legs(t, h)

	require.NoError(t, s.OnTick(h.Ctx, h.Now.Add(2*time.Second)))
	assert.Equal(t, strategy.PhaseMonitoring, s.Phase())

	require.NoError(t, s.OnTick(h.Ctx, h.Now.Add(6*time.Second)))
	assert.Equal(t, strategy.PhaseCancelling, s.Phase())
	h.WaitLive(t, "arb", 0)
	for i := 0; i < 2; i++ {
		require.NoError(t, s.OnOrderEvent(h.Ctx, h.NextEvent(t, event.OrderCancelled)))
	}
	assert.False(t, s.Busy())
	assert.Equal(t, 1, s.Trades())
}

func TestIgnoresOtherSourcesAndPairs(t *testing.T) {
	s, h := setup(t, baseConfig())
	other := market.NewTradingPair("c", "ETH", "USDT")
	require.NoError(t, s.OnBookUpdate(h.Ctx, market.OrderBookUpdated{Pair: other}))
	assert.False(t, s.Busy())

	require.NoError(t, s.OnOrderEvent(h.Ctx, order.OrderFilled{Order: order.Order{ClientOrderID: "x", Source: "someone"}}))
	assert.False(t, s.Busy())
}

func TestShutdownCancelsLegs(t *testing.T) {
	s, h := setup(t, baseConfig())
	require.NoError(t, s.OnBookUpdate(h.Ctx, bookEvent(h)))
	legs(t, h)

	require.NoError(t, s.Shutdown(h.Ctx))
	assert.Equal(t, strategy.PhaseStopped, s.Phase())
	h.WaitLive(t, "arb", 0)

	require.NoError(t, s.OnBookUpdate(h.Ctx, bookEvent(h)))
	assert.Equal(t, 1, h.Exchanges["a"].Calls("place"))
}
