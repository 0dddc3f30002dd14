// Package strategytest 策略测试夹具：真实订单跟踪器 + 假交易所 + 可手工设置的订单簿。
package strategytest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"trading-engine-go/connector/connectortest"
	"trading-engine-go/event"
	"trading-engine-go/inventory"
	"trading-engine-go/market"
	"trading-engine-go/order"
	"trading-engine-go/strategy"
)

// Books 手工维护的订单簿集合
type Books struct {
	mu    sync.RWMutex
	books map[string]*market.OrderBook
	seq   uint64
}

func NewBooks() *Books {
	return &Books{books: make(map[string]*market.OrderBook)}
}

func (b *Books) Book(pair market.TradingPair) (*market.OrderBook, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ob, ok := b.books[pair.Key()]
	return ob, ok
}

// Set 用快照替换订单簿并返回对应的更新事件。
func (b *Books) Set(pair market.TradingPair, ts time.Time, bids, asks []market.PriceLevel) market.OrderBookUpdated {
	b.mu.Lock()
	b.seq++
	ob, ok := b.books[pair.Key()]
	if !ok {
		ob = market.NewOrderBook(pair)
		b.books[pair.Key()] = ob
	}
	seq := b.seq
	b.mu.Unlock()
	ob.ApplySnapshot(market.Snapshot{Pair: pair, Sequence: seq, Timestamp: ts, Bids: bids, Asks: asks})
	ev := market.OrderBookUpdated{Pair: pair, Sequence: seq, Timestamp: ts, Resynced: true}
	ev.BestBid, ev.HasBid = ob.BestBid()
	ev.BestAsk, ev.HasAsk = ob.BestAsk()
	return ev
}

// Harness 一个或多个假交易所共享同一跟踪器与账本。
type Harness struct {
	Ctx       context.Context
	Tracker   *order.Tracker
	Ledger    *inventory.Ledger
	Books     *Books
	Exchanges map[string]*connectortest.Exchange
	Events    chan event.Event
	Now       time.Time
}

// New 为每个交易所名创建一个假交易所。
func New(t *testing.T, exchanges ...string) *Harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	bus := event.NewBus(nil, nil)
	require.NoError(t, bus.Start(ctx))
	events := make(chan event.Event, 1024)
	bus.SubscribeMany(event.OrderKinds(), func(ev event.Event) { events <- ev })

	cfg := order.DefaultConfig()
	cfg.AckTimeout = 200 * time.Millisecond
	ledger := inventory.NewLedger()
	tr := order.NewTracker(cfg, ledger, bus, nil, nil, nil)
	h := &Harness{
		Ctx:       ctx,
		Tracker:   tr,
		Ledger:    ledger,
		Books:     NewBooks(),
		Exchanges: make(map[string]*connectortest.Exchange),
		Events:    events,
		Now:       time.Now(),
	}
	for _, name := range exchanges {
		ex := connectortest.New(name)
		h.Exchanges[name] = ex
		tr.AddExchange(ex)
		go pump(ctx, ex, tr)
	}
	require.NoError(t, tr.Start(ctx))
	t.Cleanup(func() {
		tr.Stop()
		bus.Stop()
		cancel()
	})
	return h
}

// pump 把假交易所的用户流推送转给跟踪器
func pump(ctx context.Context, ex *connectortest.Exchange, tr *order.Tracker) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-ex.Updates():
			tr.HandleUpdate(u)
		}
	}
}

// Env 策略依赖，时钟固定在 h.Now。
func (h *Harness) Env() strategy.Env {
	return strategy.Env{
		Books:  h.Books,
		Orders: h.Tracker,
		Now:    func() time.Time { return h.Now },
	}
}

func (h *Harness) Fund(exchange, asset, total string) {
	h.Ledger.SetTotal(exchange, asset, decimal.RequireFromString(total))
}

// Live 某实例的未终结订单
func (h *Harness) Live(source string) []order.Order {
	return h.Tracker.ActiveOrders(func(o order.Order) bool { return o.Source == source })
}

// WaitOpen 等待订单被确认。
func (h *Harness) WaitOpen(t *testing.T, source string, n int) []order.Order {
	t.Helper()
	require.Eventually(t, func() bool {
		live := h.Live(source)
		if len(live) != n {
			return false
		}
		for _, o := range live {
			if o.Status != order.StatusOpen && o.Status != order.StatusPartiallyFilled {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond, "expected %d open orders", n)
	return h.Live(source)
}

// WaitLive 等待未终结订单数量变为 n。
func (h *Harness) WaitLive(t *testing.T, source string, n int) []order.Order {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.Live(source)) == n },
		2*time.Second, 5*time.Millisecond, "expected %d live orders", n)
	return h.Live(source)
}

// NextEvent 取下一个指定类型的订单事件。
func (h *Harness) NextEvent(t *testing.T, kind event.Kind) event.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.Events:
			if ev.Kind() == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return nil
		}
	}
}

func D(s string) decimal.Decimal { return decimal.RequireFromString(s) }
