package order

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine-go/connector"
	"trading-engine-go/connector/connectortest"
	"trading-engine-go/event"
	"trading-engine-go/infrastructure/alert"
	"trading-engine-go/inventory"
	"trading-engine-go/market"
)

var testPair = market.NewTradingPair("ex", "BTC", "USDT")

type fixture struct {
	tr     *Tracker
	ex     *connectortest.Exchange
	ledger *inventory.Ledger
	events chan event.Event
	alerts *alert.RecordingChannel
	ctx    context.Context
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	bus := event.NewBus(nil, nil)
	require.NoError(t, bus.Start(ctx))
	events := make(chan event.Event, 256)
	bus.SubscribeMany(event.OrderKinds(), func(ev event.Event) { events <- ev })

	rec := alert.NewRecordingChannel("rec")
	ledger := inventory.NewLedger()
	ledger.SetTotal("ex", "USDT", dec("1000"))
	ledger.SetTotal("ex", "BTC", dec("2"))

	ex := connectortest.New("ex")
	tr := NewTracker(cfg, ledger, bus, nil, nil, alert.NewManager([]alert.Channel{rec}, 0))
	tr.AddExchange(ex)
	require.NoError(t, tr.Start(ctx))
	t.Cleanup(func() {
		tr.Stop()
		bus.Stop()
		cancel()
	})
	return &fixture{tr: tr, ex: ex, ledger: ledger, events: events, alerts: rec, ctx: ctx}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.AckTimeout = 50 * time.Millisecond
	cfg.QueryBackoff.Min = 10 * time.Millisecond
	cfg.QueryBackoff.Max = 20 * time.Millisecond
	return cfg
}

func (f *fixture) submit(t *testing.T, side market.Side, price, amount string) string {
	t.Helper()
	h, err := f.tr.Submit(f.ctx, Intent{Pair: testPair, Side: side, Price: dec(price), Amount: dec(amount), Source: "test"})
	require.NoError(t, err)
	return h.ClientOrderID
}

func (f *fixture) waitStatus(t *testing.T, cid string, want Status) Order {
	t.Helper()
	require.Eventually(t, func() bool {
		o, ok := f.tr.Order(cid)
		return ok && o.Status == want
	}, 2*time.Second, 5*time.Millisecond, "order %s never reached %s", cid, want)
	o, _ := f.tr.Order(cid)
	return o
}

func (f *fixture) waitEvent(t *testing.T, kind event.Kind) event.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.events:
			if ev.Kind() == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return nil
		}
	}
}

func (f *fixture) fill(cid, tradeID, price, amount string) {
	f.tr.HandleUpdate(connector.OrderUpdate{
		Exchange:  "ex",
		Kind:      connector.UpdateFill,
		Ref:       connector.OrderRef{ClientOrderID: cid},
		TradeID:   tradeID,
		Price:     dec(price),
		Amount:    dec(amount),
		Fee:       dec("0"),
		Timestamp: time.Now(),
	})
}

func assertBalanced(t *testing.T, l *inventory.Ledger) {
	t.Helper()
	for _, b := range l.Snapshot("ex") {
		assert.True(t, b.Available().Add(b.Locked).Equal(b.Total), "%s: available+locked != total", b.Asset)
		assert.False(t, b.Locked.IsNegative(), "%s locked negative", b.Asset)
	}
}

func TestSubmitLocksBalanceAndOpens(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	buy := f.submit(t, market.Buy, "100", "2")
	o := f.waitStatus(t, buy, StatusOpen)
	assert.Equal(t, "ex-1", o.ExchangeOrderID)
	created := f.waitEvent(t, event.OrderCreated).(OrderCreated)
	assert.Equal(t, buy, created.Order.ClientOrderID)
	assert.Equal(t, "test", created.Order.Source)

	usdt := f.tr.Balance("ex", "USDT")
	assert.True(t, usdt.Locked.Equal(dec("200")))
	assert.True(t, usdt.Available().Equal(dec("800")))

	sell := f.submit(t, market.Sell, "110", "1.5")
	f.waitStatus(t, sell, StatusOpen)
	assert.True(t, f.tr.Balance("ex", "BTC").Locked.Equal(dec("1.5")))
	assert.Len(t, f.tr.ActiveOrders(nil), 2)
	assertBalanced(t, f.ledger)
}

func TestInsufficientBalanceMakesNoNetworkCall(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	_, err := f.tr.Submit(f.ctx, Intent{Pair: testPair, Side: market.Buy, Price: dec("100"), Amount: dec("20")})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	var ibe *InsufficientBalanceError
	require.True(t, errors.As(err, &ibe))
	assert.Equal(t, "USDT", ibe.Asset)
	assert.Equal(t, 0, f.ex.Calls("place"))

	// 已锁定部分计入
	f.submit(t, market.Buy, "100", "6")
	_, err = f.tr.Submit(f.ctx, Intent{Pair: testPair, Side: market.Buy, Price: dec("100"), Amount: dec("5")})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Eventually(t, func() bool { return f.ex.Calls("place") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), f.tr.Stats().Rejected)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.tr.SetConstraints(testPair, SymbolConstraints{TickSize: dec("0.5")})

	_, err := f.tr.Submit(f.ctx, Intent{Pair: testPair, Side: market.Buy, Price: dec("100.1"), Amount: dec("1")})
	assert.ErrorIs(t, err, ErrConstraintViolation)
	_, err = f.tr.Submit(f.ctx, Intent{Pair: testPair, Side: market.Buy, Price: dec("100"), Amount: dec("0")})
	assert.ErrorIs(t, err, ErrInvalidIntent)
	_, err = f.tr.Submit(f.ctx, Intent{Pair: market.NewTradingPair("nope", "BTC", "USDT"), Side: market.Buy, Price: dec("1"), Amount: dec("1")})
	assert.ErrorIs(t, err, ErrUnknownExchange)
	assert.Equal(t, 0, f.ex.Calls("place"))
}

func TestCancelBeforeAckIsDeferred(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	release := make(chan struct{})
	f.ex.OnPlace(func(ctx context.Context, req connector.PlaceRequest) (string, error) {
		select {
		case <-release:
			return f.ex.AcceptPlace(req), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	cid := f.submit(t, market.Buy, "100", "1")
	require.NoError(t, f.tr.Cancel(f.ctx, cid))
	o, ok := f.tr.Order(cid)
	require.True(t, ok)
	assert.Equal(t, StatusPendingCreate, o.Status)
	assert.True(t, o.CancelRequested)
	assert.Equal(t, 0, f.ex.Calls("cancel"))

	close(release)
	f.waitStatus(t, cid, StatusCancelled)
	reqs := f.ex.CancelRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "ex-1", reqs[0].ExchangeOrderID)
	assert.True(t, f.tr.Balance("ex", "USDT").Locked.IsZero())
	f.waitEvent(t, event.OrderCancelled)
}

func TestCancelTimeoutResolvesThroughQuery(t *testing.T) {
	f := newFixture(t, fastConfig())
	var cancels atomic.Int32
	f.ex.OnCancel(func(ctx context.Context, ref connector.OrderRef) error {
		if cancels.Add(1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return f.ex.AcceptCancel(ref)
	})

	cid := f.submit(t, market.Sell, "100", "1")
	f.waitStatus(t, cid, StatusOpen)
	require.NoError(t, f.tr.Cancel(f.ctx, cid))

	f.waitStatus(t, cid, StatusCancelled)
	assert.Equal(t, int32(2), cancels.Load())
	assert.GreaterOrEqual(t, f.ex.Calls("query"), 1)
	assert.Equal(t, int64(1), f.tr.Stats().Ambiguous)
	assert.True(t, f.tr.Balance("ex", "BTC").Locked.IsZero())
}

func TestPlaceTimeoutNotFoundFails(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.ex.OnPlace(func(ctx context.Context, req connector.PlaceRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	cid := f.submit(t, market.Buy, "100", "1")
	o := f.waitStatus(t, cid, StatusFailed)
	assert.True(t, strings.Contains(o.LastError, "not found"), o.LastError)
	failed := f.waitEvent(t, event.OrderFailed).(OrderFailed)
	assert.Equal(t, cid, failed.Order.ClientOrderID)
	assert.True(t, f.tr.Balance("ex", "USDT").Locked.IsZero())
	assert.Empty(t, f.tr.ActiveOrders(nil))
}

func TestAmbiguousPlaceResolvedAsFilled(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.ex.OnPlace(func(ctx context.Context, req connector.PlaceRequest) (string, error) {
		f.ex.AcceptPlace(req)
		f.ex.SetRemoteStatus(req.ClientOrderID, connector.RemoteFilled, req.Amount.String())
		return "", connector.NewError(connector.KindNetwork, "ex", "place", errors.New("connection reset"))
	})

	cid := f.submit(t, market.Buy, "100", "1")
	o := f.waitStatus(t, cid, StatusFilled)
	assert.True(t, o.Filled.Equal(dec("1")))
	filled := f.waitEvent(t, event.OrderFilled).(OrderFilled)
	assert.True(t, strings.HasPrefix(filled.Fill.TradeID, "query:"))

	assert.True(t, f.tr.Balance("ex", "BTC").Total.Equal(dec("3")))
	assert.True(t, f.tr.Balance("ex", "USDT").Total.Equal(dec("900")))
	assertBalanced(t, f.ledger)
}

func TestFillsAreDedupedAndCapped(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	cid := f.submit(t, market.Sell, "100", "1")
	f.waitStatus(t, cid, StatusOpen)

	f.fill(cid, "t1", "100", "0.6")
	f.fill(cid, "t1", "100", "0.6")
	o := f.waitStatus(t, cid, StatusPartiallyFilled)
	assert.True(t, o.Filled.Equal(dec("0.6")))
	assert.True(t, f.tr.Balance("ex", "BTC").Locked.Equal(dec("0.4")))

	f.fill(cid, "t2", "101", "0.6")
	o = f.waitStatus(t, cid, StatusFilled)
	assert.True(t, o.Filled.Equal(o.Amount))
	assert.True(t, o.AvgFillPrice.Equal(dec("100.4")))

	st := f.tr.Stats()
	assert.Equal(t, int64(1), st.DuplicateFills)
	assert.Equal(t, int64(1), st.Overfills)
	btc := f.tr.Balance("ex", "BTC")
	assert.True(t, btc.Total.Equal(dec("1")))
	assert.True(t, btc.Locked.IsZero())
	assert.True(t, f.tr.Balance("ex", "USDT").Total.Equal(dec("1100.4")))
	assert.True(t, f.tr.Position(testPair).NetExposure().Equal(dec("-1")))
	assertBalanced(t, f.ledger)
}

func TestFillBeforeAckActsAsAck(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	release := make(chan struct{})
	f.ex.OnPlace(func(ctx context.Context, req connector.PlaceRequest) (string, error) {
		select {
		case <-release:
			return f.ex.AcceptPlace(req), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	cid := f.submit(t, market.Buy, "100", "1")
	f.fill(cid, "t1", "100", "0.4")
	f.waitStatus(t, cid, StatusPartiallyFilled)

	created := f.waitEvent(t, event.OrderCreated).(OrderCreated)
	assert.Equal(t, cid, created.Order.ClientOrderID)
	f.waitEvent(t, event.OrderFilled)

	close(release)
	require.Eventually(t, func() bool {
		o, _ := f.tr.Order(cid)
		return o.ExchangeOrderID == "ex-1"
	}, time.Second, 5*time.Millisecond)
	o, _ := f.tr.Order(cid)
	assert.Equal(t, StatusPartiallyFilled, o.Status)
}

func TestAuthFailureDisablesExchange(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.ex.OnPlace(func(ctx context.Context, req connector.PlaceRequest) (string, error) {
		return "", connector.NewError(connector.KindAuth, "ex", "place", errors.New("invalid api key"))
	})

	cid := f.submit(t, market.Buy, "100", "1")
	f.waitStatus(t, cid, StatusFailed)

	_, err := f.tr.Submit(f.ctx, Intent{Pair: testPair, Side: market.Buy, Price: dec("100"), Amount: dec("1")})
	require.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, 1, f.ex.Calls("place"))
	require.Equal(t, 1, f.alerts.Count())
	assert.Equal(t, alert.LevelCritical, f.alerts.Alerts()[0].Level)

	f.ex.OnPlace(nil)
	require.NoError(t, f.tr.ResetAuthentication(f.ctx, "ex"))
	cid = f.submit(t, market.Buy, "100", "1")
	f.waitStatus(t, cid, StatusOpen)
}

func TestLateFillOnCancelledOrderIsAccounted(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	cid := f.submit(t, market.Buy, "100", "1")
	f.waitStatus(t, cid, StatusOpen)
	require.NoError(t, f.tr.Cancel(f.ctx, cid))
	f.waitStatus(t, cid, StatusCancelled)

	f.fill(cid, "late", "100", "0.5")
	require.Eventually(t, func() bool {
		return f.tr.Balance("ex", "BTC").Total.Equal(dec("2.5"))
	}, time.Second, 5*time.Millisecond)
	o, _ := f.tr.Order(cid)
	assert.Equal(t, StatusCancelled, o.Status)
	assert.True(t, o.Filled.Equal(dec("0.5")))
	assertBalanced(t, f.ledger)
}

func TestCancelUnknownOrder(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	assert.ErrorIs(t, f.tr.Cancel(f.ctx, "missing"), ErrUnknownOrder)
}

func TestCancelAll(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	a := f.submit(t, market.Buy, "100", "1")
	b := f.submit(t, market.Sell, "110", "1")
	f.waitStatus(t, a, StatusOpen)
	f.waitStatus(t, b, StatusOpen)

	n, err := f.tr.CancelAll(f.ctx, func(o Order) bool { return o.Side == market.Sell })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.waitStatus(t, b, StatusCancelled)

	n, err = f.tr.CancelAll(f.ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.waitStatus(t, a, StatusCancelled)
}

func TestReconcilerSweepAppliesMissedUpdates(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	cid := f.submit(t, market.Buy, "100", "1")
	f.waitStatus(t, cid, StatusOpen)
	f.ex.SetRemoteStatus(cid, connector.RemoteCancelled, "0.25")

	rec := NewReconciler(f.tr, ReconcilerConfig{Interval: time.Hour}, nil)
	require.NoError(t, rec.Reconcile(f.ctx))

	o := f.waitStatus(t, cid, StatusCancelled)
	assert.True(t, o.Filled.Equal(dec("0.25")))
	assert.True(t, f.tr.Balance("ex", "BTC").Total.Equal(dec("2.25")))
	stats := rec.GetStatistics()
	assert.Equal(t, int64(1), stats.TotalReconciliations)
	assert.Equal(t, int64(1), stats.OrdersQueried)
}

func TestStreamFillAfterQueriedFillIsNotCountedTwice(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	cid := f.submit(t, market.Buy, "100", "1")
	f.waitStatus(t, cid, StatusOpen)
	f.ex.SetRemoteStatus(cid, connector.RemoteOpen, "0.4")

	rec := NewReconciler(f.tr, ReconcilerConfig{Interval: time.Hour}, nil)
	require.NoError(t, rec.Reconcile(f.ctx))
	o := f.waitStatus(t, cid, StatusPartiallyFilled)
	require.True(t, o.Filled.Equal(dec("0.4")))

	// 同一笔成交随后从推送到达，附带真实 TradeID
	f.fill(cid, "t1", "100", "0.4")
	f.fill(cid, "t1", "100", "0.4")
	f.fill(cid, "t2", "100", "0.1")
	require.Eventually(t, func() bool {
		o, _ := f.tr.Order(cid)
		return o.Filled.Equal(dec("0.5"))
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, f.tr.Balance("ex", "BTC").Total.Equal(dec("2.5")))
	assert.True(t, f.tr.Balance("ex", "USDT").Total.Equal(dec("950")))
	assert.True(t, f.tr.Position(testPair).NetExposure().Equal(dec("0.5")))
	assertBalanced(t, f.ledger)
}

func TestSweepRacingStreamKeepsFilledConsistent(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	cid := f.submit(t, market.Sell, "100", "1")
	f.waitStatus(t, cid, StatusOpen)

	f.fill(cid, "t1", "100", "0.2")
	f.waitStatus(t, cid, StatusPartiallyFilled)
	// 交易所侧已成交 0.4，第二笔推送尚未到达
	f.ex.SetRemoteStatus(cid, connector.RemoteOpen, "0.4")
	rec := NewReconciler(f.tr, ReconcilerConfig{Interval: time.Hour}, nil)
	require.NoError(t, rec.Reconcile(f.ctx))
	require.Eventually(t, func() bool {
		o, _ := f.tr.Order(cid)
		return o.Filled.Equal(dec("0.4"))
	}, 2*time.Second, 5*time.Millisecond)

	f.fill(cid, "t2", "100", "0.2")
	require.NoError(t, f.tr.Cancel(f.ctx, cid))
	o := f.waitStatus(t, cid, StatusCancelled)
	assert.True(t, o.Filled.Equal(dec("0.4")), "filled %s", o.Filled)
	assert.True(t, f.tr.Balance("ex", "BTC").Total.Equal(dec("1.6")))
	assert.True(t, f.tr.Balance("ex", "USDT").Total.Equal(dec("1040")))

	history := f.tr.History()
	require.Len(t, history, 1)
	assert.Equal(t, cid, history[0].ClientOrderID)
	assert.True(t, history[0].Filled.Equal(dec("0.4")))
	assertBalanced(t, f.ledger)
}

func TestLateStreamFillAfterQueriedCancelIsAbsorbed(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	cid := f.submit(t, market.Buy, "100", "1")
	f.waitStatus(t, cid, StatusOpen)
	f.ex.SetRemoteStatus(cid, connector.RemoteCancelled, "0.3")

	rec := NewReconciler(f.tr, ReconcilerConfig{Interval: time.Hour}, nil)
	require.NoError(t, rec.Reconcile(f.ctx))
	f.waitStatus(t, cid, StatusCancelled)

	f.fill(cid, "t1", "100", "0.3")
	f.fill(cid, "t2", "100", "0.1")
	require.Eventually(t, func() bool {
		o, _ := f.tr.Order(cid)
		return o.Filled.Equal(dec("0.4"))
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, f.tr.Balance("ex", "BTC").Total.Equal(dec("2.4")))
}

func TestReconcilerLoop(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	rec := NewReconciler(f.tr, ReconcilerConfig{Interval: 10 * time.Millisecond}, nil)
	require.NoError(t, rec.Start(f.ctx))
	require.Eventually(t, func() bool {
		return rec.GetStatistics().TotalReconciliations >= 2
	}, time.Second, 5*time.Millisecond)
	rec.Stop()
}

func TestSyncBalancesKeepsLocks(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.ex.SetBalance("USDT", "1500").SetBalance("BTC", "2")
	cid := f.submit(t, market.Buy, "100", "1")
	f.waitStatus(t, cid, StatusOpen)

	require.NoError(t, f.tr.SyncBalances(f.ctx))
	usdt := f.tr.Balance("ex", "USDT")
	assert.True(t, usdt.Total.Equal(dec("1500")))
	assert.True(t, usdt.Locked.Equal(dec("100")))

	f.ex.SetBalanceError(connector.NewError(connector.KindAuth, "ex", "balances", errors.New("expired")))
	require.ErrorIs(t, f.tr.SyncBalances(f.ctx), ErrAuthentication)
	require.Eventually(t, func() bool {
		ok, err := f.tr.Authenticated(f.ctx, "ex")
		return err == nil && !ok
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitAfterStop(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.tr.Stop()
	_, err := f.tr.Submit(f.ctx, Intent{Pair: testPair, Side: market.Buy, Price: dec("1"), Amount: dec("1")})
	assert.ErrorIs(t, err, ErrTrackerStopped)
}
