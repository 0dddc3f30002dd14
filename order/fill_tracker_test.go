package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"trading-engine-go/market"
)

func TestFillTrackerDedupe(t *testing.T) {
	ft := NewFillTracker(10, time.Minute)
	pair := market.NewTradingPair("a", "BTC", "USDT")
	f := Fill{ClientOrderID: "c1", TradeID: "t1", Pair: pair, Amount: dec("1")}
	assert.True(t, ft.Record(f))
	assert.False(t, ft.Record(f))
	assert.True(t, ft.Seen(f))

	other := f
	other.ClientOrderID = "c2"
	assert.True(t, ft.Record(other), "same trade id on another order is distinct")
	assert.Equal(t, 2, ft.Total())
}

func TestFillTrackerWindow(t *testing.T) {
	ft := NewFillTracker(10, time.Minute)
	now := time.Unix(1700000000, 0)
	ft.now = func() time.Time { return now }
	ft.Record(Fill{TradeID: "1", Timestamp: now.Add(-2 * time.Minute)})
	ft.Record(Fill{TradeID: "2", Timestamp: now.Add(-10 * time.Second)})
	ft.Record(Fill{TradeID: "3", Timestamp: now.Add(-5 * time.Second)})

	assert.Len(t, ft.Recent(time.Minute), 2)
	assert.InDelta(t, 2.0, ft.FillRate(), 1e-9)
	ts, ok := ft.LastFill(nil)
	assert.True(t, ok)
	assert.Equal(t, now.Add(-5*time.Second), ts)
}
