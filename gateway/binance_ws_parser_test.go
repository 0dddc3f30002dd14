package gateway

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine-go/connector"
	"trading-engine-go/market"
)

func TestParseCombinedDepth(t *testing.T) {
	raw := []byte(`{
		"stream":"btcusdt@depth20@100ms",
		"data":{
		  "lastUpdateId":160,
		  "bids":[["100.1","1.2"],["100.0","2"]],
		  "asks":[["100.2","1.1"],["100.3","2.2"]]
		}
	}`)
	sym, depth, err := ParseCombinedDepth(raw)
	if err != nil {
		t.Fatalf("parse err: %v", err)
	}
	if sym != "BTCUSDT" || depth.LastUpdateID != 160 || len(depth.Bids) != 2 {
		t.Fatalf("unexpected parse result: %s %+v", sym, depth)
	}
}

func TestDecoderDepthBecomesSnapshot(t *testing.T) {
	dec := Decoder("binance", []market.TradingPair{pair})
	f, err := dec([]byte(`{"stream":"btcusdt@depth20@100ms","data":{"lastUpdateId":7,"bids":[["99","1"]],"asks":[["101","2"]]}}`))
	require.NoError(t, err)
	require.Len(t, f.Market, 1)
	m := f.Market[0]
	assert.Equal(t, market.KindSnapshot, m.Kind)
	assert.Equal(t, pair, m.Pair)
	assert.EqualValues(t, 7, m.Sequence)
	assert.Equal(t, "101", m.Snapshot.Asks[0].Price.String())

	// 未订阅的交易对忽略
	f, err = dec([]byte(`{"stream":"ethusdt@depth20@100ms","data":{"lastUpdateId":1,"bids":[],"asks":[]}}`))
	require.NoError(t, err)
	assert.Empty(t, f.Market)
}

func TestDecoderTrade(t *testing.T) {
	dec := Decoder("binance", []market.TradingPair{pair})
	f, err := dec([]byte(`{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000000,"s":"BTCUSDT","t":12345,"p":"100.5","q":"0.3","T":1700000000001,"m":true,"M":true}}`))
	require.NoError(t, err)
	require.Len(t, f.Market, 1)
	tr := f.Market[0].Trade
	require.NotNil(t, tr)
	assert.Equal(t, "12345", tr.TradeID)
	assert.Equal(t, market.Sell, tr.Side, "buyer is maker so the taker sold")
	assert.Equal(t, "0.3", tr.Amount.String())
}

func TestDecoderExecutionReports(t *testing.T) {
	dec := Decoder("binance", []market.TradingPair{pair})
	report := func(fields string) []byte {
		return []byte(`{"stream":"listenkey","data":{"e":"executionReport","E":1700000000000,"s":"BTCUSDT","c":"cid","S":"BUY","i":1001,` + fields + `}}`)
	}

	f, err := dec(report(`"x":"TRADE","X":"PARTIALLY_FILLED","t":9,"l":"0.1","L":"100","n":"0.0001","N":"BTC","T":1700000000002`))
	require.NoError(t, err)
	require.Len(t, f.Orders, 1)
	u := f.Orders[0]
	assert.Equal(t, connector.UpdateFill, u.Kind)
	assert.Equal(t, "cid", u.Ref.ClientOrderID)
	assert.Equal(t, "1001", u.Ref.ExchangeOrderID)
	assert.Equal(t, "9", u.TradeID)
	assert.Equal(t, "0.1", u.Amount.String())
	assert.Equal(t, "100", u.Price.String())
	assert.Equal(t, "BTC", u.FeeAsset)

	f, err = dec(report(`"x":"CANCELED","X":"CANCELED","C":"orig"`))
	require.NoError(t, err)
	require.Len(t, f.Orders, 1)
	assert.Equal(t, connector.UpdateCancelled, f.Orders[0].Kind)
	assert.Equal(t, "orig", f.Orders[0].Ref.ClientOrderID)

	f, err = dec(report(`"x":"NEW","X":"NEW"`))
	require.NoError(t, err)
	assert.Empty(t, f.Orders)
}

func TestStreamURLs(t *testing.T) {
	u := DepthStreamURL(BinanceWSEndpoint, []market.TradingPair{pair})
	assert.True(t, strings.HasSuffix(u, "/stream?streams=btcusdt@depth20@100ms/btcusdt@trade"), u)
	assert.True(t, strings.HasPrefix(u, "wss://stream.binance.com:9443"), u)
	assert.True(t, strings.HasSuffix(UserStreamURL(BinanceWSEndpoint, "abc"), "streams=abc"))
}
