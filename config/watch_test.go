package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine-go/strategy"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	w, err := NewWatcher(path, 20*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan AppConfig, 4)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, func(cfg AppConfig) { updates <- cfg }) }()

	// 无效配置不回调
	require.NoError(t, os.WriteFile(path, []byte("env: \"\"\n"), 0o644))
	select {
	case <-updates:
		t.Fatal("invalid config must not be delivered")
	case <-time.After(150 * time.Millisecond):
	}

	edited := sampleConfigWith("0.02")
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))
	select {
	case cfg := <-updates:
		require.Len(t, cfg.Strategies, 1)
		assert.Equal(t, "0.02", cfg.Strategies[0].BidSpread.String())
	case <-time.After(2 * time.Second):
		t.Fatal("expected update callback")
	}
	assert.False(t, w.LastReload().IsZero())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestChangedStrategies(t *testing.T) {
	a := strategy.Config{Name: "a", Type: strategy.PureMarketMaking, Market: "binance:BTC-USDT"}
	b := strategy.Config{Name: "b", Type: strategy.PureMarketMaking, Market: "binance:ETH-USDT"}
	prev := AppConfig{Strategies: []strategy.Config{a, b}}

	a2 := a
	a2.BidSpread = a2.BidSpread.Add(one)
	c := strategy.Config{Name: "c", Type: strategy.Arbitrage}
	next := AppConfig{Strategies: []strategy.Config{a2, b, c}}

	changed := ChangedStrategies(prev, next)
	require.Len(t, changed, 1)
	assert.Equal(t, "a", changed[0].Name)
}
