package inventory

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestLedgerLocksReplaceAndAvailable(t *testing.T) {
	l := NewLedger()
	l.SetTotal("kraken", "btc", dec("2"))
	l.SetTotal("kraken", "USD", dec("5000"))

	l.SetLocks("kraken", map[string]decimal.Decimal{"BTC": dec("0.5"), "USD": dec("1000")})
	assert.True(t, l.Available("kraken", "BTC").Equal(dec("1.5")))

	// 撤单后 USD 不再出现在占用表里，应归零
	l.SetLocks("kraken", map[string]decimal.Decimal{"BTC": dec("0.5")})
	usd := l.Balance("kraken", "USD")
	assert.True(t, usd.Locked.IsZero())
	assert.True(t, usd.Available().Add(usd.Locked).Equal(usd.Total))

	l.AddTotal("kraken", "BTC", dec("-0.25"))
	assert.True(t, l.Balance("kraken", "BTC").Total.Equal(dec("1.75")))

	snap := l.Snapshot("kraken")
	assert.Len(t, snap, 2)
	assert.Equal(t, "BTC", snap[0].Asset)
	assert.Equal(t, []string{"kraken"}, l.Exchanges())
}

func TestLedgerUnknownAssetIsZero(t *testing.T) {
	l := NewLedger()
	b := l.Balance("x", "eth")
	assert.Equal(t, "ETH", b.Asset)
	assert.True(t, b.Available().IsZero())
}

func TestLedgerConcurrentReaders(t *testing.T) {
	l := NewLedger()
	l.SetTotal("x", "USDT", dec("100"))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.AddTotal("x", "USDT", dec("1"))
				_ = l.Snapshot("x")
			}
		}()
	}
	wg.Wait()
	assert.True(t, l.Balance("x", "USDT").Total.Equal(dec("900")))
}
