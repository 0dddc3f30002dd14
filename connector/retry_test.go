package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine-go/internal/backoff"
	"trading-engine-go/inventory"
	"trading-engine-go/market"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// flakyExchange 前 failures 次调用返回 err。
type flakyExchange struct {
	failures int
	err      error
	calls    map[string]int
}

func newFlaky(failures int, err error) *flakyExchange {
	return &flakyExchange{failures: failures, err: err, calls: map[string]int{}}
}

func (f *flakyExchange) fail(op string) error {
	f.calls[op]++
	if f.calls[op] <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyExchange) Name() string { return "flaky" }
func (f *flakyExchange) Fees() FeeSchedule { return FeeSchedule{} }
func (f *flakyExchange) PlaceOrder(ctx context.Context, req PlaceRequest) (string, error) {
	if err := f.fail("place"); err != nil {
		return "", err
	}
	return "ex-1", nil
}
func (f *flakyExchange) CancelOrder(ctx context.Context, ref OrderRef) error { return f.fail("cancel") }
func (f *flakyExchange) QueryOrder(ctx context.Context, ref OrderRef) (OrderState, error) {
	if err := f.fail("query"); err != nil {
		return OrderState{}, err
	}
	return OrderState{Ref: ref, Status: RemoteOpen}, nil
}
func (f *flakyExchange) GetBalances(ctx context.Context) (map[string]inventory.Balance, error) {
	if err := f.fail("balances"); err != nil {
		return nil, err
	}
	return map[string]inventory.Balance{"USDT": {Asset: "USDT", Total: dec("1")}}, nil
}
func (f *flakyExchange) FetchSnapshot(ctx context.Context, pair market.TradingPair) (market.Snapshot, error) {
	if err := f.fail("snapshot"); err != nil {
		return market.Snapshot{}, err
	}
	return market.Snapshot{Pair: pair, Sequence: 7}, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{
		RequestsPerSecond: 1000,
		Burst:             100,
		MaxAttempts:       3,
		Backoff:           backoff.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond},
	}
}

func TestRetryRecoversFromNetworkErrors(t *testing.T) {
	f := newFlaky(2, NewError(KindNetwork, "flaky", "query", errors.New("reset")))
	r := WithRetry(f, fastRetry(), nil, nil)

	st, err := r.QueryOrder(context.Background(), OrderRef{ClientOrderID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, RemoteOpen, st.Status)
	assert.Equal(t, 3, f.calls["query"])

	snap, err := r.FetchSnapshot(context.Background(), market.NewTradingPair("x", "a", "b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), snap.Sequence)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFlaky(10, NewError(KindNetwork, "flaky", "cancel", errors.New("timeout")))
	r := WithRetry(f, fastRetry(), nil, nil)

	err := r.CancelOrder(context.Background(), OrderRef{})
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, 3, f.calls["cancel"])
}

func TestRetryNeverRetriesAuthOrRejected(t *testing.T) {
	f := newFlaky(1, NewError(KindAuth, "flaky", "balances", nil))
	r := WithRetry(f, fastRetry(), nil, nil)
	_, err := r.GetBalances(context.Background())
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, 1, f.calls["balances"])
}

func TestPlaceOrderOnlyRetriesRateLimit(t *testing.T) {
	f := newFlaky(1, NewError(KindNetwork, "flaky", "place", errors.New("eof")))
	r := WithRetry(f, fastRetry(), nil, nil)
	_, err := r.PlaceOrder(context.Background(), PlaceRequest{ClientOrderID: "c1"})
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, 1, f.calls["place"], "network error on place must not be resubmitted")

	limited := &Error{Kind: KindRateLimit, Exchange: "flaky", Op: "place", RetryAfter: 2 * time.Millisecond}
	f2 := newFlaky(2, limited)
	r2 := WithRetry(f2, fastRetry(), nil, nil)
	id, err := r2.PlaceOrder(context.Background(), PlaceRequest{ClientOrderID: "c2"})
	require.NoError(t, err)
	assert.Equal(t, "ex-1", id)
	assert.Equal(t, 3, f2.calls["place"])
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	f := newFlaky(100, NewError(KindNetwork, "flaky", "query", nil))
	cfg := fastRetry()
	cfg.MaxAttempts = 100
	cfg.Backoff = backoff.Backoff{Min: time.Second, Max: time.Second}
	r := WithRetry(f, cfg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := r.QueryOrder(ctx, OrderRef{})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
