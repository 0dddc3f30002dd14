package connector

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsByKind(t *testing.T) {
	err := fmt.Errorf("place: %w", NewError(KindAuth, "binance", "place", errors.New("bad key")))

	assert.True(t, errors.Is(err, ErrAuthentication))
	assert.False(t, errors.Is(err, ErrNetwork))
	assert.True(t, Fatal(err))
	assert.False(t, Retryable(err))

	k, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindAuth, k)
	assert.Contains(t, err.Error(), "bad key")
}

func TestRetryableKinds(t *testing.T) {
	assert.True(t, Retryable(NewError(KindNetwork, "x", "query", nil)))
	assert.True(t, Retryable(NewError(KindRateLimit, "x", "query", nil)))
	assert.False(t, Retryable(NewError(KindRejected, "x", "place", nil)))
	assert.False(t, Retryable(errors.New("plain")))

	// 直接返回哨兵错误也能识别
	k, ok := KindOf(fmt.Errorf("wrapped: %w", ErrNotFound))
	assert.True(t, ok)
	assert.Equal(t, KindNotFound, k)
}

func TestFeeSchedule(t *testing.T) {
	f := FeeSchedule{Maker: dec("0.001"), Taker: dec("0.015")}
	assert.True(t, f.TakerCost(dec("100")).Equal(dec("1.5")))
	assert.True(t, f.MakerCost(dec("100")).Equal(dec("0.1")))
}
