package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine-go/internal/backoff"
)

// 每个连接收到订阅后推送一条 diff 然后断开，用来验证重连。
func TestWSStreamReconnectsAndDecodes(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		n := conns.Add(1)
		var sub map[string]interface{}
		if err := c.ReadJSON(&sub); err != nil {
			return
		}
		msg := `{"type":"diff","symbol":"BTC-USDT","seq":` + strconv.Itoa(int(n)) + `,"bids":[["100","1"]]}`
		if n > 2 {
			msg = `{"type":"ping"}`
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte(msg))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"order","symbol":"BTC-USDT","event":"cancelled","client_order_id":"c1"}`))
		time.Sleep(10 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := WSConfig{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		Subscribe: []interface{}{map[string]string{"op": "subscribe"}},
		Backoff:   backoff.Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond},
	}
	s := NewWSStream("binance", cfg, JSONDecoder("binance"), nil, nil)

	connected := make(chan struct{}, 10)
	s.OnConnected(func() { connected <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for want := uint64(1); want <= 2; want++ {
		select {
		case m := <-s.Messages():
			require.NotNil(t, m.Diff)
			assert.Equal(t, want, m.Diff.Sequence)
		case <-time.After(2 * time.Second):
			t.Fatalf("no message %d", want)
		}
		select {
		case u := <-s.Updates():
			assert.Equal(t, UpdateCancelled, u.Kind)
		case <-time.After(2 * time.Second):
			t.Fatal("no order update")
		}
	}
	assert.GreaterOrEqual(t, len(connected), 2)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWSStreamGivesUpAfterMaxRetries(t *testing.T) {
	cfg := WSConfig{
		URL:        "ws://127.0.0.1:1/none",
		MaxRetries: 2,
		Backoff:    backoff.Backoff{Min: time.Millisecond, Max: time.Millisecond},
	}
	s := NewWSStream("dead", cfg, JSONDecoder("dead"), nil, nil)
	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
	assert.False(t, s.Connected())
}
